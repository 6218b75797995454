package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/nestvault/key-manager.yaml", "Path to configuration file")
	devMode := flag.Bool("dev-mode", false, "Run in development mode (relaxed hardening, console logs)")
	natsURL := flag.String("nats-url", "", "Override NATS server URL")
	keystorePath := flag.String("keystore", "", "Override keystore database path")
	logLevel := flag.String("log-level", "", "Override log level (trace, debug, info, warn, error)")
	generateStoreKey := flag.Bool("generate-store-key", false, "Generate a KMS-sealed store key, print it, and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nestvault-key-manager %s\n", Version)
		return
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flag overrides
	if *devMode {
		cfg.DevMode = true
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if *keystorePath != "" {
		cfg.Keystore.Path = *keystorePath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	setupLogging(cfg)

	if *generateStoreKey {
		if err := runGenerateStoreKey(cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to generate store key")
		}
		return
	}

	log.Info().
		Str("version", Version).
		Bool("dev_mode", cfg.DevMode).
		Msg("Starting nestvault key manager")

	if err := EnforceHardening(cfg.DevMode); err != nil {
		log.Fatal().Err(err).Msg("Failed to harden process")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := NewService(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize service")
	}
	defer svc.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := svc.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Service exited with error")
	}

	log.Info().Msg("Key manager stopped")
}

// setupLogging configures zerolog. Dev mode gets human-readable console
// output; production emits structured JSON.
func setupLogging(cfg *Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	log.Logger = log.Logger.With().Str("service", "key-manager").Logger()
}

// runGenerateStoreKey generates a fresh 256-bit data key sealed to the
// configured KMS key and prints the sealed blob. The plaintext half is
// wiped; only KMS can recover it.
func runGenerateStoreKey(cfg *Config) error {
	if cfg.KMS.KeyARN == "" {
		return fmt.Errorf("kms.key_arn is required to generate a sealed key")
	}

	kmsClient, err := NewKMSClient(cfg.KMS.Region, cfg.KMS.KeyARN)
	if err != nil {
		return fmt.Errorf("failed to create KMS client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), kmsRequestTimeout)
	defer cancel()

	plaintext, sealed, err := kmsClient.GenerateDataKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to generate data key: %w", err)
	}
	for i := range plaintext {
		plaintext[i] = 0
	}

	fmt.Println(base64.StdEncoding.EncodeToString(sealed))
	log.Info().
		Str("key_arn", cfg.KMS.KeyARN).
		Int("sealed_bytes", len(sealed)).
		Msg("Generated sealed store key")
	return nil
}
