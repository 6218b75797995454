package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSMessage represents a message received from NATS
type NATSMessage struct {
	Subject string
	Reply   string
	Data    []byte
}

// NATSClient wraps the NATS connection for the key manager
type NATSClient struct {
	conn          *nats.Conn
	config        *NATSConfig
	subscriptions []*nats.Subscription
	mu            sync.Mutex
}

// NewNATSClient creates a new NATS client and connects
func NewNATSClient(config *NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name("nestvault-key-manager"),
		nats.ReconnectWait(time.Duration(config.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Warn().Msg("NATS connection closed")
		}),
	}

	// Use credentials file if available
	if config.CredentialsFile != "" {
		if _, err := os.Stat(config.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(config.CredentialsFile))
		} else {
			log.Warn().Str("file", config.CredentialsFile).Msg("NATS credentials file not found, connecting without auth")
		}
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")

	return &NATSClient{
		conn:   conn,
		config: config,
	}, nil
}

// Subscribe subscribes to a subject and forwards messages to the channel
func (c *NATSClient) Subscribe(subject string, msgChan chan *NATSMessage) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case msgChan <- &NATSMessage{
			Subject: msg.Subject,
			Reply:   msg.Reply,
			Data:    msg.Data,
		}:
		default:
			log.Warn().Str("subject", msg.Subject).Msg("Message channel full, dropping message")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, sub)
	c.mu.Unlock()

	log.Debug().Str("subject", subject).Msg("Subscribed to NATS subject")
	return nil
}

// Publish publishes a message to a subject
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Request sends a request and waits for a response
func (c *NATSClient) Request(subject string, data []byte, timeout time.Duration) ([]byte, error) {
	msg, err := c.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", subject, err)
	}
	return msg.Data, nil
}

// Close unsubscribes and closes the connection
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("Failed to unsubscribe")
		}
	}
	c.subscriptions = nil

	if c.conn != nil {
		c.conn.Close()
	}
}

// IsConnected returns whether the client is connected
func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Status returns a human-readable connection status
func (c *NATSClient) Status() string {
	if c.conn == nil {
		return "not initialized"
	}
	switch c.conn.Status() {
	case nats.CONNECTED:
		return "connected"
	case nats.CONNECTING:
		return "connecting"
	case nats.RECONNECTING:
		return "reconnecting"
	case nats.CLOSED:
		return "closed"
	case nats.DISCONNECTED:
		return "disconnected"
	default:
		return "unknown"
	}
}
