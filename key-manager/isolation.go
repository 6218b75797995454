package main

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// EnforceHardening applies process-level protections for key material:
// locked memory (no swap), no core dumps, and no privilege escalation.
// Failures degrade to warnings so the daemon still runs on constrained
// hosts; VerifyHardening reports the live state.
func EnforceHardening(devMode bool) error {
	if devMode {
		log.Warn().Msg("SECURITY WARNING: Running in dev mode - process hardening disabled")
		return nil
	}

	if runtime.GOOS != "linux" {
		log.Warn().Str("os", runtime.GOOS).Msg("Process hardening only supported on Linux")
		return nil
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		log.Warn().Err(err).Msg("Failed to set no_new_privs")
	}

	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		log.Warn().Err(err).Msg("Failed to disable core dumps")
	}

	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		// Needs CAP_IPC_LOCK or a generous RLIMIT_MEMLOCK
		log.Warn().Err(err).Msg("Failed to lock memory - key material may be swapped to disk")
	}

	log.Info().Msg("Process hardening applied")
	return nil
}

// VerifyHardening checks that the protections applied at startup are
// still in effect. Used by the admin status report.
func VerifyHardening() error {
	if runtime.GOOS != "linux" {
		return nil
	}

	noNewPrivs, err := unix.PrctlRetInt(unix.PR_GET_NO_NEW_PRIVS, 0, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to query no_new_privs: %w", err)
	}
	if noNewPrivs != 1 {
		return fmt.Errorf("no_new_privs is not set")
	}

	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &limit); err != nil {
		return fmt.Errorf("failed to query core dump limit: %w", err)
	}
	if limit.Cur != 0 {
		return fmt.Errorf("core dumps are enabled (limit %d)", limit.Cur)
	}

	return nil
}
