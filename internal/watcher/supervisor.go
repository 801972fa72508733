package watcher

import (
	"errors"
	"log/slog"
	"time"

	"github.com/tracyhatemice/imapnotify/internal/notify"
)

const (
	// retryAttempts bounds both initial establishment and reconnection.
	retryAttempts = 5
	initialDelay  = time.Second
)

// Supervisor owns one account's long-running lifetime. It wraps the
// connection's detection loop with bounded reconnection: on any detection
// failure the old session is logged out best-effort and a fresh connection
// is established under the backoff schedule. When every attempt fails the
// account goes dead, the worker stops, and the rest of the program is
// unaffected.
type Supervisor struct {
	account  *Account
	dial     SessionDialer
	notifier *notify.Notifier
	logger   *slog.Logger
	sleep    func(time.Duration)
}

// NewSupervisor creates a supervisor for one account's connection.
func NewSupervisor(a *Account, dial SessionDialer, notifier *notify.Notifier, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		account:  a,
		dial:     dial,
		notifier: notifier,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

// Run drives conn until the account dies. It returns nil when the account
// goes dead (that is account-local) and an error only for a spawn-context
// failure, which the orchestrator treats as fatal to the whole process.
func (s *Supervisor) Run(conn *Conn) error {
	for {
		err := conn.Watch()
		if errors.Is(err, notify.ErrSpawnContext) {
			return err
		}
		s.logger.Error("detection loop failed",
			"account", s.account.Name,
			"host", s.account.Host,
			"error", err,
		)
		// This usually fails too; the session is already broken.
		_ = conn.Logout()

		next, err := establishWithRetry(s.account, s.dial, s.notifier, s.logger, s.sleep)
		if err != nil {
			s.logger.Error("giving up on account",
				"account", s.account.Name,
				"host", s.account.Host,
				"error", err,
			)
			return nil
		}
		s.logger.Info("connection reestablished",
			"account", s.account.Name,
			"host", s.account.Host,
		)
		// Fresh connection, high-water marks back to zero.
		conn = next
	}
}

// establishWithRetry applies the shared backoff policy: up to 5 attempts
// with the delay doubling from one second, sleeping after every failed
// attempt including the last. All failure kinds are retried uniformly.
func establishWithRetry(a *Account, dial SessionDialer, notifier *notify.Notifier, logger *slog.Logger, sleep func(time.Duration)) (*Conn, error) {
	delay := initialDelay
	var lastErr error
	for try := 0; try < retryAttempts; try++ {
		conn, err := Establish(a, dial, notifier, logger)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Error("connection failed",
			"account", a.Name,
			"host", a.Host,
			"error", err,
			"retry_in", delay,
		)
		sleep(delay)
		delay *= 2
	}
	return nil, lastErr
}
