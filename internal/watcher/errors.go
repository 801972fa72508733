package watcher

import (
	"errors"
	"fmt"
)

// Cause labels why establishing a connection failed. All causes are retried
// under the same backoff schedule; the label is informational only.
type Cause int

const (
	CauseConnect Cause = iota
	CauseAuth
	CauseCapability
)

func (c Cause) String() string {
	switch c {
	case CauseAuth:
		return "auth"
	case CauseCapability:
		return "capability"
	default:
		return "connect"
	}
}

// EstablishError is any failure while setting up a connection: transport,
// authentication, missing IDLE support, or the initial mailbox check.
type EstablishError struct {
	Cause Cause
	Host  string
	Err   error
}

func (e *EstablishError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("establish %s: %s failed", e.Host, e.Cause)
	}
	return fmt.Sprintf("establish %s: %s: %v", e.Host, e.Cause, e.Err)
}

func (e *EstablishError) Unwrap() error { return e.Err }

var (
	// ErrNoAccounts means the orchestrator was started with nothing to
	// watch.
	ErrNoAccounts = errors.New("watcher: no accounts configured")

	// ErrNoConnections means every account exhausted its initial
	// establishment attempts.
	ErrNoConnections = errors.New("watcher: could not establish any connections")
)
