// Package notify launches external commands in reaction to new-mail
// events, fire-and-forget: commands are started detached and never
// awaited, and their output and exit status are ignored.
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
)

// Runner starts a shell command without waiting for it to finish. It is
// injectable so the detection loop and its tests do not depend on an
// actual process-launch facility.
type Runner func(command string) error

// ShellRunner starts command via the shell and releases the process.
func ShellRunner(command string) error {
	cmd := exec.Command("/bin/sh", "-c", command)
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

// ErrSpawnContext marks a failure of the spawn context itself, as opposed
// to an ordinary command-launch failure. It aborts the whole process when
// it reaches the orchestrator; see Fire.
var ErrSpawnContext = errors.New("notify: spawn context failed")

// Notifier runs one account's new-mail commands.
type Notifier struct {
	run     Runner
	logger  *slog.Logger
	command string
	post    string
}

// New creates a Notifier for a primary command and an optional post
// command. A nil run defaults to ShellRunner.
func New(command, post string, run Runner, logger *slog.Logger) *Notifier {
	if run == nil {
		run = ShellRunner
	}
	return &Notifier{
		run:     run,
		logger:  logger,
		command: command,
		post:    post,
	}
}

// Fire launches the configured command(s) inside a short-lived goroutine
// and waits for the spawning, not the commands, to finish. Launch failures
// are logged and swallowed. A panic inside the spawn context is converted
// to an ErrSpawnContext error, which callers treat as fatal to the whole
// process rather than to the one account.
func (n *Notifier) Fire() error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrSpawnContext, r)
			}
		}()
		n.launch()
		done <- nil
	}()
	return <-done
}

func (n *Notifier) launch() {
	if err := n.run(n.command); err != nil {
		n.logger.Warn("command failed", "command", n.command, "error", err)
		return
	}
	if n.post == "" {
		return
	}
	if err := n.run(n.post); err != nil {
		n.logger.Warn("command failed", "command", n.post, "error", err)
	}
}
