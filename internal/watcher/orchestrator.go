// Package watcher is the core of imapnotify: it owns the connection
// lifecycle for every watched account, detects new mail through the IDLE
// push-wait primitive, and hands detection events to the notifier.
package watcher

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tracyhatemice/imapnotify/internal/notify"
)

// Orchestrator connects all configured accounts in parallel, drops the
// ones that cannot connect, and runs one supervisor worker per surviving
// connection for the lifetime of the process.
type Orchestrator struct {
	accounts []Account
	dial     SessionDialer
	run      notify.Runner
	logger   *slog.Logger
	sleep    func(time.Duration)
}

// NewOrchestrator creates an orchestrator over validated accounts.
func NewOrchestrator(accounts []Account, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		accounts: accounts,
		dial:     DialIMAP,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

// Run blocks for the lifetime of the program. It returns ErrNoAccounts or
// ErrNoConnections when startup cannot proceed, or a spawn-context error
// escalated by a worker; during normal operation it never returns.
func (o *Orchestrator) Run() error {
	if len(o.accounts) == 0 {
		return ErrNoAccounts
	}

	type worker struct {
		sup  *Supervisor
		conn *Conn
	}

	var mu sync.Mutex
	var workers []worker

	fanout := new(errgroup.Group)
	fanout.SetLimit(runtime.NumCPU())
	for i := range o.accounts {
		a := &o.accounts[i]
		fanout.Go(func() error {
			notifier := notify.New(a.OnNewMail, a.OnNewMailPost, o.run, o.logger)
			conn, err := establishWithRetry(a, o.dial, notifier, o.logger, o.sleep)
			if err != nil {
				o.logger.Error("dropping account",
					"account", a.Name,
					"host", a.Host,
					"error", err,
				)
				return nil
			}

			sup := NewSupervisor(a, o.dial, notifier, o.logger)
			sup.sleep = o.sleep

			mu.Lock()
			workers = append(workers, worker{sup, conn})
			mu.Unlock()
			return nil
		})
	}
	_ = fanout.Wait()

	if len(workers) == 0 {
		return ErrNoConnections
	}
	o.logger.Info("watching", "accounts", len(workers))

	var group errgroup.Group
	for _, w := range workers {
		w := w
		group.Go(func() error {
			return w.sup.Run(w.conn)
		})
	}
	return group.Wait()
}
