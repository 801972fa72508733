package watcher

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tracyhatemice/imapnotify/internal/notify"
)

func newTestOrchestrator(accounts []Account, dial SessionDialer, runner *recordRunner) *Orchestrator {
	o := NewOrchestrator(accounts, discardLogger())
	o.dial = dial
	o.run = runner.run
	o.sleep = func(time.Duration) {}
	return o
}

func TestOrchestratorNoAccounts(t *testing.T) {
	o := newTestOrchestrator(nil, nil, &recordRunner{})
	if err := o.Run(); !errors.Is(err, ErrNoAccounts) {
		t.Fatalf("Run returned %v, want ErrNoAccounts", err)
	}
}

func TestOrchestratorAllAccountsUnreachable(t *testing.T) {
	accounts := []Account{*testAccount(), *testAccount()}
	accounts[1].Name = "second"

	var mu sync.Mutex
	dials := 0
	dial := func(a *Account) (Session, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, &EstablishError{Cause: CauseConnect, Host: a.Host, Err: errors.New("refused")}
	}

	o := newTestOrchestrator(accounts, dial, &recordRunner{})
	if err := o.Run(); !errors.Is(err, ErrNoConnections) {
		t.Fatalf("Run returned %v, want ErrNoConnections", err)
	}
	if dials != 10 {
		t.Errorf("dial attempts = %d, want 5 per account", dials)
	}
}

func TestOrchestratorDropsOnlyFailingAccount(t *testing.T) {
	accounts := []Account{*testAccount(), *testAccount()}
	accounts[0].Name = "good"
	accounts[1].Name = "bad"

	var mu sync.Mutex
	served := false
	dial := func(a *Account) (Session, error) {
		mu.Lock()
		defer mu.Unlock()
		if a.Name == "bad" {
			return nil, &EstablishError{Cause: CauseAuth, Host: a.Host, Err: errors.New("bad credentials")}
		}
		if served {
			// The good account's reconnects fail so its worker goes
			// dead and Run returns.
			return nil, &EstablishError{Cause: CauseConnect, Host: a.Host, Err: errors.New("refused")}
		}
		served = true
		return newFakeSession([]uint32{4}), nil
	}

	runner := &recordRunner{}
	o := newTestOrchestrator(accounts, dial, runner)
	if err := o.Run(); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}

	// The bad account was dropped but did not stop the good one from
	// detecting and notifying.
	if got := runner.launched(); len(got) != 1 {
		t.Errorf("launched commands = %v, want one from the good account", got)
	}
}

// One worker's spawn-context failure is not isolated: it takes the whole
// orchestrator down. See the note on Supervisor's equivalent test.
func TestOrchestratorWorkerSpawnFailureAbortsRun(t *testing.T) {
	a := *testAccount()
	dial := func(*Account) (Session, error) {
		return newFakeSession([]uint32{1}), nil
	}

	runner := &recordRunner{panicOn: a.OnNewMail}
	o := newTestOrchestrator([]Account{a}, dial, runner)
	if err := o.Run(); !errors.Is(err, notify.ErrSpawnContext) {
		t.Fatalf("Run returned %v, want spawn context error", err)
	}
}
