package watcher

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tracyhatemice/imapnotify/internal/notify"
)

// scriptDialer hands out scripted establishment outcomes in order and
// keeps failing once the script is spent.
type scriptDialer struct {
	mu       sync.Mutex
	sessions []Session // nil entry means a failed attempt
	calls    int
}

func (d *scriptDialer) dial(a *Account) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.sessions) == 0 {
		return nil, &EstablishError{Cause: CauseConnect, Host: a.Host, Err: errors.New("refused")}
	}
	sess := d.sessions[0]
	d.sessions = d.sessions[1:]
	if sess == nil {
		return nil, &EstablishError{Cause: CauseConnect, Host: a.Host, Err: errors.New("refused")}
	}
	return sess, nil
}

func (d *scriptDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestSupervisor(a *Account, dial SessionDialer, runner *recordRunner) (*Supervisor, *sleepRecorder) {
	rec := &sleepRecorder{}
	sup := NewSupervisor(a, dial, notify.New(a.OnNewMail, a.OnNewMailPost, runner.run, discardLogger()), discardLogger())
	sup.sleep = rec.sleep
	return sup, rec
}

func TestSupervisorReconnectResetsMark(t *testing.T) {
	a := testAccount()
	runner := &recordRunner{}

	// First connection notifies for UID 7 before its loop dies. The
	// replacement returns UID 3; with the mark reset to zero that is a
	// genuine event again.
	first := newFakeSession([]uint32{7})
	second := newFakeSession([]uint32{3})
	dial := &scriptDialer{sessions: []Session{nil, second}}

	sup, rec := newTestSupervisor(a, dial.dial, runner)
	conn := testConn(a, first, runner)
	conn.notifier = sup.notifier

	if err := sup.Run(conn); err != nil {
		t.Fatalf("Run returned %v, want nil after the account dies", err)
	}

	if got := runner.launched(); len(got) != 2 {
		t.Fatalf("expected both connections to notify, got %v", got)
	}
	if !first.loggedOut {
		t.Error("failed connection was not logged out")
	}

	// One failed reconnect attempt before success, then a full failed
	// round of five once the second connection dies too.
	want := []time.Duration{
		time.Second,
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	got := rec.recorded()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSupervisorDiesAfterFiveFailedAttempts(t *testing.T) {
	a := testAccount()
	runner := &recordRunner{}
	dial := &scriptDialer{} // every attempt fails

	sup, rec := newTestSupervisor(a, dial.dial, runner)
	conn := testConn(a, newFakeSession(), runner) // loop dies immediately

	if err := sup.Run(conn); err != nil {
		t.Fatalf("Run returned %v, want nil: a dead account is local", err)
	}
	if dial.dialCount() != 5 {
		t.Errorf("dial attempts = %d, want exactly 5", dial.dialCount())
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	got := rec.recorded()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, got[i], want[i])
		}
	}
}

// A failure of the spawn context itself, unlike a plain launch failure,
// is not retried or contained to the account: it aborts the whole
// process. Arguably it should be account-local; this pins the current
// behavior so changing it is a conscious decision.
func TestSupervisorSpawnContextFailureEscalates(t *testing.T) {
	a := testAccount()
	runner := &recordRunner{panicOn: a.OnNewMail}
	dial := &scriptDialer{}

	sup, _ := newTestSupervisor(a, dial.dial, runner)
	conn := testConn(a, newFakeSession([]uint32{1}), runner)
	conn.notifier = sup.notifier

	if err := sup.Run(conn); !errors.Is(err, notify.ErrSpawnContext) {
		t.Fatalf("Run returned %v, want spawn context error", err)
	}
	if dial.dialCount() != 0 {
		t.Errorf("supervisor tried to reconnect %d times, want none", dial.dialCount())
	}
}
