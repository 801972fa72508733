package watcher

import (
	"bytes"
	"errors"
	"log/slog"

	"github.com/emersion/go-message/mail"

	"github.com/tracyhatemice/imapnotify/internal/notify"
)

// Conn is a live, authenticated session for one account, plus the
// high-water mark of message UIDs already treated as notified.
//
// By default one mark is shared across all watched mailboxes. UIDs are
// only unique within a single mailbox, so with
// several watched boxes the shared mark can miss or duplicate notifications
// when their UID ranges overlap; Account.PerMailbox switches to one mark per
// mailbox instead.
type Conn struct {
	account  *Account
	sess     Session
	notifier *notify.Notifier
	logger   *slog.Logger

	last  uint32            // shared high-water mark
	marks map[string]uint32 // per-mailbox marks, nil unless PerMailbox
}

// Establish sets up a connection for an account: negotiate the transport
// and authenticate, require the IDLE capability, and examine the first
// watched mailbox as a sanity check. The steps are atomic; any failure
// logs the session out best-effort and returns no Conn.
func Establish(a *Account, dial SessionDialer, notifier *notify.Notifier, logger *slog.Logger) (*Conn, error) {
	sess, err := dial(a)
	if err != nil {
		return nil, err
	}

	ok, err := sess.SupportsIdle()
	if err != nil {
		_ = sess.Logout()
		return nil, &EstablishError{Cause: CauseConnect, Host: a.Host, Err: err}
	}
	if !ok {
		_ = sess.Logout()
		return nil, &EstablishError{
			Cause: CauseCapability,
			Host:  a.Host,
			Err:   errors.New("server does not advertise IDLE"),
		}
	}

	if err := sess.Examine(a.Boxes[0]); err != nil {
		_ = sess.Logout()
		return nil, &EstablishError{Cause: CauseConnect, Host: a.Host, Err: err}
	}

	c := &Conn{
		account:  a,
		sess:     sess,
		notifier: notifier,
		logger:   logger,
	}
	if a.PerMailbox {
		c.marks = make(map[string]uint32)
	}
	return c, nil
}

// Watch runs detection iterations until an error surfaces. Each iteration
// checks every watched mailbox, fires the notifier on a genuine new-mail
// event, then blocks on IDLE until the server signals a change or the
// keepalive elapses. Errors are propagated to the supervisor; the only
// retry logic lives there.
func (c *Conn) Watch() error {
	for {
		ev, err := c.detect()
		if err != nil {
			return err
		}

		if ev.fire {
			c.announce(ev.top)
			if err := c.notifier.Fire(); err != nil {
				// Only spawn-context failures surface here; plain
				// launch failures are logged inside the notifier.
				return err
			}
			ev.commit(c)
		}

		if err := c.sess.IdleWait(c.account.keepalive()); err != nil {
			return err
		}
	}
}

// Logout ends the underlying session, best-effort.
func (c *Conn) Logout() error { return c.sess.Logout() }

// event is the outcome of one detection iteration.
type event struct {
	fire  bool
	top   uint32            // highest UID observed, 0 if none
	marks map[string]uint32 // per-mailbox advances, nil in shared mode
}

// commit advances the high-water mark(s) after a fired event.
func (ev event) commit(c *Conn) {
	if c.marks != nil {
		for box, uid := range ev.marks {
			c.marks[box] = uid
		}
		return
	}
	if ev.top > c.last {
		c.last = ev.top
	}
}

func (c *Conn) detect() (event, error) {
	if c.marks != nil {
		return c.detectPerBox()
	}
	return c.detectShared()
}

// detectShared unions the unseen UIDs of all watched mailboxes and applies
// the decision rule against the shared mark: an empty set, or a set whose
// every UID is above the mark, is a genuine event. A set containing any UID
// at or below the mark means the server re-surfaced known mail; it is
// discarded whole and the mark does not move.
func (c *Conn) detectShared() (event, error) {
	uids := make(map[uint32]struct{})
	for _, box := range c.account.Boxes {
		if err := c.sess.Examine(box); err != nil {
			return event{}, err
		}
		found, err := c.sess.SearchUnseen()
		if err != nil {
			return event{}, err
		}
		for _, uid := range found {
			uids[uid] = struct{}{}
		}
	}

	ev := event{fire: true}
	for uid := range uids {
		if uid <= c.last {
			ev.fire = false
		}
		if uid > ev.top {
			ev.top = uid
		}
	}
	return ev, nil
}

// detectPerBox applies the decision rule separately per mailbox. The
// notifier still fires at most once per iteration; only the marks of
// mailboxes that produced a genuine event advance.
func (c *Conn) detectPerBox() (event, error) {
	ev := event{marks: make(map[string]uint32)}
	for _, box := range c.account.Boxes {
		if err := c.sess.Examine(box); err != nil {
			return event{}, err
		}
		found, err := c.sess.SearchUnseen()
		if err != nil {
			return event{}, err
		}

		mark := c.marks[box]
		fresh := true
		var top uint32
		for _, uid := range found {
			if uid <= mark {
				fresh = false
			}
			if uid > top {
				top = uid
			}
		}
		if !fresh {
			continue
		}
		ev.fire = true
		if top > mark {
			ev.marks[box] = top
		}
		if top > ev.top {
			ev.top = top
		}
	}
	return ev, nil
}

// announce logs the new-mail event, with sender and subject when the
// newest message's header can be fetched and parsed. Failures here are
// cosmetic and never disturb the loop.
func (c *Conn) announce(top uint32) {
	log := c.logger.With("account", c.account.Name)
	if top == 0 {
		log.Info("new mail")
		return
	}

	from, subject := c.summary(top)
	log.Info("new mail", "uid", top, "from", from, "subject", subject)
}

func (c *Conn) summary(uid uint32) (from, subject string) {
	header, err := c.sess.FetchHeader(uid)
	if err != nil {
		c.logger.Debug("header fetch failed", "account", c.account.Name, "uid", uid, "error", err)
		return "", ""
	}

	reader, err := mail.CreateReader(bytes.NewReader(header))
	if err != nil {
		c.logger.Debug("header parse failed", "account", c.account.Name, "uid", uid, "error", err)
		return "", ""
	}
	defer reader.Close()

	if addrs, err := reader.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		from = addrs[0].Address
	}
	if s, err := reader.Header.Subject(); err == nil {
		subject = s
	}
	return from, subject
}
