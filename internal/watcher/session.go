package watcher

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Session is an authenticated IMAP session for one account. It exists so
// the detection loop (and its tests) never touch the network directly.
type Session interface {
	// SupportsIdle reports whether the server advertises the IDLE
	// capability.
	SupportsIdle() (bool, error)

	// Examine selects a mailbox read-only.
	Examine(mailbox string) error

	// SearchUnseen returns the UIDs of unseen messages in the currently
	// examined mailbox, searching the full range from 1 to the latest.
	SearchUnseen() ([]uint32, error)

	// FetchHeader returns the raw RFC 5322 header of one message.
	FetchHeader(uid uint32) ([]byte, error)

	// IdleWait blocks until the server signals a mailbox change or the
	// timeout elapses.
	IdleWait(timeout time.Duration) error

	// Logout ends the session. Best-effort after a failure.
	Logout() error
}

// SessionDialer negotiates the transport and authenticates, returning a
// live Session. It covers the first two establishment steps; the capability
// check and initial examine are done by Establish.
type SessionDialer func(a *Account) (Session, error)

type imapSession struct {
	client  *imapclient.Client
	updates chan struct{}
}

// DialIMAP is the production SessionDialer, backed by go-imap's client.
func DialIMAP(a *Account) (Session, error) {
	s := &imapSession{updates: make(chan struct{}, 1)}

	signal := func() {
		select {
		case s.updates <- struct{}{}:
		default:
		}
	}
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: a.Host},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(*imapclient.UnilateralDataMailbox) { signal() },
			Expunge: func(uint32) { signal() },
		},
	}

	addr := net.JoinHostPort(a.Host, fmt.Sprintf("%d", a.Port))

	var client *imapclient.Client
	var err error
	switch a.TLS {
	case TLSImplicit:
		client, err = imapclient.DialTLS(addr, opts)
	default:
		client, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return nil, &EstablishError{Cause: CauseConnect, Host: a.Host, Err: err}
	}

	user := strings.TrimSpace(a.Username)
	pass := strings.TrimSpace(a.Password)
	if err := client.Login(user, pass).Wait(); err != nil {
		_ = client.Close()
		return nil, &EstablishError{Cause: CauseAuth, Host: a.Host, Err: err}
	}

	s.client = client
	return s, nil
}

func (s *imapSession) SupportsIdle() (bool, error) {
	caps, err := s.client.Capability().Wait()
	if err != nil {
		return false, fmt.Errorf("imap capability: %w", err)
	}
	return caps.Has(imap.CapIdle), nil
}

func (s *imapSession) Examine(mailbox string) error {
	opts := &imap.SelectOptions{ReadOnly: true}
	if _, err := s.client.Select(mailbox, opts).Wait(); err != nil {
		return fmt.Errorf("imap examine %s: %w", mailbox, err)
	}
	return nil
}

func (s *imapSession) SearchUnseen() ([]uint32, error) {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
		UID:     []imap.UIDSet{{imap.UIDRange{Start: 1, Stop: 0}}},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}

	var uids []uint32
	for _, uid := range data.AllUIDs() {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

func (s *imapSession) FetchHeader(uid uint32) ([]byte, error) {
	section := &imap.FetchItemBodySection{
		Specifier: imap.PartSpecifierHeader,
		Peek:      true,
	}
	opts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}

	buffers, err := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), opts).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch %d: %w", uid, err)
	}
	if len(buffers) == 0 {
		return nil, fmt.Errorf("imap fetch %d: no data", uid)
	}
	return buffers[0].FindBodySection(section), nil
}

func (s *imapSession) IdleWait(timeout time.Duration) error {
	idle, err := s.client.Idle()
	if err != nil {
		return fmt.Errorf("imap idle: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.updates:
	case <-timer.C:
	}

	if err := idle.Close(); err != nil {
		return fmt.Errorf("imap idle done: %w", err)
	}
	if err := idle.Wait(); err != nil {
		return fmt.Errorf("imap idle: %w", err)
	}
	return nil
}

func (s *imapSession) Logout() error {
	err := s.client.Logout().Wait()
	_ = s.client.Close()
	return err
}
