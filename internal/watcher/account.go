package watcher

import "time"

// TLSMode selects how the connection to the IMAP server is secured.
type TLSMode int

const (
	// TLSStartTLS connects in plaintext and upgrades in place.
	TLSStartTLS TLSMode = iota
	// TLSImplicit connects over an already-encrypted socket.
	TLSImplicit
)

// DefaultKeepalive is how long an IDLE call blocks before it is re-issued.
// Servers are allowed to drop clients idling longer than 30 minutes
// (RFC 2177), so stay just under that.
const DefaultKeepalive = 29 * time.Minute

// Account describes one watched mail account. It is built by the
// configuration layer, already validated and with the password resolved,
// and is never modified afterwards.
type Account struct {
	Name     string
	Host     string
	Port     int
	TLS      TLSMode
	Username string
	Password string

	// OnNewMail is run on every new-mail event; OnNewMailPost, if set,
	// is run right after a successful OnNewMail launch.
	OnNewMail     string
	OnNewMailPost string

	// Boxes are the watched mailboxes, in check order. Never empty.
	Boxes []string

	// PerMailbox gives every mailbox its own high-water mark instead of
	// one mark shared across the account. See Conn for the caveat the
	// shared default carries.
	PerMailbox bool

	// Keepalive bounds a single IDLE wait. Zero means DefaultKeepalive.
	Keepalive time.Duration
}

func (a *Account) keepalive() time.Duration {
	if a.Keepalive <= 0 {
		return DefaultKeepalive
	}
	return a.Keepalive
}
