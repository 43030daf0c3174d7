// Package connection implements C1: the state machine and bookkeeping
// for a single FTP control session. A Connection is owned by exactly one
// of {pool idle registry, a single borrower, ConnectionManager during
// maintenance} at any instant; State is written only by whichever of
// those currently owns it, so reads via atomic.LoadInt32 never race.
package connection

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the Connection lifecycle state (§4.1).
type State int32

const (
	Initial State = iota
	Connecting
	Connected
	Reconnecting
	Failed
	Disconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Initial:
		return "INITIAL"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Failed:
		return "FAILED"
	case Disconnecting:
		return "DISCONNECTING"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Usable reports whether a Connection in this state may be borrowed or
// validated by the health sweep. Transitional states (CONNECTING,
// RECONNECTING, DISCONNECTING) are not eligible.
func (s State) Usable() bool {
	return s == Connected || s == Failed
}

// ErrEntry is one entry in a Connection's bounded last-error ring.
type ErrEntry struct {
	At        time.Time
	ReplyCode int
	Message   string
}

// Session is the minimal surface ConnectionManager needs from an
// established FTP control session. The *ftp.ServerConn from
// github.com/jlaffaye/ftp that connmanager dials satisfies it; Connection
// only stores the interface so
// the pool and health monitor never need to import the wire client.
type Session interface {
	NoOp() error
	Quit() error
}

// Connection is a single FTP session plus the bookkeeping the pool,
// health monitor, and manager all read or mutate under the ownership
// rule described in the package doc.
type Connection struct {
	ID   string
	Host string
	Port int

	CreatedAt time.Time

	state State32

	mu             sync.Mutex
	lastUsedAt     time.Time
	lastTestedAt   time.Time
	reconnectTries int
	repairTries    int
	errRing        [10]ErrEntry
	errCount       int
	session        Session
}

// State32 is an int32 wrapper giving atomic load/store semantics to a
// Connection's State without exposing the raw field.
type State32 struct {
	v int32
}

func (s *State32) Load() State    { return State(atomic.LoadInt32(&s.v)) }
func (s *State32) Store(ns State) { atomic.StoreInt32(&s.v, int32(ns)) }
func (s *State32) CAS(from, to State) bool {
	return atomic.CompareAndSwapInt32(&s.v, int32(from), int32(to))
}

// New creates a Connection in state CONNECTING, as produced by
// ConnectionManager.Create before login completes.
func New(id, host string, port int) *Connection {
	c := &Connection{
		ID:        id,
		Host:      host,
		Port:      port,
		CreatedAt: time.Now(),
	}
	c.state.Store(Connecting)
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State { return c.state.Load() }

// SetState transitions the Connection. Only the current owner (the
// borrower, the pool during borrow/return, or ConnectionManager during
// maintenance) may call this.
func (c *Connection) SetState(s State) { c.state.Store(s) }

// Session returns the underlying FTP session handle, or nil if none is
// currently attached (e.g. the Connection is DISCONNECTED).
func (c *Connection) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetSession attaches (or clears, with nil) the underlying FTP session.
func (c *Connection) SetSession(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// Touch records that the Connection was just handed to (or returned by)
// a borrower.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUsedAt = time.Now()
}

// LastUsedAt returns the last borrow/return timestamp.
func (c *Connection) LastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsedAt
}

// MarkTested records a successful or failed validation attempt.
func (c *Connection) MarkTested() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTestedAt = time.Now()
}

// LastTestedAt returns the last validation timestamp.
func (c *Connection) LastTestedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTestedAt
}

// IdleFor returns how long the Connection has sat unused.
func (c *Connection) IdleFor() time.Duration {
	return time.Since(c.LastUsedAt())
}

// RecordError appends to the bounded last-error ring (capacity 10,
// oldest entries overwritten first).
func (c *Connection) RecordError(replyCode int, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.errCount % len(c.errRing)
	c.errRing[idx] = ErrEntry{At: time.Now(), ReplyCode: replyCode, Message: message}
	c.errCount++
}

// Errors returns the recorded errors, oldest first, most-recent-10 only.
func (c *Connection) Errors() []ErrEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.errCount
	if n > len(c.errRing) {
		n = len(c.errRing)
	}
	out := make([]ErrEntry, 0, n)
	if c.errCount <= len(c.errRing) {
		for i := 0; i < c.errCount; i++ {
			out = append(out, c.errRing[i])
		}
		return out
	}
	start := c.errCount % len(c.errRing)
	for i := 0; i < len(c.errRing); i++ {
		out = append(out, c.errRing[(start+i)%len(c.errRing)])
	}
	return out
}

// ReconnectAttempts returns the current reconnect-attempt counter.
func (c *Connection) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectTries
}

// IncrReconnectAttempts increments and returns the reconnect-attempt
// counter. It is monotonically non-decreasing within a failure episode.
func (c *Connection) IncrReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectTries++
	return c.reconnectTries
}

// ResetReconnectAttempts zeroes the counter on successful validation or
// reconnect.
func (c *Connection) ResetReconnectAttempts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectTries = 0
}

// RepairAttempts returns the health monitor's current repair-attempt count.
func (c *Connection) RepairAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repairTries
}

// IncrRepairAttempts increments and returns the repair-attempt counter.
func (c *Connection) IncrRepairAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repairTries++
	return c.repairTries
}

// ResetRepairAttempts zeroes the repair-attempt counter.
func (c *Connection) ResetRepairAttempts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repairTries = 0
}
