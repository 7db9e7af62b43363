// Package connstate defines the per-session connection record shared by
// both the client driver and the server's per-session worker (spec §3).
package connstate

import (
	"net"
	"sync"
	"sync/atomic"
)

// Protocol selects which reliability engine a session runs.
type Protocol int

const (
	StopAndWait Protocol = iota
	SelectiveAck
)

func (p Protocol) String() string {
	if p == SelectiveAck {
		return "sack"
	}
	return "stop_and_wait"
}

// Role records the transfer direction from the initiator's viewpoint (spec
// §3); both client and server store the identical value for a session.
type Role int

const (
	// Upload: the local side sends file data.
	Upload Role = iota
	// Download: the local side receives file data.
	Download
)

func (r Role) String() string {
	if r == Download {
		return "download"
	}
	return "upload"
}

// Phase is the connection state machine position, spec §4.8.
type Phase int

const (
	Closed Phase = iota
	SynSent
	SynAcked
	SynReceived
	Established
	Ending
)

func (p Phase) String() string {
	switch p {
	case SynSent:
		return "SYN_SENT"
	case SynAcked:
		return "SYN_ACKED"
	case SynReceived:
		return "SYN_RECEIVED"
	case Established:
		return "ESTABLISHED"
	case Ending:
		return "ENDING"
	default:
		return "CLOSED"
	}
}

// Connection is the per-session mutable record described in spec §3. It is
// owned exclusively by one goroutine (the client driver, or a server
// session worker); the dispatcher only ever reads Active and writes to the
// Inbox channel, never touching these fields directly.
type Connection struct {
	mu sync.Mutex

	Addr     net.Addr
	Role     Role
	Protocol Protocol

	// Cumulative sequence number: everything <= this has been delivered
	// (receiver) or acknowledged (sender), in order.
	Cumulative uint32

	// Fragments maps sequence -> payload. On the sender this is the
	// outgoing queue; on the receiver, the reassembly buffer.
	Fragments map[uint32][]byte

	// OutOfOrder holds receiver-side sequences > Cumulative that have
	// already arrived, awaiting the gap to close.
	OutOfOrder map[uint32]struct{}

	// InFlight counts SACK-sender frames sent but not yet acked.
	InFlight int

	Retries int
	Phase   Phase
	Reason  string

	active atomic.Bool
}

// New constructs a Connection ready for handshake.
func New(addr net.Addr, role Role, protocol Protocol) *Connection {
	c := &Connection{
		Addr:       addr,
		Role:       role,
		Protocol:   protocol,
		Fragments:  make(map[uint32][]byte),
		OutOfOrder: make(map[uint32]struct{}),
		Phase:      Closed,
	}
	c.active.Store(true)
	return c
}

// Active reports whether the session is still considered live. Safe for
// concurrent access; this is the one field the dispatcher is allowed to
// read directly (spec §5, §4.7).
func (c *Connection) Active() bool {
	return c.active.Load()
}

// Deactivate flags the session inactive. Idempotent.
func (c *Connection) Deactivate() {
	c.active.Store(false)
}

// Lock/Unlock expose the connection's mutex so engines can make multi-field
// updates (e.g. advancing Cumulative and pruning OutOfOrder) atomically
// with respect to anything else touching the same Connection.
func (c *Connection) Lock()   { c.mu.Lock() }
func (c *Connection) Unlock() { c.mu.Unlock() }

// OutOfOrderSorted returns the buffered out-of-order sequences in
// ascending order. The SACK receiver (internal/sack) is the one that
// bounds this set's size to Params.SACKWindowSize, itself clamped to the
// bitmap's 32-entry addressable range (spec §9 "unbounded growth"); this
// method makes no bound of its own.
func (c *Connection) OutOfOrderSorted() []uint32 {
	seqs := make([]uint32, 0, len(c.OutOfOrder))
	for s := range c.OutOfOrder {
		seqs = append(seqs, s)
	}
	// Simple insertion sort: this set is bounded to SACKWindowSize (<=32)
	// entries in practice, so O(n^2) here is irrelevant next to one
	// network round trip.
	for i := 1; i < len(seqs); i++ {
		for j := i; j > 0 && seqs[j-1] > seqs[j]; j-- {
			seqs[j-1], seqs[j] = seqs[j], seqs[j-1]
		}
	}
	return seqs
}
