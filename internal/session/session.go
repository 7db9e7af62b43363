// Package session holds the pieces of the protocol shared identically by
// both reliability engines and both sides of the connection: the
// Peer abstraction the engines run against, frame-building helpers for the
// handshake and teardown (spec §4.3, §4.6), and the small outcome type
// that bounds the user-visible failure surface (spec §7).
package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eenblam/udpftp/internal/config"
	"github.com/eenblam/udpftp/internal/connstate"
	"github.com/eenblam/udpftp/internal/frame"
)

// Sender sends a single frame to whatever address the Peer is bound to.
type Sender func(f frame.Frame) error

// Receiver blocks up to timeout for the next frame belonging to this
// session. ok is false on a plain timeout; err is reserved for conditions
// that should terminate the session outright (e.g. a reset socket). A
// timeout of zero (or less) means "don't block": return immediately with
// ok=false if nothing is already queued. The SACK engine uses this to
// opportunistically drain pending ACKs (spec §4.5) without waiting.
type Receiver func(timeout time.Duration) (f frame.Frame, ok bool, err error)

// Peer bundles everything a reliability engine needs to run, independent
// of whether it's driving a client's dedicated socket or a server
// session's inbox channel (spec §5: the suspension point differs, the
// engine logic does not).
type Peer struct {
	Conn   *connstate.Connection
	Send   Sender
	Recv   Receiver
	Params config.Params
	Log    *logrus.Entry
}

// Timeout picks the engine-appropriate retry timeout for this peer's
// protocol (spec §5: SACK tolerates bursts with a longer timeout).
func (p *Peer) Timeout() time.Duration {
	if p.Conn.Protocol == connstate.SelectiveAck {
		return p.Params.TimeoutSACK
	}
	return p.Params.Timeout
}

// Outcome is the bounded user-visible result of a transfer attempt (spec
// §7: "success, connection-lost, remote-refused, local-error").
type Outcome int

const (
	Success Outcome = iota
	ConnectionLost
	RemoteRefused
	LocalError
)

// Result reports how a transfer concluded.
type Result struct {
	Outcome Outcome
	Reason  string
	Err     error
}

func (r Result) String() string {
	switch r.Outcome {
	case Success:
		return "success"
	case ConnectionLost:
		return "connection-lost"
	case RemoteRefused:
		return "remote-refused: " + r.Reason
	default:
		if r.Err != nil {
			return "local-error: " + r.Err.Error()
		}
		return "local-error"
	}
}

// BuildHandshakeSyn constructs the initiator's first handshake frame (spec
// §4.3 step 1).
func BuildHandshakeSyn(download bool, protocol connstate.Protocol, remoteName string) frame.Frame {
	f := frame.Frame{Flags: frame.START, Sequence: 0, Payload: []byte(remoteName)}
	if download {
		f.Flags |= frame.DOWNLOAD
	}
	if protocol == connstate.SelectiveAck {
		f.Flags |= frame.PROTOCOL
	}
	return f
}

// BuildHandshakeSynAck constructs the responder's reply (spec §4.3 step 2).
func BuildHandshakeSynAck() frame.Frame {
	return frame.Frame{Flags: frame.START | frame.ACK, Sequence: 0}
}

// BuildHandshakeFinalAck constructs the initiator's closing handshake ack
// (spec §4.3 step 3). Callers send this frame twice, per spec's SHOULD and
// the original implementation's unconditional double-send (SPEC_FULL §11).
func BuildHandshakeFinalAck() frame.Frame {
	return frame.Frame{Flags: frame.START | frame.ACK, Sequence: 0}
}

// BuildClose constructs a teardown frame, optionally carrying a UTF-8
// human-readable reason (spec §3, §4.6).
func BuildClose(reason string) frame.Frame {
	f := frame.Frame{Flags: frame.CLOSE}
	if reason != "" {
		f.Payload = []byte(reason)
	}
	return f
}

// BuildEnd constructs the sender's end-of-file assertion (spec §4.4,
// §4.5).
func BuildEnd(sequence uint32) frame.Frame {
	return frame.Frame{Flags: frame.END, Sequence: sequence}
}

// BuildEndAck constructs the receiver's reply to END (spec §4.6).
func BuildEndAck(sequence uint32) frame.Frame {
	return frame.Frame{Flags: frame.END | frame.ACK, Sequence: sequence}
}

// BuildData constructs a stop-and-wait or SACK data frame for one
// fragment.
func BuildData(sequence uint32, payload []byte) frame.Frame {
	return frame.Frame{Flags: frame.DATA, Sequence: sequence, Payload: payload}
}

// BuildAck constructs a plain (non-SACK) acknowledgement of sequence,
// used by the stop-and-wait engine.
func BuildAck(sequence uint32) frame.Frame {
	return frame.Frame{Flags: frame.ACK, Sequence: sequence}
}

// BuildSackAck constructs a cumulative-plus-bitmap acknowledgement, used
// by the SACK engine's receiver (spec §4.5).
func BuildSackAck(cumulative uint32, bitmap uint32) frame.Frame {
	return frame.Frame{Flags: frame.ACK | frame.SACK, Sequence: cumulative, SACKBitmap: bitmap}
}

// Teardown runs the shared post-transfer handshake (spec §4.6): the
// finishing side emits END and retries until it sees END|ACK (or CLOSE,
// which implies the peer already moved on), the peer replies END|ACK as
// soon as it sees END, then both sides attempt CLOSE. It tolerates loss
// with up to maxRetries attempts per frame and is unconditional once that
// budget is exhausted, "to avoid deadlocks".
//
// haveSeenEnd indicates whether the local side already received END as
// part of its engine loop (the sender emits END when its outgoing queue
// empties and calls Teardown with haveSeenEnd=false; the receiver calls it
// with haveSeenEnd=true upon seeing END, so it replies END|ACK here
// instead of initiating the END exchange).
func Teardown(p *Peer, haveSeenEnd bool, maxRetries int) {
	seq := p.Conn.Cumulative
	if haveSeenEnd {
		if err := p.Send(BuildEndAck(seq)); err != nil {
			p.Log.WithError(err).Warn("teardown: failed to send END|ACK")
		}
	} else {
		for attempt := 0; attempt < maxRetries; attempt++ {
			if err := p.Send(BuildEnd(seq)); err != nil {
				p.Log.WithError(err).Warn("teardown: failed to send END")
			}
			f, ok, err := p.Recv(p.Timeout())
			if err != nil {
				break
			}
			if ok && (f.Flags.Has(frame.END|frame.ACK) || f.Flags.Has(frame.CLOSE)) {
				break
			}
		}
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := p.Send(BuildClose(p.Conn.Reason)); err != nil {
			p.Log.WithError(err).Warn("teardown: failed to send CLOSE")
		}
		f, ok, err := p.Recv(p.Timeout())
		if err != nil {
			break
		}
		if ok && f.Flags.Has(frame.CLOSE) {
			break
		}
	}
	p.Conn.Deactivate()
}
