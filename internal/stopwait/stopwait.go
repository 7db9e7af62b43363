// Package stopwait implements the single-frame-in-flight reliability
// engine (spec §4.4): the sender holds exactly one unacknowledged fragment
// at a time, the receiver acks every DATA frame it sees (including
// duplicates, without rewriting them).
package stopwait

import (
	"github.com/eenblam/udpftp/internal/frame"
	"github.com/eenblam/udpftp/internal/session"
	"github.com/eenblam/udpftp/pkg/transferio"
)

// smallestPending returns the lowest sequence number still present in the
// outgoing map, matching the "take the smallest unsent sequence" rule.
func smallestPending(fragments map[uint32][]byte) (uint32, bool) {
	found := false
	var min uint32
	for seq := range fragments {
		if !found || seq < min {
			min = seq
			found = true
		}
	}
	return min, found
}

// RunSender drives the sender side. p.Conn.Fragments must already hold the
// full outgoing queue (e.g. via transferio.LoadAll).
func RunSender(p *session.Peer) session.Result {
	maxRetries := p.Params.MaxRetries
	conn := p.Conn

	for conn.Active() {
		seq, ok := smallestPending(conn.Fragments)
		if !ok {
			break
		}
		data := conn.Fragments[seq]
		if err := p.Send(session.BuildData(seq, data)); err != nil {
			return session.Result{Outcome: session.ConnectionLost, Err: err}
		}

		f, ok, err := p.Recv(p.Timeout())
		if err != nil {
			return session.Result{Outcome: session.ConnectionLost, Err: err}
		}
		if !ok {
			conn.Retries++
			if conn.Retries > maxRetries {
				p.Log.Warn("stopwait sender: retry budget exhausted")
				conn.Deactivate()
				return session.Result{Outcome: session.ConnectionLost}
			}
			continue // resend the same frame next iteration
		}
		conn.Retries = 0
		if f.Flags.Has(frame.CLOSE) {
			conn.Deactivate()
			return session.Result{Outcome: session.ConnectionLost}
		}
		if f.Flags.Has(frame.ACK) && f.Sequence == seq {
			delete(conn.Fragments, seq)
		}
		// Any other ACK (stale or for a different sequence) is ignored;
		// the same fragment is retried on the next loop iteration.
	}

	if !conn.Active() {
		return session.Result{Outcome: session.ConnectionLost}
	}
	session.Teardown(p, false, maxRetries)
	return session.Result{Outcome: session.Success}
}

// RunReceiver drives the receiver side, writing delivered fragments to
// sink as they arrive and flushing once END is seen.
func RunReceiver(p *session.Peer, sink transferio.Sink) session.Result {
	maxRetries := p.Params.MaxRetries
	conn := p.Conn
	var lastAckSeq uint32

	for conn.Active() {
		f, ok, err := p.Recv(p.Timeout())
		if err != nil {
			return session.Result{Outcome: session.ConnectionLost, Err: err}
		}
		if !ok {
			conn.Retries++
			if conn.Retries > maxRetries {
				p.Log.Warn("stopwait receiver: retry budget exhausted")
				conn.Deactivate()
				return session.Result{Outcome: session.ConnectionLost}
			}
			if err := p.Send(session.BuildAck(lastAckSeq)); err != nil {
				p.Log.WithError(err).Warn("stopwait receiver: failed to re-ack")
			}
			continue
		}
		conn.Retries = 0

		switch {
		case f.Flags.Has(frame.CLOSE):
			conn.Deactivate()
			return session.Result{Outcome: session.ConnectionLost}

		case f.Flags.Has(frame.DATA):
			seq := f.Sequence
			if _, seen := conn.Fragments[seq]; !seen {
				conn.Fragments[seq] = f.Payload
				if err := sink.Put(seq, f.Payload); err != nil {
					return session.Result{Outcome: session.LocalError, Err: err}
				}
				if seq > conn.Cumulative {
					conn.Cumulative = seq
				}
			}
			lastAckSeq = seq
			if err := p.Send(session.BuildAck(seq)); err != nil {
				p.Log.WithError(err).Warn("stopwait receiver: failed to ack")
			}

		case f.Flags.Has(frame.END):
			if err := sink.Flush(); err != nil {
				return session.Result{Outcome: session.LocalError, Err: err}
			}
			session.Teardown(p, true, maxRetries)
			return session.Result{Outcome: session.Success}
		}
	}
	return session.Result{Outcome: session.ConnectionLost}
}
