// Package sack implements the selective-acknowledgement windowed
// reliability engine (spec §4.5): up to SendWindowSize fragments in
// flight, a cumulative ACK plus a 32-bit out-of-order bitmap per
// acknowledgement.
package sack

import (
	"sort"
	"time"

	"github.com/eenblam/udpftp/internal/bitmap"
	"github.com/eenblam/udpftp/internal/connstate"
	"github.com/eenblam/udpftp/internal/frame"
	"github.com/eenblam/udpftp/internal/session"
	"github.com/eenblam/udpftp/pkg/transferio"
)

func sortedPending(fragments map[uint32][]byte) []uint32 {
	seqs := make([]uint32, 0, len(fragments))
	for seq := range fragments {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// emit walks the outgoing queue in sequence order, sending fragments while
// both the send-window and MAX_SAC_DIF bounds hold, stopping at the first
// entry that would violate either (spec §4.5 sender phase 1).
func emit(p *session.Peer) {
	conn := p.Conn
	maxDiff := uint32(p.Params.MaxSACDiff)
	for _, seq := range sortedPending(conn.Fragments) {
		if conn.InFlight >= p.Params.SendWindowSize {
			break
		}
		if seq > conn.Cumulative+maxDiff {
			break
		}
		if err := p.Send(session.BuildData(seq, conn.Fragments[seq])); err != nil {
			p.Log.WithError(err).Warn("sack sender: failed to emit data frame")
			break
		}
		conn.InFlight++
	}
}

// applyAck folds one ACK|SACK frame into the sender's outgoing queue and
// in-flight accounting (spec §4.5 sender phase 2).
func applyAck(conn *connstate.Connection, f frame.Frame) {
	if !f.Flags.Has(frame.ACK) {
		return
	}
	if f.Sequence > conn.Cumulative {
		advance := int(f.Sequence - conn.Cumulative)
		for s := conn.Cumulative + 1; s <= f.Sequence; s++ {
			if _, ok := conn.Fragments[s]; ok {
				delete(conn.Fragments, s)
			}
		}
		conn.InFlight -= advance
		if conn.InFlight < 0 {
			conn.InFlight = 0
		}
		conn.Cumulative = f.Sequence
		return
	}
	for _, seq := range bitmap.ToSequences(f.Sequence, f.SACKBitmap) {
		if _, ok := conn.Fragments[seq]; ok {
			delete(conn.Fragments, seq)
			conn.InFlight--
			if conn.InFlight < 0 {
				conn.InFlight = 0
			}
		}
	}
}

// RunSender drives the SACK sender side. p.Conn.Fragments must already
// hold the full outgoing queue.
func RunSender(p *session.Peer) session.Result {
	conn := p.Conn
	maxRetries := p.Params.MaxRetries

	for p.Conn.Active() {
		if len(p.Conn.Fragments) == 0 {
			break
		}
		emit(p)

		f, ok, err := p.Recv(p.Timeout())
		if err != nil {
			return session.Result{Outcome: session.ConnectionLost, Err: err}
		}
		if !ok {
			p.Conn.Retries++
			if p.Conn.Retries > maxRetries {
				p.Log.Warn("sack sender: retry budget exhausted")
				p.Conn.Deactivate()
				return session.Result{Outcome: session.ConnectionLost}
			}
			// Credit back some in-flight slots so emit() can re-push from
			// the front of the window (spec: "halve the effective
			// in-flight accounting").
			p.Conn.InFlight /= 2
			continue
		}
		p.Conn.Retries = 0
		if f.Flags.Has(frame.CLOSE) {
			p.Conn.Deactivate()
			return session.Result{Outcome: session.ConnectionLost}
		}
		applyAck(conn, f)

		// Opportunistically drain any further already-queued ACKs before
		// going back to emit (spec §4.5 phase 2, final sentence).
		for {
			f2, ok2, err2 := p.Recv(0)
			if err2 != nil {
				return session.Result{Outcome: session.ConnectionLost, Err: err2}
			}
			if !ok2 {
				break
			}
			if f2.Flags.Has(frame.CLOSE) {
				p.Conn.Deactivate()
				return session.Result{Outcome: session.ConnectionLost}
			}
			applyAck(conn, f2)
		}

		if p.Params.PackageSendDelay > 0 {
			time.Sleep(p.Params.PackageSendDelay)
		}
	}

	if !p.Conn.Active() {
		return session.Result{Outcome: session.ConnectionLost}
	}
	session.Teardown(p, false, maxRetries)
	return session.Result{Outcome: session.Success}
}

// handleData implements the receiver's three-way branch on an incoming
// DATA frame's sequence relative to the cumulative mark (spec §4.5
// receiver).
func handleData(p *session.Peer, sink transferio.Sink, seq uint32, data []byte) error {
	conn := p.Conn
	switch {
	case seq <= conn.Cumulative:
		// Already delivered; discard and fall through to re-ack.
	case seq == conn.Cumulative+1:
		if _, seen := conn.Fragments[seq]; !seen {
			conn.Fragments[seq] = data
			if err := sink.Put(seq, data); err != nil {
				return err
			}
		}
		conn.Cumulative = seq
		for {
			next := conn.Cumulative + 1
			if _, ok := conn.OutOfOrder[next]; !ok {
				break
			}
			delete(conn.OutOfOrder, next)
			conn.Cumulative = next
		}
	default:
		// The receive window only holds so many out-of-order fragments
		// (spec §4.5 SACK_WINDOW_SIZE); beyond that, drop silently and let
		// the sender's cumulative ack and retransmit timer close the gap
		// instead of growing the buffer unbounded.
		if _, seen := conn.Fragments[seq]; !seen {
			if uint32(len(conn.OutOfOrder)) >= uint32(p.Params.SACKWindowSize) {
				break
			}
			conn.Fragments[seq] = data
			if err := sink.Put(seq, data); err != nil {
				return err
			}
		}
		conn.OutOfOrder[seq] = struct{}{}
	}
	return p.Send(session.BuildSackAck(conn.Cumulative, bitmap.FromSequences(conn.Cumulative, conn.OutOfOrderSorted())))
}

// RunReceiver drives the SACK receiver side, writing delivered fragments
// to sink and flushing once END is seen.
func RunReceiver(p *session.Peer, sink transferio.Sink) session.Result {
	conn := p.Conn
	maxRetries := p.Params.MaxRetries

	for conn.Active() {
		f, ok, err := p.Recv(p.Timeout())
		if err != nil {
			return session.Result{Outcome: session.ConnectionLost, Err: err}
		}
		if !ok {
			conn.Retries++
			if conn.Retries > maxRetries {
				p.Log.Warn("sack receiver: retry budget exhausted")
				conn.Deactivate()
				return session.Result{Outcome: session.ConnectionLost}
			}
			ack := session.BuildSackAck(conn.Cumulative, bitmap.FromSequences(conn.Cumulative, conn.OutOfOrderSorted()))
			if err := p.Send(ack); err != nil {
				p.Log.WithError(err).Warn("sack receiver: failed to re-ack")
			}
			continue
		}
		conn.Retries = 0

		switch {
		case f.Flags.Has(frame.CLOSE):
			conn.Deactivate()
			return session.Result{Outcome: session.ConnectionLost}
		case f.Flags.Has(frame.DATA):
			if err := handleData(p, sink, f.Sequence, f.Payload); err != nil {
				return session.Result{Outcome: session.LocalError, Err: err}
			}
		case f.Flags.Has(frame.END):
			// Trailing gaps beyond the cumulative mark imply data loss
			// (spec §7); we still flush whatever ordered prefix arrived.
			if err := sink.Flush(); err != nil {
				return session.Result{Outcome: session.LocalError, Err: err}
			}
			session.Teardown(p, true, maxRetries)
			return session.Result{Outcome: session.Success}
		}
	}
	return session.Result{Outcome: session.ConnectionLost}
}
