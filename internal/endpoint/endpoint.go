// Package endpoint provides thin, testable wrappers around a single UDP
// socket for sending and receiving individual frames.
package endpoint

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/eenblam/udpftp/internal/frame"
)

// ErrTimedOut signals that a read deadline expired before a frame arrived.
var ErrTimedOut = errors.New("endpoint: read timed out")

// ErrConnectionReset signals the peer is no longer reachable.
var ErrConnectionReset = errors.New("endpoint: connection reset")

// Endpoint wraps a *net.UDPConn with frame-level send/receive operations.
// A server endpoint is shared (non-connected) and always supplies an
// explicit remote address; a client endpoint is the result of DialUDP and
// is sent on with a nil address (an explicit address fails on a connected
// socket).
type Endpoint struct {
	conn *net.UDPConn
}

// New wraps an already-bound or already-dialed UDP connection.
func New(conn *net.UDPConn) *Endpoint {
	return &Endpoint{conn: conn}
}

// Conn returns the underlying connection, e.g. for Close.
func (e *Endpoint) Conn() *net.UDPConn {
	return e.conn
}

// SendFrame encodes f and writes it as a single datagram. addr is nil for a
// connected (client) endpoint.
func (e *Endpoint) SendFrame(addr *net.UDPAddr, f frame.Frame) error {
	raw := frame.Encode(f)
	var err error
	if addr == nil {
		_, err = e.conn.Write(raw)
	} else {
		_, err = e.conn.WriteToUDP(raw, addr)
	}
	if err != nil {
		return errors.Wrap(err, "endpoint: send frame")
	}
	return nil
}

// SetReadDeadline configures the socket's read timeout; RecvFrame surfaces
// ErrTimedOut once it expires.
func (e *Endpoint) SetReadDeadline(d time.Duration) error {
	return e.conn.SetReadDeadline(time.Now().Add(d))
}

// RecvFrame blocks for a single datagram (subject to any configured read
// deadline) and decodes it.
func (e *Endpoint) RecvFrame(buf []byte) (*net.UDPAddr, frame.Frame, error) {
	n, addr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, frame.Frame{}, ErrTimedOut
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, frame.Frame{}, ErrTimedOut
		}
		return nil, frame.Frame{}, errors.Wrap(ErrConnectionReset, err.Error())
	}
	f, err := frame.Decode(buf[:n])
	if err != nil {
		return addr, frame.Frame{}, errors.Wrap(err, "endpoint: decode frame")
	}
	return addr, f, nil
}

// TryRecvFrame is a non-blocking poll-and-drain: it applies an
// already-past read deadline and returns ok=false (no error) if nothing was
// queued. The SACK sender uses this to opportunistically drain pending ACKs
// between emit cycles (spec §4.5's "drain" phase) without blocking past the
// current cycle.
func (e *Endpoint) TryRecvFrame(buf []byte) (addr *net.UDPAddr, f frame.Frame, ok bool, err error) {
	if err := e.conn.SetReadDeadline(time.Now()); err != nil {
		return nil, frame.Frame{}, false, errors.Wrap(err, "endpoint: set poll deadline")
	}
	addr, f, err = e.RecvFrame(buf)
	if err != nil {
		if errors.Is(err, ErrTimedOut) {
			return nil, frame.Frame{}, false, nil
		}
		return nil, frame.Frame{}, false, err
	}
	return addr, f, true, nil
}
