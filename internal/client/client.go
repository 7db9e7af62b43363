// Package client drives one transfer session from the initiator's side: the
// handshake, then either reliability engine's sender or receiver loop, then
// teardown. It mirrors _teacher_ref/client.go's DialLRCP shape (dial, send
// initial handshake frame, then drive the session loop) but runs entirely
// within the calling goroutine rather than spawning a listener, since a
// client here owns its dialed socket outright (spec §5).
package client

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/eenblam/udpftp/internal/config"
	"github.com/eenblam/udpftp/internal/connstate"
	"github.com/eenblam/udpftp/internal/endpoint"
	"github.com/eenblam/udpftp/internal/frame"
	"github.com/eenblam/udpftp/internal/sack"
	"github.com/eenblam/udpftp/internal/session"
	"github.com/eenblam/udpftp/internal/stopwait"
	"github.com/eenblam/udpftp/pkg/transferio"
)

// ErrSourceNotFound is a local, pre-flight error: the file an upload names
// doesn't exist, so the client never opens a socket (spec §7: "unsupported
// protocol" and similar misconfigurations are local errors, fatal before any
// network activity; SPEC_FULL §11 extends that same rule to a missing
// upload source).
var ErrSourceNotFound = errors.New("client: source file not found")

// UploadRequest names everything an upload needs.
type UploadRequest struct {
	Host       string
	Port       int
	SourcePath string
	RemoteName string
	Protocol   connstate.Protocol
	Params     config.Params
}

// DownloadRequest names everything a download needs.
type DownloadRequest struct {
	Host       string
	Port       int
	DestDir    string
	RemoteName string
	Protocol   connstate.Protocol
	Params     config.Params
}

// Upload sends SourcePath to the server under RemoteName.
func Upload(req UploadRequest, log *logrus.Entry) session.Result {
	if _, err := os.Stat(req.SourcePath); err != nil {
		log.WithError(err).Error("[CLIENT] upload: source file not found")
		return session.Result{Outcome: session.LocalError, Err: errors.Wrap(ErrSourceNotFound, req.SourcePath)}
	}

	producer, err := transferio.NewFileProducer(req.SourcePath, req.Params.FragmentSize)
	if err != nil {
		return session.Result{Outcome: session.LocalError, Err: err}
	}
	defer producer.Close()
	fragments, err := transferio.LoadAll(producer)
	if err != nil {
		return session.Result{Outcome: session.LocalError, Err: err}
	}

	peer, conn, result := connect(req.Host, req.Port, req.RemoteName, false, req.Protocol, req.Params, log)
	if conn != nil {
		defer conn.Close()
	}
	if peer == nil {
		return result
	}
	peer.Conn.Fragments = fragments

	log.Infof("[CLIENT] upload: sending %q as %q over %s", req.SourcePath, req.RemoteName, req.Protocol)
	if req.Protocol == connstate.SelectiveAck {
		return sack.RunSender(peer)
	}
	return stopwait.RunSender(peer)
}

// Download fetches RemoteName from the server into DestDir.
func Download(req DownloadRequest, log *logrus.Entry) session.Result {
	peer, conn, result := connect(req.Host, req.Port, req.RemoteName, true, req.Protocol, req.Params, log)
	if conn != nil {
		defer conn.Close()
	}
	if peer == nil {
		return result
	}

	sink := transferio.NewFileSink(req.DestDir, req.RemoteName)
	log.Infof("[CLIENT] download: fetching %q into %q over %s", req.RemoteName, req.DestDir, req.Protocol)
	if req.Protocol == connstate.SelectiveAck {
		return sack.RunReceiver(peer, sink)
	}
	return stopwait.RunReceiver(peer, sink)
}

// connect dials the server and runs the three-way handshake as initiator
// (spec §4.3). On success it returns a Peer ready for the engine loop and
// the dialed connection (so callers can close it); on failure peer is nil
// and result explains why.
func connect(host string, port int, remoteName string, download bool, protocol connstate.Protocol, params config.Params, log *logrus.Entry) (*session.Peer, *net.UDPConn, session.Result) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, nil, session.Result{Outcome: session.LocalError, Err: errors.Wrap(err, "client: resolve server address")}
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, nil, session.Result{Outcome: session.LocalError, Err: errors.Wrap(err, "client: dial server")}
	}
	log.Debugf("[CLIENT] dialed %s, local %s", raddr, conn.LocalAddr())

	ep := endpoint.New(conn)
	timeout := params.Timeout
	if protocol == connstate.SelectiveAck {
		timeout = params.TimeoutSACK
	}

	send := func(f frame.Frame) error { return ep.SendFrame(nil, f) }
	recv := func(d time.Duration) (frame.Frame, bool, error) {
		if d <= 0 {
			_, f, ok, err := ep.TryRecvFrame(make([]byte, frame.MaxFrameSize))
			if errors.Is(err, frame.ErrShortHeader) {
				// Malformed datagram: drop it (spec §7).
				return frame.Frame{}, false, nil
			}
			return f, ok, err
		}
		if err := ep.SetReadDeadline(d); err != nil {
			return frame.Frame{}, false, err
		}
		for {
			_, f, err := ep.RecvFrame(make([]byte, frame.MaxFrameSize))
			if err != nil {
				if errors.Is(err, frame.ErrShortHeader) {
					continue // malformed datagram: drop it and keep waiting (spec §7)
				}
				if errors.Is(err, endpoint.ErrTimedOut) {
					return frame.Frame{}, false, nil
				}
				return frame.Frame{}, false, err
			}
			return f, true, nil
		}
	}

	syn := session.BuildHandshakeSyn(download, protocol, remoteName)
	var synAck frame.Frame
	handshakeOK := false
	for attempt := 0; attempt < params.MaxRetries; attempt++ {
		if err := send(syn); err != nil {
			conn.Close()
			return nil, nil, session.Result{Outcome: session.LocalError, Err: errors.Wrap(err, "client: send handshake SYN")}
		}
		f, ok, err := recv(timeout)
		if err != nil {
			conn.Close()
			return nil, nil, session.Result{Outcome: session.ConnectionLost, Err: err}
		}
		if !ok {
			log.Debugf("[CLIENT] handshake: timed out waiting for SYN-ACK, retrying")
			continue
		}
		if f.Flags.Has(frame.CLOSE) {
			reason := string(f.Payload)
			log.Warnf("[CLIENT] handshake: refused: %s", reason)
			conn.Close()
			return nil, nil, session.Result{Outcome: session.RemoteRefused, Reason: reason}
		}
		if f.Flags.Has(frame.START | frame.ACK) {
			synAck = f
			handshakeOK = true
			break
		}
	}
	if !handshakeOK {
		conn.Close()
		return nil, nil, session.Result{Outcome: session.ConnectionLost}
	}
	_ = synAck

	// Emit the closing handshake ACK twice, unconditionally, to cover its
	// own loss (spec §4.3 step 3; SPEC_FULL §11).
	finalAck := session.BuildHandshakeFinalAck()
	_ = send(finalAck)
	_ = send(finalAck)

	role := connstate.Upload
	if download {
		role = connstate.Download
	}
	c := connstate.New(raddr, role, protocol)
	c.Phase = connstate.Established

	peer := &session.Peer{
		Conn:   c,
		Send:   send,
		Recv:   recv,
		Params: params,
		Log:    log,
	}
	return peer, conn, session.Result{}
}
