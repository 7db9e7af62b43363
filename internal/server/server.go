// Package server implements the dispatcher + per-session worker
// architecture of spec §4.7: one goroutine owns the shared listening
// socket's receive path, demultiplexing frames by remote address into a
// bounded single-producer/single-consumer inbox per session, mirroring the
// shape of _teacher_ref/listener.go's Listener.listen and Session pairing,
// generalized from LRCP's byte-stream sessions to this protocol's
// frame-and-fragment sessions.
package server

import (
	"net"
	"path/filepath"
	"strconv"
	"sync"
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

// inboxBufferSize bounds each session's SPSC queue. Sized above
// SEND_WINDOW_SIZE's default of 16 so a burst of SACK data frames doesn't
// immediately trigger backpressure drops.
const inboxBufferSize = 64

// sessionEntry is what the dispatcher keeps per remote address; the worker
// goroutine owns conn exclusively once spawned (spec §4.7, §5).
type sessionEntry struct {
	addr  *net.UDPAddr
	conn  *connstate.Connection
	inbox chan frame.Frame
	name  string
}

// Server owns the shared UDP socket and the session registry.
type Server struct {
	ep         *endpoint.Endpoint
	conn       *net.UDPConn
	params     config.Params
	storageDir string
	log        *logrus.Entry

	sessions sync.Map // addr.String() -> *sessionEntry

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// Listen binds a UDP socket on host:port and starts the dispatcher loop.
// storageDir is created on demand the first time it's needed, mirroring the
// original's behavior of lazily creating the destination directory.
func Listen(host string, port int, storageDir string, params config.Params, log *logrus.Entry) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrap(err, "server: resolve listen address")
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "server: listen on %s", addr)
	}
	s := &Server{
		ep:         endpoint.New(conn),
		conn:       conn,
		params:     params,
		storageDir: storageDir,
		log:        log,
		shutdown:   make(chan struct{}),
	}
	log.Infof("[DISPATCH] listening on %s", addr)
	go s.dispatch()
	return s, nil
}

// Shutdown performs the orderly cancellation spec §5 describes: every
// active session is flagged inactive, its worker is awaited, then the
// socket is closed so the dispatcher loop unblocks and exits.
func (s *Server) Shutdown() {
	close(s.shutdown)
	s.sessions.Range(func(_, v any) bool {
		v.(*sessionEntry).conn.Deactivate()
		return true
	})
	s.wg.Wait()
	s.conn.Close()
	s.log.Info("[DISPATCH] shutdown complete")
}

func (s *Server) dispatch() {
	buf := make([]byte, frame.MaxFrameSize)
	for {
		addr, f, err := s.ep.RecvFrame(buf)
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, endpoint.ErrTimedOut) {
				continue
			}
			s.log.WithError(err).Warn("[DISPATCH] error reading datagram")
			continue
		}
		s.route(addr, f)
	}
}

// route implements spec §4.7: look up the session, create one on a valid
// START, reject otherwise, or forward the frame into an existing session's
// inbox.
func (s *Server) route(addr *net.UDPAddr, f frame.Frame) {
	key := addr.String()
	val, loaded := s.sessions.Load(key)
	if !loaded {
		s.handleNewSession(addr, key, f)
		return
	}
	entry := val.(*sessionEntry)
	if f.Flags.Has(frame.START) {
		// Duplicate SYN, or the initiator's closing handshake ACK; the
		// session is already established from the dispatcher's
		// perspective, so there's nothing further to do.
		return
	}
	select {
	case entry.inbox <- f:
	default:
		s.log.Warnf("[DISPATCH] inbox full for session [%s]; dropping frame", key)
	}
}

func (s *Server) handleNewSession(addr *net.UDPAddr, key string, f frame.Frame) {
	if !f.Flags.Has(frame.START) || f.Sequence != 0 || len(f.Payload) == 0 {
		s.log.Warnf("[DISPATCH] rejecting non-handshake frame from unknown peer [%s]", key)
		s.reject(addr, "")
		return
	}
	name := string(f.Payload)
	download := f.Flags.Has(frame.DOWNLOAD)
	protocol := connstate.StopAndWait
	if f.Flags.Has(frame.PROTOCOL) {
		protocol = connstate.SelectiveAck
	}
	role := connstate.Upload
	if download {
		role = connstate.Download
	}

	conn := connstate.New(addr, role, protocol)
	conn.Phase = connstate.Established

	if download {
		fragments, err := s.loadServedFile(name)
		if err != nil {
			s.log.Warnf("[DISPATCH] download request for missing file %q from [%s]: %s", name, key, err)
			s.reject(addr, "Archivo no encontrado.")
			return
		}
		conn.Fragments = fragments
	}

	entry := &sessionEntry{addr: addr, conn: conn, inbox: make(chan frame.Frame, inboxBufferSize), name: name}
	actual, alreadyExists := s.sessions.LoadOrStore(key, entry)
	if alreadyExists {
		entry = actual.(*sessionEntry)
	} else {
		s.wg.Add(1)
		go s.runWorker(key, entry)
	}
	if err := s.ep.SendFrame(addr, session.BuildHandshakeSynAck()); err != nil {
		s.log.WithError(err).Warnf("[DISPATCH] failed to send SYN-ACK to [%s]", key)
	} else {
		s.log.Infof("[DISPATCH] accepted session [%s] role=%v protocol=%s name=%q", key, role, protocol, name)
	}
}

func (s *Server) loadServedFile(name string) (map[uint32][]byte, error) {
	path := filepath.Join(s.storageDir, name)
	producer, err := transferio.NewFileProducer(path, s.params.FragmentSize)
	if err != nil {
		return nil, err
	}
	defer producer.Close()
	return transferio.LoadAll(producer)
}

func (s *Server) reject(addr *net.UDPAddr, reason string) {
	if err := s.ep.SendFrame(addr, session.BuildClose(reason)); err != nil {
		s.log.WithError(err).Warn("[DISPATCH] failed to send rejection CLOSE")
	}
}

// runWorker drives one session's reliability engine to completion. It owns
// entry.conn exclusively; the dispatcher only ever posts to entry.inbox or
// reads entry.conn.Active() (spec §4.7, §5).
func (s *Server) runWorker(key string, entry *sessionEntry) {
	defer s.wg.Done()
	defer s.sessions.Delete(key)

	log := s.log.WithField("session", key)
	send := func(f frame.Frame) error { return s.ep.SendFrame(entry.addr, f) }
	recv := func(d time.Duration) (frame.Frame, bool, error) {
		if d <= 0 {
			select {
			case f := <-entry.inbox:
				return f, true, nil
			default:
				return frame.Frame{}, false, nil
			}
		}
		select {
		case f := <-entry.inbox:
			return f, true, nil
		case <-time.After(d):
			return frame.Frame{}, false, nil
		}
	}

	peer := &session.Peer{Conn: entry.conn, Send: send, Recv: recv, Params: s.params, Log: log}

	var result session.Result
	switch {
	case entry.conn.Role == connstate.Upload && entry.conn.Protocol == connstate.SelectiveAck:
		result = sack.RunReceiver(peer, transferio.NewFileSink(s.storageDir, entry.name))
	case entry.conn.Role == connstate.Upload:
		result = stopwait.RunReceiver(peer, transferio.NewFileSink(s.storageDir, entry.name))
	case entry.conn.Protocol == connstate.SelectiveAck:
		result = sack.RunSender(peer)
	default:
		result = stopwait.RunSender(peer)
	}
	log.Infof("[SESSION] finished: %s", result)
}
