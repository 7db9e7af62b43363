package sack_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eenblam/udpftp/internal/bitmap"
	"github.com/eenblam/udpftp/internal/config"
	"github.com/eenblam/udpftp/internal/connstate"
	"github.com/eenblam/udpftp/internal/frame"
	"github.com/eenblam/udpftp/internal/sack"
	"github.com/eenblam/udpftp/internal/session"
	"github.com/eenblam/udpftp/pkg/transferio"
)

type link struct {
	toA  chan frame.Frame
	toB  chan frame.Frame
	mu   sync.Mutex
	drop func(from string, f frame.Frame) bool
}

func newLink() *link {
	return &link{toA: make(chan frame.Frame, 256), toB: make(chan frame.Frame, 256)}
}

func (l *link) sendFrom(who string, ch chan frame.Frame) session.Sender {
	return func(f frame.Frame) error {
		l.mu.Lock()
		drop := l.drop != nil && l.drop(who, f)
		l.mu.Unlock()
		if drop {
			return nil
		}
		select {
		case ch <- f:
		default:
		}
		return nil
	}
}

func (l *link) recvOn(ch chan frame.Frame) session.Receiver {
	return func(timeout time.Duration) (frame.Frame, bool, error) {
		if timeout <= 0 {
			select {
			case f := <-ch:
				return f, true, nil
			default:
				return frame.Frame{}, false, nil
			}
		}
		select {
		case f := <-ch:
			return f, true, nil
		case <-time.After(timeout):
			return frame.Frame{}, false, nil
		}
	}
}

// recorder wraps a session.Sender to additionally append every frame it
// sees to a slice, so tests can inspect the exact sequence of ACKs emitted.
type recorder struct {
	mu   sync.Mutex
	sent []frame.Frame
}

func (r *recorder) wrap(inner session.Sender) session.Sender {
	return func(f frame.Frame) error {
		r.mu.Lock()
		r.sent = append(r.sent, f)
		r.mu.Unlock()
		return inner(f)
	}
}

func (r *recorder) snapshot() []frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frame.Frame, len(r.sent))
	copy(out, r.sent)
	return out
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func testParams() config.Params {
	p := config.Defaults()
	p.Timeout = 20 * time.Millisecond
	p.TimeoutSACK = 30 * time.Millisecond
	p.MaxRetries = 5
	p.PackageSendDelay = time.Millisecond
	return p
}

func makeFragments(n int) map[uint32][]byte {
	fragments := make(map[uint32][]byte, n)
	for i := 1; i <= n; i++ {
		fragments[uint32(i)] = []byte{byte('A' + i - 1)}
	}
	return fragments
}

func TestSackHappyPath(t *testing.T) {
	l := newLink()
	params := testParams()

	senderConn := connstate.New(nil, connstate.Upload, connstate.SelectiveAck)
	senderConn.Fragments = makeFragments(20)
	senderPeer := &session.Peer{Conn: senderConn, Params: params, Log: testLogger(),
		Send: l.sendFrom("sender", l.toB), Recv: l.recvOn(l.toA)}

	receiverConn := connstate.New(nil, connstate.Download, connstate.SelectiveAck)
	receiverPeer := &session.Peer{Conn: receiverConn, Params: params, Log: testLogger(),
		Send: l.sendFrom("receiver", l.toA), Recv: l.recvOn(l.toB)}

	sink := transferio.NewFileSink(t.TempDir(), "out.bin")

	var wg sync.WaitGroup
	var senderResult, receiverResult session.Result
	wg.Add(2)
	go func() { defer wg.Done(); senderResult = sack.RunSender(senderPeer) }()
	go func() { defer wg.Done(); receiverResult = sack.RunReceiver(receiverPeer, sink) }()
	wg.Wait()

	assert.Equal(t, session.Success, senderResult.Outcome)
	assert.Equal(t, session.Success, receiverResult.Outcome)
	assert.Len(t, sink.Fragments(), 20)
}

// TestSackReorderAcksMatchSpecScenarioS4 feeds the receiver the exact
// reorder sequence from spec.md's S4 scenario (fragments 1,3,2,5,4) and
// asserts the emitted cumulative+bitmap ACKs match it frame for frame.
func TestSackReorderAcksMatchSpecScenarioS4(t *testing.T) {
	l := newLink()
	rec := &recorder{}
	params := testParams()
	receiverConn := connstate.New(nil, connstate.Download, connstate.SelectiveAck)
	sink := transferio.NewFileSink(t.TempDir(), "out.bin")
	peer := &session.Peer{Conn: receiverConn, Params: params, Log: testLogger(),
		Send: rec.wrap(l.sendFrom("receiver", l.toA)), Recv: l.recvOn(l.toB)}

	data := map[uint32][]byte{1: {'A'}, 2: {'B'}, 3: {'C'}, 4: {'D'}, 5: {'E'}}
	order := []uint32{1, 3, 2, 5, 4}

	var result session.Result
	done := make(chan struct{})
	go func() { result = sack.RunReceiver(peer, sink); close(done) }()

	for _, seq := range order {
		l.toB <- frame.Frame{Flags: frame.DATA, Sequence: seq, Payload: data[seq]}
		time.Sleep(5 * time.Millisecond)
	}
	l.toB <- frame.Frame{Flags: frame.END, Sequence: 5}
	l.toB <- frame.Frame{Flags: frame.CLOSE}
	<-done

	assert.Equal(t, session.Success, result.Outcome)

	acks := rec.snapshot()
	require.True(t, len(acks) >= len(order))
	acks = acks[:len(order)]

	want := []struct {
		cum    uint32
		bitmap []uint32
	}{
		{1, nil},
		{1, []uint32{3}},
		{3, nil},
		{3, []uint32{5}},
		{5, nil},
	}
	require.Len(t, acks, len(want))
	for i, w := range want {
		assert.Equal(t, w.cum, acks[i].Sequence, "ack %d cumulative", i)
		assert.Equal(t, w.bitmap, bitmap.ToSequences(acks[i].Sequence, acks[i].SACKBitmap), "ack %d bitmap", i)
	}
}

// TestSackLossAndGapClose reproduces spec.md's S5 scenario: fragments 4 and
// 7 are initially dropped, so the cumulative mark sticks at 3 until the
// sender's retransmission closes the gap.
func TestSackLossAndGapClose(t *testing.T) {
	l := newLink()
	params := testParams()

	var dropOnce sync.Once
	dropped := map[uint32]bool{}
	var mu sync.Mutex
	l.drop = func(from string, f frame.Frame) bool {
		if from != "sender" || !f.Flags.Has(frame.DATA) {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if (f.Sequence == 4 || f.Sequence == 7) && !dropped[f.Sequence] {
			dropped[f.Sequence] = true
			return true
		}
		return false
	}
	_ = dropOnce

	senderConn := connstate.New(nil, connstate.Upload, connstate.SelectiveAck)
	senderConn.Fragments = makeFragments(10)
	senderPeer := &session.Peer{Conn: senderConn, Params: params, Log: testLogger(),
		Send: l.sendFrom("sender", l.toB), Recv: l.recvOn(l.toA)}

	receiverConn := connstate.New(nil, connstate.Download, connstate.SelectiveAck)
	receiverPeer := &session.Peer{Conn: receiverConn, Params: params, Log: testLogger(),
		Send: l.sendFrom("receiver", l.toA), Recv: l.recvOn(l.toB)}

	sink := transferio.NewFileSink(t.TempDir(), "out.bin")

	var wg sync.WaitGroup
	var senderResult, receiverResult session.Result
	wg.Add(2)
	go func() { defer wg.Done(); senderResult = sack.RunSender(senderPeer) }()
	go func() { defer wg.Done(); receiverResult = sack.RunReceiver(receiverPeer, sink) }()
	wg.Wait()

	assert.Equal(t, session.Success, senderResult.Outcome)
	assert.Equal(t, session.Success, receiverResult.Outcome)
	mu.Lock()
	assert.True(t, dropped[4] && dropped[7], "expected the test to actually drop sequences 4 and 7 at least once")
	mu.Unlock()
	assert.Len(t, sink.Fragments(), 10)
}
