package endpoint_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eenblam/udpftp/internal/endpoint"
	"github.com/eenblam/udpftp/internal/frame"
)

func newLoopbackPair(t *testing.T) (*endpoint.Endpoint, *endpoint.Endpoint, *net.UDPAddr) {
	t.Helper()
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { serverConn.Close() })

	clientConn, err := net.DialUDP("udp", nil, serverConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	return endpoint.New(serverConn), endpoint.New(clientConn), clientConn.LocalAddr().(*net.UDPAddr)
}

func TestSendRecvFrame(t *testing.T) {
	server, client, clientAddr := newLoopbackPair(t)

	want := frame.Frame{Flags: frame.DATA, Sequence: 5, Payload: []byte("payload")}
	require.NoError(t, client.SendFrame(nil, want))

	buf := make([]byte, frame.MaxFrameSize)
	require.NoError(t, server.SetReadDeadline(time.Second))
	addr, got, err := server.RecvFrame(buf)
	require.NoError(t, err)
	require.Equal(t, clientAddr.Port, addr.Port)
	require.Equal(t, want.Flags, got.Flags)
	require.Equal(t, want.Sequence, got.Sequence)
	require.Equal(t, want.Payload, got.Payload)
}

func TestRecvFrameTimeout(t *testing.T) {
	server, _, _ := newLoopbackPair(t)
	require.NoError(t, server.SetReadDeadline(10*time.Millisecond))
	buf := make([]byte, frame.MaxFrameSize)
	_, _, err := server.RecvFrame(buf)
	require.ErrorIs(t, err, endpoint.ErrTimedOut)
}

func TestTryRecvFrameDrainsWithoutBlocking(t *testing.T) {
	server, client, _ := newLoopbackPair(t)

	buf := make([]byte, frame.MaxFrameSize)
	_, _, ok, err := server.TryRecvFrame(buf)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, client.SendFrame(nil, frame.Frame{Flags: frame.ACK, Sequence: 1}))
	time.Sleep(20 * time.Millisecond)

	_, got, ok, err := server.TryRecvFrame(buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, frame.ACK, got.Flags)
}
