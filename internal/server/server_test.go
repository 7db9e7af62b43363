package server_test

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eenblam/udpftp/internal/client"
	"github.com/eenblam/udpftp/internal/config"
	"github.com/eenblam/udpftp/internal/connstate"
	"github.com/eenblam/udpftp/internal/endpoint"
	"github.com/eenblam/udpftp/internal/frame"
	"github.com/eenblam/udpftp/internal/server"
	"github.com/eenblam/udpftp/internal/session"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func testParams() config.Params {
	p := config.Defaults()
	p.Timeout = 40 * time.Millisecond
	p.TimeoutSACK = 60 * time.Millisecond
	p.MaxRetries = 5
	p.PackageSendDelay = time.Millisecond
	return p
}

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func writeTempFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestUploadThenDownloadRoundTrip(t *testing.T) {
	for _, proto := range []connstate.Protocol{connstate.StopAndWait, connstate.SelectiveAck} {
		t.Run(proto.String(), func(t *testing.T) {
			storageDir := t.TempDir()
			port := freePort(t)
			srv, err := server.Listen("127.0.0.1", port, storageDir, testParams(), testLogger())
			require.NoError(t, err)
			t.Cleanup(srv.Shutdown)

			srcDir := t.TempDir()
			content := make([]byte, 20000)
			for i := range content {
				content[i] = byte(i % 251)
			}
			srcPath := writeTempFile(t, srcDir, "input.bin", content)

			uploadResult := client.Upload(client.UploadRequest{
				Host: "127.0.0.1", Port: port, SourcePath: srcPath, RemoteName: "remote.bin",
				Protocol: proto, Params: testParams(),
			}, testLogger())
			require.Equal(t, session.Success, uploadResult.Outcome)

			uploaded, err := os.ReadFile(filepath.Join(storageDir, "remote.bin"))
			require.NoError(t, err)
			assert.Equal(t, content, uploaded)

			destDir := t.TempDir()
			downloadResult := client.Download(client.DownloadRequest{
				Host: "127.0.0.1", Port: port, DestDir: destDir, RemoteName: "remote.bin",
				Protocol: proto, Params: testParams(),
			}, testLogger())
			require.Equal(t, session.Success, downloadResult.Outcome)

			downloaded, err := os.ReadFile(filepath.Join(destDir, "remote.bin"))
			require.NoError(t, err)
			assert.Equal(t, content, downloaded)
		})
	}
}

// TestHandshakeRejectsNonStartFirstFrame reproduces spec scenario S1: a
// client's first datagram is DATA (not START); the server must reject with
// a single CLOSE and create no session.
func TestHandshakeRejectsNonStartFirstFrame(t *testing.T) {
	storageDir := t.TempDir()
	port := freePort(t)
	srv, err := server.Listen("127.0.0.1", port, storageDir, testParams(), testLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	raddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	conn, err := net.DialUDP("udp", nil, raddr)
	require.NoError(t, err)
	defer conn.Close()
	ep := endpoint.New(conn)

	require.NoError(t, ep.SendFrame(nil, frame.Frame{Flags: frame.DATA, Sequence: 5}))
	require.NoError(t, ep.SetReadDeadline(200*time.Millisecond))
	_, f, err := ep.RecvFrame(make([]byte, frame.MaxFrameSize))
	require.NoError(t, err)
	assert.True(t, f.Flags.Has(frame.CLOSE))
}

// TestDownloadMissingFileRejected reproduces spec scenario S6: a download
// request for a nonexistent remote name gets CLOSE with a reason, and no
// local file is created.
func TestDownloadMissingFileRejected(t *testing.T) {
	storageDir := t.TempDir()
	port := freePort(t)
	srv, err := server.Listen("127.0.0.1", port, storageDir, testParams(), testLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	destDir := t.TempDir()
	result := client.Download(client.DownloadRequest{
		Host: "127.0.0.1", Port: port, DestDir: destDir, RemoteName: "does-not-exist.bin",
		Protocol: connstate.StopAndWait, Params: testParams(),
	}, testLogger())

	assert.Equal(t, session.RemoteRefused, result.Outcome)
	_, statErr := os.Stat(filepath.Join(destDir, "does-not-exist.bin"))
	assert.True(t, os.IsNotExist(statErr))
}
