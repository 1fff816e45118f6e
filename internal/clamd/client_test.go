package clamd_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"formpost/internal/clamd"
	"formpost/internal/engine"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const eicar = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

// fakeClamd speaks enough of the clamd protocol for the client tests.
type fakeClamd struct {
	listener net.Listener
	version  string
	hang     bool

	mu       sync.Mutex
	commands []string
	streamed [][]byte
}

func startFakeClamd(t *testing.T) *fakeClamd {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen")

	f := &fakeClamd{
		listener: l,
		version:  "ClamAV 1.4.1/27400/Mon Oct 14 08:36:31 2024",
	}
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeClamd) addr() string {
	return "tcp://" + f.listener.Addr().String()
}

func (f *fakeClamd) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	cmd, err := r.ReadString(0)
	if err != nil {
		return
	}
	cmd = strings.TrimSuffix(strings.TrimPrefix(cmd, "z"), "\x00")

	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()

	switch {
	case cmd == "PING":
		_, _ = conn.Write([]byte("PONG\x00"))
	case cmd == "VERSION":
		_, _ = conn.Write([]byte(f.version + "\x00"))
	case strings.HasPrefix(cmd, "SCAN "):
		path := strings.TrimPrefix(cmd, "SCAN ")
		_, _ = fmt.Fprintf(conn, "%s: OK\x00", path)
	case cmd == "INSTREAM":
		var data bytes.Buffer
		for {
			var size uint32
			if err := binary.Read(r, binary.BigEndian, &size); err != nil {
				return
			}
			if size == 0 {
				break
			}
			if _, err := io.CopyN(&data, r, int64(size)); err != nil {
				return
			}
		}

		f.mu.Lock()
		f.streamed = append(f.streamed, data.Bytes())
		f.mu.Unlock()

		if f.hang {
			time.Sleep(5 * time.Second)
			return
		}
		if bytes.Contains(data.Bytes(), []byte(eicar)) {
			_, _ = conn.Write([]byte("stream: Eicar-Test-Signature FOUND\x00"))
			return
		}
		_, _ = conn.Write([]byte("stream: OK\x00"))
	default:
		_, _ = conn.Write([]byte("UNKNOWN COMMAND\x00"))
	}
}

// memFile adapts a byte slice to engine.File.
type memFile struct {
	name string
	data []byte
}

func (m memFile) Name() string { return m.name }
func (m memFile) Size() int64  { return int64(len(m.data)) }
func (m memFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.data)), nil
}

func TestPingAndVersion(t *testing.T) {
	t.Parallel()

	srv := startFakeClamd(t)
	client, err := clamd.New(srv.addr())
	require.NoError(t, err)

	require.NoError(t, client.Ping(t.Context()))

	raw, err := client.Version(t.Context())
	require.NoError(t, err)
	require.Equal(t, srv.version, raw)
}

func TestInstreamVerdicts(t *testing.T) {
	t.Parallel()

	srv := startFakeClamd(t)
	client, err := clamd.New(srv.addr())
	require.NoError(t, err)

	res, err := client.Scan(t.Context(), memFile{name: "/tmp/eicar", data: []byte(eicar)})
	require.NoError(t, err)
	require.Equal(t, engine.CodeVirus, res.Code)
	require.Equal(t, "Eicar-Test-Signature", res.Signature)

	// Larger than one stream chunk, so several length-prefixed frames are sent.
	big := bytes.Repeat([]byte("clean "), 40000)
	res, err = client.Scan(t.Context(), memFile{name: "/tmp/big", data: big})
	require.NoError(t, err)
	require.Equal(t, engine.CodeClean, res.Code)
	require.Empty(t, res.Signature)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.streamed, 2)
	require.Equal(t, big, srv.streamed[1], "streamed bytes must arrive intact")
}

func TestScanModeSendsPath(t *testing.T) {
	t.Parallel()

	srv := startFakeClamd(t)
	client, err := clamd.New(srv.addr(), clamd.WithMode(clamd.ModeScan))
	require.NoError(t, err)

	res, err := client.Scan(t.Context(), memFile{name: "/tmp/formpost-123", data: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, engine.CodeClean, res.Code)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Contains(t, srv.commands, "SCAN /tmp/formpost-123")
}

func TestScanHonoursContextDeadline(t *testing.T) {
	t.Parallel()

	srv := startFakeClamd(t)
	srv.hang = true
	client, err := clamd.New(srv.addr())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = client.Scan(ctx, memFile{name: "slow", data: []byte("slow")})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 3*time.Second, "scan must not outlive its deadline")
}

func TestInfoCombinesVersionAndDatabase(t *testing.T) {
	t.Parallel()

	srv := startFakeClamd(t)
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/db/main.cvd", cvdHeader("16 Sep 2021 08-32 -0400", 62, 6647427, 1631795520), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/db/daily.cld", cvdHeader("14 Oct 2024 08-36 -0400", 27400, 2067823, 1728909391), 0o644))

	client, err := clamd.New(srv.addr(), clamd.WithFs(fsys), clamd.WithDatabaseDir("/db"))
	require.NoError(t, err)

	info, err := client.Info(t.Context())
	require.NoError(t, err)
	require.Equal(t, "1.4.1", info.Version)
	require.Equal(t, uint32(27400), info.DBVersion)
	require.Equal(t, uint32(6647427+2067823), info.DBSignatures)
	require.Equal(t, time.Date(2024, time.October, 14, 8, 36, 31, 0, time.UTC), info.DBDate)
}

func TestInfoWithoutDatabaseFiles(t *testing.T) {
	t.Parallel()

	srv := startFakeClamd(t)
	srv.version = "ClamAV 1.4.1"
	client, err := clamd.New(srv.addr(), clamd.WithFs(afero.NewMemMapFs()), clamd.WithDatabaseDir("/missing"))
	require.NoError(t, err)

	info, err := client.Info(t.Context())
	require.NoError(t, err, "missing database headers only degrade the metadata")
	require.Equal(t, "1.4.1", info.Version)
	require.Zero(t, info.DBSignatures)
	require.True(t, info.DBDate.IsZero())
}

func TestUnreachableDaemon(t *testing.T) {
	t.Parallel()

	client, err := clamd.New("unix:///nonexistent/clamd.sock", clamd.WithTimeout(time.Second))
	require.NoError(t, err)
	require.Error(t, client.Ping(t.Context()))
}

func TestNewRejectsBadAddresses(t *testing.T) {
	t.Parallel()

	for _, addr := range []string{"unix://", "tcp://", "http://clamd:3310", "%zz://x"} {
		_, err := clamd.New(addr)
		require.Errorf(t, err, "address %q", addr)
	}

	_, err := clamd.New("localhost:3310", clamd.WithMode("multiscan"))
	require.Error(t, err)

	c, err := clamd.New("")
	require.NoError(t, err)
	require.Equal(t, "unix:///var/run/clamav/clamd.ctl", c.Address())

	c, err = clamd.New("clamd:3310")
	require.NoError(t, err)
	require.Equal(t, "tcp://clamd:3310", c.Address())
}

func TestParseReply(t *testing.T) {
	t.Parallel()

	res, err := clamd.ParseReply("stream: OK")
	require.NoError(t, err)
	require.Equal(t, engine.CodeClean, res.Code)

	res, err = clamd.ParseReply("/tmp/a b: c: Win.Test.EICAR_HDB-1 FOUND")
	require.NoError(t, err)
	require.Equal(t, engine.CodeVirus, res.Code)
	require.Equal(t, "Win.Test.EICAR_HDB-1", res.Signature)

	for _, reply := range []string{
		"stream:  FOUND",
		"INSTREAM size limit exceeded. ERROR",
		"/tmp/x: lstat() failed: No such file or directory. ERROR",
		"stream: WEIRD",
		"",
	} {
		_, err := clamd.ParseReply(reply)
		require.Errorf(t, err, "reply %q must be an error", reply)
	}
}
