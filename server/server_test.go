package server_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/codahale/tn"
	"github.com/codahale/tn/client"
	"github.com/codahale/tn/frame"
	"github.com/codahale/tn/handshake"
	"github.com/codahale/tn/internal/host"
	"github.com/codahale/tn/server"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var (
	identifier = [tn.IdentifierSize]byte(bytes.Repeat([]byte{'i'}, tn.IdentifierSize))
	key        = [tn.KeySize]byte(bytes.Repeat([]byte{'k'}, tn.KeySize))
)

type fixture struct {
	addr string
	dir  string
}

func start(t *testing.T, linger time.Duration) *fixture {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fixture{addr: ln.Addr().String(), dir: t.TempDir()}
	srv := &server.Server{
		Identifier: identifier,
		Key:        key,
		Host:       new(host.Host),
		Dir:        f.dir,
		Linger:     linger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errs)
	})

	return f
}

func (f *fixture) dial(t *testing.T) *client.Client {
	t.Helper()

	c, err := client.Dial(context.Background(), f.addr, &key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServer_Handshake(t *testing.T) {
	f := start(t, -1)

	conn, err := net.Dial("tcp4", f.addr)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	buf := make([]byte, frame.MinBuffer)
	n, err := frame.ReadPacket(conn, buf)
	require.NoError(t, err)
	require.Equal(t, handshake.GreetingSize, n)
	require.Equal(t, identifier[:], buf[tn.ChallengeSize:n])

	response, err := handshake.Answer(buf[:n], &key)
	require.NoError(t, err)
	require.NoError(t, frame.WritePacket(conn, response[:]))

	n, err = frame.ReadPacket(conn, buf)
	require.NoError(t, err)
	require.Equal(t, tn.Version+"/"+runtime.GOARCH, string(buf[:n]))

	n, err = frame.ReadPacket(conn, buf)
	require.NoError(t, err)
	require.Equal(t, handshake.Probe(), buf[:n])

	n, err = frame.ReadPacket(conn, buf)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestServer_WrongKey(t *testing.T) {
	f := start(t, -1)

	wrong := key
	wrong[31] ^= 0x80
	_, err := client.Dial(context.Background(), f.addr, &wrong)
	require.ErrorIs(t, err, frame.ErrShortPacket)
}

func TestServer_FreshChallenges(t *testing.T) {
	f := start(t, -1)

	a, b := f.dial(t), f.dial(t)
	require.NotEqual(t, a.Banner.Greeting, b.Banner.Greeting)
	require.Equal(t, a.Banner.Greeting[tn.ChallengeSize:], b.Banner.Greeting[tn.ChallengeSize:])
}

func TestServer_UnknownOpcode(t *testing.T) {
	f := start(t, -1)

	conn, err := net.Dial("tcp4", f.addr)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = client.New(conn, &key)
	require.NoError(t, err)

	require.NoError(t, frame.WritePacket(conn, []byte{99, 1, 2, 3}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Empty(t, rest)
}

func TestServer_WriteResult(t *testing.T) {
	f := start(t, -1)
	c := f.dial(t)

	require.NoError(t, c.Open("out", unix.O_WRONLY|unix.O_CREAT, 0o600))
	require.NoError(t, c.Write([]byte("hello")))

	r, err := c.Result()
	require.NoError(t, err)
	require.Equal(t, client.Result{Errno: 0, Ret: 5}, r)

	b, err := os.ReadFile(filepath.Join(f.dir, "out"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
}

func TestServer_HashEmpty(t *testing.T) {
	f := start(t, -1)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "empty"), nil, 0o600))
	c := f.dial(t)

	for _, tc := range []struct {
		sha3 bool
		want string
	}{
		{false, "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"},
		{true, "a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a"},
	} {
		require.NoError(t, c.Open("empty", unix.O_RDONLY, 0))
		digest, err := c.Hash(tc.sha3, client.NoLimit)
		require.NoError(t, err)
		require.Equal(t, tc.want, hex.EncodeToString(digest[:]))
		require.NoError(t, c.CloseFile())
	}
}

func TestServer_Session(t *testing.T) {
	f := start(t, -1)
	c := f.dial(t)

	require.NoError(t, c.Mkdir("sub"))
	require.NoError(t, c.Chdir("sub"))
	r, err := c.Result()
	require.NoError(t, err)
	require.NoError(t, r.Err())

	var out bytes.Buffer
	require.NoError(t, c.Exec("pwd", &out))
	require.Equal(t, filepath.Join(f.dir, "sub")+"\n", out.String())

	r, err = c.Result()
	require.NoError(t, err)
	require.Equal(t, client.Result{}, r)

	require.NoError(t, c.Open(".", unix.O_RDONLY|unix.O_DIRECTORY, 0))
	names, err := c.ReadDir()
	require.NoError(t, err)
	require.Empty(t, names)

	fi, ok, err := c.Stat("")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(unix.S_IFDIR), fi.Mode&unix.S_IFMT)

	_, ok, err = c.Lstat("missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Unlink("missing"))
	r, err = c.Result()
	require.NoError(t, err)
	require.Equal(t, client.Result{Errno: unix.ENOENT, Ret: -1}, r)
}

func TestServer_Shell(t *testing.T) {
	f := start(t, -1)
	c := f.dial(t)

	conn, err := c.Shell()
	require.NoError(t, err)

	_, err = conn.Write([]byte("echo from-the-shell; exit 0\n"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Contains(t, string(out), "from-the-shell\n")
}

func TestServer_Linger(t *testing.T) {
	const linger = 300 * time.Millisecond
	f := start(t, linger)

	begin := time.Now()
	conn, err := net.Dial("tcp4", f.addr)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// An empty response fails authentication immediately.
	buf := make([]byte, frame.MinBuffer)
	_, err = frame.ReadPacket(conn, buf)
	require.NoError(t, err)
	require.NoError(t, frame.WriteEmpty(conn))

	_, err = io.ReadAll(conn)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(begin), linger)
}

func TestServer_Shutdown(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &server.Server{Identifier: identifier, Key: key, Host: new(host.Host), Linger: -1}
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- srv.Serve(ctx, ln) }()

	c, err := client.Dial(context.Background(), ln.Addr().String(), &key)
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-errs)

	_, err = c.Result()
	require.Error(t, err)
}
