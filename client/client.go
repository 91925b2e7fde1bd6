// Package client drives a tn server.
//
// A Client authenticates once and then issues one command at a time. Methods that correspond to result-recording
// operations do not report the operation's outcome themselves; call Result afterwards, as the protocol requires. Only
// transport failures and malformed replies are returned as errors, after which the Client must be closed.
package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/codahale/tn"
	"github.com/codahale/tn/dispatch"
	"github.com/codahale/tn/frame"
	"github.com/codahale/tn/handshake"
	"github.com/codahale/tn/internal/varint"
	"golang.org/x/sys/unix"
)

// ErrUnexpectedReply is returned when the server's reply does not have the shape the command calls for.
var ErrUnexpectedReply = errors.New("tn/client: unexpected reply")

// A Client is an authenticated connection to a server. It is not safe for concurrent use.
type Client struct {
	conn   net.Conn
	buf    []byte
	Banner handshake.Banner
}

// Dial connects to addr and authenticates with key.
func Dial(ctx context.Context, addr string, key *[tn.KeySize]byte) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c, err := New(conn, key)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// New authenticates over an established connection.
func New(conn net.Conn, key *[tn.KeySize]byte) (*Client, error) {
	banner, err := handshake.Initiate(conn, key)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, buf: make([]byte, frame.MinBuffer), Banner: banner}, nil
}

// Close ends the session with an empty command and closes the connection.
func (c *Client) Close() error {
	err := frame.WriteEmpty(c.conn)
	return errors.Join(err, c.conn.Close())
}

// A Result is the outcome of the last result-recording operation.
type Result struct {
	Errno unix.Errno
	Ret   int32
}

// Err returns the recorded errno as an error, or nil if the operation succeeded.
func (r Result) Err() error {
	if r.Errno == 0 {
		return nil
	}
	return r.Errno
}

// Result fetches the outcome of the last result-recording operation.
func (c *Client) Result() (Result, error) {
	if err := c.command(tn.OpResult); err != nil {
		return Result{}, err
	}
	return c.readResult()
}

// Shell starts an interactive shell bound to the connection and returns the connection. The session is over once
// the shell exits; the Client must not be used for anything else.
func (c *Client) Shell() (net.Conn, error) {
	if err := c.command(tn.OpShell); err != nil {
		return nil, err
	}
	return c.conn, nil
}

// CloseFile closes the session's current descriptor.
func (c *Client) CloseFile() error {
	return c.command(tn.OpClose)
}

func (c *Client) Kill(pid int32, sig uint8) error {
	b := []byte{byte(tn.OpKill), sig, 0, 0}
	return c.send(binary.BigEndian.AppendUint32(b, uint32(pid))) //nolint:gosec // two's complement
}

func (c *Client) Chmod(path string, mode uint16) error {
	b := binary.BigEndian.AppendUint16([]byte{byte(tn.OpChmod), 0}, mode)
	return c.send(append(b, path...))
}

// Rename sends the source path with the command and the destination as a second packet.
func (c *Client) Rename(from, to string) error {
	if err := c.command(tn.OpRename, []byte(from)...); err != nil {
		return err
	}
	return frame.WritePacket(c.conn, []byte(to))
}

func (c *Client) Unlink(path string) error {
	return c.command(tn.OpUnlink, []byte(path)...)
}

func (c *Client) Mkdir(path string) error {
	return c.command(tn.OpMkdir, []byte(path)...)
}

func (c *Client) Chdir(path string) error {
	return c.command(tn.OpChdir, []byte(path)...)
}

// Open opens path as the session's current descriptor. The descriptor, or the failure, is reported by Result.
func (c *Client) Open(path string, flags int, mode uint16) error {
	b := binary.BigEndian.AppendUint16([]byte{byte(tn.OpOpen), 0}, mode)
	b = binary.BigEndian.AppendUint32(b, uint32(flags)) //nolint:gosec // flags are bits
	return c.send(append(b, path...))
}

// Write writes p to the current descriptor in as many commands as it takes. Each command's byte count is recorded,
// so Result only reports on the last one.
func (c *Client) Write(p []byte) error {
	for len(p) > 0 {
		n := min(len(p), tn.MaxPayload-1)
		if err := c.command(tn.OpWrite, p[:n]...); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (c *Client) Seek(offset int32, whence uint8) error {
	b := []byte{byte(tn.OpSeek), 0, 0, whence}
	return c.send(binary.BigEndian.AppendUint32(b, uint32(offset))) //nolint:gosec // two's complement
}

func (c *Client) Sleep(d time.Duration) error {
	b := []byte{byte(tn.OpSleep), 0, 0, 0}
	return c.send(binary.BigEndian.AppendUint32(b, uint32(d.Milliseconds()))) //nolint:gosec // bounded by caller
}

// NoLimit reads the current descriptor to its end.
const NoLimit = -1

// Read copies the current descriptor to w, stopping after limit bytes unless limit is NoLimit.
func (c *Client) Read(w io.Writer, limit int64) error {
	if err := c.send(streamCmd(tn.OpRead, 0, limit)); err != nil {
		return err
	}
	return c.copyStream(w)
}

// FNV returns the 32-bit FNV-1a of the current descriptor's contents.
func (c *Client) FNV(limit int64) (uint32, error) {
	if err := c.send(streamCmd(tn.OpFNV, 0, limit)); err != nil {
		return 0, err
	}
	p, err := c.expect(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

// Hash returns the Keccak-256 digest of the current descriptor's contents, or the SHA3-256 digest if sha3 is set.
func (c *Client) Hash(sha3 bool, limit int64) ([tn.DigestSize]byte, error) {
	var sel byte
	if sha3 {
		sel = 1
	}

	var digest [tn.DigestSize]byte
	if err := c.send(streamCmd(tn.OpHash, sel, limit)); err != nil {
		return digest, err
	}
	p, err := c.expect(tn.DigestSize)
	if err != nil {
		return digest, err
	}
	copy(digest[:], p)
	return digest, nil
}

// ReadDir lists the directory open as the current descriptor.
func (c *Client) ReadDir() ([]string, error) {
	if err := c.command(tn.OpReaddir); err != nil {
		return nil, err
	}

	var names []string
	for {
		n, err := frame.ReadPacket(c.conn, c.buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return names, nil
		}
		names = append(names, string(c.buf[:n]))
	}
}

// Readlink returns the target of a symbolic link. It returns false if the link could not be read.
func (c *Client) Readlink(path string) (string, bool, error) {
	if err := c.command(tn.OpReadlink, []byte(path)...); err != nil {
		return "", false, err
	}
	n, err := frame.ReadPacket(c.conn, c.buf)
	if err != nil {
		return "", false, err
	}
	return string(c.buf[:n]), n > 0, nil
}

// Stat returns metadata for path, following symbolic links. An empty path queries the current descriptor. It
// returns false if the query failed.
func (c *Client) Stat(path string) (dispatch.FileInfo, bool, error) {
	return c.stat(tn.OpStat, path)
}

// Lstat is like Stat but does not follow symbolic links.
func (c *Client) Lstat(path string) (dispatch.FileInfo, bool, error) {
	return c.stat(tn.OpLstat, path)
}

func (c *Client) stat(op tn.Opcode, path string) (dispatch.FileInfo, bool, error) {
	var fi dispatch.FileInfo
	ok, err := c.record(op, path, &fi.Dev, &fi.Ino, &fi.Mode, &fi.Size, &fi.Mtime, &fi.UID)
	return fi, ok, err
}

// Statfs returns filesystem statistics for path. It returns false if the query failed.
func (c *Client) Statfs(path string) (dispatch.FSInfo, bool, error) {
	var fsi dispatch.FSInfo
	ok, err := c.record(tn.OpStatfs, path,
		&fsi.Type, &fsi.Bsize, &fsi.Blocks, &fsi.Bfree, &fsi.Bavail, &fsi.Files, &fsi.Ffree)
	return fsi, ok, err
}

func (c *Client) record(op tn.Opcode, path string, fields ...*uint64) (bool, error) {
	if err := c.command(op, []byte(path)...); err != nil {
		return false, err
	}
	n, err := frame.ReadPacket(c.conn, c.buf)
	if err != nil || n == 0 {
		return false, err
	}

	r := varint.NewReader(c.buf[:n])
	for _, f := range fields {
		if *f, err = r.Uint(); err != nil {
			return false, fmt.Errorf("%w: %s record: %w", ErrUnexpectedReply, op, err)
		}
	}
	if r.Len() != 0 {
		return false, fmt.Errorf("%w: %s record has %d trailing bytes", ErrUnexpectedReply, op, r.Len())
	}
	return true, nil
}

// Exec runs command with the server's shell and copies its combined output to w. The wait status is reported by
// Result.
func (c *Client) Exec(command string, w io.Writer) error {
	if err := c.command(tn.OpExec, []byte(command)...); err != nil {
		return err
	}

	marker := append([]byte{handshake.GreetingSize}, c.Banner.Greeting...)
	var pending []byte
	buf := make([]byte, tn.BufferSize)
	for {
		n, err := c.conn.Read(buf)
		pending = append(pending, buf[:n]...)
		if i := bytes.Index(pending, marker); i >= 0 {
			_, werr := w.Write(pending[:i])
			return werr
		}
		if keep := len(marker) - 1; len(pending) > keep {
			if _, werr := w.Write(pending[:len(pending)-keep]); werr != nil {
				return werr
			}
			pending = append(pending[:0], pending[len(pending)-keep:]...)
		}
		if err != nil {
			return fmt.Errorf("%w: %w", frame.ErrShortPacket, err)
		}
	}
}

// ExecQuiet runs command with the server's shell, discarding its output. The wait status is reported by Result.
func (c *Client) ExecQuiet(command string) error {
	return c.command(tn.OpExecQuiet, []byte(command)...)
}

// Relay has the server connect to addr, send body, and stream the response back to w. The outcome is returned
// directly: Ret is 0 on success, 1 if the socket could not be created, and 2 if the connection failed.
func (c *Client) Relay(addr netip.AddrPort, body []byte, w io.Writer) (Result, error) {
	if err := c.sendRelay(0, addr, body); err != nil {
		return Result{}, err
	}
	if err := c.copyStream(w); err != nil {
		return Result{}, err
	}
	return c.readResult()
}

// RelayToFile is like Relay but has the server write the response into the current descriptor. progress is called
// once per chunk written.
func (c *Client) RelayToFile(addr netip.AddrPort, body []byte, progress func()) (Result, error) {
	if err := c.sendRelay(tn.RelayToFile, addr, body); err != nil {
		return Result{}, err
	}

	// Progress packets are empty, the result's first packet is not.
	for {
		n, err := frame.ReadPacket(c.conn, c.buf)
		if err != nil {
			return Result{}, err
		}
		if n == 0 {
			if progress != nil {
				progress()
			}
			continue
		}
		if n != 4 {
			return Result{}, fmt.Errorf("%w: %d-byte errno", ErrUnexpectedReply, n)
		}
		errno := binary.BigEndian.Uint32(c.buf[:4])
		ret, err := c.expect(4)
		if err != nil {
			return Result{}, err
		}
		return Result{Errno: unix.Errno(errno), Ret: int32(binary.BigEndian.Uint32(ret))}, nil //nolint:gosec // two's complement
	}
}

func (c *Client) sendRelay(flags byte, addr netip.AddrPort, body []byte) error {
	if !addr.Addr().Is4() {
		return fmt.Errorf("tn/client: relay to non-IPv4 address %s", addr)
	}

	b := binary.BigEndian.AppendUint16([]byte{byte(tn.OpRelay), flags}, addr.Port())
	ip := addr.Addr().As4()
	if err := c.send(append(b, ip[:]...)); err != nil {
		return err
	}
	if err := frame.WriteStream(c.conn, body); err != nil {
		return err
	}
	return frame.WriteEmpty(c.conn)
}

func (c *Client) readResult() (Result, error) {
	errno, err := c.expect(4)
	if err != nil {
		return Result{}, err
	}
	r := Result{Errno: unix.Errno(binary.BigEndian.Uint32(errno))}

	ret, err := c.expect(4)
	if err != nil {
		return Result{}, err
	}
	r.Ret = int32(binary.BigEndian.Uint32(ret)) //nolint:gosec // two's complement
	return r, nil
}

func (c *Client) copyStream(w io.Writer) error {
	for {
		n, err := frame.ReadPacket(c.conn, c.buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := w.Write(c.buf[:n]); err != nil {
			return err
		}
	}
}

// expect reads one packet of exactly n bytes.
func (c *Client) expect(n int) ([]byte, error) {
	m, err := frame.ReadPacket(c.conn, c.buf)
	if err != nil {
		return nil, err
	}
	if m != n {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrUnexpectedReply, m, n)
	}
	return c.buf[:n], nil
}

func (c *Client) command(op tn.Opcode, operand ...byte) error {
	return c.send(append([]byte{byte(op)}, operand...))
}

func (c *Client) send(cmd []byte) error {
	return frame.WritePacket(c.conn, cmd)
}

func streamCmd(op tn.Opcode, sel byte, limit int64) []byte {
	b := []byte{byte(op), sel}
	if limit < 0 {
		return b
	}
	return binary.BigEndian.AppendUint32(append(b, 0, 0), uint32(min(limit, 1<<32-1)))
}
