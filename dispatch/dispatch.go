// Package dispatch interprets the command frames of an authenticated session.
//
// A Session reads one command at a time, runs it against a Host, and writes any reply before reading the next. It owns
// a scratch buffer, a current file descriptor, a working directory, and the outcome of the last result-recording
// operation; none of these are shared with other sessions.
//
// Failures of the operations themselves are recorded and reported on request with tn.OpResult. Malformed commands are
// protocol errors: Serve returns them and the connection must be dropped without a reply.
package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/codahale/tn"
	"github.com/codahale/tn/frame"
	"github.com/codahale/tn/handshake"
	"github.com/codahale/tn/internal/mem"
	"golang.org/x/sys/unix"
)

var (
	// ErrUnknownOpcode is returned when a command's opcode is not part of the protocol.
	ErrUnknownOpcode = errors.New("tn/dispatch: unknown opcode")

	// ErrTruncatedOperand is returned when a command is too short to hold its operands.
	ErrTruncatedOperand = errors.New("tn/dispatch: truncated operand")

	// errHandedOff ends a session whose connection was handed to an interactive shell.
	errHandedOff = errors.New("tn/dispatch: connection handed off")
)

// A Session is the command state machine for one authenticated connection.
type Session struct {
	rw     io.ReadWriter
	host   Host
	secret *handshake.Secret
	buf    []byte

	fd     int
	opened map[int]struct{}
	dir    string

	errno unix.Errno
	ret   int32
}

// NewSession returns a Session which reads commands from and writes replies to rw. The secret is the one the
// connection authenticated with; its greeting is reused as the tn.OpExec end marker. Relative paths are resolved
// against dir.
func NewSession(rw io.ReadWriter, host Host, secret *handshake.Secret, dir string) *Session {
	return &Session{
		rw:     rw,
		host:   host,
		secret: secret,
		buf:    make([]byte, tn.BufferSize),
		fd:     -1,
		opened: make(map[int]struct{}),
		dir:    dir,
	}
}

// Serve runs commands until the client sends an empty command, in which case it returns nil, or until a protocol
// error occurs. Every descriptor the session opened is closed before Serve returns.
func (s *Session) Serve(ctx context.Context) error {
	defer s.closeAll()

	for {
		n, err := frame.ReadPacket(s.rw, s.buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		if err := s.exec(ctx, operands(s.buf[:n])); err != nil {
			if errors.Is(err, errHandedOff) {
				return nil
			}
			return err
		}
	}
}

func opcodeOf(cmd operands) tn.Opcode {
	return tn.Opcode(cmd[0])
}

//nolint:gocyclo,cyclop // it's a dispatch table
func (s *Session) exec(ctx context.Context, cmd operands) error {
	switch op := opcodeOf(cmd); op {
	case tn.OpShell:
		if err := s.host.Shell(ctx, s.dir, s.rw); err != nil {
			s.record(0, err)
			return nil
		}
		return errHandedOff

	case tn.OpClose:
		if s.owns(s.fd) {
			_ = s.host.Close(s.fd)
			delete(s.opened, s.fd)
		}
		s.fd = -1
		return nil

	case tn.OpKill:
		sig, err := cmd.uint8(1)
		if err != nil {
			return err
		}
		pid, err := cmd.uint32(4)
		if err != nil {
			return err
		}
		s.record(0, s.host.Kill(int(int32(pid)), int(sig)))
		return nil

	case tn.OpChmod:
		mode, err := cmd.uint16(2)
		if err != nil {
			return err
		}
		path, err := cmd.str(4)
		if err != nil {
			return err
		}
		s.record(0, s.host.Chmod(s.resolve(path), uint32(mode)))
		return nil

	case tn.OpRename:
		from, err := cmd.str(1)
		if err != nil {
			return err
		}
		n, err := frame.ReadPacket(s.rw, s.buf)
		if err != nil {
			return err
		}
		to := mem.CString(s.buf[:n])
		s.record(0, s.host.Rename(s.resolve(from), s.resolve(to)))
		return nil

	case tn.OpUnlink:
		path, err := cmd.str(1)
		if err != nil {
			return err
		}
		s.record(0, s.host.Unlink(s.resolve(path)))
		return nil

	case tn.OpMkdir:
		path, err := cmd.str(1)
		if err != nil {
			return err
		}
		s.record(0, s.host.Mkdir(s.resolve(path), 0o700))
		return nil

	case tn.OpRelay:
		if err := s.relay(ctx, cmd); err != nil {
			return err
		}
		return s.writeResult()

	case tn.OpLstat, tn.OpStat:
		return s.stat(op, cmd)

	case tn.OpStatfs:
		return s.statfs(cmd)

	case tn.OpExecQuiet, tn.OpExec:
		return s.run(ctx, op, cmd)

	case tn.OpReaddir:
		return s.readdir()

	case tn.OpSeek:
		whence, err := cmd.uint8(3)
		if err != nil {
			return err
		}
		off, err := cmd.uint32(4)
		if err != nil {
			return err
		}
		if !s.owns(s.fd) {
			s.record(0, unix.EBADF)
			return nil
		}
		s.record(s.host.Seek(s.fd, int64(int32(off)), int(whence)))
		return nil

	case tn.OpFNV, tn.OpRead, tn.OpHash:
		return s.stream(op, cmd)

	case tn.OpWrite:
		data, err := cmd.tail(1)
		if err != nil {
			return err
		}
		if !s.owns(s.fd) {
			s.record(0, unix.EBADF)
			return nil
		}
		n, err := s.host.Write(s.fd, data)
		s.record(int64(n), err)
		return nil

	case tn.OpReadlink:
		return s.readlink(cmd)

	case tn.OpResult:
		return s.writeResult()

	case tn.OpChdir:
		path, err := cmd.str(1)
		if err != nil {
			return err
		}
		dir := s.resolve(path)
		err = s.host.Chdir(dir)
		if err == nil {
			s.dir = dir
		}
		s.record(0, err)
		return nil

	case tn.OpSleep:
		ms, err := cmd.uint32(4)
		if err != nil {
			return err
		}
		sleep(ctx, time.Duration(ms)*time.Millisecond)
		return nil

	case tn.OpOpen:
		mode, err := cmd.uint16(2)
		if err != nil {
			return err
		}
		flags, err := cmd.uint32(4)
		if err != nil {
			return err
		}
		path, err := cmd.str(8)
		if err != nil {
			return err
		}
		fd, err := s.host.Open(s.resolve(path), int(int32(flags)), uint32(mode))
		if err != nil {
			s.fd = -1
			s.record(0, err)
			return nil
		}
		s.fd = fd
		s.opened[fd] = struct{}{}
		s.record(int64(fd), nil)
		return nil

	default:
		return fmt.Errorf("%w: %d", ErrUnknownOpcode, byte(op))
	}
}

// record stores the outcome of an operation for tn.OpResult. Failures are recorded as a return value of -1 and the
// errno of the failed call.
func (s *Session) record(ret int64, err error) {
	if err != nil {
		s.ret = -1
		s.errno = errnoOf(err)
		return
	}
	s.ret = int32(ret) //nolint:gosec // truncated to the wire width on purpose
	s.errno = 0
}

func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// writeResult sends the recorded errno and return value as two 4-byte big-endian packets.
func (s *Session) writeResult() error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(s.errno))
	if err := frame.WritePacket(s.rw, b[:]); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b[:], uint32(s.ret)) //nolint:gosec // two's complement on the wire
	return frame.WritePacket(s.rw, b[:])
}

// owns reports whether fd was opened by this session and is still open. Descriptors belonging to anything else in the
// process are never touched.
func (s *Session) owns(fd int) bool {
	_, ok := s.opened[fd]
	return ok
}

func (s *Session) closeAll() {
	for fd := range s.opened {
		_ = s.host.Close(fd)
	}
	clear(s.opened)
	s.fd = -1
}

// resolve interprets path relative to the session's working directory. Paths are not cleaned, so symlinks and ".."
// behave as they would for the kernel.
func (s *Session) resolve(path string) string {
	if path == "" || path[0] == '/' || s.dir == "" {
		return path
	}
	return s.dir + "/" + path
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
