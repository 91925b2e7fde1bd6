package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"hash"
	"hash/fnv"
	"io"
	"net/netip"
	"os"

	"github.com/codahale/tn"
	"github.com/codahale/tn/frame"
	"github.com/codahale/tn/internal/varint"
	"github.com/codahale/tn/sponge"
	"golang.org/x/sys/unix"
)

const (
	statFields   = 6
	statfsFields = 7
)

// stat replies with dev, ino, mode, size, mtime, and uid as a varint record, or an empty packet if the query fails. An
// empty path queries the current descriptor.
func (s *Session) stat(op tn.Opcode, cmd operands) error {
	path, err := cmd.str(1)
	if err != nil {
		return err
	}

	var fi FileInfo
	switch {
	case path != "" && op == tn.OpStat:
		fi, err = s.host.Stat(s.resolve(path))
	case path != "":
		fi, err = s.host.Lstat(s.resolve(path))
	case s.owns(s.fd):
		fi, err = s.host.Fstat(s.fd)
	default:
		err = unix.EBADF
	}
	if err != nil {
		return frame.WriteEmpty(s.rw)
	}

	e := varint.NewEncoder(s.buf[:statFields*varint.MaxSize])
	e.Put(fi.UID)
	e.Put(fi.Mtime)
	e.Put(fi.Size)
	e.Put(fi.Mode)
	e.Put(fi.Ino)
	e.Put(fi.Dev)
	return frame.WritePacket(s.rw, e.Bytes())
}

// statfs replies with type, bsize, blocks, bfree, bavail, files, and ffree as a varint record, or an empty packet if
// the query fails.
func (s *Session) statfs(cmd operands) error {
	path, err := cmd.str(1)
	if err != nil {
		return err
	}

	fsi, err := s.host.Statfs(s.resolve(path))
	if err != nil {
		return frame.WriteEmpty(s.rw)
	}

	e := varint.NewEncoder(s.buf[:statfsFields*varint.MaxSize])
	e.Put(fsi.Ffree)
	e.Put(fsi.Files)
	e.Put(fsi.Bavail)
	e.Put(fsi.Bfree)
	e.Put(fsi.Blocks)
	e.Put(fsi.Bsize)
	e.Put(fsi.Type)
	return frame.WritePacket(s.rw, e.Bytes())
}

// run executes a shell command and records its wait status. OpExec streams the command's output onto the connection
// unframed and then sends the greeting as an end marker.
func (s *Session) run(ctx context.Context, op tn.Opcode, cmd operands) error {
	command, err := cmd.str(1)
	if err != nil {
		return err
	}

	var stdout io.Writer
	if op == tn.OpExec {
		stdout = s.rw
	}
	status, err := s.host.Run(ctx, s.dir, command, stdout)
	s.record(int64(status), err)

	if op == tn.OpExec {
		return frame.WritePacket(s.rw, s.secret.Greeting())
	}
	return nil
}

// readdir sends the name of every entry of the current directory descriptor as its own packet, then an empty packet.
func (s *Session) readdir() error {
	for s.owns(s.fd) {
		names, err := s.host.ReadDir(s.fd, s.buf)
		if err != nil || len(names) == 0 {
			break
		}
		for _, name := range names {
			if len(name) > tn.MaxPayload {
				name = name[:tn.MaxPayload]
			}
			if err := frame.WritePacket(s.rw, []byte(name)); err != nil {
				return err
			}
		}
	}
	return frame.WriteEmpty(s.rw)
}

// stream reads the current descriptor until EOF, an error, or the optional byte limit. OpFNV replies with the 32-bit
// FNV-1a of the data, OpRead sends the data itself followed by an empty packet, and OpHash replies with the sponge
// digest using the padding selected by the second command byte.
func (s *Session) stream(op tn.Opcode, cmd operands) error {
	remaining := int64(-1)
	if len(cmd) >= 8 {
		limit, err := cmd.uint32(4)
		if err != nil {
			return err
		}
		remaining = int64(limit)
	}

	// cmd shares the scratch buffer, so operands are decoded before any data is read.
	var sum hash.Hash
	switch {
	case op == tn.OpFNV:
		sum = fnv.New32a()
	case op == tn.OpHash && cmd.optUint8(1) != 0:
		sum = sponge.New(sponge.PadSHA3)
	case op == tn.OpHash:
		sum = sponge.New(sponge.PadKeccak)
	}

	chunk := tn.BufferSize
	if op == tn.OpRead {
		chunk = tn.ChunkSize
	}

	for remaining != 0 && s.owns(s.fd) {
		m := chunk
		if remaining > 0 {
			m = int(min(remaining, int64(chunk)))
		}

		n, err := s.host.Read(s.fd, s.buf[:m])
		if err != nil || n <= 0 {
			break
		}
		if remaining > 0 {
			remaining -= int64(n)
		}

		if sum != nil {
			_, _ = sum.Write(s.buf[:n])
		} else if err := frame.WritePacket(s.rw, s.buf[:n]); err != nil {
			return err
		}
	}

	if sum != nil {
		return frame.WritePacket(s.rw, sum.Sum(s.buf[:0]))
	}
	return frame.WriteEmpty(s.rw)
}

// readlink replies with at most tn.MaxPayload bytes of the link's target, or an empty packet on failure.
func (s *Session) readlink(cmd operands) error {
	path, err := cmd.str(1)
	if err != nil {
		return err
	}

	n, err := s.host.Readlink(s.resolve(path), s.buf[:tn.MaxPayload])
	if err != nil || n < 0 {
		n = 0
	}
	return frame.WritePacket(s.rw, s.buf[:n])
}

// Relay return values.
const (
	relayOK      = 0
	relaySocket  = 1
	relayConnect = 2
)

// relay connects to an IPv4 address, forwards the request packets that follow the command until an empty packet, and
// relays the peer's response. The response is either streamed back as packets ended by an empty packet or, with
// tn.RelayToFile, written into the current descriptor with an empty progress packet per chunk. The caller sends the
// result afterwards.
func (s *Session) relay(ctx context.Context, cmd operands) error {
	flags, err := cmd.uint8(1)
	if err != nil {
		return err
	}
	port, err := cmd.uint16(2)
	if err != nil {
		return err
	}
	ip, err := cmd.uint32(4)
	if err != nil {
		return err
	}
	var a4 [4]byte
	binary.BigEndian.PutUint32(a4[:], ip)
	addr := netip.AddrPortFrom(netip.AddrFrom4(a4), port)
	toFile := flags&tn.RelayToFile != 0

	conn, dialErr := s.host.Dial(ctx, addr)

	// The request body follows the command whether or not the connection succeeded.
	for {
		n, err := frame.ReadPacket(s.rw, s.buf)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		if conn != nil {
			_, _ = conn.Write(s.buf[:n])
		}
	}

	if dialErr != nil {
		var sce *os.SyscallError
		if errors.As(dialErr, &sce) && sce.Syscall == "socket" {
			s.ret, s.errno = relaySocket, errnoOf(dialErr)
		} else {
			s.ret, s.errno = relayConnect, errnoOf(dialErr)
		}
		if !toFile {
			return frame.WriteEmpty(s.rw)
		}
		return nil
	}
	defer func() { _ = conn.Close() }()

	chunk := tn.MaxPayload
	if toFile {
		chunk = tn.BufferSize
	}
	for {
		n, err := io.ReadFull(conn, s.buf[:chunk])
		if n > 0 {
			if toFile {
				if s.owns(s.fd) {
					_, _ = s.host.Write(s.fd, s.buf[:n])
				}
				if err := frame.WriteEmpty(s.rw); err != nil {
					return err
				}
			} else if err := frame.WritePacket(s.rw, s.buf[:n]); err != nil {
				return err
			}
		}
		if err != nil {
			break
		}
	}

	s.ret, s.errno = relayOK, 0
	if !toFile {
		return frame.WriteEmpty(s.rw)
	}
	return nil
}
