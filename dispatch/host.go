package dispatch

import (
	"context"
	"io"
	"net"
	"net/netip"
)

// FileInfo is the subset of stat(2) results reported by OpStat and OpLstat, in wire order.
type FileInfo struct {
	Dev   uint64
	Ino   uint64
	Mode  uint64
	Size  uint64
	Mtime uint64
	UID   uint64
}

// FSInfo is the subset of statfs(2) results reported by OpStatfs, in wire order.
type FSInfo struct {
	Type   uint64
	Bsize  uint64
	Blocks uint64
	Bfree  uint64
	Bavail uint64
	Files  uint64
	Ffree  uint64
}

// Host is the operating system as seen by a Session. Every method is a thin, trusted wrapper around the corresponding
// system call; errors should wrap the syscall's errno so the Session can record it.
//
// Paths passed to a Host are already resolved against the Session's working directory.
type Host interface {
	Open(path string, flags int, mode uint32) (int, error)
	Close(fd int) error
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Seek(fd int, offset int64, whence int) (int64, error)

	// ReadDir returns the next batch of entry names from the directory open as fd, using buf as scratch space. An
	// empty batch marks the end of the directory.
	ReadDir(fd int, buf []byte) ([]string, error)

	Stat(path string) (FileInfo, error)
	Lstat(path string) (FileInfo, error)
	Fstat(fd int) (FileInfo, error)
	Statfs(path string) (FSInfo, error)
	Readlink(path string, buf []byte) (int, error)

	Kill(pid, sig int) error
	Chmod(path string, mode uint32) error
	Rename(from, to string) error
	Unlink(path string) error
	Mkdir(path string, mode uint32) error

	// Chdir reports whether path can become a working directory.
	Chdir(path string) error

	// Run executes command with the shell in dir and waits for it, returning its raw wait status. If stdout is nil,
	// the command's standard streams are connected to the null device; otherwise both stdout and stderr go to it.
	Run(ctx context.Context, dir, command string, stdout io.Writer) (int, error)

	// Shell runs an interactive shell in dir with its standard streams bound to conn, returning when it exits. It
	// returns an error only if the shell could not be started, in which case conn is left untouched.
	Shell(ctx context.Context, dir string, conn io.ReadWriter) error

	// Dial opens a TCP connection to addr.
	Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
}
