package host

import (
	"context"
	"io"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/codahale/tn/dispatch"
	"golang.org/x/sys/unix"
)

// DefaultShell is the shell used for command execution and interactive sessions.
const DefaultShell = "/bin/sh"

// A Host runs session operations against the local system. The zero value is ready to use.
type Host struct {
	// ShellPath is the path of the shell. If empty, DefaultShell is used.
	ShellPath string

	// WaitDelay bounds how long a finished command's output is drained after its process exits. If zero, one second
	// is used.
	WaitDelay time.Duration
}

var _ dispatch.Host = (*Host)(nil)

// Open opens path with the given flags, always adding O_CLOEXEC so descriptors never leak into executed commands.
func (h *Host) Open(path string, flags int, mode uint32) (int, error) {
	return unix.Open(path, flags|unix.O_CLOEXEC, mode)
}

func (h *Host) Close(fd int) error {
	return unix.Close(fd)
}

func (h *Host) Read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func (h *Host) Write(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

func (h *Host) Seek(fd int, offset int64, whence int) (int64, error) {
	return unix.Seek(fd, offset, whence)
}

// ReadDir reads directory entries until it has at least one name or the directory is exhausted. The "." and ".."
// entries are skipped.
func (h *Host) ReadDir(fd int, buf []byte) ([]string, error) {
	for {
		n, err := unix.Getdents(fd, buf)
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, nil
		}
		if _, _, names := unix.ParseDirent(buf[:n], -1, nil); len(names) > 0 {
			return names, nil
		}
	}
}

func (h *Host) Stat(path string) (dispatch.FileInfo, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return dispatch.FileInfo{}, err
	}
	return fileInfo(&st), nil
}

func (h *Host) Lstat(path string) (dispatch.FileInfo, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return dispatch.FileInfo{}, err
	}
	return fileInfo(&st), nil
}

func (h *Host) Fstat(fd int) (dispatch.FileInfo, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return dispatch.FileInfo{}, err
	}
	return fileInfo(&st), nil
}

//nolint:gosec,unconvert // field widths vary by architecture
func fileInfo(st *unix.Stat_t) dispatch.FileInfo {
	return dispatch.FileInfo{
		Dev:   uint64(st.Dev),
		Ino:   uint64(st.Ino),
		Mode:  uint64(st.Mode),
		Size:  uint64(st.Size),
		Mtime: uint64(st.Mtim.Sec),
		UID:   uint64(st.Uid),
	}
}

//nolint:gosec,unconvert // field widths vary by architecture
func (h *Host) Statfs(path string) (dispatch.FSInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return dispatch.FSInfo{}, err
	}
	return dispatch.FSInfo{
		Type:   uint64(st.Type),
		Bsize:  uint64(st.Bsize),
		Blocks: uint64(st.Blocks),
		Bfree:  uint64(st.Bfree),
		Bavail: uint64(st.Bavail),
		Files:  uint64(st.Files),
		Ffree:  uint64(st.Ffree),
	}, nil
}

func (h *Host) Readlink(path string, buf []byte) (int, error) {
	return unix.Readlink(path, buf)
}

func (h *Host) Kill(pid, sig int) error {
	return unix.Kill(pid, unix.Signal(sig))
}

func (h *Host) Chmod(path string, mode uint32) error {
	return unix.Chmod(path, mode)
}

func (h *Host) Rename(from, to string) error {
	return unix.Rename(from, to)
}

func (h *Host) Unlink(path string) error {
	return unix.Unlink(path)
}

func (h *Host) Mkdir(path string, mode uint32) error {
	return unix.Mkdir(path, mode)
}

// Chdir checks that path is a directory the process may search. The process's own working directory is never
// changed; sessions track theirs separately.
func (h *Host) Chdir(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return unix.ENOTDIR
	}
	return unix.Access(path, unix.X_OK)
}

// Run executes command with "sh -c" in dir and returns its raw wait status.
func (h *Host) Run(ctx context.Context, dir, command string, stdout io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, h.shell(), "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = h.waitDelay()
	if stdout != nil {
		cmd.Stdout = stdout
		cmd.Stderr = stdout
	}

	err := cmd.Run()
	if cmd.ProcessState == nil {
		return 0, err
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
		return int(ws), nil
	}
	return cmd.ProcessState.ExitCode() << 8, nil
}

// Shell runs an interactive shell in dir. If conn is backed by a socket, the shell gets the socket itself as its
// standard streams; otherwise its streams are copied to and from conn. Only a failure to start the shell is returned;
// the exit status of a started shell is not reported.
func (h *Host) Shell(ctx context.Context, dir string, conn io.ReadWriter) error {
	cmd := exec.CommandContext(ctx, h.shell(), "-i")
	cmd.Dir = dir
	cmd.WaitDelay = h.waitDelay()

	if fc, ok := conn.(interface{ File() (*os.File, error) }); ok {
		f, err := fc.File()
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		cmd.Stdin, cmd.Stdout, cmd.Stderr = f, f, f
	} else {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = conn, conn, conn
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	_ = cmd.Wait()
	return nil
}

// Dial connects to addr over IPv4 TCP. Failures wrap an *os.SyscallError naming the failed call.
func (h *Host) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp4", addr.String())
}

func (h *Host) shell() string {
	if h.ShellPath != "" {
		return h.ShellPath
	}
	return DefaultShell
}

func (h *Host) waitDelay() time.Duration {
	if h.WaitDelay != 0 {
		return h.WaitDelay
	}
	return time.Second
}
