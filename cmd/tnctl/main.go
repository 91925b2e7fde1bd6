// Command tnctl connects to a tnd server and runs one operation.
//
//	tnctl [OPTION]... ADDR COMMAND [ARG]...
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/codahale/tn"
	"github.com/codahale/tn/client"
	"github.com/codahale/tn/internal/config"
	"github.com/ogier/pflag"
	"golang.org/x/sys/unix"
)

var errUsage = errors.New("usage")

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pflag.Usage = printUsage
	keyHex := pflag.StringP("key", "k", os.Getenv("TN_KEY"), "the shared key, as 64 hex digits")
	credential := pflag.String("credential", os.Getenv("TN_CREDENTIAL"), "a compact credential holding the key")
	timeout := pflag.DurationP("timeout", "t", 10*time.Second, "the connection timeout")
	useSHA3 := pflag.Bool("sha3", false, "hash with SHA3-256 padding instead of Keccak-256")
	limit := pflag.Int64P("limit", "n", client.NoLimit, "read at most this many bytes")
	pflag.Parse()

	args := pflag.Args()
	if len(args) < 2 {
		printUsage()
		os.Exit(2)
	}

	key, err := parseKey(*keyHex, *credential)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tnctl:", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	c, err := client.Dial(ctx, args[0], &key)
	cancel()
	if err != nil {
		log.Error("failed to connect", "addr", args[0], "err", err)
		os.Exit(1)
	}
	log.Debug("connected", "version", c.Banner.Version, "arch", c.Banner.Arch, "big_endian", c.Banner.BigEndian)

	op := &operation{c: c, sha3: *useSHA3, limit: *limit}
	err = op.run(args[1], args[2:])
	if args[1] != "shell" {
		_ = c.Close()
	}

	switch {
	case errors.Is(err, errUsage):
		printUsage()
		os.Exit(2)
	case err != nil:
		log.Error("operation failed", "op", args[1], "err", err)
		os.Exit(1)
	}
}

type operation struct {
	c     *client.Client
	sha3  bool
	limit int64
}

//nolint:gocyclo,cyclop // it's a command table
func (o *operation) run(name string, args []string) error {
	c := o.c
	switch {
	case name == "shell" && len(args) == 0:
		return o.shell()

	case name == "exec" && len(args) > 0:
		if err := c.Exec(strings.Join(args, " "), os.Stdout); err != nil {
			return err
		}
		r, err := c.Result()
		if err != nil {
			return err
		}
		if status := unix.WaitStatus(r.Ret); status.Exited() && status.ExitStatus() != 0 {
			return fmt.Errorf("exit status %d", status.ExitStatus())
		}
		return nil

	case name == "get" && len(args) == 1:
		if err := o.open(args[0], unix.O_RDONLY, 0); err != nil {
			return err
		}
		return c.Read(os.Stdout, o.limit)

	case name == "put" && len(args) == 1:
		if err := o.open(args[0], unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0o644); err != nil {
			return err
		}
		buf := make([]byte, 32*1024)
		for {
			n, rerr := os.Stdin.Read(buf)
			if err := c.Write(buf[:n]); err != nil {
				return err
			}
			if n > 0 {
				if err := o.check(); err != nil {
					return err
				}
			}
			if errors.Is(rerr, io.EOF) {
				return nil
			} else if rerr != nil {
				return rerr
			}
		}

	case (name == "hash" || name == "fnv") && len(args) == 1:
		if err := o.open(args[0], unix.O_RDONLY, 0); err != nil {
			return err
		}
		if name == "fnv" {
			sum, err := c.FNV(o.limit)
			if err != nil {
				return err
			}
			_, err = fmt.Printf("%08x  %s\n", sum, args[0])
			return err
		}
		digest, err := c.Hash(o.sha3, o.limit)
		if err != nil {
			return err
		}
		_, err = fmt.Printf("%x  %s\n", digest, args[0])
		return err

	case name == "ls" && len(args) <= 1:
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		if err := o.open(dir, unix.O_RDONLY|unix.O_DIRECTORY, 0); err != nil {
			return err
		}
		names, err := c.ReadDir()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil

	case (name == "stat" || name == "lstat") && len(args) == 1:
		stat := c.Stat
		if name == "lstat" {
			stat = c.Lstat
		}
		fi, ok, err := stat(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("cannot stat %s", args[0])
		}
		_, err = fmt.Printf("dev=%d ino=%d mode=%o size=%d mtime=%s uid=%d\n", fi.Dev, fi.Ino, fi.Mode, fi.Size,
			time.Unix(int64(fi.Mtime), 0).UTC().Format(time.RFC3339), fi.UID) //nolint:gosec // seconds since epoch
		return err

	case name == "statfs" && len(args) == 1:
		fsi, ok, err := c.Statfs(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("cannot statfs %s", args[0])
		}
		_, err = fmt.Printf("type=%#x bsize=%d blocks=%d bfree=%d bavail=%d files=%d ffree=%d\n",
			fsi.Type, fsi.Bsize, fsi.Blocks, fsi.Bfree, fsi.Bavail, fsi.Files, fsi.Ffree)
		return err

	case name == "readlink" && len(args) == 1:
		target, ok, err := c.Readlink(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("cannot read link %s", args[0])
		}
		fmt.Println(target)
		return nil

	case name == "rm" && len(args) == 1:
		return o.do(c.Unlink(args[0]))

	case name == "mkdir" && len(args) == 1:
		return o.do(c.Mkdir(args[0]))

	case name == "mv" && len(args) == 2:
		return o.do(c.Rename(args[0], args[1]))

	case name == "chmod" && len(args) == 2:
		mode, err := strconv.ParseUint(args[0], 8, 16)
		if err != nil {
			return fmt.Errorf("parse mode: %w", err)
		}
		return o.do(c.Chmod(args[1], uint16(mode)))

	case name == "kill" && len(args) == 2:
		pid, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("parse pid: %w", err)
		}
		sig, err := strconv.ParseUint(args[1], 10, 8)
		if err != nil {
			return fmt.Errorf("parse signal: %w", err)
		}
		return o.do(c.Kill(int32(pid), uint8(sig)))

	case name == "relay" && len(args) == 1:
		addr, err := netip.ParseAddrPort(args[0])
		if err != nil {
			return err
		}
		body, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		r, err := c.Relay(addr, body, os.Stdout)
		if err != nil {
			return err
		}
		return relayErr(r)

	case name == "download" && len(args) == 2:
		addr, err := netip.ParseAddrPort(args[0])
		if err != nil {
			return err
		}
		body, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		if err := o.open(args[1], unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0o644); err != nil {
			return err
		}
		var chunks int
		r, err := c.RelayToFile(addr, body, func() { chunks++ })
		if err != nil {
			return err
		}
		if err := relayErr(r); err != nil {
			return err
		}
		_, err = fmt.Fprintf(os.Stderr, "%d chunks written to %s\n", chunks, args[1])
		return err

	case name == "sleep" && len(args) == 1:
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return err
		}
		return c.Sleep(d)

	default:
		return errUsage
	}
}

// shell binds the terminal to a remote interactive shell until either side closes.
func (o *operation) shell() error {
	conn, err := o.c.Shell()
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _ = io.Copy(conn, os.Stdin)
		cancel()
	}()
	go func() {
		_, _ = io.Copy(os.Stdout, conn)
		cancel()
	}()
	<-ctx.Done()
	return nil
}

func (o *operation) open(path string, flags int, mode uint16) error {
	if err := o.c.Open(path, flags, mode); err != nil {
		return err
	}
	return o.check()
}

func (o *operation) do(err error) error {
	if err != nil {
		return err
	}
	return o.check()
}

func (o *operation) check() error {
	r, err := o.c.Result()
	if err != nil {
		return err
	}
	return r.Err()
}

func relayErr(r client.Result) error {
	switch r.Ret {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("relay socket: %w", r.Errno)
	default:
		return fmt.Errorf("relay connect: %w", r.Errno)
	}
}

func parseKey(keyHex, credential string) ([tn.KeySize]byte, error) {
	var key [tn.KeySize]byte
	switch {
	case credential != "":
		_, k, _, err := config.ParseCredential(credential)
		return k, err
	case keyHex != "":
		b, err := hex.DecodeString(keyHex)
		if err != nil {
			return key, fmt.Errorf("parse key: %w", err)
		}
		if len(b) != tn.KeySize {
			return key, fmt.Errorf("parse key: %d bytes, want %d", len(b), tn.KeySize)
		}
		copy(key[:], b)
		return key, nil
	default:
		return key, errors.New("no key given: use --key, --credential, TN_KEY, or TN_CREDENTIAL")
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: "+os.Args[0]+" [OPTION]... ADDR COMMAND [ARG]...")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "    shell | exec CMD... | get PATH | put PATH | hash PATH | fnv PATH | ls [DIR]")
	fmt.Fprintln(os.Stderr, "    stat PATH | lstat PATH | statfs PATH | readlink PATH | rm PATH | mkdir PATH")
	fmt.Fprintln(os.Stderr, "    mv FROM TO | chmod MODE PATH | kill PID SIG | relay IP:PORT | download IP:PORT PATH")
	fmt.Fprintln(os.Stderr, "    sleep DURATION")
	fmt.Fprintln(os.Stderr, "Flags:")
	pflag.PrintDefaults()
}
