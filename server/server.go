// Package server accepts connections, authenticates them, and runs a command session on each.
package server

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/codahale/tn/dispatch"
	"github.com/codahale/tn/handshake"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultLinger is how long an accepted connection is kept open, at minimum, before it is closed.
const DefaultLinger = time.Second

// A Server serves authenticated sessions over a listener.
type Server struct {
	// Identifier is sent to every client with its challenge.
	Identifier [32]byte

	// Key is the shared key clients must prove knowledge of.
	Key [32]byte

	// Host performs the operations sessions request.
	Host dispatch.Host

	// Dir is the initial working directory of every session. If empty, relative paths are passed to the host
	// unchanged.
	Dir string

	// Logger receives connection lifecycle events. If nil, nothing is logged.
	Logger *slog.Logger

	// Linger is the minimum lifetime of an accepted connection. If zero, DefaultLinger is used; if negative,
	// connections are closed as soon as their session ends.
	Linger time.Duration

	// MaxSessions bounds the number of concurrent sessions. If zero or negative, there is no bound.
	MaxSessions int

	// Rand is the entropy source for challenges. If nil, crypto/rand is used.
	Rand io.Reader
}

// Serve accepts connections from ln until ctx is canceled or the listener fails, then waits for running sessions to
// finish. A fresh challenge is drawn before each connection is accepted. Serve closes ln before returning.
//
// Serve returns nil if it stopped because ctx was canceled or ln was closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := s.logger()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var g errgroup.Group
	if s.MaxSessions > 0 {
		g.SetLimit(s.MaxSessions)
	}

	secret := handshake.Secret{Identifier: s.Identifier, Key: s.Key}
	for {
		secret.Refresh(s.rand())

		conn, err := ln.Accept()
		if err != nil {
			_ = ln.Close()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Info("stopped accepting connections")
				return g.Wait()
			}
			log.Error("failed to accept connection", "err", err)
			_ = g.Wait()
			return err
		}

		sess := secret
		g.Go(func() error {
			s.handle(ctx, conn, &sess, time.Now())
			return nil
		})
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn, secret *handshake.Secret, accepted time.Time) {
	log := s.logger().With("session", uuid.New(), "addr", conn.RemoteAddr())
	log.Debug("accepted connection")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		s.linger(ctx, accepted)
		_ = conn.Close()
		log.Debug("closed connection")
	}()

	if err := handshake.Respond(conn, secret); err != nil {
		log.Debug("handshake failed", "err", err)
		return
	}
	log.Info("authenticated")

	if err := dispatch.NewSession(conn, s.Host, secret, s.Dir).Serve(ctx); err != nil {
		log.Debug("session ended", "err", err)
		return
	}
	log.Info("session ended")
}

func (s *Server) linger(ctx context.Context, accepted time.Time) {
	d := s.Linger
	if d == 0 {
		d = DefaultLinger
	}

	remaining := d - time.Since(accepted)
	if remaining <= 0 {
		return
	}

	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (s *Server) rand() io.Reader {
	if s.Rand != nil {
		return s.Rand
	}
	return rand.Reader
}
