// Command tnd serves authenticated command sessions over TCP.
//
//	tnd [OPTION]... [PORT] [CREDENTIAL]
//
// The identifier, key, and port can come from a compact credential, a TOML file given with --config, or both; flags
// override either.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/codahale/tn/internal/config"
	"github.com/codahale/tn/internal/host"
	"github.com/codahale/tn/server"
	"github.com/ogier/pflag"
)

func main() {
	var level slog.LevelVar
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))

	cfg, dir, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tnd:", err)
		pflag.Usage()
		os.Exit(2)
	}
	level.Set(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	listenConfig := new(net.ListenConfig)
	listener, err := listenConfig.Listen(ctx, "tcp", cfg.Listen)
	if err != nil {
		log.Error("failed to listen", "addr", cfg.Listen, "err", err)
		os.Exit(1)
	}
	log.Info("listening", "addr", listener.Addr(), "dir", dir, "max_sessions", cfg.MaxSessions)

	srv := &server.Server{
		Identifier:  cfg.Identifier,
		Key:         cfg.Key,
		Host:        new(host.Host),
		Dir:         dir,
		Logger:      log,
		Linger:      cfg.Linger,
		MaxSessions: cfg.MaxSessions,
	}
	if err := srv.Serve(ctx, listener); err != nil {
		log.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, string, error) {
	pflag.Usage = printUsage

	path := pflag.StringP("config", "c", "", "load settings from a TOML file")
	listen := pflag.StringP("listen", "l", "", "the address to listen on")
	linger := pflag.Duration("linger", 0, "keep connections open at least this long after accept")
	maxSessions := pflag.IntP("max-sessions", "m", 0, "the maximum number of concurrent sessions (0 for no limit)")
	logLevel := pflag.String("log-level", "", "the minimum level of logged events")
	dir := pflag.StringP("dir", "C", "", "the initial working directory of sessions")
	pflag.Parse()

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			return config.Config{}, "", err
		}
	}

	args := pflag.Args()
	if len(args) > 2 {
		return config.Config{}, "", fmt.Errorf("too many arguments")
	}
	if len(args) > 0 {
		cred := args[len(args)-1]
		if err := cfg.SetCredential(cred); err != nil {
			return config.Config{}, "", err
		}

		// A credential's own port takes precedence; PORT only fills in for a zero one.
		if _, _, port, _ := config.ParseCredential(cred); len(args) == 2 && port == 0 {
			p, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return config.Config{}, "", fmt.Errorf("parse port: %w", err)
			}
			cfg.SetPort(uint16(p))
		}
	}

	var err error
	pflag.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "linger":
			cfg.Linger = *linger
		case "max-sessions":
			cfg.MaxSessions = *maxSessions
		case "log-level":
			if lerr := cfg.LogLevel.UnmarshalText([]byte(*logLevel)); lerr != nil {
				err = fmt.Errorf("parse log level: %w", lerr)
			}
		}
	})
	if err != nil {
		return config.Config{}, "", err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, "", err
	}

	if *dir == "" {
		if *dir, err = os.Getwd(); err != nil {
			return config.Config{}, "", err
		}
	}
	return cfg, *dir, nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: "+os.Args[0]+" [OPTION]... [PORT] [CREDENTIAL]")
	fmt.Fprintln(os.Stderr, "Flags:")
	pflag.PrintDefaults()
}
