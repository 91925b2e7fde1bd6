// Package config loads server settings from TOML files and the compact credential string.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/codahale/tn"
)

// CredentialSize is the length of a compact credential: two letters per byte of identifier, key, and port.
const CredentialSize = 2 * (tn.IdentifierSize + tn.KeySize + 2)

// ErrInvalidCredential is returned when a credential string cannot be decoded.
var ErrInvalidCredential = errors.New("tn/config: invalid credential")

// Config holds the settings of a server.
type Config struct {
	Listen      string
	Identifier  [tn.IdentifierSize]byte
	Key         [tn.KeySize]byte
	Linger      time.Duration
	MaxSessions int
	LogLevel    slog.Level

	listenSet bool
}

// Default returns the settings used for anything a file does not define.
func Default() Config {
	return Config{
		Listen:   ":4040",
		Linger:   time.Second,
		LogLevel: slog.LevelInfo,
	}
}

type fileConfig struct {
	Listen      string `toml:"listen"`
	Credential  string `toml:"credential"`
	Identifier  string `toml:"identifier"`
	Key         string `toml:"key"`
	Linger      string `toml:"linger"`
	MaxSessions int    `toml:"max_sessions"`
	LogLevel    string `toml:"log_level"`
}

// Load reads the TOML file at path over the defaults. Explicit identifier and key values take precedence over a
// credential; a credential's port is only used if no listen address is given.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("credential") {
		if err := cfg.SetCredential(strings.TrimSpace(raw.Credential)); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
		cfg.listenSet = true
	}

	if meta.IsDefined("identifier") {
		if err := decodeHex(raw.Identifier, cfg.Identifier[:]); err != nil {
			return Config{}, fmt.Errorf("parse identifier: %w", err)
		}
	}

	if meta.IsDefined("key") {
		if err := decodeHex(raw.Key, cfg.Key[:]); err != nil {
			return Config{}, fmt.Errorf("parse key: %w", err)
		}
	}

	if meta.IsDefined("linger") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Linger))
		if err != nil {
			return Config{}, fmt.Errorf("parse linger: %w", err)
		}
		cfg.Linger = d
	}

	if meta.IsDefined("max_sessions") {
		if raw.MaxSessions < 0 {
			return Config{}, fmt.Errorf("parse max_sessions: %d is negative", raw.MaxSessions)
		}
		cfg.MaxSessions = raw.MaxSessions
	}

	if meta.IsDefined("log_level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.TrimSpace(raw.LogLevel))); err != nil {
			return Config{}, fmt.Errorf("parse log_level: %w", err)
		}
	}

	return cfg, nil
}

// Validate reports whether the settings can run a server.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("tn/config: missing listen address")
	}
	if c.Key == [tn.KeySize]byte{} {
		return errors.New("tn/config: missing key")
	}
	return nil
}

// SetCredential sets the identifier and key from a compact credential, along with its port as for SetPort.
func (c *Config) SetCredential(s string) error {
	id, key, port, err := ParseCredential(s)
	if err != nil {
		return err
	}
	c.Identifier, c.Key = id, key
	c.SetPort(port)
	return nil
}

// SetPort listens on port on every interface, unless the loaded file gave an explicit listen address.
func (c *Config) SetPort(port uint16) {
	if !c.listenSet {
		c.Listen = net.JoinHostPort("", strconv.Itoa(int(port)))
	}
}

// ParseCredential decodes a compact credential: the identifier, the key, and a big-endian port, with every byte
// written as two letters from 'a' to 'p', high nibble first.
func ParseCredential(s string) (id [tn.IdentifierSize]byte, key [tn.KeySize]byte, port uint16, err error) {
	if len(s) != CredentialSize {
		err = fmt.Errorf("%w: %d characters, want %d", ErrInvalidCredential, len(s), CredentialSize)
		return id, key, port, err
	}

	b := make([]byte, CredentialSize/2)
	for i := range b {
		hi, lo := s[2*i]-'a', s[2*i+1]-'a'
		if hi > 0xf || lo > 0xf {
			err = fmt.Errorf("%w: %q at offset %d", ErrInvalidCredential, s[2*i:2*i+2], 2*i)
			return id, key, port, err
		}
		b[i] = hi<<4 | lo
	}

	copy(id[:], b)
	copy(key[:], b[tn.IdentifierSize:])
	port = uint16(b[len(b)-2])<<8 | uint16(b[len(b)-1])
	return id, key, port, nil
}

// FormatCredential encodes the identifier, key, and port as a compact credential.
func FormatCredential(id *[tn.IdentifierSize]byte, key *[tn.KeySize]byte, port uint16) string {
	var sb strings.Builder
	sb.Grow(CredentialSize)

	put := func(b byte) {
		sb.WriteByte('a' + b>>4)
		sb.WriteByte('a' + b&0xf)
	}
	for _, b := range id {
		put(b)
	}
	for _, b := range key {
		put(b)
	}
	put(byte(port >> 8))
	put(byte(port))

	return sb.String()
}

func decodeHex(s string, dst []byte) error {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("%d bytes, want %d", len(b), len(dst))
	}
	copy(dst, b)
	return nil
}
