// Package config loads worldlink server settings from defaults, a TOML file
// and WORLDLINK_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"

	"github.com/localrivet/worldlink/protocol"
	"github.com/localrivet/worldlink/reassembly"
	"github.com/localrivet/worldlink/reliability"
	"github.com/localrivet/worldlink/session"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "WORLDLINK_"

// Auth modes.
const (
	AuthNone = "none"
	AuthHMAC = "hmac"
	AuthJWKS = "jwks"
)

// Config is the complete server configuration.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	MTU        int    `toml:"mtu"`

	RetransmitTimeout     time.Duration `toml:"retransmit_timeout"`
	RetransmitMaxTimeout  time.Duration `toml:"retransmit_max_timeout"`
	RetransmitBackoff     string        `toml:"retransmit_backoff"`
	MaxRetransmitAttempts int           `toml:"max_retransmit_attempts"`

	IdleTimeout         time.Duration `toml:"idle_timeout"`
	DisconnectGrace     time.Duration `toml:"disconnect_grace"`
	KeepaliveInterval   time.Duration `toml:"keepalive_interval"`
	MaxIncompleteGroups int           `toml:"max_incomplete_groups"`
	FragmentTTL         time.Duration `toml:"fragment_ttl"`
	MaxMessageSize      int           `toml:"max_message_size"`
	ReceiveWindow       int           `toml:"receive_window"`
	SendBacklog         int           `toml:"send_backlog"`
	SequenceModulus     uint64        `toml:"sequence_modulus"`

	Workers          int           `toml:"workers"`
	MailboxSize      int           `toml:"mailbox_size"`
	SweepInterval    time.Duration `toml:"sweep_interval"`
	ReadPollInterval time.Duration `toml:"read_poll_interval"`

	Socket    Socket    `toml:"socket"`
	Log       Log       `toml:"log"`
	Metrics   Metrics   `toml:"metrics"`
	WebSocket WebSocket `toml:"websocket"`
	Auth      Auth      `toml:"auth"`
}

// Socket holds kernel buffer sizes for the UDP socket.
type Socket struct {
	ReadBuffer  int `toml:"read_buffer"`
	WriteBuffer int `toml:"write_buffer"`
}

// Log selects the logger.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Metrics controls the prometheus endpoint.
type Metrics struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// WebSocket controls the WebSocket datagram bridge.
type WebSocket struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`

	// WriteTimeout disconnects a peer that stops reading its frames.
	WriteTimeout time.Duration `toml:"write_timeout"`
}

// Auth selects the handshake.
type Auth struct {
	Mode       string `toml:"mode"`
	HMACSecret string `toml:"hmac_secret"`
	JWKSURL    string `toml:"jwks_url"`
	Issuer     string `toml:"issuer"`
	Audience   string `toml:"audience"`
}

// Default returns the built-in configuration.
func Default() Config {
	b := reliability.DefaultBackoff()
	s := session.DefaultConfig()
	return Config{
		ListenAddr:            ":7777",
		MTU:                   s.MTU,
		RetransmitTimeout:     b.Base,
		RetransmitMaxTimeout:  b.Max,
		RetransmitBackoff:     b.Strategy.String(),
		MaxRetransmitAttempts: b.MaxAttempts,
		IdleTimeout:           s.IdleTimeout,
		DisconnectGrace:       s.DisconnectGrace,
		KeepaliveInterval:     5 * time.Second,
		MaxIncompleteGroups:   reassembly.DefaultMaxIncompleteGroups,
		FragmentTTL:           s.FragmentTTL,
		MaxMessageSize:        reassembly.DefaultMaxMessageSize,
		ReceiveWindow:         reliability.DefaultWindowSize,
		SendBacklog:           s.SendBacklog,
		SequenceModulus:       protocol.DefaultSequenceModulus,
		Workers:               8,
		MailboxSize:           s.MailboxSize,
		SweepInterval:         20 * time.Millisecond,
		ReadPollInterval:      100 * time.Millisecond,
		Socket: Socket{
			ReadBuffer:  4 << 20,
			WriteBuffer: 1 << 20,
		},
		Log:       Log{Level: "info", Format: "json"},
		Metrics:   Metrics{Enabled: false, ListenAddr: ":9090"},
		WebSocket: WebSocket{Enabled: false, ListenAddr: ":7778", WriteTimeout: time.Second},
		Auth:      Auth{Mode: AuthNone},
	}
}

// Load reads path over the defaults. Keys absent from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := checkUndecoded(meta); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses TOML text over the defaults. Like Load it rejects unknown
// keys.
func Decode(data string) (Config, error) {
	cfg := Default()
	meta, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := checkUndecoded(meta); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func checkUndecoded(meta toml.MetaData) error {
	undecoded := meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, len(undecoded))
	for i, k := range undecoded {
		keys[i] = k.String()
	}
	return fmt.Errorf("unknown keys %s", strings.Join(keys, ", "))
}

var sections = map[string]bool{
	"socket":    true,
	"log":       true,
	"metrics":   true,
	"websocket": true,
	"auth":      true,
}

// ApplyEnv overrides cfg from environ entries ("KEY=value") carrying prefix.
// WORLDLINK_IDLE_TIMEOUT=45s sets idle_timeout; WORLDLINK_AUTH_MODE=hmac sets
// auth.mode. WORLDLINK_CONFIG is reserved for the file path and skipped.
func ApplyEnv(cfg *Config, prefix string, environ []string) error {
	input := map[string]any{}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, prefix))
		if name == "" || name == "config" {
			continue
		}
		section, field, nested := strings.Cut(name, "_")
		if nested && sections[section] {
			sub, _ := input[section].(map[string]any)
			if sub == nil {
				sub = map[string]any{}
				input[section] = sub
			}
			sub[field] = value
			continue
		}
		input[name] = value
	}
	if len(input) == 0 {
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "toml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("config env decoder: %w", err)
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if _, err := reliability.ParseStrategy(c.RetransmitBackoff); err != nil {
		errs = append(errs, err)
	}
	if c.RetransmitTimeout <= 0 {
		errs = append(errs, errors.New("retransmit_timeout must be positive"))
	}
	if c.RetransmitMaxTimeout < c.RetransmitTimeout {
		errs = append(errs, errors.New("retransmit_max_timeout must be >= retransmit_timeout"))
	}
	if c.MaxRetransmitAttempts < 1 {
		errs = append(errs, errors.New("max_retransmit_attempts must be at least 1"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idle_timeout must be positive"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if c.ReadPollInterval <= 0 {
		errs = append(errs, errors.New("read_poll_interval must be positive"))
	}
	if c.WebSocket.Enabled && strings.TrimSpace(c.WebSocket.ListenAddr) == "" {
		errs = append(errs, errors.New("websocket.listen_addr is required when websocket is enabled"))
	}
	if c.WebSocket.WriteTimeout < 0 {
		errs = append(errs, errors.New("websocket.write_timeout must not be negative"))
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.ListenAddr) == "" {
		errs = append(errs, errors.New("metrics.listen_addr is required when metrics are enabled"))
	}
	switch c.Auth.Mode {
	case "", AuthNone:
	case AuthHMAC:
		if c.Auth.HMACSecret == "" {
			errs = append(errs, errors.New("auth.hmac_secret is required for hmac mode"))
		}
	case AuthJWKS:
		if c.Auth.JWKSURL == "" {
			errs = append(errs, errors.New("auth.jwks_url is required for jwks mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q is not one of none, hmac, jwks", c.Auth.Mode))
	}
	if len(errs) == 0 {
		if err := c.Session().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	return nil
}

// Backoff returns the retransmission policy.
func (c Config) Backoff() reliability.Backoff {
	strategy, _ := reliability.ParseStrategy(c.RetransmitBackoff)
	return reliability.Backoff{
		Strategy:    strategy,
		Base:        c.RetransmitTimeout,
		Max:         c.RetransmitMaxTimeout,
		MaxAttempts: c.MaxRetransmitAttempts,
	}
}

// Session returns the session layer settings.
func (c Config) Session() session.Config {
	return session.Config{
		MTU:                 c.MTU,
		Backoff:             c.Backoff(),
		IdleTimeout:         c.IdleTimeout,
		DisconnectGrace:     c.DisconnectGrace,
		KeepaliveInterval:   c.KeepaliveInterval,
		FragmentTTL:         c.FragmentTTL,
		MaxIncompleteGroups: c.MaxIncompleteGroups,
		MaxMessageSize:      c.MaxMessageSize,
		ReceiveWindow:       c.ReceiveWindow,
		SendBacklog:         c.SendBacklog,
		SequenceModulus:     c.SequenceModulus,
		MailboxSize:         c.MailboxSize,
	}
}
