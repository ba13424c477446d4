// Package config defines the runtime configuration for connhub and
// provides helpers for parsing SSH gateway specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	cherr "connhub/internal/errors"
)

// Config holds every tuneable for a single connhub server.
type Config struct {
	// ── Listener ─────────────────────────────────────────────────────
	Bind         string        // -b: bind host ("" = all interfaces)
	Port         int           // -p: listen port
	IdleTimeout  time.Duration // per-endpoint read deadline (0 = none)
	WriteTimeout time.Duration // per-Send write deadline (0 = none)
	MaxFrameSize int           // largest accepted wire frame in bytes

	// ── Sessions ─────────────────────────────────────────────────────
	ServerName     string
	AuthToken      string        // shared login token ("" = accept any)
	PingInterval   time.Duration // keepalive ping period (0 = off)
	AllowedTargets []string      // tunnel targets endpoints may open ("" = any)

	// ── Metrics ──────────────────────────────────────────────────────
	MetricsAddr string // host:port for /metrics and /stats ("" = off)

	// ── SSH bastion for tunnel targets (-T) ──────────────────────────
	TunnelSpec    string // raw user@host[:port]
	TunnelEnabled bool
	TunnelUser    string
	TunnelHost    string
	TunnelPort    int

	// ── Remote publish (-R) ──────────────────────────────────────────
	PublishSpec       string
	PublishEnabled    bool
	PublishUser       string
	PublishHost       string
	PublishPort       int
	RemoteBindAddress string
	RemotePort        int

	// ── SSH credentials (shared by -T and -R) ────────────────────────
	SSHKeyPath        string
	SSHPassword       bool // true → prompt interactively
	UseSSHAgent       bool
	StrictHostKey     bool
	KnownHostsPath    string
	KeepAliveInterval int // seconds, for the publish connection

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
	DryRun  bool
}

// New returns a Config populated with the package defaults.
func New() *Config {
	return &Config{
		Port:              DefaultPort,
		WriteTimeout:      DefaultWriteTimeout,
		MaxFrameSize:      DefaultMaxFrameSize,
		ServerName:        DefaultServerName,
		KeepAliveInterval: DefaultKeepAliveInterval,
		Verbose:           1,
	}
}

// ListenAddr returns the bind address for the listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// ── Gateway-spec parser ──────────────────────────────────────────────

// gatewayRe matches [user@]host[:port].
var gatewayRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseGatewaySpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseGatewaySpec(spec string) (user, host string, port int, err error) {
	m := gatewayRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid gateway spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid gateway port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ResolveGateways parses TunnelSpec and PublishSpec into their host
// fields and sets the matching *Enabled flags.
func (c *Config) ResolveGateways() error {
	if c.TunnelSpec != "" {
		user, host, port, err := ParseGatewaySpec(c.TunnelSpec)
		if err != nil {
			return fmt.Errorf("tunnel: %w", err)
		}
		c.TunnelEnabled = true
		c.TunnelUser, c.TunnelHost, c.TunnelPort = user, host, port
	}
	if c.PublishSpec != "" {
		user, host, port, err := ParseGatewaySpec(c.PublishSpec)
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		c.PublishEnabled = true
		c.PublishUser, c.PublishHost, c.PublishPort = user, host, port
	}
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &cherr.ConfigError{
			Field:   "port",
			Value:   c.Port,
			Message: "out of range 1-65535",
			Hint:    fmt.Sprintf("the default listen port is %d", DefaultPort),
		}
	}

	if c.MaxFrameSize < MinFrameSize || c.MaxFrameSize > MaxFrameSizeLimit {
		return &cherr.ConfigError{
			Field:   "max-frame",
			Value:   c.MaxFrameSize,
			Message: fmt.Sprintf("must be between %d and %d bytes", MinFrameSize, MaxFrameSizeLimit),
		}
	}

	if c.IdleTimeout < 0 {
		return &cherr.ConfigError{Field: "idle-timeout", Value: c.IdleTimeout, Message: "must not be negative"}
	}

	if c.WriteTimeout < 0 {
		return &cherr.ConfigError{Field: "write-timeout", Value: c.WriteTimeout, Message: "must not be negative"}
	}

	if c.PingInterval < 0 {
		return &cherr.ConfigError{Field: "ping-interval", Value: c.PingInterval, Message: "must not be negative"}
	}

	if c.IdleTimeout > 0 && c.PingInterval > 0 && c.PingInterval >= c.IdleTimeout {
		return &cherr.ConfigError{
			Field:   "ping-interval",
			Value:   c.PingInterval,
			Message: "must be shorter than --idle-timeout",
			Hint:    "idle endpoints are dropped before they ever see a ping",
		}
	}

	if c.TunnelEnabled && c.TunnelHost == "" {
		return &cherr.ConfigError{Field: "tunnel", Message: "gateway host is required"}
	}

	if c.PublishEnabled {
		if c.PublishHost == "" {
			return &cherr.ConfigError{Field: "publish", Message: "gateway host is required"}
		}
		if c.RemotePort == 0 {
			return &cherr.ConfigError{
				Field:   "remote-port",
				Message: "required with -R",
				Hint:    "pick the port the gateway should expose, e.g. --remote-port 7400",
			}
		}
		if c.RemotePort < 1 || c.RemotePort > 65535 {
			return &cherr.ConfigError{Field: "remote-port", Value: c.RemotePort, Message: "out of range 1-65535"}
		}
	} else if c.RemotePort != 0 {
		return &cherr.ConfigError{
			Field:   "remote-port",
			Value:   c.RemotePort,
			Message: "only valid with -R",
		}
	}

	if c.SSHPassword && !c.TunnelEnabled && !c.PublishEnabled {
		return &cherr.ConfigError{
			Field:   "ssh-password",
			Message: "has no effect without -T or -R",
		}
	}

	return nil
}
