package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go, via New)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the CONNHUB_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// syntax ("90s") or a bare number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  Call it before CLI flag
// parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CONNHUB_BIND"); v != "" {
		cfg.Bind = v
	}
	if v := envInt("CONNHUB_PORT"); v > 0 {
		cfg.Port = v
	}
	if v := envDuration("CONNHUB_IDLE_TIMEOUT"); v > 0 {
		cfg.IdleTimeout = v
	}
	if v := envDuration("CONNHUB_WRITE_TIMEOUT"); v > 0 {
		cfg.WriteTimeout = v
	}
	if v := envInt("CONNHUB_MAX_FRAME"); v > 0 {
		cfg.MaxFrameSize = v
	}

	if v := os.Getenv("CONNHUB_SERVER_NAME"); v != "" {
		cfg.ServerName = v
	}
	if v := os.Getenv("CONNHUB_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := envDuration("CONNHUB_PING_INTERVAL"); v > 0 {
		cfg.PingInterval = v
	}
	if v := os.Getenv("CONNHUB_ALLOW_TARGETS"); v != "" {
		cfg.AllowedTargets = splitList(v)
	}
	if v := os.Getenv("CONNHUB_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	// SSH gateways
	if v := os.Getenv("CONNHUB_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("CONNHUB_PUBLISH"); v != "" {
		cfg.PublishSpec = v
	}
	if v := envInt("CONNHUB_REMOTE_PORT"); v > 0 {
		cfg.RemotePort = v
	}
	if v := os.Getenv("CONNHUB_REMOTE_BIND_ADDRESS"); v != "" {
		cfg.RemoteBindAddress = v
	}
	if v := os.Getenv("CONNHUB_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("CONNHUB_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("CONNHUB_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("CONNHUB_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("CONNHUB_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
	if v := envInt("CONNHUB_KEEP_ALIVE"); v > 0 {
		cfg.KeepAliveInterval = v
	}

	// Output
	if v := envInt("CONNHUB_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return 0
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
