package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags and environment variable loading.

const (
	// DefaultPort is the listen port when -p is not given.
	DefaultPort = 7400

	// DefaultServerName is announced to clients in the Hello message.
	DefaultServerName = "connhub"

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultWriteTimeout bounds one Send to an endpoint.  A peer that
	// stops reading is dropped instead of pinning its sender.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultMaxFrameSize caps a single wire frame (1 MiB).
	DefaultMaxFrameSize = 1 << 20

	// MinFrameSize must fit the largest tunnel chunk plus its envelope.
	MinFrameSize = 32 * 1024

	// MaxFrameSizeLimit is the ceiling accepted by Validate (16 MiB).
	MaxFrameSizeLimit = 16 << 20

	// DefaultKeepAliveInterval is the SSH keepalive interval in seconds
	// for the publish connection.
	DefaultKeepAliveInterval = 30

	// DefaultDialTimeout bounds a single tunnel-target dial attempt.
	DefaultDialTimeout = 10 * time.Second

	// DefaultDialAttempts is how many times a tunnel target dial is
	// tried before TunnelOpen fails.
	DefaultDialAttempts = 3

	// DefaultGracePeriod is how long shutdown waits for the metrics
	// server to drain.
	DefaultGracePeriod = 5 * time.Second
)
