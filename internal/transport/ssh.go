package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"connhub/tunnel"
	"connhub/util"
)

// SSHDialer reaches tunnel targets from the far side of an SSH gateway.
// The session is opened on the first Dial and reopened if the gateway
// drops it.
type SSHDialer struct {
	tunnel tunnel.Tunnel
	config *tunnel.SSHConfig
	logger *util.Logger

	mu        sync.Mutex
	connected bool
}

// NewSSHDialer returns a dialer through the gateway described by cfg.
// Nothing is dialled until the first Dial.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger) *SSHDialer {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return newSSHDialer(tunnel.NewSSHTunnel(cfg, logger), cfg, logger)
}

func newSSHDialer(t tunnel.Tunnel, cfg *tunnel.SSHConfig, logger *util.Logger) *SSHDialer {
	return &SSHDialer{tunnel: t, config: cfg, logger: logger}
}

func (d *SSHDialer) connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected && d.tunnel.IsAlive() {
		return nil
	}
	if d.connected {
		d.logger.Warn("gateway %s:%d went away, reconnecting", d.config.Host, d.config.Port)
		d.tunnel.Close() //nolint:errcheck
		d.connected = false
	}

	d.logger.Verbose("opening gateway session %s@%s:%d",
		d.config.User, d.config.Host, d.config.Port)

	if err := d.tunnel.Connect(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	d.connected = true
	d.logger.Verbose("gateway session established")
	return nil
}

// Dial connects to address from the gateway host.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	return d.tunnel.Dial(ctx, network, address)
}

// Close tears down the gateway session.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		d.connected = false
		return d.tunnel.Close()
	}
	return nil
}
