package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	cherr "connhub/internal/errors"
	"connhub/util"
)

// SSHConfig holds everything needed to dial an SSH gateway.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	Password      string // used as-is when set; never prompted for
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
}

func (c *SSHConfig) addr() string { return util.FormatAddr(c.Host, c.Port) }

func (c *SSHConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.ConnTimeout == 0 {
		c.ConnTimeout = 30 * time.Second
	}
}

// dialGateway opens an authenticated SSH client connection.  banner,
// if non-nil, receives the server's pre-auth banner.
func dialGateway(ctx context.Context, cfg *SSHConfig, logger *util.Logger, banner func(string)) (*ssh.Client, error) {
	authMethods, err := BuildAuthMethods(cfg)
	if err != nil {
		return nil, cherr.WrapSSH("auth", cfg.Host, cfg.Port, err)
	}
	hkCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, cherr.WrapSSH("hostkey", cfg.Host, cfg.Port, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         cfg.ConnTimeout,
	}
	if banner != nil {
		sshCfg.BannerCallback = func(message string) error {
			banner(message)
			return nil
		}
	}

	addr := cfg.addr()
	logger.Debug("dialing %s as %s", addr, cfg.User)

	dialer := net.Dialer{Timeout: cfg.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, cherr.Wrap("dial", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close() //nolint:errcheck
		return nil, cherr.WrapSSH("handshake", cfg.Host, cfg.Port, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// ── SSHTunnel ────────────────────────────────────────────────────────

// SSHTunnel implements [Tunnel] with direct-tcpip channels opened on
// one long-lived SSH client.
type SSHTunnel struct {
	config *SSHConfig
	logger *util.Logger

	mu     sync.RWMutex
	client *ssh.Client
	alive  bool
}

// NewSSHTunnel creates a tunnel that is ready to [Connect].
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	cfg.applyDefaults()
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &SSHTunnel{config: cfg, logger: logger}
}

// Connect dials the gateway and completes the handshake.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	client, err := dialGateway(ctx, t.config, t.logger, nil)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.client = client
	t.alive = true
	t.mu.Unlock()

	go t.monitor(client)
	return nil
}

// Dial opens a connection to address from the gateway host.  The
// context bounds nothing once the channel request is sent; x/crypto/ssh
// has no cancellable channel open.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t.mu.RLock()
	client, alive := t.client, t.alive
	t.mu.RUnlock()

	if !alive || client == nil {
		return nil, cherr.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.logger.Debug("dialing %s %s via %s", network, address, t.config.addr())
	conn, err := client.Dial(network, address)
	if err != nil {
		return nil, cherr.Wrap("dial", address, fmt.Errorf("via %s: %w", t.config.addr(), err))
	}
	return conn, nil
}

// Close shuts down the SSH connection.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		return err
	}
	return nil
}

// IsAlive reports whether the tunnel is still connected.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// monitor blocks until client's connection ends and clears the alive
// flag if client is still the current one.
func (t *SSHTunnel) monitor(client *ssh.Client) {
	err := client.Wait()

	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Debug("gateway session %s closed: %v", t.config.addr(), err)
	} else {
		t.logger.Debug("gateway session %s closed", t.config.addr())
	}
}
