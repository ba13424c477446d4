package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"connhub/internal/metrics"
	"connhub/internal/retry"
	"connhub/util"
)

// PublishConfig describes a remote port forward: connections to
// RemoteBindAddress:RemotePort on the gateway are delivered to
// LocalAddress:LocalPort.
type PublishConfig struct {
	SSH *SSHConfig

	RemoteBindAddress string // "" lets the gateway decide
	RemotePort        int

	LocalAddress string // default 127.0.0.1
	LocalPort    int

	// KeepAliveInterval sends keepalive@openssh.com requests; 0 disables.
	KeepAliveInterval time.Duration

	// Backoff paces reconnects after the gateway session drops.  Nil
	// uses retry.ReconnectBackoff.
	Backoff *retry.Backoff
}

// Publisher keeps a remote port forward open for the lifetime of Run,
// reopening the gateway session whenever it drops.
type Publisher struct {
	cfg       *PublishConfig
	logger    *util.Logger
	collector *metrics.Collector

	mu       sync.Mutex
	client   *ssh.Client
	listener *remoteListener
	stopKA   context.CancelFunc

	forwards sync.WaitGroup
	active   atomic.Int64
	ready    chan struct{}
	once     sync.Once
}

// NewPublisher returns a Publisher ready to Run.  collector may be nil.
func NewPublisher(cfg *PublishConfig, logger *util.Logger, collector *metrics.Collector) *Publisher {
	cfg.SSH.applyDefaults()
	if cfg.LocalAddress == "" {
		cfg.LocalAddress = "127.0.0.1"
	}
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &Publisher{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		ready:     make(chan struct{}),
	}
}

// Ready is closed once the first remote forward is in place.
func (p *Publisher) Ready() <-chan struct{} { return p.ready }

// Active returns the number of forwarded connections being spliced.
func (p *Publisher) Active() int { return int(p.active.Load()) }

// RemoteAddr returns the gateway-side address currently published, or
// "" when no session is up.
func (p *Publisher) RemoteAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return util.FormatAddr(p.cfg.SSH.Host, int(p.listener.bindPort))
}

// Run opens the forward and serves it until ctx ends.  Failing to open
// the first session is returned immediately; later drops are retried
// with backoff.  Run returns nil on cancellation.
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.open(ctx); err != nil {
		return fmt.Errorf("publish via %s: %w", p.cfg.SSH.addr(), err)
	}
	defer p.shutdown()

	for {
		err := p.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		p.logger.Warn("gateway session %s lost: %v", p.cfg.SSH.addr(), err)
		p.collector.RecordError(fmt.Sprintf("publish: %v", err))

		if err := p.reopen(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("publish via %s: %w", p.cfg.SSH.addr(), err)
		}
	}
}

// open dials the gateway, requests the remote listener and starts the
// keepalive loop for the new session.
func (p *Publisher) open(ctx context.Context) error {
	client, err := dialGateway(ctx, p.cfg.SSH, p.logger, func(banner string) {
		p.logger.Info("%s", banner)
	})
	if err != nil {
		return err
	}
	go p.drainServerMessages(client)

	ln, err := listenRemote(client, p.cfg.RemoteBindAddress, p.cfg.RemotePort)
	if err != nil {
		client.Close() //nolint:errcheck
		return err
	}

	kaCtx, stopKA := context.WithCancel(ctx)
	p.mu.Lock()
	p.client, p.listener, p.stopKA = client, ln, stopKA
	p.mu.Unlock()

	if p.cfg.KeepAliveInterval > 0 {
		go p.keepalive(kaCtx, client, ln)
	}

	p.logger.Info("published %s -> %s",
		util.FormatAddr(p.cfg.SSH.Host, int(ln.bindPort)),
		util.FormatAddr(p.cfg.LocalAddress, p.cfg.LocalPort))
	p.once.Do(func() { close(p.ready) })
	return nil
}

// serve accepts forwarded connections until the listener fails or ctx
// ends.
func (p *Publisher) serve(ctx context.Context) error {
	p.mu.Lock()
	ln := p.listener
	p.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { ln.Close() }) //nolint:errcheck
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("gateway closed the forward")
			}
			return err
		}
		p.forwards.Add(1)
		go p.forward(ctx, conn)
	}
}

// reopen discards the dead session and opens a new one with backoff.
func (p *Publisher) reopen(ctx context.Context) error {
	p.teardown()

	b := p.cfg.Backoff
	if b == nil {
		b = retry.ReconnectBackoff()
	}
	bo := *b
	bo.OnRetry = func(attempt int, err error, wait time.Duration) {
		p.logger.Warn("reconnect %d to %s failed: %v (next in %v)",
			attempt, p.cfg.SSH.addr(), err, wait.Truncate(time.Millisecond))
	}

	p.logger.Info("reconnecting to %s", p.cfg.SSH.addr())
	return bo.Do(ctx, func(_ int) error {
		p.collector.PublishRetry()
		return p.open(ctx)
	})
}

// keepalive pings the session and closes ln when a ping fails so
// serve returns and the session is reopened.
func (p *Publisher) keepalive(ctx context.Context, client *ssh.Client, ln *remoteListener) {
	ticker := time.NewTicker(p.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				p.logger.Warn("keepalive to %s failed: %v", p.cfg.SSH.addr(), err)
				ln.Close() //nolint:errcheck
				return
			}
			p.logger.Debug("keepalive to %s ok", p.cfg.SSH.addr())
		}
	}
}

// forward splices one gateway connection to the local listener.
func (p *Publisher) forward(ctx context.Context, remote net.Conn) {
	defer p.forwards.Done()
	p.active.Add(1)
	defer p.active.Add(-1)

	local := net.JoinHostPort(p.cfg.LocalAddress, strconv.Itoa(p.cfg.LocalPort))
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", local)
	if err != nil {
		p.logger.Warn("forward from %s: local dial %s: %v", remote.RemoteAddr(), local, err)
		p.collector.RecordError(fmt.Sprintf("publish local dial %s: %v", local, err))
		remote.Close() //nolint:errcheck
		return
	}

	start := time.Now()
	p.logger.Verbose("forwarding %s -> %s", remote.RemoteAddr(), local)
	in, out, err := util.Splice(ctx, remote, conn)
	if err != nil {
		p.logger.Debug("forward from %s: %v", remote.RemoteAddr(), err)
	}
	p.logger.Verbose("forward from %s closed after %v (in=%d out=%d)",
		remote.RemoteAddr(), time.Since(start).Truncate(time.Millisecond), in, out)
}

// teardown closes the current session, if any.
func (p *Publisher) teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopKA != nil {
		p.stopKA()
		p.stopKA = nil
	}
	if p.listener != nil {
		p.listener.Close() //nolint:errcheck
		p.listener = nil
	}
	if p.client != nil {
		p.client.Close() //nolint:errcheck
		p.client = nil
	}
}

func (p *Publisher) shutdown() {
	p.teardown()
	p.forwards.Wait()
}

// drainServerMessages logs whatever the gateway writes on a session
// channel.  Hosted tunnel services print the public URL this way.
// Gateways that refuse a session or a shell are ignored.
func (p *Publisher) drainServerMessages(client *ssh.Client) {
	sess, err := client.NewSession()
	if err != nil {
		p.logger.Debug("no session channel on %s: %v", p.cfg.SSH.addr(), err)
		return
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return
	}
	if err := sess.Shell(); err != nil {
		p.logger.Debug("no shell on %s: %v", p.cfg.SSH.addr(), err)
		return
	}

	var wg sync.WaitGroup
	drain := func(r io.Reader) {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				p.logger.Info("%s: %s", p.cfg.SSH.Host, buf[:n])
			}
			if err != nil {
				return
			}
		}
	}
	wg.Add(2)
	go drain(stdout)
	go drain(stderr)
	wg.Wait()
}
