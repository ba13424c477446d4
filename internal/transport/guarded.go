package transport

import (
	"context"
	"net"
	"time"

	cherr "connhub/internal/errors"
	"connhub/internal/metrics"
	"connhub/internal/retry"
	"connhub/util"
)

// GuardedDialer wraps a Dialer with retry and a circuit breaker per
// target address.  A target whose breaker is open fails immediately
// without touching the network.
type GuardedDialer struct {
	next      Dialer
	attempts  int
	breakers  *retry.Breakers
	collector *metrics.Collector
	logger    *util.Logger
}

// GuardOptions configures a GuardedDialer.
type GuardOptions struct {
	// Attempts is the number of dials per request (default 3).
	Attempts int
	// Breaker configures every per-target breaker; zero fields take
	// the retry package defaults.
	Breaker   retry.BreakerConfig
	Collector *metrics.Collector
	Logger    *util.Logger
}

// NewGuardedDialer wraps next.
func NewGuardedDialer(next Dialer, opts GuardOptions) *GuardedDialer {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	g := &GuardedDialer{
		next:      next,
		attempts:  opts.Attempts,
		collector: opts.Collector,
		logger:    opts.Logger,
	}
	g.breakers = retry.NewBreakers(opts.Breaker, g.breakerMoved)
	return g
}

func (g *GuardedDialer) breakerMoved(target string, from, to retry.State) {
	switch to {
	case retry.StateOpen:
		g.logger.Warn("target %s unreachable, refusing dials for a while", target)
	case retry.StateClosed:
		g.logger.Info("target %s reachable again", target)
	default:
		g.logger.Verbose("target %s breaker %s -> %s", target, from, to)
	}
}

// Dial tries address up to the configured number of attempts.  The
// returned error wraps errors.ErrCircuitOpen when the target's breaker
// rejected the request.
func (g *GuardedDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	var conn net.Conn

	b := retry.DialBackoff(g.attempts)
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		g.logger.Verbose("dial %s attempt %d failed: %v (retry in %v)", address, attempt, err, wait)
	}

	err := b.Do(ctx, func(_ int) error {
		err := g.breakers.Execute(address, func() error {
			c, err := g.next.Dial(ctx, network, address)
			if err != nil {
				g.collector.DialFailure()
				return err
			}
			conn = c
			return nil
		})
		if cherr.Is(err, cherr.ErrCircuitOpen) || ctx.Err() != nil {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// State returns the breaker state for address.
func (g *GuardedDialer) State(address string) retry.State {
	return g.breakers.Get(address).State()
}

// Unreachable returns the targets currently refused without dialing.
func (g *GuardedDialer) Unreachable() []string { return g.breakers.Open() }

// Close closes the wrapped dialer.
func (g *GuardedDialer) Close() error { return g.next.Close() }
