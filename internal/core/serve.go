package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"connhub/internal/coordinator"
	"connhub/internal/endpoint"
	cherr "connhub/internal/errors"
	"connhub/internal/event"
	"connhub/internal/handler"
	"connhub/internal/metrics"
	"connhub/tunnel"
	"connhub/util"
)

// ServeMode runs the listener, the keepalive loop, the metrics HTTP
// server and the publish tunnel as one unit.  The first component to
// fail stops the rest.
type ServeMode struct {
	Port        uint16
	MetricsAddr string // "" disables /metrics and /stats
	GracePeriod time.Duration

	Coordinator *coordinator.Coordinator
	Handler     *handler.Handler
	Publisher   *tunnel.Publisher // nil unless -R
	Collector   *metrics.Collector
	Logger      *util.Logger
}

// Run starts listening and blocks until ctx is cancelled.  A bind
// failure is returned before anything else starts.
func (m *ServeMode) Run(ctx context.Context) error {
	stopped := make(chan struct{}, 1)
	subs := m.subscribe(stopped)
	defer func() {
		for _, s := range subs {
			m.Coordinator.Unsubscribe(s)
		}
	}()

	var metricsLn net.Listener
	if m.MetricsAddr != "" {
		ln, err := net.Listen("tcp", m.MetricsAddr)
		if err != nil {
			m.Handler.Close()
			return fmt.Errorf("metrics listen on %s: %w", m.MetricsAddr, err)
		}
		metricsLn = ln
	}

	if err := m.Coordinator.Listen(m.Port); err != nil {
		if metricsLn != nil {
			metricsLn.Close() //nolint:errcheck
		}
		m.Handler.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.Handler.RunPings(gctx) })

	if metricsLn != nil {
		m.serveMetrics(gctx, g, metricsLn)
	}

	if m.Publisher != nil {
		g.Go(func() error { return m.Publisher.Run(gctx) })
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-stopped:
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("listener on port %d stopped: %w", m.Coordinator.Port(), cherr.ErrNotListening)
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		m.shutdown()
		return nil
	})

	return g.Wait()
}

func (m *ServeMode) shutdown() {
	if err := m.Coordinator.Close(); err != nil {
		m.Logger.Warn("closing listener: %v", err)
	}
	m.Handler.Close()
	m.Logger.Info("stopped (%d bytes in, %d bytes out)",
		m.Coordinator.BytesReceived(), m.Coordinator.BytesSent())
}

// subscribe logs lifecycle events and signals stopped whenever the
// listener stops.
func (m *ServeMode) subscribe(stopped chan<- struct{}) []*event.Subscription {
	c := m.Coordinator
	return []*event.Subscription{
		c.OnServerStateChanged(func(port uint16, listening bool) {
			if listening {
				m.Logger.Info("listening on port %d", port)
				return
			}
			m.Logger.Info("listener on port %d stopped", port)
			select {
			case stopped <- struct{}{}:
			default:
			}
		}),
		c.OnEndpointConnected(func(ep *endpoint.Endpoint) {
			m.Logger.Verbose("%s connected from %s", ep, ep.RemoteAddr())
		}),
		c.OnEndpointDisconnected(func(ep *endpoint.Endpoint) {
			m.Logger.Verbose("%s disconnected (in=%d out=%d)", ep, ep.BytesReceived(), ep.BytesSent())
		}),
	}
}

// serveMetrics serves /metrics and /stats on ln until gctx ends.
func (m *ServeMode) serveMetrics(gctx context.Context, g *errgroup.Group, ln net.Listener) {
	grace := m.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	srv := &http.Server{
		Handler:           metrics.Handler(m.Collector, m.Coordinator),
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.Logger.Verbose("metrics on http://%s/metrics", ln.Addr())

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}
