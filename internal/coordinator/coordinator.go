// Package coordinator bridges listener notifications to application
// events and aggregate server state.
//
// The coordinator owns the listener, the message registry and the
// event bus.  It keeps the all-time identity set and the authenticated
// count; listening state and byte counters are read straight from the
// listener.  Decoded messages are passed to the Router unchanged, in
// the order each endpoint produced them.
package coordinator

import (
	"net"
	"sync/atomic"
	"time"

	"connhub/internal/endpoint"
	"connhub/internal/event"
	"connhub/internal/listener"
	"connhub/internal/message"
	"connhub/internal/metrics"
	"connhub/internal/wire"
	"connhub/util"
)

// Router receives every decoded message with its origin endpoint.
type Router interface {
	Route(ep *endpoint.Endpoint, msg message.Message)
}

// Options configures a Coordinator.
type Options struct {
	Bind         string
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int
	Router       Router
	Collector    *metrics.Collector
	Logger       *util.Logger

	// ListenFunc overrides net.Listen for the listener.
	ListenFunc func(network, address string) (net.Listener, error)
}

// Coordinator is the connection-lifecycle core of a server.
type Coordinator struct {
	log      *util.Logger
	registry *message.Registry
	codec    *wire.Codec
	listener *listener.Listener
	bus      *event.Bus
	router   Router

	seen          identitySet
	authenticated atomic.Int64
}

// New builds the registry, the listener and the event bus, and
// subscribes to the listener.  The listener starts stopped.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	if opts.Collector == nil {
		opts.Collector = metrics.New()
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = 1 << 20
	}

	c := &Coordinator{
		log:      opts.Logger.Named("coordinator"),
		registry: message.NewRegistry(),
		router:   opts.Router,
	}
	c.codec = wire.NewCodec(c.registry, opts.MaxFrameSize)
	c.bus = event.NewBus(opts.Logger.Named("events"), opts.Collector)
	c.listener = listener.New(listener.Options{
		Bind:         opts.Bind,
		IdleTimeout:  opts.IdleTimeout,
		WriteTimeout: opts.WriteTimeout,
		Codec:        c.codec,
		Collector:    opts.Collector,
		Logger:       opts.Logger.Named("listener"),
		ListenFunc:   opts.ListenFunc,
	}, bridge{c})

	c.log.Debug("registry v%d with %d kinds", c.registry.Version(), c.registry.Len())
	return c
}

// ── Listener control ─────────────────────────────────────────────────

// Listen starts accepting on port.  It is a no-op when already
// listening; bind errors are returned as they are, without retry.
func (c *Coordinator) Listen(port uint16) error { return c.listener.Listen(port) }

// Disconnect stops accepting and closes every endpoint before it
// returns.  It is a no-op when not listening.
func (c *Coordinator) Disconnect() error { return c.listener.Disconnect() }

// Close shuts the server down.
func (c *Coordinator) Close() error { return c.Disconnect() }

// ── Authentication surface ───────────────────────────────────────────

// RecordEndpointSeen adds identity to the all-time set.  Repeated calls
// with the same identity have no further effect.  No event is raised.
func (c *Coordinator) RecordEndpointSeen(identity string) {
	if identity == "" {
		return
	}
	if c.seen.add(identity) {
		c.log.Verbose("first sighting of %q", identity)
	}
}

// HasSeen reports whether identity was ever recorded.
func (c *Coordinator) HasSeen(identity string) bool { return c.seen.contains(identity) }

// SetAuthenticated marks ep as authenticated or not and adjusts the
// authenticated count when the flag actually changes.  A disconnected
// endpoint cannot be marked authenticated.
func (c *Coordinator) SetAuthenticated(ep *endpoint.Endpoint, authenticated bool) {
	if !ep.MarkAuthenticated(authenticated) {
		return
	}
	if authenticated {
		c.authenticated.Add(1)
	} else {
		c.authenticated.Add(-1)
	}
}

// ── Accessors ────────────────────────────────────────────────────────

// AllTimeConnected returns the number of distinct identities recorded.
func (c *Coordinator) AllTimeConnected() int { return c.seen.len() }

// Authenticated returns the number of connected, authenticated endpoints.
func (c *Coordinator) Authenticated() int { return int(c.authenticated.Load()) }

// IsListening reports the listener's state.
func (c *Coordinator) IsListening() bool { return c.listener.IsListening() }

// Port returns the listener's bound port.
func (c *Coordinator) Port() uint16 { return c.listener.Port() }

// BytesReceived returns cumulative bytes read from endpoints.
func (c *Coordinator) BytesReceived() int64 { return c.listener.BytesReceived() }

// BytesSent returns cumulative bytes written to endpoints.
func (c *Coordinator) BytesSent() int64 { return c.listener.BytesSent() }

// Endpoints returns a snapshot of the connected endpoints.
func (c *Coordinator) Endpoints() []*endpoint.Endpoint { return c.listener.Endpoints() }

// Registry returns the message registry declared to the codec.
func (c *Coordinator) Registry() *message.Registry { return c.registry }

// Codec returns the frame codec endpoints are served with.
func (c *Coordinator) Codec() *wire.Codec { return c.codec }

// Collector returns the metrics collector fed by the listener.
func (c *Coordinator) Collector() *metrics.Collector { return c.listener.Collector() }

// ── Subscriptions ────────────────────────────────────────────────────

// Subscribe registers fn for events of kind.
func (c *Coordinator) Subscribe(kind event.Kind, fn event.Handler) *event.Subscription {
	return c.bus.Subscribe(kind, fn)
}

// Unsubscribe removes a subscription.
func (c *Coordinator) Unsubscribe(s *event.Subscription) bool { return c.bus.Unsubscribe(s) }

// OnServerStateChanged subscribes to listener transitions.
func (c *Coordinator) OnServerStateChanged(fn func(port uint16, listening bool)) *event.Subscription {
	return c.bus.Subscribe(event.KindServerStateChanged, func(ev event.Event) {
		s := ev.(event.ServerStateChanged)
		fn(s.Port, s.Listening)
	})
}

// OnEndpointConnected subscribes to new endpoints.
func (c *Coordinator) OnEndpointConnected(fn func(ep *endpoint.Endpoint)) *event.Subscription {
	return c.bus.Subscribe(event.KindEndpointConnected, func(ev event.Event) {
		fn(ev.(event.EndpointConnected).Endpoint)
	})
}

// OnEndpointDisconnected subscribes to endpoint departures.
func (c *Coordinator) OnEndpointDisconnected(fn func(ep *endpoint.Endpoint)) *event.Subscription {
	return c.bus.Subscribe(event.KindEndpointDisconnected, func(ev event.Event) {
		fn(ev.(event.EndpointDisconnected).Endpoint)
	})
}

// ── Listener bridge ──────────────────────────────────────────────────

// bridge implements listener.Notifier so the listener type stays out
// of the coordinator's public surface.
type bridge struct{ c *Coordinator }

func (b bridge) OnServerStateChanged(port uint16, listening bool) {
	b.c.bus.Emit(event.ServerStateChanged{Port: port, Listening: listening})
}

func (b bridge) OnEndpointStateChanged(ep *endpoint.Endpoint, connected bool) {
	if connected {
		b.c.bus.Emit(event.EndpointConnected{Endpoint: ep})
		return
	}
	if ep.Retire() {
		b.c.authenticated.Add(-1)
	}
	b.c.bus.Emit(event.EndpointDisconnected{Endpoint: ep})
}

func (b bridge) OnMessage(ep *endpoint.Endpoint, msg message.Message) {
	if b.c.router == nil {
		b.c.log.Debug("no router; dropping %s from %s", msg.Kind(), ep)
		return
	}
	b.c.router.Route(ep, msg)
}
