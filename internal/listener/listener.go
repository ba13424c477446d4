// Package listener owns the TCP accept loop and one read loop per
// endpoint.  It decodes frames and reports three kinds of notification
// to a Notifier: server state, endpoint state and decoded messages.
//
// Notifications are delivered synchronously from the goroutine that
// produced them.  For a single endpoint the order is always connected,
// then its messages in wire order, then disconnected.
package listener

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"connhub/internal/endpoint"
	cherr "connhub/internal/errors"
	"connhub/internal/message"
	"connhub/internal/metrics"
	"connhub/internal/wire"
	"connhub/util"
)

// Notifier receives listener notifications.
type Notifier interface {
	OnServerStateChanged(port uint16, listening bool)
	OnEndpointStateChanged(ep *endpoint.Endpoint, connected bool)
	OnMessage(ep *endpoint.Endpoint, msg message.Message)
}

// Options configures a Listener.
type Options struct {
	Bind         string        // bind host; "" means all interfaces
	IdleTimeout  time.Duration // 0 disables the read deadline
	WriteTimeout time.Duration // applied to every endpoint Send
	Codec        *wire.Codec
	Collector    *metrics.Collector
	Logger       *util.Logger

	// ListenFunc opens the socket.  Defaults to net.Listen.
	ListenFunc func(network, address string) (net.Listener, error)
}

// Listener accepts endpoints on one port at a time.
type Listener struct {
	opts   Options
	notify Notifier
	log    *util.Logger

	mu     sync.Mutex
	cur    *run
	issued uint64 // last state ticket handed out; guarded by mu

	// Server-state events are delivered in ticket order.  Whoever
	// finds the queue idle drains it; a nested emit only enqueues.
	stateMu   sync.Mutex
	pending   map[uint64]stateEvent
	delivered uint64
	draining  bool

	listening atomic.Bool
	port      atomic.Uint32
}

type stateEvent struct {
	port      uint16
	listening bool
}

// run is the state of a single Listen → Disconnect cycle.
type run struct {
	ln    net.Listener
	port  uint16
	ready chan struct{} // closed once listening=true has been emitted
	stop  chan struct{} // closed when the run is being torn down
	wg    sync.WaitGroup

	mu        sync.Mutex
	endpoints map[string]*endpoint.Endpoint
	closing   bool
}

// New returns a stopped listener.  A nil Collector is replaced by a
// fresh one so byte counters always exist.
func New(opts Options, n Notifier) *Listener {
	if opts.Collector == nil {
		opts.Collector = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	if opts.ListenFunc == nil {
		opts.ListenFunc = net.Listen
	}
	return &Listener{
		opts:    opts,
		notify:  n,
		log:     opts.Logger,
		pending: make(map[uint64]stateEvent),
	}
}

// ── Lifecycle ────────────────────────────────────────────────────────

// Listen binds port and starts accepting.  It is a no-op when already
// listening.  Port 0 picks a free port; Port reports the result.
// Bind failures are returned to the caller and no event is raised.
func (l *Listener) Listen(port uint16) error {
	l.mu.Lock()
	if l.cur != nil {
		l.mu.Unlock()
		return nil
	}

	addr := util.FormatAddr(l.opts.Bind, int(port))
	ln, err := l.opts.ListenFunc("tcp", addr)
	if err != nil {
		l.mu.Unlock()
		l.log.Error("listen on %s: %v", addr, err)
		return cherr.Wrap("listen", addr, err)
	}
	if p := util.SplitPort(ln.Addr().String()); p != 0 {
		port = p
	}

	r := &run{
		ln:        ln,
		port:      port,
		ready:     make(chan struct{}),
		stop:      make(chan struct{}),
		endpoints: make(map[string]*endpoint.Endpoint),
	}
	l.cur = r
	l.port.Store(uint32(port))
	l.listening.Store(true)
	ticket := l.nextTicket()
	r.wg.Add(1)
	l.mu.Unlock()

	go l.acceptLoop(r)

	l.log.Info("listening on %s", ln.Addr())
	l.emitState(ticket, port, true)
	close(r.ready)
	return nil
}

// Disconnect stops accepting, closes every endpoint and waits for all
// read loops to finish before raising listening=false.  It is a no-op
// when not listening.
//
// Disconnect must not be called from an endpoint notification: it
// waits for the read loop that would be running the callback.  Called
// from a server-state notification, its listening=false is delivered
// right after that notification returns.
func (l *Listener) Disconnect() error {
	l.mu.Lock()
	r := l.cur
	if r == nil {
		l.mu.Unlock()
		return nil
	}
	l.cur = nil
	l.listening.Store(false)
	ticket := l.nextTicket()
	l.mu.Unlock()

	err := l.teardown(r)
	r.wg.Wait()

	l.log.Info("stopped listening on port %d", r.port)
	l.emitState(ticket, r.port, false)
	return err
}

// nextTicket reserves the delivery slot of a state transition.  The
// caller holds l.mu so tickets follow the order of transitions.
func (l *Listener) nextTicket() uint64 {
	l.issued++
	return l.issued
}

// emitState queues a server-state event and delivers every event
// whose predecessors have been delivered.  When another caller is
// already delivering, the event is left for it and emitState returns
// at once.
func (l *Listener) emitState(ticket uint64, port uint16, listening bool) {
	l.stateMu.Lock()
	l.pending[ticket] = stateEvent{port: port, listening: listening}
	if l.draining {
		l.stateMu.Unlock()
		return
	}
	l.draining = true
	for {
		ev, ok := l.pending[l.delivered+1]
		if !ok {
			break
		}
		delete(l.pending, l.delivered+1)
		l.delivered++
		l.stateMu.Unlock()
		l.notify.OnServerStateChanged(ev.port, ev.listening)
		l.stateMu.Lock()
	}
	l.draining = false
	l.stateMu.Unlock()
}

// teardown closes the socket and every endpoint of r.
func (l *Listener) teardown(r *run) error {
	close(r.stop)
	err := r.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	r.mu.Lock()
	r.closing = true
	eps := make([]*endpoint.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		eps = append(eps, ep)
	}
	r.mu.Unlock()

	for _, ep := range eps {
		err = multierr.Append(err, ep.Close())
	}
	return err
}

// fail handles an accept error that was not caused by Disconnect.
func (l *Listener) fail(r *run, cause error) {
	l.mu.Lock()
	if l.cur != r {
		l.mu.Unlock()
		return
	}
	l.cur = nil
	l.listening.Store(false)
	ticket := l.nextTicket()
	l.mu.Unlock()

	l.log.Error("listener on port %d failed: %v", r.port, cause)
	l.opts.Collector.RecordError(cause.Error())
	if err := l.teardown(r); err != nil {
		l.log.Debug("teardown after failure: %v", err)
	}

	// The accept loop calling us is part of r.wg; wait elsewhere.
	go func() {
		r.wg.Wait()
		l.emitState(ticket, r.port, false)
	}()
}

// ── Accept & read loops ──────────────────────────────────────────────

func (l *Listener) acceptLoop(r *run) {
	defer r.wg.Done()

	select {
	case <-r.ready:
	case <-r.stop:
		return
	}

	var backoff time.Duration
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.stop:
				return
			default:
			}
			// Transient accept failures (EMFILE, ECONNABORTED) back off
			// instead of stopping the listener.
			if cherr.IsRetryable(err) {
				backoff = nextAcceptBackoff(backoff)
				l.log.Warn("accept: %v; retrying in %v", err, backoff)
				time.Sleep(backoff)
				continue
			}
			l.fail(r, err)
			return
		}
		backoff = 0
		l.serve(r, conn)
	}
}

func nextAcceptBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func (l *Listener) serve(r *run, conn net.Conn) {
	ep := endpoint.New(conn, l.opts.Codec, l.opts.Collector)
	if l.opts.WriteTimeout > 0 {
		ep.SetWriteTimeout(l.opts.WriteTimeout)
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		conn.Close() //nolint:errcheck
		return
	}
	r.endpoints[ep.ID()] = ep
	r.wg.Add(1)
	r.mu.Unlock()

	l.opts.Collector.EndpointOpened()
	l.log.Verbose("endpoint %s connected from %s", ep, conn.RemoteAddr())
	go l.readLoop(r, ep)
}

func (l *Listener) readLoop(r *run, ep *endpoint.Endpoint) {
	defer r.wg.Done()
	defer func() {
		ep.Close() //nolint:errcheck
		r.mu.Lock()
		delete(r.endpoints, ep.ID())
		r.mu.Unlock()
		l.opts.Collector.EndpointClosed()
		l.notify.OnEndpointStateChanged(ep, false)
	}()

	l.notify.OnEndpointStateChanged(ep, true)

	dec := ep.Decoder()
	for {
		if l.opts.IdleTimeout > 0 {
			ep.SetReadDeadline(time.Now().Add(l.opts.IdleTimeout)) //nolint:errcheck
		}
		msg, err := dec.Decode()
		if err == nil {
			err = l.checkDirection(ep, msg)
		}
		if err != nil {
			l.logReadError(ep, err)
			return
		}
		ep.Touch()
		l.opts.Collector.MessageReceived()
		l.notify.OnMessage(ep, msg)
	}
}

// checkDirection rejects kinds only the server may originate.
func (l *Listener) checkDirection(ep *endpoint.Endpoint, msg message.Message) error {
	e, ok := l.opts.Codec.Registry().Lookup(msg.Kind())
	if ok && e.Direction == message.ServerToClient {
		return cherr.Protocol(ep.ID(), uint16(msg.Kind()), cherr.ErrWrongDirection)
	}
	return nil
}

func (l *Listener) logReadError(ep *endpoint.Endpoint, err error) {
	switch {
	case cherr.IsProtocol(err):
		l.opts.Collector.ProtocolError()
		l.log.Warn("dropping endpoint %s: %v", ep, err)
	case ep.Closed() || errors.Is(err, io.EOF) || util.IsHarmless(err):
		l.log.Verbose("endpoint %s disconnected", ep)
	case errors.Is(err, os.ErrDeadlineExceeded):
		l.log.Info("endpoint %s idle for %v, closing", ep, l.opts.IdleTimeout)
	default:
		l.log.Verbose("endpoint %s read: %v", ep, err)
	}
}

// ── Accessors ────────────────────────────────────────────────────────

// IsListening reports whether the accept loop is running.
func (l *Listener) IsListening() bool { return l.listening.Load() }

// Port returns the bound port of the current or most recent run.
func (l *Listener) Port() uint16 { return uint16(l.port.Load()) }

// BytesReceived returns bytes read from all endpoints since creation.
func (l *Listener) BytesReceived() int64 { return l.opts.Collector.TotalBytesIn() }

// BytesSent returns bytes written to all endpoints since creation.
func (l *Listener) BytesSent() int64 { return l.opts.Collector.TotalBytesOut() }

// Collector returns the metrics collector the listener feeds.
func (l *Listener) Collector() *metrics.Collector { return l.opts.Collector }

// Endpoints returns a snapshot of the live endpoints.
func (l *Listener) Endpoints() []*endpoint.Endpoint {
	l.mu.Lock()
	r := l.cur
	l.mu.Unlock()
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*endpoint.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	return out
}
