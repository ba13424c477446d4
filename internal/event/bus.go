// Package event is the coordinator's observer registry.
//
// Subscriptions are kept per event kind in registration order.  Emit
// runs every handler synchronously on the caller's goroutine; a panic
// in one handler is recovered and logged, and delivery continues with
// the next handler.
package event

import (
	"fmt"
	"runtime/debug"
	"sync"

	"connhub/internal/endpoint"
	"connhub/internal/metrics"
	"connhub/util"
)

// Kind discriminates events.
type Kind uint8

const (
	KindServerStateChanged Kind = iota + 1
	KindEndpointConnected
	KindEndpointDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindServerStateChanged:
		return "server-state-changed"
	case KindEndpointConnected:
		return "endpoint-connected"
	case KindEndpointDisconnected:
		return "endpoint-disconnected"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Event is one notification.
type Event interface {
	Kind() Kind
}

// ServerStateChanged reports a listener transition.
type ServerStateChanged struct {
	Port      uint16
	Listening bool
}

// EndpointConnected reports a newly accepted endpoint.
type EndpointConnected struct {
	Endpoint *endpoint.Endpoint
}

// EndpointDisconnected reports an endpoint whose connection is gone.
type EndpointDisconnected struct {
	Endpoint *endpoint.Endpoint
}

func (ServerStateChanged) Kind() Kind   { return KindServerStateChanged }
func (EndpointConnected) Kind() Kind    { return KindEndpointConnected }
func (EndpointDisconnected) Kind() Kind { return KindEndpointDisconnected }

// Handler receives events of the kind it was subscribed to.
type Handler func(Event)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	kind Kind
	fn   Handler
}

// Kind returns the kind the subscription listens for.
func (s *Subscription) Kind() Kind { return s.kind }

// ── Bus ──────────────────────────────────────────────────────────────

// Bus maps each kind to an ordered list of subscriptions.
type Bus struct {
	mu   sync.RWMutex
	subs map[Kind][]*Subscription

	logger    *util.Logger
	collector *metrics.Collector
}

// NewBus returns an empty bus.  collector may be nil.
func NewBus(logger *util.Logger, collector *metrics.Collector) *Bus {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &Bus{
		subs:      make(map[Kind][]*Subscription),
		logger:    logger,
		collector: collector,
	}
}

// Subscribe appends fn to the handlers for kind.
func (b *Bus) Subscribe(kind Kind, fn Handler) *Subscription {
	if fn == nil {
		panic("event: nil handler")
	}
	s := &Subscription{kind: kind, fn: fn}

	b.mu.Lock()
	defer b.mu.Unlock()
	// Copy on write: Emit iterates a slice it read under RLock.
	list := b.subs[kind]
	next := make([]*Subscription, len(list), len(list)+1)
	copy(next, list)
	b.subs[kind] = append(next, s)
	return s
}

// Unsubscribe removes s and reports whether it was registered.  An
// Emit already in progress may still call it once.
func (b *Bus) Unsubscribe(s *Subscription) bool {
	if s == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[s.kind]
	for i, cur := range list {
		if cur != s {
			continue
		}
		next := make([]*Subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		b.subs[s.kind] = next
		return true
	}
	return false
}

// Len returns the number of subscriptions for kind.
func (b *Bus) Len(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

// Emit delivers ev to every subscriber of its kind, in registration
// order, and returns once all of them have run.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	list := b.subs[ev.Kind()]
	b.mu.RUnlock()

	for _, s := range list {
		b.dispatch(s, ev)
	}
}

func (b *Bus) dispatch(s *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.collector.HandlerPanic()
			b.logger.Error("%s subscriber panicked: %v", ev.Kind(), r)
			b.logger.Debug("%s", debug.Stack())
		}
	}()
	s.fn(ev)
}
