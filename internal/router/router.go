// Package router dispatches decoded messages to handlers keyed by
// message kind.
package router

import (
	"runtime/debug"
	"sync"

	"connhub/internal/endpoint"
	cherr "connhub/internal/errors"
	"connhub/internal/message"
	"connhub/internal/metrics"
	"connhub/util"
)

// HandlerFunc processes one message from ep.  Returning an error that
// wraps errors.ErrCloseEndpoint closes the endpoint; any other error is
// logged and the endpoint stays up.
type HandlerFunc func(ep *endpoint.Endpoint, msg message.Message) error

// Router maps kinds to handlers.  Handlers run on the endpoint's read
// loop, so a slow handler stalls only that endpoint.
type Router struct {
	mu       sync.RWMutex
	handlers map[message.Kind]HandlerFunc

	logger    *util.Logger
	collector *metrics.Collector
}

// New returns an empty router.  collector may be nil.
func New(logger *util.Logger, collector *metrics.Collector) *Router {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &Router{
		handlers:  make(map[message.Kind]HandlerFunc),
		logger:    logger,
		collector: collector,
	}
}

// Handle registers h for kind, replacing any previous handler.
func (r *Router) Handle(kind message.Kind, h HandlerFunc) {
	if h == nil {
		panic("router: nil handler for " + kind.String())
	}
	r.mu.Lock()
	r.handlers[kind] = h
	r.mu.Unlock()
}

// Handles reports whether a handler is registered for kind.
func (r *Router) Handles(kind message.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// Route calls the handler for msg's kind.  Messages with no handler
// are dropped.
func (r *Router) Route(ep *endpoint.Endpoint, msg message.Message) {
	r.mu.RLock()
	h, ok := r.handlers[msg.Kind()]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("no handler for %s from %s", msg.Kind(), ep)
		return
	}

	err := r.call(h, ep, msg)
	switch {
	case err == nil:
	case cherr.Is(err, cherr.ErrCloseEndpoint):
		r.logger.Verbose("closing %s: %v", ep, err)
		ep.Close() //nolint:errcheck
	default:
		r.logger.Warn("%s from %s: %v", msg.Kind(), ep, err)
	}
}

func (r *Router) call(h HandlerFunc, ep *endpoint.Endpoint, msg message.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.collector.HandlerPanic()
			r.logger.Error("%s handler panicked for %s: %v", msg.Kind(), ep, p)
			r.logger.Debug("%s", debug.Stack())
			err = nil
		}
	}()
	return h(ep, msg)
}
