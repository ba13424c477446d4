// Package handler implements the business protocol on top of the
// coordinator: Hello on connect, keepalive pings, login, server-issued
// commands and the tunnel sub-protocol.
//
// Login is the only place endpoints become authenticated; it is the
// sole caller of the hub's SetAuthenticated and RecordEndpointSeen.
package handler

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"connhub/internal/endpoint"
	cherr "connhub/internal/errors"
	"connhub/internal/event"
	"connhub/internal/message"
	"connhub/internal/metrics"
	"connhub/internal/router"
	"connhub/internal/session"
	"connhub/internal/transport"
	"connhub/util"
)

// Hub is the slice of the coordinator the handlers use.
type Hub interface {
	SetAuthenticated(ep *endpoint.Endpoint, authenticated bool)
	RecordEndpointSeen(identity string)
	HasSeen(identity string) bool
	Endpoints() []*endpoint.Endpoint
	OnEndpointConnected(fn func(ep *endpoint.Endpoint)) *event.Subscription
	OnEndpointDisconnected(fn func(ep *endpoint.Endpoint)) *event.Subscription
	Unsubscribe(s *event.Subscription) bool
}

// Options configures a Handler.
type Options struct {
	ServerName string
	// Token is the shared login secret.  Empty accepts any token, and
	// then tunnels do not require login either.
	Token        string
	PingInterval time.Duration
	// AllowedTargets restricts TunnelOpen targets to exact host:port
	// entries or host:* wildcards.  Empty allows any target.
	AllowedTargets []string
	// Dialer reaches tunnel targets.  Nil disables tunnels.
	Dialer    transport.Dialer
	Logger    *util.Logger
	Collector *metrics.Collector
}

// Handler holds the session table and pending commands.
type Handler struct {
	opts      Options
	hub       Hub
	sessions  *session.Table
	logger    *util.Logger
	collector *metrics.Collector
	allow     allowList

	cmdSeq  atomic.Uint64
	pendMu  sync.Mutex
	pending map[uint64]pendingCommand

	subs   []*event.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pendingCommand struct {
	endpoint string
	result   chan *message.CommandResult
}

// New returns a Handler for hub.  Call Install to start serving.
func New(hub Hub, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		opts:      opts,
		hub:       hub,
		sessions:  session.NewTable(),
		logger:    opts.Logger,
		collector: opts.Collector,
		allow:     newAllowList(opts.AllowedTargets),
		pending:   make(map[uint64]pendingCommand),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Install registers the message handlers on r and subscribes to the
// hub's endpoint events.
func (h *Handler) Install(r *router.Router) {
	r.Handle(message.KindPong, h.pong)
	r.Handle(message.KindLogin, h.login)
	r.Handle(message.KindCommandResult, h.commandResult)
	r.Handle(message.KindTunnelOpen, h.tunnelOpen)
	r.Handle(message.KindTunnelData, h.tunnelData)
	r.Handle(message.KindTunnelClose, h.tunnelClose)

	h.subs = append(h.subs,
		h.hub.OnEndpointConnected(h.connected),
		h.hub.OnEndpointDisconnected(h.disconnected),
	)
}

// Close stops tunnel dials, closes every session's streams and waits
// for the stream goroutines to finish.
func (h *Handler) Close() {
	for _, s := range h.subs {
		h.hub.Unsubscribe(s)
	}
	h.subs = nil
	h.cancel()
	for _, s := range h.sessions.Drain() {
		h.closeSession(s)
	}
	h.wg.Wait()
}

// Session returns the live session of ep.
func (h *Handler) Session(ep *endpoint.Endpoint) (*session.Session, bool) {
	return h.sessions.Get(ep)
}

// ── Lifecycle ────────────────────────────────────────────────────────

func (h *Handler) connected(ep *endpoint.Endpoint) {
	h.sessions.Open(ep)
	err := ep.Send(&message.Hello{
		Server:          h.opts.ServerName,
		RegistryVersion: message.RegistryVersion,
		EndpointID:      ep.ID(),
	})
	if err != nil {
		h.logger.Debug("hello to %s: %v", ep, err)
	}
}

func (h *Handler) disconnected(ep *endpoint.Endpoint) {
	if s := h.sessions.Remove(ep); s != nil {
		h.closeSession(s)
	}
}

func (h *Handler) closeSession(s *session.Session) {
	for _, st := range s.Close() {
		if st.Attached() {
			h.collector.StreamClosed()
		}
	}
}

// ── Keepalive ────────────────────────────────────────────────────────

// RunPings sends a Ping to every endpoint each PingInterval until ctx
// ends.  With no interval configured it just waits for ctx.
func (h *Handler) RunPings(ctx context.Context) error {
	if h.opts.PingInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.pingAll()
		}
	}
}

func (h *Handler) pingAll() {
	for _, ep := range h.hub.Endpoints() {
		s, ok := h.sessions.Get(ep)
		if !ok {
			continue
		}
		if err := ep.Send(&message.Ping{Seq: s.NextPing()}); err != nil {
			h.logger.Debug("ping %s: %v", ep, err)
		}
	}
}

func (h *Handler) pong(ep *endpoint.Endpoint, msg message.Message) error {
	m := msg.(*message.Pong)
	s, ok := h.sessions.Get(ep)
	if !ok {
		return nil
	}
	if rtt, ok := s.Pong(m.Seq); ok {
		h.logger.Debug("%s rtt %v", ep, rtt)
	}
	return nil
}

// ── Login ────────────────────────────────────────────────────────────

func (h *Handler) login(ep *endpoint.Endpoint, msg message.Message) error {
	m := msg.(*message.Login)

	if ep.Authenticated() {
		return ep.Send(&message.LoginResult{Reason: "already logged in"})
	}

	var reason string
	switch {
	case m.Identity == "":
		reason = "identity required"
	case !h.tokenOK(m.Token):
		reason = "bad token"
	}
	if reason != "" {
		ep.Send(&message.LoginResult{Reason: reason}) //nolint:errcheck
		ep.Send(&message.Kick{Reason: reason})        //nolint:errcheck
		return fmt.Errorf("login %q: %s: %w (%w)", m.Identity, reason, cherr.ErrAuthFailed, cherr.ErrCloseEndpoint)
	}

	returning := h.hub.HasSeen(m.Identity)
	ep.SetIdentity(m.Identity)
	h.hub.SetAuthenticated(ep, true)
	h.hub.RecordEndpointSeen(m.Identity)
	if returning {
		h.logger.Info("%s logged in again from %s", ep, ep.RemoteAddr())
	} else {
		h.logger.Info("%s logged in from %s", ep, ep.RemoteAddr())
	}
	return ep.Send(&message.LoginResult{OK: true})
}

func (h *Handler) tokenOK(token string) bool {
	if h.opts.Token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.Token)) == 1
}

// ── Commands ─────────────────────────────────────────────────────────

// Command sends a Command to ep and waits for the matching
// CommandResult, for ctx to end, or for ep to disconnect.
func (h *Handler) Command(ctx context.Context, ep *endpoint.Endpoint, name string, args ...string) (*message.CommandResult, error) {
	id := h.cmdSeq.Add(1)
	result := make(chan *message.CommandResult, 1)

	h.pendMu.Lock()
	h.pending[id] = pendingCommand{endpoint: ep.ID(), result: result}
	h.pendMu.Unlock()
	defer func() {
		h.pendMu.Lock()
		delete(h.pending, id)
		h.pendMu.Unlock()
	}()

	if err := ep.Send(&message.Command{ID: id, Name: name, Args: args}); err != nil {
		return nil, err
	}

	select {
	case r := <-result:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ep.Done():
		return nil, cherr.ErrEndpointClosed
	}
}

// Kick tells ep why it is being dropped, then closes it.
func (h *Handler) Kick(ep *endpoint.Endpoint, reason string) error {
	ep.Send(&message.Kick{Reason: reason}) //nolint:errcheck
	return ep.Close()
}

func (h *Handler) commandResult(ep *endpoint.Endpoint, msg message.Message) error {
	m := msg.(*message.CommandResult)

	h.pendMu.Lock()
	pc, ok := h.pending[m.ID]
	h.pendMu.Unlock()

	if !ok {
		h.logger.Debug("%s: result for unknown command %d", ep, m.ID)
		return nil
	}
	if pc.endpoint != ep.ID() {
		return fmt.Errorf("result for command %d sent by the wrong endpoint", m.ID)
	}
	select {
	case pc.result <- m:
	default:
	}
	return nil
}
