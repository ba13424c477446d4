package handler

import (
	"context"
	"net"
	"strings"

	"connhub/internal/endpoint"
	cherr "connhub/internal/errors"
	"connhub/internal/message"
	"connhub/internal/session"
	"connhub/util"
)

// Tunnel streams: the endpoint sends TunnelOpen{stream, target}; the
// server dials the target and echoes TunnelOpen on success, or answers
// TunnelClose{stream, reason}.  TunnelData flows both ways until either
// side sends TunnelClose or the endpoint disconnects.

func (h *Handler) tunnelOpen(ep *endpoint.Endpoint, msg message.Message) error {
	m := msg.(*message.TunnelOpen)
	s, ok := h.sessions.Get(ep)
	if !ok {
		return nil
	}

	switch {
	case h.opts.Dialer == nil:
		return h.refuse(ep, m.Stream, "tunnels disabled")
	case h.opts.Token != "" && !ep.Authenticated():
		return h.refuse(ep, m.Stream, cherr.ErrNotAuthenticated.Error())
	case !h.allow.permits(m.Target):
		return h.refuse(ep, m.Stream, cherr.ErrTargetDenied.Error())
	}
	if err := s.Reserve(m.Stream, m.Target); err != nil {
		return h.refuse(ep, m.Stream, err.Error())
	}

	h.wg.Add(1)
	go h.dial(ep, s, m.Stream, m.Target)
	return nil
}

func (h *Handler) refuse(ep *endpoint.Endpoint, stream uint32, reason string) error {
	h.logger.Verbose("%s stream %d refused: %s", ep, stream, reason)
	return ep.Send(&message.TunnelClose{Stream: stream, Reason: reason})
}

// dial connects the target off the read loop, then pumps target bytes
// to the endpoint until either side closes.
func (h *Handler) dial(ep *endpoint.Endpoint, s *session.Session, id uint32, target string) {
	defer h.wg.Done()

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	go func() {
		select {
		case <-ep.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := h.opts.Dialer.Dial(ctx, "tcp", target)
	if err != nil {
		s.Remove(id)
		h.logger.Verbose("%s stream %d to %s: %v", ep, id, target, err)
		ep.Send(&message.TunnelClose{Stream: id, Reason: dialReason(err)}) //nolint:errcheck
		return
	}

	st, err := s.Attach(id, conn)
	if err != nil {
		conn.Close() //nolint:errcheck
		return
	}
	h.collector.StreamOpened()

	if err := ep.Send(&message.TunnelOpen{Stream: id, Target: target}); err != nil {
		h.dropStream(s, id)
		return
	}
	h.logger.Verbose("%s stream %d open to %s", ep, id, target)
	h.pump(ep, s, st, conn)
}

func (h *Handler) pump(ep *endpoint.Endpoint, s *session.Session, st *session.Stream, conn net.Conn) {
	bufp := util.GetChunk()
	defer util.PutChunk(bufp)
	buf := *bufp

	var reason string
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if serr := ep.Send(&message.TunnelData{Stream: st.ID, Payload: buf[:n]}); serr != nil {
				h.dropStream(s, st.ID)
				return
			}
			st.CountOut(n)
		}
		if err != nil {
			if !util.IsHarmless(err) {
				reason = err.Error()
			}
			break
		}
	}

	// Only tell the endpoint if the close started on the target side.
	if h.dropStream(s, st.ID) {
		ep.Send(&message.TunnelClose{Stream: st.ID, Reason: reason}) //nolint:errcheck
		h.logger.Verbose("%s stream %d closed by target (in=%d out=%d)", ep, st.ID, st.BytesIn(), st.BytesOut())
	}
}

func (h *Handler) tunnelData(ep *endpoint.Endpoint, msg message.Message) error {
	m := msg.(*message.TunnelData)
	s, ok := h.sessions.Get(ep)
	if !ok {
		return nil
	}
	st, ok := s.Stream(m.Stream)
	if !ok || !st.Attached() {
		return ep.Send(&message.TunnelClose{Stream: m.Stream, Reason: cherr.ErrUnknownStream.Error()})
	}
	if _, err := st.Write(m.Payload); err != nil {
		if h.dropStream(s, m.Stream) {
			return ep.Send(&message.TunnelClose{Stream: m.Stream, Reason: err.Error()})
		}
	}
	return nil
}

func (h *Handler) tunnelClose(ep *endpoint.Endpoint, msg message.Message) error {
	m := msg.(*message.TunnelClose)
	s, ok := h.sessions.Get(ep)
	if !ok {
		return nil
	}
	if h.dropStream(s, m.Stream) {
		h.logger.Verbose("%s stream %d closed by endpoint", ep, m.Stream)
	}
	return nil
}

// dropStream removes stream id and reports whether this call removed it.
func (h *Handler) dropStream(s *session.Session, id uint32) bool {
	st := s.Remove(id)
	if st == nil {
		return false
	}
	if st.Attached() {
		h.collector.StreamClosed()
	}
	return true
}

func dialReason(err error) string {
	if cherr.Is(err, cherr.ErrCircuitOpen) {
		return "target unavailable"
	}
	return err.Error()
}

// ── Allow list ───────────────────────────────────────────────────────

type allowList struct {
	exact map[string]bool
	hosts map[string]bool // host:* entries
}

func newAllowList(entries []string) allowList {
	a := allowList{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if host, ok := strings.CutSuffix(e, ":*"); ok {
			if a.hosts == nil {
				a.hosts = make(map[string]bool)
			}
			a.hosts[strings.ToLower(host)] = true
			continue
		}
		if a.exact == nil {
			a.exact = make(map[string]bool)
		}
		a.exact[strings.ToLower(e)] = true
	}
	return a
}

func (a allowList) permits(target string) bool {
	host, port, err := net.SplitHostPort(target)
	if err != nil || host == "" || port == "" {
		return false
	}
	if a.exact == nil && a.hosts == nil {
		return true
	}
	host = strings.ToLower(host)
	return a.exact[net.JoinHostPort(host, port)] || a.hosts[host]
}
