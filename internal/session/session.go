// Package session keeps the per-endpoint state of the handler layer:
// open tunnel streams and keepalive bookkeeping.  A Session lives from
// EndpointConnected to EndpointDisconnected.
package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"connhub/internal/endpoint"
	cherr "connhub/internal/errors"
)

// streamWriteTimeout bounds a write to a tunnel target so a stuck
// target cannot hold the endpoint's read loop forever.
const streamWriteTimeout = 10 * time.Second

// Stream is one tunnel stream.  It is reserved while its target is
// being dialled and attached once the connection is up.
type Stream struct {
	ID     uint32
	Target string
	Opened time.Time

	mu   sync.Mutex
	conn net.Conn

	bytesIn  atomic.Int64 // endpoint -> target
	bytesOut atomic.Int64 // target -> endpoint
}

// Attached reports whether the target connection is up.
func (st *Stream) Attached() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.conn != nil
}

// Write forwards p to the target.
func (st *Stream) Write(p []byte) (int, error) {
	st.mu.Lock()
	conn := st.conn
	st.mu.Unlock()
	if conn == nil {
		return 0, cherr.ErrUnknownStream
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)) //nolint:errcheck
	n, err := conn.Write(p)
	st.bytesIn.Add(int64(n))
	return n, err
}

// CountOut records n bytes relayed from the target to the endpoint.
func (st *Stream) CountOut(n int) { st.bytesOut.Add(int64(n)) }

// BytesIn returns bytes written to the target.
func (st *Stream) BytesIn() int64 { return st.bytesIn.Load() }

// BytesOut returns bytes relayed back to the endpoint.
func (st *Stream) BytesOut() int64 { return st.bytesOut.Load() }

func (st *Stream) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.conn != nil {
		st.conn.Close() //nolint:errcheck
	}
}

// ── Session ──────────────────────────────────────────────────────────

// Session is the handler-side state of one endpoint.
type Session struct {
	ep *endpoint.Endpoint

	mu      sync.Mutex
	streams map[uint32]*Stream
	closed  bool

	pingSeq  atomic.Uint64
	pingSent atomic.Int64 // unix nanos of the last Ping
	rtt      atomic.Int64
}

// New returns an empty session for ep.
func New(ep *endpoint.Endpoint) *Session {
	return &Session{ep: ep, streams: make(map[uint32]*Stream)}
}

// Endpoint returns the session's endpoint.
func (s *Session) Endpoint() *endpoint.Endpoint { return s.ep }

// Reserve claims stream id for target.  It fails if id is taken or the
// session has been closed.
func (s *Session) Reserve(id uint32, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cherr.ErrEndpointClosed
	}
	if _, ok := s.streams[id]; ok {
		return fmt.Errorf("stream %d: %w", id, cherr.ErrStreamInUse)
	}
	s.streams[id] = &Stream{ID: id, Target: target, Opened: time.Now()}
	return nil
}

// Attach binds conn to reserved stream id.  If the stream was removed
// or the session closed while dialling, conn is left to the caller to
// close and ErrUnknownStream is returned.
func (s *Session) Attach(id uint32, conn net.Conn) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if s.closed || !ok {
		return nil, fmt.Errorf("stream %d: %w", id, cherr.ErrUnknownStream)
	}
	st.mu.Lock()
	st.conn = conn
	st.mu.Unlock()
	return st, nil
}

// Stream returns stream id.
func (s *Session) Stream(id uint32) (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	return st, ok
}

// Remove deletes stream id and closes its target connection.  It
// returns nil if the stream was not present, so exactly one caller
// observes each removal.
func (s *Session) Remove(id uint32) *Stream {
	s.mu.Lock()
	st, ok := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	st.close()
	return st
}

// Len returns the number of reserved or attached streams.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Close removes every stream and refuses new reservations.  The
// removed streams are returned.
func (s *Session) Close() []*Stream {
	s.mu.Lock()
	s.closed = true
	out := make([]*Stream, 0, len(s.streams))
	for id, st := range s.streams {
		out = append(out, st)
		delete(s.streams, id)
	}
	s.mu.Unlock()

	for _, st := range out {
		st.close()
	}
	return out
}

// ── Keepalive ────────────────────────────────────────────────────────

// NextPing allocates the sequence number for a new Ping and records
// when it was sent.
func (s *Session) NextPing() uint64 {
	seq := s.pingSeq.Add(1)
	s.pingSent.Store(time.Now().UnixNano())
	return seq
}

// Pong matches seq against the last Ping.  For the current sequence
// it updates and returns the round-trip time; stale or unknown
// sequences report false.
func (s *Session) Pong(seq uint64) (time.Duration, bool) {
	if seq == 0 || seq != s.pingSeq.Load() {
		return 0, false
	}
	rtt := time.Duration(time.Now().UnixNano() - s.pingSent.Load())
	s.rtt.Store(int64(rtt))
	return rtt, true
}

// RTT returns the last measured round-trip time, or 0.
func (s *Session) RTT() time.Duration { return time.Duration(s.rtt.Load()) }

// ── Table ────────────────────────────────────────────────────────────

// Table indexes sessions by endpoint ID.
type Table struct {
	mu sync.RWMutex
	m  map[string]*Session
}

// NewTable returns an empty table.
func NewTable() *Table { return &Table{m: make(map[string]*Session)} }

// Open creates the session for ep, or returns the existing one.
func (t *Table) Open(ep *endpoint.Endpoint) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.m[ep.ID()]; ok {
		return s
	}
	s := New(ep)
	t.m[ep.ID()] = s
	return s
}

// Get returns the session for ep.
func (t *Table) Get(ep *endpoint.Endpoint) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.m[ep.ID()]
	return s, ok
}

// Remove detaches and returns the session for ep, or nil.
func (t *Table) Remove(ep *endpoint.Endpoint) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.m[ep.ID()]
	delete(t.m, ep.ID())
	return s
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// Drain removes and returns every session.
func (t *Table) Drain() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.m))
	for id, s := range t.m {
		out = append(out, s)
		delete(t.m, id)
	}
	return out
}
