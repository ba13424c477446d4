// Package endpoint represents one connected remote peer.
//
// An Endpoint is created by the listener on accept and closed on
// disconnect.  Everything above the listener observes endpoints but
// never owns their lifetime.
package endpoint

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	cherr "connhub/internal/errors"
	"connhub/internal/message"
	"connhub/internal/metrics"
	"connhub/internal/wire"
)

// Endpoint is a framed connection to one peer.  All methods are safe
// for concurrent use; Send calls are serialized.
type Endpoint struct {
	id        string
	conn      net.Conn
	codec     *wire.Codec
	collector *metrics.Collector

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	lastSeen atomic.Int64 // unix nanos

	writeMu      sync.Mutex
	wbuf         []byte
	writeTimeout time.Duration

	// mu guards identity and the auth flags.
	mu            sync.Mutex
	identity      string
	authenticated bool
	retired       bool

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New wraps conn.  collector may be nil.
func New(conn net.Conn, codec *wire.Codec, collector *metrics.Collector) *Endpoint {
	e := &Endpoint{
		id:        uuid.New().String(),
		conn:      conn,
		codec:     codec,
		collector: collector,
		closed:    make(chan struct{}),
	}
	e.Touch()
	return e
}

// ID returns the opaque per-connection identifier.  It is unrelated to
// the durable identity established at login.
func (e *Endpoint) ID() string { return e.id }

// RemoteAddr returns the peer's network address.
func (e *Endpoint) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }

func (e *Endpoint) String() string {
	if id := e.Identity(); id != "" {
		return e.id[:8] + "(" + id + ")"
	}
	return e.id[:8]
}

// ── I/O ──────────────────────────────────────────────────────────────

// SetWriteTimeout bounds every Send.  A Send that times out closes the
// endpoint.  Zero disables the deadline.
func (e *Endpoint) SetWriteTimeout(d time.Duration) {
	e.writeMu.Lock()
	e.writeTimeout = d
	e.writeMu.Unlock()
}

// Send frames m and writes it to the peer.  Concurrent callers are
// serialized so frames never interleave.
func (e *Endpoint) Send(m message.Message) error {
	if e.Closed() {
		return cherr.ErrEndpointClosed
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	frame, err := e.codec.AppendFrame(e.wbuf[:0], m)
	if err != nil {
		return err
	}
	e.wbuf = frame

	if e.writeTimeout > 0 {
		e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout)) //nolint:errcheck
	}
	n, err := e.conn.Write(frame)
	e.bytesOut.Add(int64(n))
	e.collector.BytesSent(int64(n))
	if err != nil {
		if e.Closed() {
			return cherr.ErrEndpointClosed
		}
		// A partial frame leaves the stream unusable.
		e.Close() //nolint:errcheck
		return cherr.Wrap("write", e.conn.RemoteAddr().String(), err)
	}
	e.collector.MessageSent()
	return nil
}

// Decoder returns a frame decoder over the connection that counts
// every byte read.  Only the endpoint's read loop may use it.
func (e *Endpoint) Decoder() *wire.Decoder {
	return e.codec.NewDecoder(countingReader{e}, e.id)
}

type countingReader struct{ e *Endpoint }

func (r countingReader) Read(p []byte) (int, error) {
	n, err := r.e.conn.Read(p)
	if n > 0 {
		r.e.bytesIn.Add(int64(n))
		r.e.collector.BytesReceived(int64(n))
	}
	return n, err
}

// SetReadDeadline forwards to the underlying connection.
func (e *Endpoint) SetReadDeadline(t time.Time) error {
	return e.conn.SetReadDeadline(t)
}

// BytesReceived returns the bytes read from this endpoint.
func (e *Endpoint) BytesReceived() int64 { return e.bytesIn.Load() }

// BytesSent returns the bytes written to this endpoint.
func (e *Endpoint) BytesSent() int64 { return e.bytesOut.Load() }

// Touch records activity from the peer.
func (e *Endpoint) Touch() { e.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns the time of the last recorded activity.
func (e *Endpoint) LastSeen() time.Time { return time.Unix(0, e.lastSeen.Load()) }

// ── Identity & authentication ────────────────────────────────────────

// Identity returns the durable identity, or "" before login.
func (e *Endpoint) Identity() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// SetIdentity records the durable identity established at login.
func (e *Endpoint) SetIdentity(id string) {
	e.mu.Lock()
	e.identity = id
	e.mu.Unlock()
}

// Authenticated reports whether the endpoint is currently authenticated.
func (e *Endpoint) Authenticated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.authenticated
}

// MarkAuthenticated sets the authentication flag and reports whether
// it changed.  A retired endpoint can no longer become authenticated.
func (e *Endpoint) MarkAuthenticated(v bool) (changed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.authenticated == v || (v && e.retired) {
		return false
	}
	e.authenticated = v
	return true
}

// Retire clears the authentication flag for good and reports whether
// the endpoint was authenticated.  It is called once, on disconnect.
func (e *Endpoint) Retire() (wasAuthenticated bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wasAuthenticated = e.authenticated
	e.authenticated = false
	e.retired = true
	return wasAuthenticated
}

// ── Lifecycle ────────────────────────────────────────────────────────

// Close closes the connection.  It is idempotent; later calls return
// the first call's result.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.closeErr = e.conn.Close()
	})
	return e.closeErr
}

// Closed reports whether Close has been called.
func (e *Endpoint) Closed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// Done is closed when the endpoint is closed.
func (e *Endpoint) Done() <-chan struct{} { return e.closed }
