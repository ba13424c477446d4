// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of a connhub server.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for a connhub server.
type Collector struct {
	endpointsActive atomic.Int64
	endpointsTotal  atomic.Int64
	bytesIn         atomic.Int64
	bytesOut        atomic.Int64
	messagesIn      atomic.Int64
	messagesOut     atomic.Int64
	protocolErrors  atomic.Int64
	handlerPanics   atomic.Int64
	streamsOpened   atomic.Int64
	streamsActive   atomic.Int64
	dialFailures    atomic.Int64
	publishRetries  atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Endpoint metrics ─────────────────────────────────────────────────

// EndpointOpened increments both the active and total counters.
func (c *Collector) EndpointOpened() {
	if c == nil {
		return
	}
	c.endpointsActive.Add(1)
	c.endpointsTotal.Add(1)
}

// EndpointClosed decrements the active endpoint counter.
func (c *Collector) EndpointClosed() {
	if c == nil {
		return
	}
	c.endpointsActive.Add(-1)
}

// ActiveEndpoints returns the current number of open endpoints.
func (c *Collector) ActiveEndpoints() int64 {
	if c == nil {
		return 0
	}
	return c.endpointsActive.Load()
}

// TotalEndpoints returns the lifetime endpoint count.
func (c *Collector) TotalEndpoints() int64 {
	if c == nil {
		return 0
	}
	return c.endpointsTotal.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the network.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the network.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// MessageReceived counts one decoded inbound message.
func (c *Collector) MessageReceived() {
	if c == nil {
		return
	}
	c.messagesIn.Add(1)
}

// MessageSent counts one encoded outbound message.
func (c *Collector) MessageSent() {
	if c == nil {
		return
	}
	c.messagesOut.Add(1)
}

// ── Protocol metrics ─────────────────────────────────────────────────

// ProtocolError counts an endpoint dropped for a malformed or
// unregistered frame.
func (c *Collector) ProtocolError() {
	if c == nil {
		return
	}
	c.protocolErrors.Add(1)
}

// ProtocolErrors returns the number of protocol errors seen.
func (c *Collector) ProtocolErrors() int64 {
	if c == nil {
		return 0
	}
	return c.protocolErrors.Load()
}

// HandlerPanic counts a recovered panic in a subscriber or handler.
func (c *Collector) HandlerPanic() {
	if c == nil {
		return
	}
	c.handlerPanics.Add(1)
}

// HandlerPanics returns the number of recovered handler panics.
func (c *Collector) HandlerPanics() int64 {
	if c == nil {
		return 0
	}
	return c.handlerPanics.Load()
}

// ── Tunnel metrics ───────────────────────────────────────────────────

// StreamOpened records a tunnel stream whose target was dialed.
func (c *Collector) StreamOpened() {
	if c == nil {
		return
	}
	c.streamsOpened.Add(1)
	c.streamsActive.Add(1)
}

// StreamClosed records the end of a tunnel stream.
func (c *Collector) StreamClosed() {
	if c == nil {
		return
	}
	c.streamsActive.Add(-1)
}

// ActiveStreams returns the number of open tunnel streams.
func (c *Collector) ActiveStreams() int64 {
	if c == nil {
		return 0
	}
	return c.streamsActive.Load()
}

// StreamsOpened returns the number of tunnel streams ever opened.
func (c *Collector) StreamsOpened() int64 {
	if c == nil {
		return 0
	}
	return c.streamsOpened.Load()
}

// DialFailure records a tunnel target that could not be dialed.
func (c *Collector) DialFailure() {
	if c == nil {
		return
	}
	c.dialFailures.Add(1)
}

// DialFailures returns the number of failed tunnel dials.
func (c *Collector) DialFailures() int64 {
	if c == nil {
		return 0
	}
	return c.dialFailures.Load()
}

// PublishRetry records a reconnect of the SSH publish forward.
func (c *Collector) PublishRetry() {
	if c == nil {
		return
	}
	c.publishRetries.Add(1)
}

// PublishRetries returns the publish reconnect count.
func (c *Collector) PublishRetries() int64 {
	if c == nil {
		return 0
	}
	return c.publishRetries.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	EndpointsActive  int64  `json:"endpoints_active"`
	EndpointsTotal   int64  `json:"endpoints_total"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	MessagesIn       int64  `json:"messages_in"`
	MessagesOut      int64  `json:"messages_out"`
	ProtocolErrors   int64  `json:"protocol_errors"`
	HandlerPanics    int64  `json:"handler_panics"`
	StreamsOpened    int64  `json:"streams_opened"`
	StreamsActive    int64  `json:"streams_active"`
	DialFailures     int64  `json:"dial_failures"`
	PublishRetries   int64  `json:"publish_retries"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		EndpointsActive: c.endpointsActive.Load(),
		EndpointsTotal:  c.endpointsTotal.Load(),
		BytesIn:         c.bytesIn.Load(),
		BytesOut:        c.bytesOut.Load(),
		MessagesIn:      c.messagesIn.Load(),
		MessagesOut:     c.messagesOut.Load(),
		ProtocolErrors:  c.protocolErrors.Load(),
		HandlerPanics:   c.handlerPanics.Load(),
		StreamsOpened:   c.streamsOpened.Load(),
		StreamsActive:   c.streamsActive.Load(),
		DialFailures:    c.dialFailures.Load(),
		PublishRetries:  c.publishRetries.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
