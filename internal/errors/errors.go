// Package errors provides domain-specific error types for connhub.
//
// These types carry structured context (operation, address, endpoint,
// message kind) that helps callers decide how to handle a failure:
// surface it to the operator, retry it, or drop a single endpoint.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotListening     = errors.New("server is not listening")
	ErrUnregisteredKind = errors.New("message kind not in registry")
	ErrFrameTooLarge    = errors.New("frame exceeds maximum size")
	ErrWrongDirection   = errors.New("message kind may not be sent by a client")
	ErrEndpointClosed   = errors.New("endpoint is closed")
	ErrCloseEndpoint    = errors.New("close endpoint requested")
	ErrNotConnected     = errors.New("not connected")
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrNotAuthenticated = errors.New("endpoint is not authenticated")
	ErrStreamInUse      = errors.New("stream id already in use")
	ErrUnknownStream    = errors.New("unknown stream")
	ErrTargetDenied     = errors.New("target not allowed")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // "listen", "accept", "dial", "read", "write"
	Addr      string
	Err       error
	Retryable bool
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError is a wire-level failure attributed to one endpoint.
// It is fatal for that endpoint's connection only.
type ProtocolError struct {
	Endpoint string // endpoint ID
	Kind     uint16 // offending message kind, 0 when unknown
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.Kind != 0 {
		return fmt.Sprintf("protocol %s kind=%d: %v", e.Endpoint, e.Kind, e.Err)
	}
	return fmt.Sprintf("protocol %s: %v", e.Endpoint, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "forward"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // flag name without dashes
	Value   interface{} // nil if missing
	Message string
	Hint    string // optional
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, detecting retryability from err.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// Protocol creates a ProtocolError for the given endpoint.
func Protocol(endpoint string, kind uint16, err error) *ProtocolError {
	return &ProtocolError{Endpoint: endpoint, Kind: kind, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsProtocol reports whether err is fatal to a single endpoint rather
// than to the server.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // still the best hint we get
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports ───────────────────────────────────────────────────────
//
// These let callers use connhub/internal/errors in place of the
// standard library package.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
