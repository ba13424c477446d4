// Package transport opens the outbound connections tunnel streams are
// bridged to.  A Dialer decides how the target is reached (directly or
// through an SSH gateway); GuardedDialer adds retry and a per-target
// circuit breaker on top of either.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}
