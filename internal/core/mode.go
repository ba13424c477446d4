// Package core assembles a running server from a Config.  Build wires
// the coordinator, router, handlers, dialers and publish tunnel
// together; the resulting Mode owns their lifecycle.
//
// Layers (bottom → top):
//
//	wire/message → endpoint → listener → coordinator → router/handler → core → cmd
package core

import "context"

// Mode is a complete operational mode of connhub.  Run blocks until
// ctx is cancelled or a component fails.
type Mode interface {
	Run(ctx context.Context) error
}
