// Package module defines the capability surface a loaded hardware-
// control plug-in exposes to its worker, typed rather than dynamically
// dispatched at the boundary.
package module

import "context"

// Module is the minimum any loaded instance must satisfy: direct
// name-based dispatch when the descriptor has no dispatcher configured.
type Module interface {
	Call(ctx context.Context, name string, args []any) (any, error)
}

// Dispatcher is implemented by instances configured with a dispatcher
// method name; Dispatch receives the connecting client's IP, the
// requested function name, and its arguments, and decides internally
// what to invoke.
type Dispatcher interface {
	Dispatch(ctx context.Context, peerIP, name string, args []any) (any, error)
}

// Closer is the scoped-release hook run once, in the STOPPING state,
// before a worker exits.
type Closer interface {
	Close() error
}

// Helper is an optional capability a Module may implement to describe
// itself. Nothing in this repository calls Help: the supervisor answers
// "_help" from the registered module names alone.
type Helper interface {
	Help() string
}
