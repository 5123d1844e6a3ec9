// Package discovery lets publishers bound on ephemeral ports be found by
// scheme instead of by address.
package discovery

import (
	"context"
	"errors"

	"zeq/internal/core/address"
)

var (
	// ErrNotFound is returned by Resolve when no publisher answered in time.
	ErrNotFound = errors.New("no publisher found for scheme")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("registry closed")
	// ErrInvalidScheme rejects schemes that cannot be a DNS-SD service name.
	ErrInvalidScheme = errors.New("scheme is not a valid service name")
)

// Registry advertises publishers and resolves schemes to publisher addresses.
// Implementations are safe for concurrent use.
type Registry interface {
	// Advertise announces a publisher for scheme on port of this host.
	// Advertising the same pair twice is a no-op.
	Advertise(ctx context.Context, scheme string, port uint16) error
	// Withdraw stops announcing a pair. Unknown pairs are ignored.
	Withdraw(scheme string, port uint16) error
	// Resolve returns the concrete address of a live publisher for scheme,
	// or ErrNotFound once ctx ends without an answer.
	Resolve(ctx context.Context, scheme string) (address.Address, error)
	Close() error
}

type endpoint struct {
	scheme string
	port   uint16
}
