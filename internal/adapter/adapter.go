// Package adapter implements the ServiceAdapter contract :
// a uniform add/delete/traffic-usage surface over the two data-plane
// services, with protocol-specific error mapping into internal/errs kinds.
package adapter

import (
	"context"

	"github.com/bypasshub/control-plane/internal/catalogtypes"
)

// ServiceAdapter is the capability set the Reconciler drives. Both the
// Proxy and VPN variants implement it with differing wire protocols.
type ServiceAdapter interface {
	// Name identifies the service for logging and StateTable bookkeeping.
	Name() string

	// AddUser creates the given credentials on the service. UserExist from
	// the underlying transport is surfaced as *errs.Error with KindUserExist
	// so callers can treat it as benign.
	AddUser(ctx context.Context, creds catalogtypes.Credentials) error

	// DeleteUser removes the user from the service. UserNotExist is
	// surfaced the same benign way.
	DeleteUser(ctx context.Context, username string) error

	// UsersTrafficUsage returns the traffic observed for every username the
	// service currently knows about. When reset is true, the service (or,
	// for services without a reset primitive, the adapter's internal
	// bookkeeping) clears the counters afterward.
	UsersTrafficUsage(ctx context.Context, reset bool) (map[string]catalogtypes.Traffic, error)

	// Close releases any persistent connection the adapter holds.
	Close() error
}
