package pool

import (
	"context"
)

// Profile identifies a credential bundle, typically the path of a my.cnf
// file. Connections are never shared across profiles.
type Profile string

// String returns the profile name.
func (p Profile) String() string {
	return string(p)
}

// Initializer prepares a connection for use. It runs on every Acquire, pool
// hits included, and may issue statements on conn. It must not call back into
// the pool that is running it.
type Initializer func(ctx context.Context, conn *PooledConnection) error

// Chain runs the given initializers in order, stopping at the first error.
// Nil entries are skipped.
func Chain(inits ...Initializer) Initializer {
	return func(ctx context.Context, conn *PooledConnection) error {
		for _, init := range inits {
			if init == nil {
				continue
			}
			if err := init(ctx, conn); err != nil {
				return err
			}
		}
		return nil
	}
}

type initializingKey struct{}

// withInitializing marks ctx as belonging to an initializer run by p.
func withInitializing(ctx context.Context, p *ConnectionPool) context.Context {
	return context.WithValue(ctx, initializingKey{}, p)
}

// isInitializing reports whether ctx was handed to an initializer by p.
func isInitializing(ctx context.Context, p *ConnectionPool) bool {
	owner, _ := ctx.Value(initializingKey{}).(*ConnectionPool)
	return owner == p
}
