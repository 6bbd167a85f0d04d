// Package genstore holds the per-object generations of the kv store.
//
// A kv object's bytes are framed with the generation current when it was
// written; bumping the generation makes every older frame stale, even one a
// lagging provider still returns.
package genstore

import (
	"context"
	"time"
)

type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, key string) (uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, key string) (uint64, error)
	// Cleanup drops generations untouched for longer than retention.
	Cleanup(retention time.Duration)
	Close(context.Context) error
}
