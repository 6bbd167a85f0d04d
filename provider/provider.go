// Package provider is the byte-store abstraction behind the kv object store.
//
// A provider holds whole cached objects framed by the kv store. It must hand
// back from Get exactly the bytes given to Set: no added metadata, no
// transcoding. Keys under the "nuster:" prefix belong to the engine; a foreign
// value found there fails frame validation and is deleted.
package provider

import (
	"context"
	"time"
)

// Provider is a concurrency-safe byte store with per-entry TTLs.
type Provider interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	// Transport failures return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value. cost may be ignored. ok=false means the store
	// dropped the write under memory pressure. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}
