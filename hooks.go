package nuster

import (
	"time"

	"github.com/jianshenyixiao/nuster/purger"
	"github.com/jianshenyixiao/nuster/rule"
	"github.com/jianshenyixiao/nuster/store"
)

// Hooks receives the engine's statistics events. Implementations must be
// cheap and non-blocking: they run on request paths, some under a
// dictionary lock. Wrap slow sinks in hooks/async.
type Hooks interface {
	// A filter context was detached in its final state.
	RequestDone(proxy string, mode rule.Mode, st State)

	// A backend refused an object (store.ErrFull) or failed to write it.
	StoreRejected(kind store.Kind, err error)

	// A stored object was found unreadable and dropped.
	// reason ∈ {"corrupt", "stale", "evicted", "header", "hash"}
	SelfHeal(kind store.Kind, reason string)

	// A bulk purge finished.
	PurgeDone(mode purger.Mode, visited, invalidated int, elapsed time.Duration)

	// The background sweep retired or reclaimed entries.
	Swept(n int)
}

// NopHooks is the default.
type NopHooks struct{}

func (NopHooks) RequestDone(string, rule.Mode, State)           {}
func (NopHooks) StoreRejected(store.Kind, error)                {}
func (NopHooks) SelfHeal(store.Kind, string)                    {}
func (NopHooks) PurgeDone(purger.Mode, int, int, time.Duration) {}
func (NopHooks) Swept(int)                                      {}
