// Package asynchook moves nuster hook calls off the request path.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{RequestEvery: 100})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	engine, _ := nuster.New(nuster.Options{Registry: reg, Hooks: hooks})
//
// Events are dropped, and counted, when the queue is full.
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jianshenyixiao/nuster"
	"github.com/jianshenyixiao/nuster/purger"
	"github.com/jianshenyixiao/nuster/rule"
	"github.com/jianshenyixiao/nuster/store"
)

type Hooks struct {
	inner   nuster.Hooks
	q       chan func()
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ nuster.Hooks = (*Hooks)(nil)

func New(inner nuster.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close delivers the queued events and stops the workers. Events sent
// after Close are dropped.
func (h *Hooks) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.q)
	h.mu.Unlock()
	h.wg.Wait()
}

// Dropped is the number of events lost to a full queue or a closed hook.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) RequestDone(proxy string, mode rule.Mode, st nuster.State) {
	h.try(func() { h.inner.RequestDone(proxy, mode, st) })
}
func (h *Hooks) StoreRejected(k store.Kind, err error) {
	h.try(func() { h.inner.StoreRejected(k, err) })
}
func (h *Hooks) SelfHeal(k store.Kind, reason string) {
	h.try(func() { h.inner.SelfHeal(k, reason) })
}
func (h *Hooks) PurgeDone(m purger.Mode, visited, invalidated int, elapsed time.Duration) {
	h.try(func() { h.inner.PurgeDone(m, visited, invalidated, elapsed) })
}
func (h *Hooks) Swept(n int) { h.try(func() { h.inner.Swept(n) }) }
