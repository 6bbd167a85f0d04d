package genstore

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const localShards = 32

type localGen struct {
	gen     uint64
	touched time.Time
}

type localShard struct {
	mu   sync.RWMutex
	gens map[string]localGen
}

// Local keeps generations in process, sharded by key hash. A non-zero
// cleanup interval starts a loop pruning entries older than retention.
type Local struct {
	shards [localShards]localShard
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ GenStore = (*Local)(nil)

func NewLocal(cleanupInterval, retention time.Duration) *Local {
	s := &Local{}
	for i := range s.shards {
		s.shards[i].gens = make(map[string]localGen)
	}
	if cleanupInterval > 0 && retention > 0 {
		s.ticker = time.NewTicker(cleanupInterval)
		s.stop = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Cleanup(retention)
				case <-s.stop:
					return
				}
			}
		}()
	}
	return s
}

func (s *Local) shard(k string) *localShard {
	return &s.shards[xxhash.Sum64String(k)&(localShards-1)]
}

func (s *Local) Snapshot(_ context.Context, k string) (uint64, error) {
	sh := s.shard(k)
	sh.mu.RLock()
	g := sh.gens[k].gen
	sh.mu.RUnlock()
	return g, nil
}

func (s *Local) Bump(_ context.Context, k string) (uint64, error) {
	now := time.Now()
	sh := s.shard(k)
	sh.mu.Lock()
	e := sh.gens[k]
	e.gen++
	e.touched = now
	sh.gens[k] = e
	sh.mu.Unlock()
	return e.gen, nil
}

func (s *Local) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.gens {
			if e.touched.Before(cutoff) {
				delete(sh.gens, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Len counts tracked generations.
func (s *Local) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.gens)
		sh.mu.RUnlock()
	}
	return n
}

func (s *Local) Close(_ context.Context) error {
	s.once.Do(func() {
		if s.stop != nil {
			s.ticker.Stop()
			close(s.stop)
			s.wg.Wait()
		}
	})
	return nil
}
