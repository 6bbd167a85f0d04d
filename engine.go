package nuster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jianshenyixiao/nuster/codec"
	"github.com/jianshenyixiao/nuster/dict"
	"github.com/jianshenyixiao/nuster/header"
	"github.com/jianshenyixiao/nuster/key"
	"github.com/jianshenyixiao/nuster/rule"
	"github.com/jianshenyixiao/nuster/store"
	"github.com/jianshenyixiao/nuster/store/disk"
	"github.com/jianshenyixiao/nuster/store/kv"
	"github.com/jianshenyixiao/nuster/store/memory"
)

// Engine is the cache core shared by every request of every proxy.
type Engine struct {
	reg      *rule.Registry
	cache    *dict.Dict
	nosql    *dict.Dict
	mem      *memory.Arena
	disk     *disk.Store
	kv       *kv.Store
	backends map[store.Kind]store.Backend

	codec   codec.Codec[header.Header]
	maxBody int64
	log     Logger
	hooks   Hooks
	now     func() time.Time
	enabled bool

	purgeSlice time.Duration
	purgeBatch int

	sweepMu    sync.Mutex
	sweepAt    [2]int
	sweepBatch int

	ticker    *time.Ticker
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
}

// New builds the dictionaries and backends. Any failure here is fatal for
// the caller: nothing is served from a partially built engine.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("nuster: registry is required")
	}
	e := &Engine{
		reg:      opts.Registry,
		backends: make(map[store.Kind]store.Backend, 3),
		maxBody:  opts.MaxBodySize,
		enabled:  !opts.Disabled,
	}
	e.log = coalesce[Logger](opts.Logger, NopLogger{})
	e.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	e.codec = opts.HeaderCodec
	if e.codec == nil {
		e.codec = codec.Msgpack[header.Header]{}
	}
	e.now = opts.Clock
	if e.now == nil {
		e.now = time.Now
	}
	e.purgeSlice = opts.PurgeSlice
	e.purgeBatch = opts.PurgeBatch
	e.sweepBatch = coalesce(opts.SweepBatch, defaultSweepBatch)

	size := coalesce(opts.DictSize, defaultDictSize)
	shards := coalesce(opts.DictShards, defaultDictShards)
	var err error
	if e.cache, err = dict.New(size, shards); err != nil {
		return nil, err
	}
	if e.nosql, err = dict.New(size, shards); err != nil {
		return nil, err
	}
	e.mem, err = memory.New(coalesce(opts.MemorySize, int64(defaultMemorySize)), coalesce(opts.ChunkSize, memory.DefaultChunkSize))
	if err != nil {
		return nil, err
	}
	e.backends[store.KindMemory] = e.mem

	if opts.Disk != nil {
		do := *opts.Disk
		do.OnError = func(op, path string, err error) {
			e.log.Warn("disk store error", Fields{"op": op, "path": path, "err": err})
		}
		if e.disk, err = disk.New(do); err != nil {
			return nil, err
		}
		e.backends[store.KindDisk] = e.disk
	}
	if opts.KV != nil {
		ko := *opts.KV
		ko.OnSelfHeal = func(k, reason string) {
			e.hooks.SelfHeal(store.KindKV, reason)
			e.log.Debug("kv self-heal", Fields{"key": k, "reason": reason})
		}
		ko.OnError = func(op, k string, err error) {
			e.log.Warn("kv store error", Fields{"op": op, "key": k, "err": err})
		}
		if e.kv, err = kv.New(ko); err != nil {
			e.closeStores(context.Background())
			return nil, err
		}
		e.backends[store.KindKV] = e.kv
	}

	for _, p := range e.reg.Proxies() {
		for _, r := range p.Rules {
			if _, ok := e.backends[r.Store]; !ok {
				e.closeStores(context.Background())
				return nil, fmt.Errorf("%w: %s (rule %q of proxy %q)", ErrNoBackend, r.Store, r.Name, p.Name)
			}
		}
	}

	if opts.Restore && e.disk != nil {
		if _, err := e.Restore(); err != nil {
			e.closeStores(context.Background())
			return nil, err
		}
	}

	interval := coalesce(opts.CleanupInterval, defaultSweep)
	if e.enabled && interval > 0 {
		e.ticker = time.NewTicker(interval)
		e.stopCh = make(chan struct{})
		e.closeWg.Add(1)
		go e.cleanupLoop()
	}
	e.log.Info("nuster engine ready", Fields{
		"buckets": e.cache.Size(),
		"memory":  humanize.IBytes(uint64(e.mem.Size())),
		"disk":    e.disk != nil,
		"kv":      e.kv != nil,
		"proxies": len(e.reg.Proxies()),
	})
	return e, nil
}

func (e *Engine) Enabled() bool            { return e.enabled }
func (e *Engine) Registry() *rule.Registry { return e.reg }
func (e *Engine) Memory() *memory.Arena    { return e.mem }

// Dict returns the dictionary serving proxies of mode m.
func (e *Engine) Dict(m rule.Mode) *dict.Dict {
	if m == rule.ModeNoSQL {
		return e.nosql
	}
	return e.cache
}

func (e *Engine) dicts() []*dict.Dict { return []*dict.Dict{e.cache, e.nosql} }

// Stats is a point-in-time view of the engine's occupancy.
type Stats struct {
	CacheEntries int
	NoSQLEntries int
	MemoryUsed   int64
	MemorySize   int64
	DiskUsed     int64
}

func (e *Engine) Stats() Stats {
	s := Stats{
		CacheEntries: e.cache.Len(),
		NoSQLEntries: e.nosql.Len(),
		MemoryUsed:   e.mem.Used(),
		MemorySize:   e.mem.Size(),
	}
	if e.disk != nil {
		s.DiskUsed = e.disk.Used()
	}
	return s
}

func (e *Engine) cleanupLoop() {
	defer e.closeWg.Done()
	for {
		select {
		case <-e.ticker.C:
			e.Sweep()
		case <-e.stopCh:
			return
		}
	}
}

// Sweep advances the background expiry cursor of both dictionaries by one
// batch and reports how many entries it retired or reclaimed.
func (e *Engine) Sweep() int {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()
	now := e.now()
	n := 0
	for i, d := range e.dicts() {
		r := d.Sweep(e.sweepAt[i], e.sweepBatch, now)
		e.sweepAt[i] = r.Next
		if r.Next >= d.Size() {
			e.sweepAt[i] = 0
		}
		n += r.Invalidated + r.Reclaimed
	}
	if n > 0 {
		e.hooks.Swept(n)
	}
	return n
}

// Restore rebuilds dictionary entries from the disk store. Records whose
// proxy or rule no longer exists, that expired or whose key does not hash
// to the recorded value are removed.
func (e *Engine) Restore() (int, error) {
	if e.disk == nil {
		return 0, nil
	}
	now := e.now()
	restored, dropped := 0, 0
	drop := func(l disk.Loaded, reason string) {
		dropped++
		if err := e.disk.PurgePath(l.File.Path()); err != nil {
			e.log.Warn("restore: remove record", Fields{"path": l.File.Path(), "err": err})
		}
		e.log.Debug("restore: record dropped", Fields{"path": l.File.Path(), "reason": reason})
	}
	err := e.disk.Walk(func(l disk.Loaded) error {
		rec := l.File.Record()
		p, ok := e.reg.ProxyByID(int(rec.ProxyID))
		r, ok2 := e.reg.RuleByID(int(rec.RuleID))
		if !ok || !ok2 || r.ProxyID != p.ID || r.Store != store.KindDisk {
			drop(l, "unknown rule")
			return nil
		}
		if !l.Expire.IsZero() && now.After(l.Expire) {
			drop(l, "expired")
			return nil
		}
		if key.FromBytes(l.Key).Hash() != rec.Hash {
			e.hooks.SelfHeal(store.KindDisk, "hash")
			drop(l, "hash")
			return nil
		}
		d := e.Dict(p.Mode)
		h, err := d.Reserve(dict.Entry{
			Hash:    rec.Hash,
			Key:     l.Key,
			Host:    l.Host,
			Path:    l.Path,
			ProxyID: p.ID,
			RuleID:  r.ID,
		}, dict.ExactMatch(l.Key, p.ID))
		if err != nil {
			drop(l, "busy")
			return nil
		}
		if err := d.Commit(h, l.File, l.Expire); err != nil {
			l.File.Invalidate()
			return nil
		}
		restored++
		return nil
	})
	e.log.Info("disk restore", Fields{
		"restored": restored,
		"dropped":  dropped,
		"used":     humanize.IBytes(uint64(e.disk.Used())),
	})
	return restored, err
}

// Close stops the sweep loop and closes the disk and kv stores. Disk
// records stay on disk for the next Restore.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		if e.stopCh != nil {
			close(e.stopCh)
			e.closeWg.Wait()
			e.ticker.Stop()
		}
		err = e.closeStores(ctx)
	})
	return err
}

func (e *Engine) closeStores(ctx context.Context) error {
	var errs []error
	if e.disk != nil {
		errs = append(errs, e.disk.Close())
	}
	if e.kv != nil {
		errs = append(errs, e.kv.Close(ctx))
	}
	return errors.Join(errs...)
}
