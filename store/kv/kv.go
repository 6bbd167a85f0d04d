// Package kv stores finished objects whole in a provider.Provider.
//
// Every object lives under its own provider key and is framed with the
// generation its key had when the object was written. Invalidation bumps
// the generation before deleting the bytes, so a provider that still returns
// the old frame (a lagging replica, a delete that failed) is detected on the
// next read: the frame is deleted and the read reported as a self-heal.
package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jianshenyixiao/nuster/genstore"
	"github.com/jianshenyixiao/nuster/internal/wire"
	"github.com/jianshenyixiao/nuster/provider"
	"github.com/jianshenyixiao/nuster/store"
)

const (
	keyPrefix            = "nuster:obj:"
	defaultMaxObjectSize = 1 << 20
	defaultTimeout       = time.Second
	defaultQueue         = 1024
)

type Options struct {
	Provider provider.Provider
	// Gens defaults to an in-process genstore.Local.
	Gens          genstore.GenStore
	MaxObjectSize int64         // header+body; larger objects are ErrFull. 0 => 1MiB
	Timeout       time.Duration // per provider call; 0 => 1s
	Queue         int           // pending invalidations; 0 => 1024

	OnSelfHeal func(key, reason string)
	OnError    func(op, key string, err error)
}

type Store struct {
	p       provider.Provider
	gens    genstore.GenStore
	ownGens bool
	max     int64
	timeout time.Duration
	heal    func(key, reason string)
	onError func(op, key string, err error)

	mu     sync.RWMutex
	closed bool
	jobs   chan string
	wg     sync.WaitGroup
}

var _ store.Backend = (*Store)(nil)

func New(opts Options) (*Store, error) {
	if opts.Provider == nil {
		return nil, errors.New("kv: provider is required")
	}
	s := &Store{
		p:       opts.Provider,
		gens:    opts.Gens,
		max:     opts.MaxObjectSize,
		timeout: opts.Timeout,
		heal:    opts.OnSelfHeal,
		onError: opts.OnError,
	}
	if s.gens == nil {
		s.gens = genstore.NewLocal(time.Hour, 24*time.Hour)
		s.ownGens = true
	}
	if s.max <= 0 {
		s.max = defaultMaxObjectSize
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	q := opts.Queue
	if q <= 0 {
		q = defaultQueue
	}
	s.jobs = make(chan string, q)
	s.wg.Add(1)
	go s.worker()
	return s, nil
}

func (s *Store) Kind() store.Kind { return store.KindKV }

// Provider exposes the backing provider name.
func (s *Store) Provider() string { return s.p.Name() }

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Store) report(op, key string, err error) {
	if s.onError != nil {
		s.onError(op, key, err)
	}
}

func (s *Store) selfHeal(key, reason string) {
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.p.Del(ctx, key); err != nil {
		s.report("del", key, err)
	}
	if s.heal != nil {
		s.heal(key, reason)
	}
}

func (s *Store) worker() {
	defer s.wg.Done()
	for key := range s.jobs {
		s.retire(key)
	}
}

// retire bumps the generation first so that a failed delete still leaves a
// frame every reader rejects.
func (s *Store) retire(key string) {
	ctx, cancel := s.ctx()
	defer cancel()
	if _, err := s.gens.Bump(ctx, key); err != nil {
		s.report("bump", key, err)
	}
	if err := s.p.Del(ctx, key); err != nil {
		s.report("del", key, err)
	}
}

func (s *Store) schedule(key string) {
	s.mu.RLock()
	if !s.closed {
		select {
		case s.jobs <- key:
			s.mu.RUnlock()
			return
		default:
		}
	}
	s.mu.RUnlock()
	s.retire(key)
}

// Close drains pending invalidations and closes the provider and, when it
// created it, the generation store.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()

	var errs []error
	if s.ownGens {
		errs = append(errs, s.gens.Close(ctx))
	}
	errs = append(errs, s.p.Close(ctx))
	return errors.Join(errs...)
}

// Create buffers the object in memory; nothing reaches the provider before
// Finish.
func (s *Store) Create(m store.Meta) (store.Writer, error) {
	if int64(len(m.Header))+4 > s.max {
		return nil, store.ErrFull
	}
	w := &Writer{
		s:      s,
		key:    fmt.Sprintf("%s%016x-%s", keyPrefix, m.Hash, uuid.NewString()),
		expire: m.Expire,
		hlen:   len(m.Header),
	}
	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(m.Header)))
	w.buf.Write(u4[:])
	w.buf.Write(m.Header)
	return w, nil
}

type Writer struct {
	s      *Store
	key    string
	expire time.Time
	hlen   int
	buf    bytes.Buffer
	done   bool
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, store.ErrClosed
	}
	if int64(w.buf.Len()+len(p)) > w.s.max {
		return 0, store.ErrFull
	}
	return w.buf.Write(p)
}

// Finish frames the buffered object with the key's current generation and
// stores it. A provider that drops the write reports ErrFull.
func (w *Writer) Finish() (store.Object, error) {
	if w.done {
		return nil, store.ErrClosed
	}
	w.done = true
	var ttl time.Duration
	if !w.expire.IsZero() {
		if ttl = time.Until(w.expire); ttl <= 0 {
			return nil, store.ErrFull
		}
	}
	ctx, cancel := w.s.ctx()
	defer cancel()
	gen, err := w.s.gens.Snapshot(ctx, w.key)
	if err != nil {
		return nil, err
	}
	payload := w.buf.Bytes()
	frame := wire.EncodeSingle(gen, payload)
	ok, err := w.s.p.Set(ctx, w.key, frame, int64(len(frame)), ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrFull
	}
	return &Object{
		s:    w.s,
		key:  w.key,
		gen:  gen,
		size: int64(len(payload) - 4 - w.hlen),
	}, nil
}

func (w *Writer) Abort() {
	w.done = true
	w.buf.Reset()
}

// Object is a framed object held by the provider.
type Object struct {
	s       *Store
	key     string
	gen     uint64
	size    int64
	invalid atomic.Bool
}

var _ store.Object = (*Object)(nil)

func (o *Object) Kind() store.Kind { return store.KindKV }
func (o *Object) Size() int64      { return o.size }
func (o *Object) Key() string      { return o.key }

// Acquire fetches and validates the frame. An evicted or stale frame gives
// store.ErrGone and a malformed one store.ErrCorrupt; the caller drops the
// entry on either. Provider and generation store failures are transient.
func (o *Object) Acquire() (store.Reader, error) {
	if o.invalid.Load() {
		return nil, store.ErrGone
	}
	s := o.s
	ctx, cancel := s.ctx()
	defer cancel()
	raw, ok, err := s.p.Get(ctx, o.key)
	if err != nil {
		s.report("get", o.key, err)
		return nil, err
	}
	if !ok {
		if s.heal != nil {
			s.heal(o.key, "evicted")
		}
		return nil, store.ErrGone
	}
	gen, payload, err := wire.DecodeSingle(raw)
	if err != nil {
		s.selfHeal(o.key, "corrupt")
		return nil, errors.Join(store.ErrCorrupt, err)
	}
	cur, err := s.gens.Snapshot(ctx, o.key)
	if err != nil {
		s.report("snapshot", o.key, err)
		return nil, err
	}
	if gen != o.gen || gen != cur {
		s.selfHeal(o.key, "stale")
		return nil, store.ErrGone
	}
	if len(payload) < 4 {
		s.selfHeal(o.key, "corrupt")
		return nil, store.ErrCorrupt
	}
	hlen := int(binary.BigEndian.Uint32(payload[:4]))
	if hlen > len(payload)-4 || int64(len(payload)-4-hlen) != o.size {
		s.selfHeal(o.key, "corrupt")
		return nil, store.ErrCorrupt
	}
	return &Reader{
		header: payload[4 : 4+hlen],
		body:   bytes.NewReader(payload[4+hlen:]),
		size:   o.size,
	}, nil
}

func (o *Object) Invalidate() {
	if o.invalid.CompareAndSwap(false, true) {
		o.s.schedule(o.key)
	}
}

type Reader struct {
	header []byte
	body   *bytes.Reader
	size   int64
}

func (r *Reader) Header() []byte             { return r.header }
func (r *Reader) BodySize() int64            { return r.size }
func (r *Reader) Read(p []byte) (int, error) { return r.body.Read(p) }
func (r *Reader) Close() error               { return nil }
