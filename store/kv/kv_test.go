package kv

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jianshenyixiao/nuster/genstore"
	"github.com/jianshenyixiao/nuster/internal/wire"
	"github.com/jianshenyixiao/nuster/provider"
	"github.com/jianshenyixiao/nuster/store"
)

type memEntry struct {
	v   []byte
	exp time.Time
}

type memProvider struct {
	mu     sync.Mutex
	m      map[string]memEntry
	reject bool
	delErr error
	getErr error
}

var _ provider.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Name() string { return "mem" }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return nil, false, p.getErr
	}
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.m[key] = memEntry{v: append([]byte(nil), value...), exp: exp}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.delErr != nil {
		return p.delErr
	}
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

func (p *memProvider) put(key string, v []byte) {
	p.mu.Lock()
	p.m[key] = memEntry{v: v}
	p.mu.Unlock()
}

func (p *memProvider) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[key]
	return ok
}

type heals struct {
	mu      sync.Mutex
	reasons []string
}

func (h *heals) record(_ string, reason string) {
	h.mu.Lock()
	h.reasons = append(h.reasons, reason)
	h.mu.Unlock()
}

func (h *heals) last() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reasons) == 0 {
		return ""
	}
	return h.reasons[len(h.reasons)-1]
}

func newTestStore(t *testing.T, mp *memProvider, h *heals, max int64) *Store {
	t.Helper()
	opts := Options{Provider: mp, MaxObjectSize: max, Gens: genstore.NewLocal(0, 0)}
	if h != nil {
		opts.OnSelfHeal = h.record
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func put(t *testing.T, s *Store, hdr, body string) *Object {
	t.Helper()
	w, err := s.Create(store.Meta{Hash: 42, Key: []byte("k"), Header: []byte(hdr)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		t.Fatalf("Write: %v", err)
	}
	obj, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return obj.(*Object)
}

func TestRoundTrip(t *testing.T) {
	s := newTestStore(t, newMemProvider(), nil, 0)
	obj := put(t, s, "hdr", "hello world")
	if obj.Size() != int64(len("hello world")) {
		t.Fatalf("size=%d", obj.Size())
	}
	r, err := obj.Acquire()
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer r.Close()
	if string(r.Header()) != "hdr" {
		t.Fatalf("header=%q", r.Header())
	}
	b, _ := io.ReadAll(r)
	if string(b) != "hello world" {
		t.Fatalf("body=%q", b)
	}
}

func TestInvalidateBumpsGenAndDeletes(t *testing.T) {
	mp := newMemProvider()
	s := newTestStore(t, mp, nil, 0)
	obj := put(t, s, "", "v")

	obj.Invalidate()
	obj.Invalidate()
	if _, err := obj.Acquire(); !store.Lost(err) {
		t.Fatalf("acquire after invalidate must fail: %v", err)
	}
	_ = s.Close(context.Background())
	if mp.has(obj.Key()) {
		t.Fatal("object bytes not deleted")
	}
	if g, _ := s.gens.Snapshot(context.Background(), obj.Key()); g != 1 {
		t.Fatalf("gen=%d want 1", g)
	}
}

func TestStaleFrameSelfHeals(t *testing.T) {
	mp := newMemProvider()
	h := &heals{}
	s := newTestStore(t, mp, h, 0)
	obj := put(t, s, "", "v")

	// A delete that never landed leaves the old frame behind while the
	// generation moves on.
	if _, err := s.gens.Bump(context.Background(), obj.Key()); err != nil {
		t.Fatal(err)
	}
	if _, err := obj.Acquire(); !store.Lost(err) {
		t.Fatalf("stale frame served: %v", err)
	}
	if h.last() != "stale" {
		t.Fatalf("heal reason=%q", h.last())
	}
	if mp.has(obj.Key()) {
		t.Fatal("stale frame not deleted")
	}
}

func TestCorruptFrameSelfHeals(t *testing.T) {
	mp := newMemProvider()
	h := &heals{}
	s := newTestStore(t, mp, h, 0)
	obj := put(t, s, "", "v")

	mp.put(obj.Key(), []byte("garbage"))
	if _, err := obj.Acquire(); !store.Lost(err) {
		t.Fatalf("corrupt frame served: %v", err)
	}
	if h.last() != "corrupt" {
		t.Fatalf("heal reason=%q", h.last())
	}

	// valid frame, payload shorter than its header length
	obj2 := put(t, s, "", "v")
	mp.put(obj2.Key(), wire.EncodeSingle(0, []byte{0, 0, 0, 9}))
	if _, err := obj2.Acquire(); !store.Lost(err) {
		t.Fatalf("truncated payload served: %v", err)
	}
}

func TestProviderErrorIsTransient(t *testing.T) {
	mp := newMemProvider()
	h := &heals{}
	s := newTestStore(t, mp, h, 0)
	obj := put(t, s, "", "v")

	mp.mu.Lock()
	mp.getErr = context.DeadlineExceeded
	mp.mu.Unlock()
	_, err := obj.Acquire()
	if err == nil || store.Lost(err) {
		t.Fatalf("err=%v", err)
	}
	if h.last() != "" {
		t.Fatalf("healed on a transient error: %q", h.last())
	}

	mp.mu.Lock()
	mp.getErr = nil
	mp.mu.Unlock()
	r, err := obj.Acquire()
	if err != nil {
		t.Fatalf("acquire after recovery: %v", err)
	}
	_ = r.Close()
}

func TestEvictedObjectFailsAcquire(t *testing.T) {
	mp := newMemProvider()
	h := &heals{}
	s := newTestStore(t, mp, h, 0)
	obj := put(t, s, "", "v")
	_ = mp.Del(context.Background(), obj.Key())
	if _, err := obj.Acquire(); !store.Lost(err) {
		t.Fatalf("evicted object served: %v", err)
	}
	if h.last() != "evicted" {
		t.Fatalf("heal reason=%q", h.last())
	}
}

func TestFull(t *testing.T) {
	mp := newMemProvider()
	s := newTestStore(t, mp, nil, 16)

	w, err := s.Create(store.Meta{Hash: 1, Header: []byte("hh")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(bytes.Repeat([]byte{'x'}, 32)); !errors.Is(err, store.ErrFull) {
		t.Fatalf("oversize write err=%v", err)
	}
	w.Abort()

	mp.reject = true
	w, _ = s.Create(store.Meta{Hash: 1})
	_, _ = w.Write([]byte("x"))
	if _, err := w.Finish(); !errors.Is(err, store.ErrFull) {
		t.Fatalf("rejected set err=%v", err)
	}
}

func TestFinishAfterExpiryIsFull(t *testing.T) {
	s := newTestStore(t, newMemProvider(), nil, 0)
	w, _ := s.Create(store.Meta{Hash: 1, Expire: time.Now().Add(-time.Second)})
	if _, err := w.Finish(); !errors.Is(err, store.ErrFull) {
		t.Fatalf("err=%v", err)
	}
}

func TestDeleteErrorIsReported(t *testing.T) {
	mp := newMemProvider()
	var mu sync.Mutex
	var ops []string
	s, err := New(Options{
		Provider: mp,
		OnError: func(op, _ string, _ error) {
			mu.Lock()
			ops = append(ops, op)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	obj := put(t, s, "", "v")
	mp.delErr = errors.New("boom")
	obj.Invalidate()
	_ = s.Close(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(ops) != 1 || ops[0] != "del" {
		t.Fatalf("ops=%v", ops)
	}
	// gen was bumped, so the leftover frame is never served
	if _, err := obj.Acquire(); !store.Lost(err) {
		t.Fatalf("served after failed delete: %v", err)
	}
}
