// Package dict is the shared index of cached objects.
//
// The table has a fixed, power-of-two number of buckets split into
// contiguous bucket ranges (shards), each guarded by its own mutex. Entries
// live in a per-shard slot arena and buckets chain them by slot index.
// Callers hold Handles, which carry the slot generation, so an entry that
// was purged and reclaimed while a request held its handle is detected
// instead of being mistaken for its slot's next occupant.
package dict

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jianshenyixiao/nuster/store"
)

type State uint8

const (
	StateCreating State = iota + 1
	StateValid
	StateInvalid
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

var (
	ErrBusy  = errors.New("dict: entry is being created")
	ErrStale = errors.New("dict: stale handle")
)

const nilSlot int32 = -1

// Entry is the metadata of one cached object. Entries handed to matchers
// and scan predicates are only valid for the duration of the call.
type Entry struct {
	Hash    uint64
	Key     []byte
	Host    string
	Path    string
	ProxyID int
	RuleID  int
	State   State
	Expire  time.Time // zero => never
	Object  store.Object

	next int32
	gen  uint32
	used bool
}

func (e *Entry) Expired(now time.Time) bool {
	return !e.Expire.IsZero() && now.After(e.Expire)
}

func (e *Entry) dead() bool {
	return e.State == StateInvalid || e.State == StateExpired
}

// Matcher disambiguates entries sharing a hash.
type Matcher func(e *Entry) bool

// ExactMatch matches entries with identical key bytes owned by proxyID.
func ExactMatch(k []byte, proxyID int) Matcher {
	return func(e *Entry) bool {
		return e.ProxyID == proxyID && bytes.Equal(e.Key, k)
	}
}

// Handle addresses an entry across lock releases.
type Handle struct {
	shard uint32
	slot  int32
	gen   uint32
	valid bool
}

func (h Handle) IsZero() bool { return !h.valid }

type shard struct {
	mu    sync.Mutex
	heads []int32
	slots []Entry
	free  []int32
}

type Dict struct {
	size     int
	mask     uint64
	perShard int
	shards   []shard
	live     atomic.Int64
}

// New creates a table with at least size buckets split into shards lock
// ranges. Both are rounded up to powers of two; shards is capped at size.
func New(size, shards int) (*Dict, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dict: invalid size %d", size)
	}
	if shards <= 0 {
		shards = 1
	}
	size = nextPow2(size)
	shards = nextPow2(shards)
	if shards > size {
		shards = size
	}
	d := &Dict{
		size:     size,
		mask:     uint64(size - 1),
		perShard: size / shards,
		shards:   make([]shard, shards),
	}
	for i := range d.shards {
		heads := make([]int32, d.perShard)
		for j := range heads {
			heads[j] = nilSlot
		}
		d.shards[i].heads = heads
	}
	return d, nil
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Size is the number of buckets.
func (d *Dict) Size() int { return d.size }

// Len is the number of entries currently linked, in any state.
func (d *Dict) Len() int { return int(d.live.Load()) }

func (d *Dict) locate(bucket int) (int, int) {
	return bucket / d.perShard, bucket % d.perShard
}

func (d *Dict) bucketOf(hash uint64) int { return int(hash & d.mask) }

// ==============================
// Transactions
// ==============================

// Tx holds the lock of the shard owning one bucket. Lookup followed by
// Insert within one Tx is atomic with respect to every other operation on
// that bucket. Entries returned by a Tx are invalidated by Insert and End.
type Tx struct {
	d     *Dict
	s     *shard
	si    int
	local int
}

// Begin locks the shard owning hash's bucket.
func (d *Dict) Begin(hash uint64) *Tx {
	si, local := d.locate(d.bucketOf(hash))
	s := &d.shards[si]
	s.mu.Lock()
	return &Tx{d: d, s: s, si: si, local: local}
}

func (tx *Tx) End() { tx.s.mu.Unlock() }

// Lookup returns the first valid entry accepted by match. Expired entries
// met on the way are retired.
func (tx *Tx) Lookup(match Matcher, now time.Time) (*Entry, Handle) {
	tx.d.reap(tx.s, tx.local)
	for i := tx.s.heads[tx.local]; i != nilSlot; i = tx.s.slots[i].next {
		e := &tx.s.slots[i]
		if e.State != StateValid || !match(e) {
			continue
		}
		if e.Expired(now) {
			invalidate(e, StateExpired)
			continue
		}
		return e, tx.handle(i)
	}
	return nil, Handle{}
}

// find returns the first entry in state st accepted by match.
func (tx *Tx) find(match Matcher, st State) (*Entry, int32) {
	for i := tx.s.heads[tx.local]; i != nilSlot; i = tx.s.slots[i].next {
		e := &tx.s.slots[i]
		if e.State == st && match(e) {
			return e, i
		}
	}
	return nil, nilSlot
}

// Insert links a copy of e at the head of the bucket. The key bytes are
// copied; the caller keeps ownership of e.Key.
func (tx *Tx) Insert(e Entry) Handle {
	s := tx.s
	var i int32
	if n := len(s.free); n > 0 {
		i = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		s.slots = append(s.slots, Entry{})
		i = int32(len(s.slots) - 1)
	}
	slot := &s.slots[i]
	gen := slot.gen
	*slot = e
	slot.Key = append([]byte(nil), e.Key...)
	slot.gen = gen
	slot.used = true
	slot.next = s.heads[tx.local]
	s.heads[tx.local] = i
	tx.d.live.Add(1)
	return tx.handle(i)
}

func (tx *Tx) handle(i int32) Handle {
	return Handle{shard: uint32(tx.si), slot: i, gen: tx.s.slots[i].gen, valid: true}
}

// invalidate retires e: the object reference is detached before anything
// else so the entry never points at released storage. Idempotent.
func invalidate(e *Entry, st State) bool {
	if e.dead() {
		return false
	}
	obj := e.Object
	e.Object = nil
	e.State = st
	e.Expire = time.Time{}
	if obj != nil {
		obj.Invalidate()
	}
	return true
}

// reap unlinks the dead entries of one bucket and recycles their slots.
func (d *Dict) reap(s *shard, local int) int {
	n := 0
	link := &s.heads[local]
	for *link != nilSlot {
		i := *link
		e := &s.slots[i]
		if !e.dead() {
			link = &e.next
			continue
		}
		*link = e.next
		d.release(s, i)
		n++
	}
	return n
}

func (d *Dict) release(s *shard, i int32) {
	e := &s.slots[i]
	gen := e.gen + 1
	*e = Entry{gen: gen, next: nilSlot}
	s.free = append(s.free, i)
	d.live.Add(-1)
}

// resolve returns the entry addressed by h, or nil if the slot was
// recycled. The shard lock must be held.
func (d *Dict) resolve(h Handle) (*shard, *Entry) {
	s := &d.shards[h.shard]
	if h.slot < 0 || int(h.slot) >= len(s.slots) {
		return s, nil
	}
	e := &s.slots[h.slot]
	if !e.used || e.gen != h.gen {
		return s, nil
	}
	return s, e
}

func (d *Dict) lockHandle(h Handle) (*shard, *Entry) {
	if !h.valid || int(h.shard) >= len(d.shards) {
		return nil, nil
	}
	s := &d.shards[h.shard]
	s.mu.Lock()
	_, e := d.resolve(h)
	return s, e
}

// ==============================
// Entry lifecycle
// ==============================

// Hit is what a successful Get hands to the caller. Reader holds its own
// reference to the stored object and must be closed.
type Hit struct {
	Reader store.Reader
	Kind   store.Kind
	RuleID int
	Host   string
	Path   string
	Expire time.Time
	Handle Handle
}

// Get looks up the first valid entry matching hash and match and acquires
// a reader on its object. An entry whose object is lost (store.Lost) is
// invalidated and the lookup moves on; a transient acquire failure is a
// miss that leaves the entry in place.
func (d *Dict) Get(hash uint64, match Matcher, now time.Time) (Hit, bool) {
	tx := d.Begin(hash)
	defer tx.End()
	for {
		e, h := tx.Lookup(match, now)
		if e == nil {
			return Hit{}, false
		}
		r, err := e.Object.Acquire()
		if err != nil {
			if !store.Lost(err) {
				return Hit{}, false
			}
			invalidate(e, StateInvalid)
			continue
		}
		return Hit{
			Reader: r,
			Kind:   e.Object.Kind(),
			RuleID: e.RuleID,
			Host:   e.Host,
			Path:   e.Path,
			Expire: e.Expire,
			Handle: h,
		}, true
	}
}

// Exists reports whether a valid entry matches.
func (d *Dict) Exists(hash uint64, match Matcher, now time.Time) bool {
	tx := d.Begin(hash)
	defer tx.End()
	e, _ := tx.Lookup(match, now)
	return e != nil
}

// Reserve links a creating entry for e unless one matching is already
// being created, in which case it returns ErrBusy and the caller waits.
// Valid entries for the same key keep serving until Commit.
func (d *Dict) Reserve(e Entry, match Matcher) (Handle, error) {
	tx := d.Begin(e.Hash)
	defer tx.End()
	d.reap(tx.s, tx.local)
	if c, _ := tx.find(match, StateCreating); c != nil {
		return Handle{}, ErrBusy
	}
	e.State = StateCreating
	e.Object = nil
	e.Expire = time.Time{}
	return tx.Insert(e), nil
}

// Commit publishes obj under the creating entry h and retires older valid
// entries for the same key. ErrStale means h was invalidated in the
// meantime; the caller still owns obj and must invalidate it.
func (d *Dict) Commit(h Handle, obj store.Object, expire time.Time) error {
	s, e := d.lockHandle(h)
	if s == nil {
		return ErrStale
	}
	defer s.mu.Unlock()
	if e == nil || e.State != StateCreating {
		return ErrStale
	}
	_, local := d.locate(d.bucketOf(e.Hash))
	for i := s.heads[local]; i != nilSlot; i = s.slots[i].next {
		x := &s.slots[i]
		if x != e && x.State == StateValid && x.ProxyID == e.ProxyID && bytes.Equal(x.Key, e.Key) {
			invalidate(x, StateInvalid)
		}
	}
	e.Object = obj
	e.Expire = expire
	e.State = StateValid
	return nil
}

// Abort retires a creating entry that never received an object.
func (d *Dict) Abort(h Handle) {
	s, e := d.lockHandle(h)
	if s == nil {
		return
	}
	defer s.mu.Unlock()
	if e == nil || e.State != StateCreating {
		return
	}
	invalidate(e, StateInvalid)
	_, local := d.locate(d.bucketOf(e.Hash))
	d.reap(s, local)
}

// Invalidate retires the entry addressed by h. It reports whether this
// call changed the entry's state.
func (d *Dict) Invalidate(h Handle) bool {
	s, e := d.lockHandle(h)
	if s == nil {
		return false
	}
	defer s.mu.Unlock()
	if e == nil {
		return false
	}
	return invalidate(e, StateInvalid)
}

// Delete retires every valid or creating entry matching. It reports
// whether any entry was retired.
func (d *Dict) Delete(hash uint64, match Matcher) bool {
	tx := d.Begin(hash)
	defer tx.End()
	found := false
	for i := tx.s.heads[tx.local]; i != nilSlot; i = tx.s.slots[i].next {
		e := &tx.s.slots[i]
		if !e.dead() && match(e) && invalidate(e, StateInvalid) {
			found = true
		}
	}
	d.reap(tx.s, tx.local)
	return found
}

// ==============================
// Scans
// ==============================

type ScanResult struct {
	Next        int // first bucket not visited; Size() when the table end was reached
	Visited     int // live entries offered to the predicate
	Invalidated int
	Reclaimed   int // dead entries unlinked
}

// Scan visits up to budget buckets starting at start, invalidating every
// live entry pred accepts and reclaiming dead ones. Shard locks are taken
// per bucket range and released before moving on, so a scan never holds a
// lock for more than one range of one call.
func (d *Dict) Scan(start, budget int, pred func(*Entry) bool) ScanResult {
	return d.scan(start, budget, StateInvalid, func(e *Entry, _ time.Time) bool { return pred(e) }, time.Time{})
}

// Sweep reclaims expired and dead entries, the background counterpart of
// the lazy expiry done by lookups.
func (d *Dict) Sweep(start, budget int, now time.Time) ScanResult {
	return d.scan(start, budget, StateExpired, func(e *Entry, now time.Time) bool {
		return e.State == StateValid && e.Expired(now)
	}, now)
}

func (d *Dict) scan(start, budget int, st State, pred func(*Entry, time.Time) bool, now time.Time) ScanResult {
	res := ScanResult{Next: start}
	if start < 0 || start >= d.size || budget <= 0 {
		if start >= d.size {
			res.Next = d.size
		}
		return res
	}
	end := start + budget
	if end > d.size {
		end = d.size
	}
	idx := start
	for idx < end {
		si, _ := d.locate(idx)
		s := &d.shards[si]
		s.mu.Lock()
		for ; idx < end; idx++ {
			sj, local := d.locate(idx)
			if sj != si {
				break
			}
			for i := s.heads[local]; i != nilSlot; i = s.slots[i].next {
				e := &s.slots[i]
				if e.dead() {
					continue
				}
				res.Visited++
				if pred(e, now) && invalidate(e, st) {
					res.Invalidated++
				}
			}
			res.Reclaimed += d.reap(s, local)
		}
		s.mu.Unlock()
	}
	res.Next = idx
	return res
}
