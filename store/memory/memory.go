// Package memory is the in-memory store backend.
//
// An Arena is one fixed allocation cut into equal chunks. Free chunk
// indices circulate through a ring: allocation takes from the head,
// release appends at the tail, so chunks are reused in the order they were
// freed. An object is a Block, a chain of chunks holding the encoded header
// followed by the body.
//
// Blocks are written once and then immutable. Readers stream them without
// locking; they only hold a reference. A block returns its chunks to the
// ring when it has been invalidated and the last reference is dropped.
package memory

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jianshenyixiao/nuster/store"
)

const DefaultChunkSize = 4096

type Arena struct {
	mu    sync.Mutex
	buf   []byte
	chunk int
	ring  []int32 // free chunk indices
	head  int
	free  int
}

var _ store.Backend = (*Arena)(nil)

// New allocates an arena of size bytes cut into chunk-sized pieces.
// It fails when not even one chunk fits; callers treat that as fatal.
func New(size int64, chunk int) (*Arena, error) {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	n := size / int64(chunk)
	if n <= 0 {
		return nil, fmt.Errorf("memory: arena of %d bytes holds no %d byte chunk", size, chunk)
	}
	if n > 1<<31-1 {
		return nil, fmt.Errorf("memory: arena of %d bytes has too many chunks", size)
	}
	a := &Arena{
		buf:   make([]byte, n*int64(chunk)),
		chunk: chunk,
		ring:  make([]int32, n),
		free:  int(n),
	}
	for i := range a.ring {
		a.ring[i] = int32(i)
	}
	return a, nil
}

func (a *Arena) Kind() store.Kind { return store.KindMemory }

// Size is the arena capacity in bytes.
func (a *Arena) Size() int64 { return int64(len(a.buf)) }

// Used is the number of bytes held by live or in-flight blocks.
func (a *Arena) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(len(a.ring)-a.free) * int64(a.chunk)
}

func (a *Arena) alloc() (int32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.free == 0 {
		return 0, store.ErrFull
	}
	id := a.ring[a.head]
	a.head = (a.head + 1) % len(a.ring)
	a.free--
	return id, nil
}

func (a *Arena) release(ids []int32) {
	if len(ids) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		tail := (a.head + a.free) % len(a.ring)
		a.ring[tail] = id
		a.free++
	}
}

func (a *Arena) chunkBytes(id int32) []byte {
	off := int(id) * a.chunk
	return a.buf[off : off+a.chunk : off+a.chunk]
}

// Create starts a block and writes m.Header ahead of the body.
func (a *Arena) Create(m store.Meta) (store.Writer, error) {
	b := &Block{arena: a, header: len(m.Header)}
	b.refs.Store(1) // owner reference, handed to the entry on Finish
	w := &Writer{b: b}
	if _, err := w.Write(m.Header); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

// Block is one stored object.
type Block struct {
	arena   *Arena
	chunks  []int32
	header  int
	length  int64 // header + body
	refs    atomic.Int32
	invalid atomic.Bool
}

var _ store.Object = (*Block)(nil)

func (b *Block) Kind() store.Kind { return store.KindMemory }
func (b *Block) Size() int64      { return b.length - int64(b.header) }

// Acquire takes a reader reference. It fails with store.ErrGone once the
// owner reference is gone, i.e. after invalidation.
func (b *Block) Acquire() (store.Reader, error) {
	for {
		n := b.refs.Load()
		if n <= 0 || b.invalid.Load() {
			return nil, store.ErrGone
		}
		if b.refs.CompareAndSwap(n, n+1) {
			r := &Reader{b: b}
			r.seek(int64(b.header))
			return r, nil
		}
	}
}

// Invalidate drops the owner reference. Idempotent.
func (b *Block) Invalidate() {
	if b.invalid.CompareAndSwap(false, true) {
		b.unref()
	}
}

// Refs reports the current reference count.
func (b *Block) Refs() int32 { return b.refs.Load() }

// Released reports whether the block gave its chunks back.
func (b *Block) Released() bool { return b.invalid.Load() && b.refs.Load() == 0 }

func (b *Block) unref() {
	if b.refs.Add(-1) == 0 && b.invalid.Load() {
		b.arena.release(b.chunks)
	}
}

// readAt copies bytes starting at absolute offset off.
func (b *Block) readAt(p []byte, off int64) int {
	n := 0
	c := b.arena.chunk
	for n < len(p) && off < b.length {
		ci := int(off / int64(c))
		co := int(off % int64(c))
		src := b.arena.chunkBytes(b.chunks[ci])[co:]
		if rem := b.length - off; int64(len(src)) > rem {
			src = src[:rem]
		}
		k := copy(p[n:], src)
		n += k
		off += int64(k)
	}
	return n
}

// Writer appends to a block, taking chunks from the arena as needed.
type Writer struct {
	b    *Block
	done bool
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, store.ErrClosed
	}
	b := w.b
	a := b.arena
	n := 0
	for n < len(p) {
		off := int(b.length % int64(a.chunk))
		if off == 0 && b.length/int64(a.chunk) == int64(len(b.chunks)) {
			id, err := a.alloc()
			if err != nil {
				return n, err
			}
			b.chunks = append(b.chunks, id)
		}
		dst := a.chunkBytes(b.chunks[len(b.chunks)-1])[off:]
		k := copy(dst, p[n:])
		n += k
		b.length += int64(k)
	}
	return n, nil
}

// Finish seals the block. The returned object carries the owner reference.
func (w *Writer) Finish() (store.Object, error) {
	if w.done {
		return nil, store.ErrClosed
	}
	w.done = true
	return w.b, nil
}

// Abort releases everything written so far.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.b.Invalidate()
}

// Reader is a cursor over one block's body.
type Reader struct {
	b      *Block
	off    int64
	closed bool
}

func (r *Reader) seek(off int64) { r.off = off }

func (r *Reader) Header() []byte {
	h := make([]byte, r.b.header)
	r.b.readAt(h, 0)
	return h
}

func (r *Reader) BodySize() int64 { return r.b.Size() }

func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, store.ErrClosed
	}
	if r.off >= r.b.length {
		return 0, io.EOF
	}
	n := r.b.readAt(p, r.off)
	r.off += int64(n)
	return n, nil
}

// Close drops the reader reference. Safe to call more than once.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.b.unref()
	return nil
}
