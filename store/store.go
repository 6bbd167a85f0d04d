// Package store defines the storage backends behind dictionary entries.
//
// A Backend creates Writers. A Writer receives the object's bytes while the
// HTTP pipeline streams them and, once finished, yields an immutable Object.
// Objects are shared between the dictionary entry and any number of
// Readers; each Reader holds its own reference, so invalidating an Object
// never pulls bytes from under an in-flight read.
package store

import (
	"errors"
	"io"
	"time"
)

// Kind identifies a backend.
type Kind uint8

const (
	KindMemory Kind = iota + 1
	KindDisk
	KindKV
)

func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindDisk:
		return "disk"
	case KindKV:
		return "kv"
	}
	return "unknown"
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "memory":
		return KindMemory, nil
	case "disk":
		return KindDisk, nil
	case "kv":
		return KindKV, nil
	}
	return 0, errors.New("store: unknown kind " + s)
}

var (
	// ErrFull is returned when a backend has no room left for an object.
	// It is an expected outcome, not a failure of the backend.
	ErrFull = errors.New("store: full")
	// ErrClosed is returned by writers used after Finish or Abort.
	ErrClosed = errors.New("store: writer closed")
	// ErrCorrupt is returned when persisted bytes fail validation.
	ErrCorrupt = errors.New("store: corrupt object")
	// ErrGone is returned by Acquire once an object was invalidated,
	// removed or evicted from its backend.
	ErrGone = errors.New("store: object gone")
)

// Lost reports whether an Acquire error means the object can never be
// read again. Any other error is transient and leaves the object alone.
func Lost(err error) bool {
	return errors.Is(err, ErrGone) || errors.Is(err, ErrCorrupt)
}

// Meta describes the object being written. Backends that persist objects
// keep it alongside the payload so entries can be rebuilt after restart.
type Meta struct {
	Hash    uint64
	Key     []byte
	Host    string
	Path    string
	ProxyID int
	RuleID  int
	Expire  time.Time
	Header  []byte // encoded header, written ahead of the body
}

type Backend interface {
	Kind() Kind
	Create(m Meta) (Writer, error)
}

// Writer is append-only. Exactly one of Finish or Abort must be called.
type Writer interface {
	io.Writer
	Finish() (Object, error)
	Abort()
}

// Object is a finished, immutable stored object.
type Object interface {
	Kind() Kind
	// Size is the stored body length in bytes.
	Size() int64
	// Acquire returns a new Reader holding its own reference. See Lost for
	// how errors are classified.
	Acquire() (Reader, error)
	// Invalidate drops the owner's reference and schedules release of the
	// backing storage. Idempotent.
	Invalidate()
}

// Reader streams one object's body. Close releases its reference.
type Reader interface {
	io.Reader
	io.Closer
	Header() []byte
	BodySize() int64
}
