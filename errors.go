package nuster

import (
	"errors"
	"fmt"

	"github.com/jianshenyixiao/nuster/store"
)

var (
	ErrDisabled  = errors.New("nuster: disabled")
	ErrNoProxy   = errors.New("nuster: unknown proxy")
	ErrNoHit     = errors.New("nuster: context holds no hit")
	ErrNoBackend = errors.New("nuster: store backend not configured")
	ErrDetached  = errors.New("nuster: context detached")
)

// KeyBuildError reports a key that could not be built for a rule.
type KeyBuildError struct {
	Proxy string
	Rule  string
	Err   error
}

func (e *KeyBuildError) Error() string {
	return fmt.Sprintf("nuster: build key for rule %q of proxy %q: %v", e.Rule, e.Proxy, e.Err)
}

func (e *KeyBuildError) Unwrap() error { return e.Err }

// StoreAllocError reports a backend that could not hold an object.
// It wraps store.ErrFull when the backend ran out of room.
type StoreAllocError struct {
	Kind store.Kind
	Err  error
}

func (e *StoreAllocError) Error() string {
	return fmt.Sprintf("nuster: %s store: %v", e.Kind, e.Err)
}

func (e *StoreAllocError) Unwrap() error { return e.Err }
