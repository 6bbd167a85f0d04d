// Package codec serializes values to bytes. The engine uses it for the
// stored response header block; any Codec[V] implementation can be plugged
// in through Options.
package codec

import "errors"

type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// ErrTooLarge is returned by Limit when a payload exceeds its bound.
var ErrTooLarge = errors.New("codec: payload too large")
