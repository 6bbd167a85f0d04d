package codec

import "github.com/fxamacker/cbor/v2"

// CBOR encodes with core deterministic encoding, so equal header blocks
// produce equal bytes. maxFields bounds arrays and maps on decode.
type CBOR[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec[struct{}] = CBOR[struct{}]{}

func NewCBOR[V any](maxFields int) (CBOR[V], error) {
	switch {
	case maxFields <= 0:
		maxFields = 1024
	case maxFields < 16:
		maxFields = 16 // smallest limit cbor accepts
	}
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	dm, err := cbor.DecOptions{
		MaxArrayElements: maxFields,
		MaxMapPairs:      maxFields,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	return CBOR[V]{enc: em, dec: dm}, nil
}

func (c CBOR[V]) Encode(v V) ([]byte, error) { return c.enc.Marshal(v) }

func (c CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	if err := c.dec.Unmarshal(b, &v); err != nil {
		return v, err
	}
	return v, nil
}
