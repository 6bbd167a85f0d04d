package header

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jianshenyixiao/nuster/codec"
)

// Proto encodes Header in protobuf wire format:
//
//	message Header { int64 status = 1; repeated Field fields = 2; }
//	message Field  { string name = 1; string value = 2; }
//
// Unknown fields are skipped on decode.
type Proto struct{}

var _ codec.Codec[Header] = Proto{}

var errProto = errors.New("header: malformed protobuf")

func (Proto) Encode(h Header) ([]byte, error) {
	var b []byte
	if h.Status != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(h.Status))
	}
	for _, f := range h.Fields {
		var fb []byte
		fb = protowire.AppendTag(fb, 1, protowire.BytesType)
		fb = protowire.AppendString(fb, f.Name)
		fb = protowire.AppendTag(fb, 2, protowire.BytesType)
		fb = protowire.AppendString(fb, f.Value)
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, fb)
	}
	return b, nil
}

func (Proto) Decode(b []byte) (Header, error) {
	var h Header
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Header{}, errProto
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Header{}, errProto
			}
			h.Status = int(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Header{}, errProto
			}
			f, err := decodeField(v)
			if err != nil {
				return Header{}, err
			}
			h.Fields = append(h.Fields, f)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Header{}, errProto
			}
			b = b[n:]
		}
	}
	return h, nil
}

func decodeField(b []byte) (Field, error) {
	var f Field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Field{}, errProto
		}
		b = b[n:]
		if typ != protowire.BytesType || (num != 1 && num != 2) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Field{}, errProto
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return Field{}, errProto
		}
		if num == 1 {
			f.Name = v
		} else {
			f.Value = v
		}
		b = b[n:]
	}
	return f, nil
}
