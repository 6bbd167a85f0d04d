// Package header captures the response header block stored ahead of every
// cached body and serializes it with a pluggable codec.
package header

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/jianshenyixiao/nuster/codec"
)

type Field struct {
	Name  string `json:"n" msgpack:"n" cbor:"n"`
	Value string `json:"v" msgpack:"v" cbor:"v"`
}

// Header is the replayable part of a response: status and end-to-end
// fields. Content-Length is not stored; it follows the body size.
type Header struct {
	Status int     `json:"s" msgpack:"s" cbor:"s"`
	Fields []Field `json:"f" msgpack:"f" cbor:"f"`
}

var (
	ErrTooLarge  = errors.New("header: body exceeds limit")
	ErrBadLength = errors.New("header: invalid content-length")
)

// stored from a nosql request
var requestFields = []string{"Content-Type", "Content-Encoding", "Content-Language"}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Content-Length":      {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// FromRequest builds the header replayed for a value stored by a nosql POST.
// A declared Content-Length above limit (limit > 0) is rejected up front.
func FromRequest(h http.Header, limit int64) (Header, error) {
	if cl := h.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return Header{}, fmt.Errorf("%w: %q", ErrBadLength, cl)
		}
		if limit > 0 && n > limit {
			return Header{}, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, limit)
		}
	}
	out := Header{Status: http.StatusOK}
	for _, name := range requestFields {
		for _, v := range h.Values(name) {
			out.Fields = append(out.Fields, Field{Name: name, Value: v})
		}
	}
	if len(out.Fields) == 0 {
		out.Fields = append(out.Fields, Field{Name: "Content-Type", Value: "application/octet-stream"})
	}
	return out, nil
}

// FromResponse keeps the end-to-end fields of an upstream response, in
// canonical name order.
func FromResponse(status int, h http.Header) Header {
	drop := make(map[string]struct{})
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				drop[http.CanonicalHeaderKey(name)] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(h))
	for name := range h {
		name = http.CanonicalHeaderKey(name)
		if _, hop := hopByHop[name]; hop {
			continue
		}
		if _, ok := drop[name]; ok {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	out := Header{Status: status}
	for _, name := range names {
		for _, v := range h.Values(name) {
			out.Fields = append(out.Fields, Field{Name: name, Value: v})
		}
	}
	return out
}

// Get returns the first value of name.
func (h Header) Get(name string) string {
	for _, f := range h.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Apply adds the stored fields to w.
func (h Header) Apply(w http.Header) {
	for _, f := range h.Fields {
		w.Add(f.Name, f.Value)
	}
}

// Codec returns the codec registered under name. The empty name selects
// msgpack.
func Codec(name string) (codec.Codec[Header], error) {
	switch strings.ToLower(name) {
	case "", "msgpack":
		return codec.Msgpack[Header]{}, nil
	case "cbor":
		return codec.NewCBOR[Header](0)
	case "json":
		return codec.JSON[Header]{}, nil
	case "protobuf", "proto":
		return Proto{}, nil
	}
	return nil, fmt.Errorf("header: unknown codec %q", name)
}
