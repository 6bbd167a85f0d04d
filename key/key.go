// Package key builds cache keys from request attributes.
//
// A key is the concatenation, in rule order, of the components named by a
// Spec. Every component is framed as
//
//	kind(1) | [uvarint(len(name)) | name] | uvarint(len+1) | bytes(len)
//
// where the name is present only for param, header and cookie components
// and a zero length prefix marks an absent attribute. The framing keeps
// distinct attribute tuples from collapsing into the same bytes, so key
// equality is exact even though the 64-bit hash may collide.
package key

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/jianshenyixiao/nuster/txn"
)

// Default is the key used by rules that do not configure one.
const Default = "method.scheme.host.uri"

type Kind uint8

const (
	KindMethod Kind = iota + 1
	KindScheme
	KindHost
	KindURI
	KindPath
	KindDelimiter
	KindQuery
	KindParam
	KindHeader
	KindCookie
)

var kindNames = map[Kind]string{
	KindMethod:    "method",
	KindScheme:    "scheme",
	KindHost:      "host",
	KindURI:       "uri",
	KindPath:      "path",
	KindDelimiter: "delimiter",
	KindQuery:     "query",
	KindParam:     "param_",
	KindHeader:    "header_",
	KindCookie:    "cookie_",
}

func (k Kind) named() bool {
	return k == KindParam || k == KindHeader || k == KindCookie
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return strings.TrimSuffix(s, "_")
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Component is one attribute of the request contributing to a key.
// Name is set for param, header and cookie components.
type Component struct {
	Kind     Kind
	Name     string
	Required bool
}

func (c Component) String() string {
	s := kindNames[c.Kind] + c.Name
	if c.Required {
		s += "!"
	}
	return s
}

// Spec is an ordered list of components.
type Spec []Component

func (s Spec) String() string {
	parts := make([]string, len(s))
	for i, c := range s {
		parts[i] = c.String()
	}
	return strings.Join(parts, ".")
}

var (
	ErrEmptySpec = errors.New("key: empty spec")
	ErrUnparsed  = errors.New("request not parsed")
	ErrMissing   = errors.New("required attribute missing")
)

// Parse parses the dotted key syntax, e.g. "method.scheme.host.uri" or
// "method.host.path.header_X-Tenant!". A trailing '!' marks the component
// required: building fails when the request lacks it.
func Parse(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptySpec
	}
	var spec Spec
	for _, raw := range strings.Split(s, ".") {
		c := Component{}
		if strings.HasSuffix(raw, "!") {
			c.Required = true
			raw = strings.TrimSuffix(raw, "!")
		}
		switch {
		case raw == "method":
			c.Kind = KindMethod
		case raw == "scheme":
			c.Kind = KindScheme
		case raw == "host":
			c.Kind = KindHost
		case raw == "uri":
			c.Kind = KindURI
		case raw == "path":
			c.Kind = KindPath
		case raw == "delimiter":
			c.Kind = KindDelimiter
		case raw == "query":
			c.Kind = KindQuery
		case strings.HasPrefix(raw, "param_") && len(raw) > len("param_"):
			c.Kind, c.Name = KindParam, raw[len("param_"):]
		case strings.HasPrefix(raw, "header_") && len(raw) > len("header_"):
			c.Kind, c.Name = KindHeader, raw[len("header_"):]
		case strings.HasPrefix(raw, "cookie_") && len(raw) > len("cookie_"):
			c.Kind, c.Name = KindCookie, raw[len("cookie_"):]
		default:
			return nil, fmt.Errorf("key: unknown component %q in %q", raw, s)
		}
		spec = append(spec, c)
	}
	return spec, nil
}

// MustParse is like Parse but panics on error. Handy for tests and
// package-level defaults.
func MustParse(s string) Spec {
	spec, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return spec
}

// BuildError reports a key that could not be built from the transaction.
type BuildError struct {
	Component string
	Err       error
}

func (e *BuildError) Error() string {
	if e.Component == "" {
		return "key build: " + e.Err.Error()
	}
	return fmt.Sprintf("key build: %s: %v", e.Component, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Key is a finalized key buffer. The hash is computed once, on first use.
type Key struct {
	data   []byte
	hash   uint64
	hashed bool
	buf    *[]byte
}

var bufPool = sync.Pool{New: func() any {
	b := make([]byte, 0, 256)
	return &b
}}

// Build assembles the key for spec from t. When method is non-empty it
// replaces the request method, so that POST and DELETE address the object a
// GET would read.
func Build(spec Spec, t *txn.Txn, method string) (*Key, error) {
	if len(spec) == 0 {
		return nil, &BuildError{Err: ErrEmptySpec}
	}
	if !t.Parsed() {
		return nil, &BuildError{Err: ErrUnparsed}
	}
	bp := bufPool.Get().(*[]byte)
	b := (*bp)[:0]
	for _, c := range spec {
		v, ok := value(c, t, method)
		if !ok && c.Required {
			*bp = b
			bufPool.Put(bp)
			return nil, &BuildError{Component: c.String(), Err: ErrMissing}
		}
		b = appendComponent(b, c, v, ok)
	}
	*bp = b
	return &Key{data: b, buf: bp}, nil
}

// FromBytes wraps an already encoded key, e.g. one read back from a disk
// record.
func FromBytes(b []byte) *Key {
	return &Key{data: append([]byte(nil), b...)}
}

func value(c Component, t *txn.Txn, method string) (string, bool) {
	switch c.Kind {
	case KindMethod:
		if method != "" {
			return method, true
		}
		return t.Method, t.Method != ""
	case KindScheme:
		return t.Scheme, t.Scheme != ""
	case KindHost:
		return t.Host, t.Host != ""
	case KindURI:
		u := t.URI()
		return u, u != ""
	case KindPath:
		return t.Path, t.Path != ""
	case KindDelimiter:
		if t.Query != "" {
			return "?", true
		}
		return "", false
	case KindQuery:
		return t.Query, t.Query != ""
	case KindParam:
		return t.Param(c.Name)
	case KindHeader:
		return t.Get(c.Name)
	case KindCookie:
		return t.Cookie(c.Name)
	}
	return "", false
}

func appendComponent(b []byte, c Component, v string, present bool) []byte {
	b = append(b, byte(c.Kind))
	if c.Kind.named() {
		b = binary.AppendUvarint(b, uint64(len(c.Name)))
		b = append(b, c.Name...)
	}
	if !present {
		return binary.AppendUvarint(b, 0)
	}
	b = binary.AppendUvarint(b, uint64(len(v))+1)
	return append(b, v...)
}

func (k *Key) Bytes() []byte { return k.data }
func (k *Key) Len() int      { return len(k.data) }

// Hash returns the xxhash of the key bytes.
func (k *Key) Hash() uint64 {
	if !k.hashed {
		k.hash = xxhash.Sum64(k.data)
		k.hashed = true
	}
	return k.hash
}

// Equal reports whether b holds exactly the same key bytes.
func (k *Key) Equal(b []byte) bool { return bytes.Equal(k.data, b) }

// Release hands the buffer back to the pool. The key must not be used
// afterwards. Safe on nil and on repeated calls.
func (k *Key) Release() {
	if k == nil || k.buf == nil {
		return
	}
	*k.buf = k.data[:0]
	bufPool.Put(k.buf)
	k.buf = nil
	k.data = nil
}

// String renders the key in a readable form for debug logs.
func (k *Key) String() string {
	var sb strings.Builder
	b := k.data
	for len(b) > 0 {
		kind := Kind(b[0])
		b = b[1:]
		name := ""
		if kind.named() {
			nl, w := binary.Uvarint(b)
			if w <= 0 || int(nl) > len(b)-w {
				break
			}
			name = string(b[w : w+int(nl)])
			b = b[w+int(nl):]
		}
		n, w := binary.Uvarint(b)
		if w <= 0 {
			break
		}
		b = b[w:]
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		if name != "" {
			sb.WriteString(kindNames[kind] + name)
		} else {
			sb.WriteString(kind.String())
		}
		if n == 0 {
			sb.WriteString("=-")
			continue
		}
		l := int(n - 1)
		if l > len(b) {
			break
		}
		sb.WriteByte('=')
		sb.Write(b[:l])
		b = b[l:]
	}
	return sb.String()
}
