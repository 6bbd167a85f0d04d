// Package txn holds the per-request scratch object read by the key builder
// and by rule predicates. A Txn is parsed once from the live request and,
// for cache mode, later completed with the upstream response status and
// headers.
package txn

import (
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
)

var ErrNoRequest = errors.New("txn: no request to parse")

// Txn is a parsed view of one HTTP transaction. It is not safe for
// concurrent use; it belongs to exactly one filter context.
type Txn struct {
	ID     string
	Method string
	Scheme string
	Host   string
	Path   string
	Query  string // raw query, without the leading '?'
	Header http.Header

	Status    int
	ResHeader http.Header

	parsed  bool
	cookies map[string]string
	params  url.Values
}

var pool = sync.Pool{New: func() any { return new(Txn) }}

// Acquire returns a reset Txn from the pool.
func Acquire() *Txn {
	return pool.Get().(*Txn)
}

// Release resets t and returns it to the pool. t must not be used afterwards.
func Release(t *Txn) {
	if t == nil {
		return
	}
	t.Reset()
	pool.Put(t)
}

func (t *Txn) Reset() {
	*t = Txn{}
}

// Parse fills t from r. The request ID is taken from X-Request-Id when the
// client sent one.
func (t *Txn) Parse(r *http.Request) error {
	if r == nil || r.URL == nil {
		return ErrNoRequest
	}
	t.Method = r.Method
	t.Host = r.Host
	if t.Host == "" {
		t.Host = r.URL.Host
	}
	switch {
	case r.URL.Scheme != "":
		t.Scheme = r.URL.Scheme
	case r.TLS != nil:
		t.Scheme = "https"
	default:
		t.Scheme = "http"
	}
	t.Path = r.URL.EscapedPath()
	t.Query = r.URL.RawQuery
	t.Header = r.Header
	t.ID = r.Header.Get("X-Request-Id")
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.cookies = nil
	t.params = nil
	t.parsed = true
	return nil
}

// Parsed reports whether Parse succeeded on t.
func (t *Txn) Parsed() bool { return t != nil && t.parsed }

// SetResponse records the upstream response for rule evaluation in cache mode.
func (t *Txn) SetResponse(status int, h http.Header) {
	t.Status = status
	t.ResHeader = h
}

// HasResponse reports whether SetResponse was called.
func (t *Txn) HasResponse() bool { return t.Status != 0 }

// URI is the path plus the raw query, as sent by the client.
func (t *Txn) URI() string {
	if t.Query == "" {
		return t.Path
	}
	return t.Path + "?" + t.Query
}

// Get returns the first value of the request header name.
func (t *Txn) Get(name string) (string, bool) {
	vs := t.Header.Values(name)
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// ResGet returns the first value of the response header name.
func (t *Txn) ResGet(name string) (string, bool) {
	vs := t.ResHeader.Values(name)
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// Cookie returns the value of the named request cookie.
func (t *Txn) Cookie(name string) (string, bool) {
	if t.cookies == nil {
		t.cookies = make(map[string]string)
		for _, line := range t.Header.Values("Cookie") {
			cs, _ := http.ParseCookie(line)
			for _, c := range cs {
				if _, dup := t.cookies[c.Name]; !dup {
					t.cookies[c.Name] = c.Value
				}
			}
		}
	}
	v, ok := t.cookies[name]
	return v, ok
}

// Param returns the first value of the named query parameter.
func (t *Txn) Param(name string) (string, bool) {
	if t.params == nil {
		// partial results are kept on malformed queries
		t.params, _ = url.ParseQuery(t.Query)
	}
	vs, ok := t.params[name]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}
