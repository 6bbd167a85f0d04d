// Package purger implements bulk invalidation: a purge command is parsed
// into a Target and a Purger walks the target dictionaries in short time
// slices, invalidating every entry the target matches.
package purger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"runtime"
	"time"

	"github.com/jianshenyixiao/nuster/dict"
	"github.com/jianshenyixiao/nuster/rule"
)

type Mode uint8

const (
	ModeAll Mode = iota + 1
	ModeProxy
	ModeRule
	ModePath
	ModeHost
	ModePathHost
	ModeRegex
	ModeRegexHost
)

func (m Mode) String() string {
	switch m {
	case ModeAll:
		return "all"
	case ModeProxy:
		return "proxy"
	case ModeRule:
		return "rule"
	case ModePath:
		return "path"
	case ModeHost:
		return "host"
	case ModePathHost:
		return "path_host"
	case ModeRegex:
		return "regex"
	case ModeRegexHost:
		return "regex_host"
	}
	return "unknown"
}

// Command headers.
const (
	HeaderName  = "name"
	HeaderPath  = "path"
	HeaderRegex = "regex"
	HeaderHost  = "x-host"
)

var (
	ErrNotFound   = errors.New("purger: no such proxy or rule")
	ErrBadRequest = errors.New("purger: no purge criteria")
)

// RegexError reports a pattern that failed to compile.
type RegexError struct {
	Pattern string
	Err     error
}

func (e *RegexError) Error() string {
	return fmt.Sprintf("purger: bad regex %q: %v", e.Pattern, e.Err)
}

func (e *RegexError) Unwrap() error { return e.Err }

// Target is what a purge invalidates.
type Target struct {
	Mode    Mode
	ProxyID int
	RuleID  int
	Host    string
	Path    string
	Regex   *regexp.Regexp
	// Scope restricts the purge to the dictionary of one proxy mode;
	// zero means every dictionary.
	Scope rule.Mode
}

func (t Target) Match(e *dict.Entry) bool {
	switch t.Mode {
	case ModeAll:
		return true
	case ModeProxy:
		return e.ProxyID == t.ProxyID
	case ModeRule:
		return e.RuleID == t.RuleID
	case ModePath:
		return e.Path == t.Path
	case ModeHost:
		return e.Host == t.Host
	case ModePathHost:
		return e.Path == t.Path && e.Host == t.Host
	case ModeRegex:
		return t.Regex.MatchString(e.Path)
	case ModeRegexHost:
		return e.Host == t.Host && t.Regex.MatchString(e.Path)
	}
	return false
}

// Parse selects the purge mode from the command headers. name wins over
// path, path over regex and regex over a bare x-host; within name, "*"
// beats a proxy name, which beats a rule name. x-host narrows path and
// regex purges to one host.
func Parse(h http.Header, reg *rule.Registry) (Target, error) {
	host, hasHost := lookup(h, HeaderHost)
	if name, ok := lookup(h, HeaderName); ok {
		if name == "*" {
			return Target{Mode: ModeAll}, nil
		}
		if p, ok := reg.Proxy(name); ok {
			return Target{Mode: ModeProxy, ProxyID: p.ID, Scope: p.Mode}, nil
		}
		if r, ok := reg.Rule(name); ok {
			t := Target{Mode: ModeRule, RuleID: r.ID}
			if p, ok := reg.ProxyByID(r.ProxyID); ok {
				t.Scope = p.Mode
			}
			return t, nil
		}
		return Target{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if path, ok := lookup(h, HeaderPath); ok {
		if hasHost {
			return Target{Mode: ModePathHost, Path: path, Host: host}, nil
		}
		return Target{Mode: ModePath, Path: path}, nil
	}
	if pattern, ok := lookup(h, HeaderRegex); ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return Target{}, &RegexError{Pattern: pattern, Err: err}
		}
		if hasHost {
			return Target{Mode: ModeRegexHost, Regex: re, Host: host}, nil
		}
		return Target{Mode: ModeRegex, Regex: re}, nil
	}
	if hasHost {
		return Target{Mode: ModeHost, Host: host}, nil
	}
	return Target{}, ErrBadRequest
}

func lookup(h http.Header, name string) (string, bool) {
	v := h.Values(name)
	if len(v) == 0 {
		return "", false
	}
	return v[0], true
}

// Status maps a Parse or Run error to the purge reply status. A regex that
// does not compile is a client error and gets 400, not 500.
func Status(err error) int {
	var re *RegexError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest), errors.As(err, &re):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

const (
	DefaultSlice = time.Millisecond
	DefaultBatch = 1000
)

type Options struct {
	Slice time.Duration // wall-clock budget of one Step; 0 => 1ms
	Batch int           // buckets between clock checks; 0 => 1000
	Clock func() time.Time
}

type Result struct {
	Visited     int
	Invalidated int
	Elapsed     time.Duration
}

// Purger is one running purge. It is not safe for concurrent use.
type Purger struct {
	target Target
	dicts  []*dict.Dict
	cur    int // index into dicts
	idx    int // bucket cursor in dicts[cur]
	slice  time.Duration
	batch  int
	now    func() time.Time
	start  time.Time
	res    Result
	closed bool
}

func New(t Target, dicts []*dict.Dict, opts Options) *Purger {
	p := &Purger{
		target: t,
		dicts:  dicts,
		slice:  opts.Slice,
		batch:  opts.Batch,
		now:    opts.Clock,
	}
	if p.slice <= 0 {
		p.slice = DefaultSlice
	}
	if p.batch <= 0 {
		p.batch = DefaultBatch
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.start = p.now()
	return p
}

func (p *Purger) Target() Target { return p.target }

func (p *Purger) Done() bool { return p.closed || p.cur >= len(p.dicts) }

// Step runs one time slice: batches of buckets, the clock checked after
// each, until the slice is spent or every dictionary is done.
func (p *Purger) Step() bool {
	begin := p.now()
	for !p.Done() {
		d := p.dicts[p.cur]
		r := d.Scan(p.idx, p.batch, p.target.Match)
		p.idx = r.Next
		p.res.Visited += r.Visited
		p.res.Invalidated += r.Invalidated
		if p.idx >= d.Size() {
			p.cur++
			p.idx = 0
		}
		if p.now().Sub(begin) > p.slice {
			break
		}
	}
	return p.Done()
}

// Run steps until done, yielding the processor between slices.
func (p *Purger) Run(ctx context.Context) (Result, error) {
	for !p.Step() {
		if err := ctx.Err(); err != nil {
			return p.Result(), err
		}
		runtime.Gosched()
	}
	return p.Result(), nil
}

func (p *Purger) Result() Result {
	r := p.res
	r.Elapsed = p.now().Sub(p.start)
	return r
}

// Close abandons the purge. Idempotent.
func (p *Purger) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.dicts = nil
	p.target.Regex = nil
}
