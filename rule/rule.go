// Package rule is the registry of proxies and their caching rules.
//
// A Registry is built once at startup and passed explicitly to the engine;
// it must not be modified once the engine serves requests.
package rule

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jianshenyixiao/nuster/key"
	"github.com/jianshenyixiao/nuster/store"
	"github.com/jianshenyixiao/nuster/txn"
)

// Mode selects what a proxy stores: upstream responses (cache) or request
// bodies (nosql).
type Mode uint8

const (
	ModeCache Mode = iota + 1
	ModeNoSQL
)

func (m Mode) String() string {
	switch m {
	case ModeCache:
		return "cache"
	case ModeNoSQL:
		return "nosql"
	}
	return "unknown"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "cache":
		return ModeCache, nil
	case "nosql":
		return ModeNoSQL, nil
	}
	return 0, fmt.Errorf("rule: unknown mode %q", s)
}

// Predicate decides whether a transaction is admitted for caching. It is
// evaluated on the request (nosql) or on the response (cache, in which case
// t.HasResponse() is true).
type Predicate interface {
	Match(t *txn.Txn) bool
}

type PredicateFunc func(t *txn.Txn) bool

func (f PredicateFunc) Match(t *txn.Txn) bool { return f(t) }

// Cond is the declarative predicate used by configuration files.
// Empty fields match everything; Status defaults to 200 on responses.
type Cond struct {
	Methods    []string
	PathPrefix string
	Headers    map[string]string // value "" means "present"
	Status     []int
}

func (c Cond) Match(t *txn.Txn) bool {
	if len(c.Methods) > 0 && !containsFold(c.Methods, t.Method) {
		return false
	}
	if c.PathPrefix != "" && !strings.HasPrefix(t.Path, c.PathPrefix) {
		return false
	}
	for name, want := range c.Headers {
		got, ok := t.Get(name)
		if !ok || (want != "" && got != want) {
			return false
		}
	}
	if t.HasResponse() {
		return statusAllowed(c.Status, t.Status)
	}
	return true
}

func statusAllowed(allowed []int, status int) bool {
	if len(allowed) == 0 {
		return status == http.StatusOK
	}
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

func containsFold(ss []string, s string) bool {
	for _, v := range ss {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Rule is one caching policy of a proxy.
type Rule struct {
	ID      int
	Name    string
	ProxyID int
	Key     key.Spec
	KeyIdx  int           // slot in the per-request key array; rules sharing a spec share a slot
	TTL     time.Duration // 0 => never expires
	Store   store.Kind
	If      Predicate // nil => admit everything (200 only on responses)
}

// Admit evaluates the rule predicate against t.
func (r *Rule) Admit(t *txn.Txn) bool {
	if r.If == nil {
		return !t.HasResponse() || t.Status == http.StatusOK
	}
	return r.If.Match(t)
}

// Proxy groups the rules evaluated, in order, for one frontend.
type Proxy struct {
	ID       int
	Name     string
	Mode     Mode
	Disabled bool
	Rules    []*Rule
	KeyCount int

	reg    *Registry
	keyIdx map[string]int
}

var (
	ErrDuplicate = errors.New("rule: duplicate name")
	ErrNoName    = errors.New("rule: name is required")
)

// AddRule appends r to the proxy, assigning its ID, ProxyID and KeyIdx.
// An empty Key uses key.Default and a zero Store uses memory.
func (p *Proxy) AddRule(r Rule) (*Rule, error) {
	if r.Name == "" {
		return nil, ErrNoName
	}
	for _, x := range p.Rules {
		if x.Name == r.Name {
			return nil, fmt.Errorf("%w: rule %q in proxy %q", ErrDuplicate, r.Name, p.Name)
		}
	}
	if len(r.Key) == 0 {
		r.Key = key.MustParse(key.Default)
	}
	if r.Store == 0 {
		r.Store = store.KindMemory
	}
	spec := r.Key.String()
	idx, ok := p.keyIdx[spec]
	if !ok {
		idx = p.KeyCount
		p.keyIdx[spec] = idx
		p.KeyCount++
	}
	p.reg.nextRule++
	r.ID = p.reg.nextRule
	r.ProxyID = p.ID
	r.KeyIdx = idx
	rr := &r
	p.Rules = append(p.Rules, rr)
	p.reg.rules = append(p.reg.rules, rr)
	return rr, nil
}

// Registry indexes proxies by name and id.
type Registry struct {
	proxies  []*Proxy
	byName   map[string]*Proxy
	rules    []*Rule
	nextRule int
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Proxy)}
}

func (r *Registry) AddProxy(name string, mode Mode) (*Proxy, error) {
	if name == "" {
		return nil, ErrNoName
	}
	if _, dup := r.byName[name]; dup {
		return nil, fmt.Errorf("%w: proxy %q", ErrDuplicate, name)
	}
	p := &Proxy{
		ID:     len(r.proxies) + 1,
		Name:   name,
		Mode:   mode,
		reg:    r,
		keyIdx: make(map[string]int),
	}
	r.proxies = append(r.proxies, p)
	r.byName[name] = p
	return p, nil
}

func (r *Registry) Proxy(name string) (*Proxy, bool) {
	p, ok := r.byName[name]
	return p, ok
}

func (r *Registry) ProxyByID(id int) (*Proxy, bool) {
	if id < 1 || id > len(r.proxies) {
		return nil, false
	}
	return r.proxies[id-1], true
}

// Rule returns the first rule named name, in proxy then rule order.
func (r *Registry) Rule(name string) (*Rule, bool) {
	for _, p := range r.proxies {
		for _, x := range p.Rules {
			if x.Name == name {
				return x, true
			}
		}
	}
	return nil, false
}

func (r *Registry) RuleByID(id int) (*Rule, bool) {
	for _, x := range r.rules {
		if x.ID == id {
			return x, true
		}
	}
	return nil, false
}

func (r *Registry) Proxies() []*Proxy { return r.proxies }
