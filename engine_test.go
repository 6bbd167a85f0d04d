package nuster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jianshenyixiao/nuster/header"
	"github.com/jianshenyixiao/nuster/key"
	"github.com/jianshenyixiao/nuster/provider"
	"github.com/jianshenyixiao/nuster/purger"
	"github.com/jianshenyixiao/nuster/rule"
	"github.com/jianshenyixiao/nuster/store"
	"github.com/jianshenyixiao/nuster/store/disk"
	"github.com/jianshenyixiao/nuster/store/kv"
)

type memProvider struct {
	mu sync.Mutex
	m  map[string][]byte
}

var _ provider.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string][]byte)} }

func (p *memProvider) Name() string { return "mem" }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[key]
	return v, ok, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[key] = append([]byte(nil), value...)
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

type recHooks struct {
	NopHooks
	mu       sync.Mutex
	done     []State
	rejected []store.Kind
	purges   []purger.Mode
	swept    int
}

func (h *recHooks) RequestDone(_ string, _ rule.Mode, st State) {
	h.mu.Lock()
	h.done = append(h.done, st)
	h.mu.Unlock()
}

func (h *recHooks) StoreRejected(k store.Kind, _ error) {
	h.mu.Lock()
	h.rejected = append(h.rejected, k)
	h.mu.Unlock()
}

func (h *recHooks) PurgeDone(m purger.Mode, _, _ int, _ time.Duration) {
	h.mu.Lock()
	h.purges = append(h.purges, m)
	h.mu.Unlock()
}

func (h *recHooks) Swept(n int) {
	h.mu.Lock()
	h.swept += n
	h.mu.Unlock()
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// registry builds proxy "kv" (nosql) and "web" (cache), each with one rule
// on the given store.
func registry(t *testing.T, kind store.Kind, ttl time.Duration) *rule.Registry {
	t.Helper()
	reg := rule.NewRegistry()
	n, _ := reg.AddProxy("kv", rule.ModeNoSQL)
	if _, err := n.AddRule(rule.Rule{Name: "kv-all", Store: kind, TTL: ttl}); err != nil {
		t.Fatal(err)
	}
	c, _ := reg.AddProxy("web", rule.ModeCache)
	if _, err := c.AddRule(rule.Rule{Name: "web-all", Store: kind, TTL: ttl}); err != nil {
		t.Fatal(err)
	}
	return reg
}

func newTestEngine(t *testing.T, opt func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Registry:        registry(t, store.KindMemory, 0),
		DictSize:        256,
		DictShards:      4,
		MemorySize:      1 << 20,
		CleanupInterval: -1,
	}
	if opt != nil {
		opt(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func request(method, target string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	if method == http.MethodPost {
		r.Header.Set("Content-Type", "text/plain")
	}
	return r
}

func attach(t *testing.T, e *Engine, proxy string) *Context {
	t.Helper()
	c, err := e.Attach(proxy)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return c
}

// post stores body under target through the nosql proxy.
func post(t *testing.T, e *Engine, target string, chunks ...string) *Context {
	t.Helper()
	c := attach(t, e, "kv")
	defer c.Detach()
	if d := c.OnRequest(request(http.MethodPost, target)); d.Reply != ReplyCreate {
		t.Fatalf("POST reply=%v state=%v err=%v", d.Reply, c.State(), c.Err())
	}
	for _, ch := range chunks {
		if n := c.OnData(DirRequest, []byte(ch)); n != len(ch) {
			t.Fatalf("OnData consumed %d of %d", n, len(ch))
		}
	}
	c.OnEnd(DirRequest)
	return c
}

// get reads target through proxy; ok reports a hit.
func get(t *testing.T, e *Engine, proxy, target string) (header.Header, string, State) {
	t.Helper()
	c := attach(t, e, proxy)
	defer c.Detach()
	c.OnRequest(request(http.MethodGet, target))
	if !c.State().Hit() {
		return header.Header{}, "", c.State()
	}
	h, r, err := c.Hit()
	if err != nil {
		t.Fatalf("Hit: %v", err)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if int64(len(b)) != r.BodySize() {
		t.Fatalf("read %d bytes, body size %d", len(b), r.BodySize())
	}
	return h, string(b), c.State()
}

// ==============================
// NoSQL mode
// ==============================

func TestNoSQLCreateAndHit(t *testing.T) {
	e := newTestEngine(t, nil)
	d := e.Dict(rule.ModeNoSQL)

	c := attach(t, e, "kv")
	dec := c.OnRequest(request(http.MethodGet, "http://example.com/k1"))
	if dec.Reply != ReplyNotFound || c.State() != StateNotFound {
		t.Fatalf("GET miss: reply=%v state=%v", dec.Reply, c.State())
	}
	c.Detach()
	if d.Len() != 0 {
		t.Fatalf("GET miss mutated the dictionary: len=%d", d.Len())
	}

	ten, twenty := strings.Repeat("a", 10), strings.Repeat("b", 20)
	pc := post(t, e, "http://example.com/k1", ten, twenty)
	if pc.State() != StateDone || pc.Reply() != ReplyEnd {
		t.Fatalf("POST end: state=%v reply=%v", pc.State(), pc.Reply())
	}
	if d.Len() != 1 {
		t.Fatalf("len=%d want 1", d.Len())
	}

	h, body, st := get(t, e, "kv", "http://example.com/k1")
	if st != StateHitMemory {
		t.Fatalf("state=%v want hit_memory", st)
	}
	if body != ten+twenty {
		t.Fatalf("body=%q", body)
	}
	if h.Status != 200 || h.Get("Content-Type") != "text/plain" {
		t.Fatalf("header=%+v", h)
	}
}

func TestNoSQLHitBypassesBody(t *testing.T) {
	e := newTestEngine(t, nil)
	post(t, e, "http://example.com/k", "v")
	c := attach(t, e, "kv")
	defer c.Detach()
	d := c.OnRequest(request(http.MethodGet, "http://example.com/k"))
	if d.Reply != ReplyHit || !d.Bypass || !d.NeverWait {
		t.Fatalf("decision=%+v", d)
	}
}

func TestNoSQLAbortMidPost(t *testing.T) {
	e := newTestEngine(t, nil)
	d := e.Dict(rule.ModeNoSQL)

	c := attach(t, e, "kv")
	c.OnRequest(request(http.MethodPost, "http://example.com/k"))
	c.OnData(DirRequest, []byte(strings.Repeat("x", 10)))
	if e.Memory().Used() == 0 {
		t.Fatal("no bytes allocated while creating")
	}
	c.Detach()
	c.Detach()

	if d.Len() != 0 {
		t.Fatalf("aborted create left %d entries", d.Len())
	}
	if e.Memory().Used() != 0 {
		t.Fatalf("arena still holds %d bytes", e.Memory().Used())
	}
	if _, _, st := get(t, e, "kv", "http://example.com/k"); st != StateNotFound {
		t.Fatalf("state=%v", st)
	}
}

func TestNoSQLConcurrentCreateHasOneWinner(t *testing.T) {
	e := newTestEngine(t, nil)
	const n = 32
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		mu      sync.Mutex
		creates int
		waits   int
		ctxs    []*Context
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			c, _ := e.Attach("kv")
			<-start
			d := c.OnRequest(request(http.MethodPost, "http://example.com/same"))
			mu.Lock()
			defer mu.Unlock()
			ctxs = append(ctxs, c)
			switch d.Reply {
			case ReplyCreate:
				creates++
			case ReplyWait:
				waits++
				if !d.Wait || c.State() != StatePass {
					t.Errorf("wait decision=%+v state=%v", d, c.State())
				}
			}
		}()
	}
	close(start)
	wg.Wait()
	if creates != 1 || waits != n-1 {
		t.Fatalf("creates=%d waits=%d", creates, waits)
	}

	// the winner finishes; a waiter retrying now becomes the next creator
	var winner, waiter *Context
	for _, c := range ctxs {
		if c.State() == StateCreate {
			winner = c
		} else if waiter == nil {
			waiter = c
		}
	}
	winner.OnData(DirRequest, []byte("v1"))
	winner.OnEnd(DirRequest)
	if d := waiter.OnRequest(request(http.MethodPost, "http://example.com/same")); d.Reply != ReplyCreate {
		t.Fatalf("retry reply=%v", d.Reply)
	}
	waiter.OnData(DirRequest, []byte("v2"))
	waiter.OnEnd(DirRequest)
	for _, c := range ctxs {
		c.Detach()
	}

	if _, body, _ := get(t, e, "kv", "http://example.com/same"); body != "v2" {
		t.Fatalf("body=%q want v2", body)
	}
	if l := e.Dict(rule.ModeNoSQL).Len(); l != 1 {
		t.Fatalf("len=%d want 1", l)
	}
}

func TestNoSQLDelete(t *testing.T) {
	e := newTestEngine(t, nil)
	post(t, e, "http://example.com/k", "v")

	c := attach(t, e, "kv")
	d := c.OnRequest(request(http.MethodDelete, "http://example.com/k"))
	c.Detach()
	if d.Reply != ReplyEnd || c.State() != StateDelete {
		t.Fatalf("delete reply=%v state=%v", d.Reply, c.State())
	}

	c = attach(t, e, "kv")
	d = c.OnRequest(request(http.MethodDelete, "http://example.com/k"))
	c.Detach()
	if d.Reply != ReplyNotFound {
		t.Fatalf("second delete reply=%v", d.Reply)
	}
	if e.Memory().Used() != 0 {
		t.Fatalf("deleted object still holds %d bytes", e.Memory().Used())
	}
}

func TestNoSQLMethodNotAllowed(t *testing.T) {
	e := newTestEngine(t, nil)
	c := attach(t, e, "kv")
	defer c.Detach()
	if d := c.OnRequest(request(http.MethodPut, "http://example.com/k")); d.Reply != ReplyNotAllowed {
		t.Fatalf("reply=%v", d.Reply)
	}
	if ReplyNotAllowed.Status() != http.StatusMethodNotAllowed {
		t.Fatal("status mapping")
	}
}

func TestNoSQLEmptyBody(t *testing.T) {
	e := newTestEngine(t, nil)
	c := post(t, e, "http://example.com/k")
	if c.Reply() != ReplyEmpty || c.State() != StateEmpty {
		t.Fatalf("reply=%v state=%v", c.Reply(), c.State())
	}
	if e.Dict(rule.ModeNoSQL).Len() != 0 {
		t.Fatal("empty value stored")
	}
}

func TestNoSQLFull(t *testing.T) {
	h := &recHooks{}
	e := newTestEngine(t, func(o *Options) {
		o.MemorySize = 8192
		o.ChunkSize = 4096
		o.Hooks = h
	})
	c := attach(t, e, "kv")
	c.OnRequest(request(http.MethodPost, "http://example.com/big"))
	c.OnData(DirRequest, make([]byte, 10000))
	if c.Reply() != ReplyFull || c.State() != StateInvalid {
		t.Fatalf("reply=%v state=%v", c.Reply(), c.State())
	}
	var sae *StoreAllocError
	if !errors.As(c.Err(), &sae) || !errors.Is(c.Err(), store.ErrFull) {
		t.Fatalf("err=%v", c.Err())
	}
	c.Detach()
	if e.Memory().Used() != 0 || e.Dict(rule.ModeNoSQL).Len() != 0 {
		t.Fatalf("used=%d len=%d", e.Memory().Used(), e.Dict(rule.ModeNoSQL).Len())
	}
	if len(h.rejected) != 1 || h.rejected[0] != store.KindMemory {
		t.Fatalf("rejected=%v", h.rejected)
	}
	if len(h.done) != 1 || h.done[0] != StateInvalid {
		t.Fatalf("done=%v", h.done)
	}
}

func TestNoSQLBodyLimitWithoutContentLength(t *testing.T) {
	e := newTestEngine(t, func(o *Options) { o.MaxBodySize = 10 })
	c := attach(t, e, "kv")
	r := request(http.MethodPost, "http://example.com/big")
	if r.Header.Get("Content-Length") != "" {
		t.Fatal("request declares a length")
	}
	if d := c.OnRequest(r); d.Reply != ReplyCreate {
		t.Fatalf("reply=%v", d.Reply)
	}
	for i := 0; i < 3; i++ {
		c.OnData(DirRequest, []byte(strings.Repeat("x", 10)))
	}
	d := c.OnEnd(DirRequest)
	if d.Reply != ReplyFull || c.State() != StateInvalid || !errors.Is(c.Err(), header.ErrTooLarge) {
		t.Fatalf("reply=%v state=%v err=%v", d.Reply, c.State(), c.Err())
	}
	c.Detach()
	if e.Memory().Used() != 0 || e.Dict(rule.ModeNoSQL).Len() != 0 {
		t.Fatalf("used=%d len=%d", e.Memory().Used(), e.Dict(rule.ModeNoSQL).Len())
	}

	// exactly at the limit is fine
	pc := post(t, e, "http://example.com/ok", strings.Repeat("y", 10))
	if pc.State() != StateDone {
		t.Fatalf("state=%v err=%v", pc.State(), pc.Err())
	}
}

func TestNoSQLDeclaredLengthOverLimit(t *testing.T) {
	e := newTestEngine(t, func(o *Options) { o.MaxBodySize = 10 })
	c := attach(t, e, "kv")
	defer c.Detach()
	r := request(http.MethodPost, "http://example.com/big")
	r.Header.Set("Content-Length", "30")
	if d := c.OnRequest(r); d.Reply != ReplyFull || d.Reply.Status() != 507 {
		t.Fatalf("reply=%v", d.Reply)
	}
	if e.Dict(rule.ModeNoSQL).Len() != 0 {
		t.Fatal("dictionary mutated")
	}
}

func TestNamedComponentsDoNotShareValues(t *testing.T) {
	reg := rule.NewRegistry()
	p, _ := reg.AddProxy("kv", rule.ModeNoSQL)
	for _, r := range []rule.Rule{
		{Name: "a", Key: key.MustParse("path.param_a")},
		{Name: "b", Key: key.MustParse("path.param_b")},
	} {
		if _, err := p.AddRule(r); err != nil {
			t.Fatal(err)
		}
	}
	e := newTestEngine(t, func(o *Options) { o.Registry = reg })

	post(t, e, "http://example.com/k?a=x", "secret-for-a")
	if _, body, st := get(t, e, "kv", "http://example.com/k?b=x"); st != StateNotFound {
		t.Fatalf("?b=x served %q (state=%v)", body, st)
	}
	if _, body, _ := get(t, e, "kv", "http://example.com/k?a=x"); body != "secret-for-a" {
		t.Fatalf("?a=x body=%q", body)
	}
}

func TestKeyBuildErrorReplies500(t *testing.T) {
	reg := rule.NewRegistry()
	p, _ := reg.AddProxy("kv", rule.ModeNoSQL)
	if _, err := p.AddRule(rule.Rule{Name: "tenant", Key: key.MustParse("method.host.path.header_X-Tenant!")}); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(t, func(o *Options) { o.Registry = reg })
	c := attach(t, e, "kv")
	defer c.Detach()
	d := c.OnRequest(request(http.MethodGet, "http://example.com/k"))
	if d.Reply != ReplyError || d.Reply.Status() != 500 {
		t.Fatalf("reply=%v", d.Reply)
	}
	var kbe *KeyBuildError
	if !errors.As(c.Err(), &kbe) || kbe.Rule != "tenant" || !errors.Is(c.Err(), key.ErrMissing) {
		t.Fatalf("err=%v", c.Err())
	}
	if e.Dict(rule.ModeNoSQL).Len() != 0 {
		t.Fatal("dictionary mutated")
	}
}

func TestRuleAdmission(t *testing.T) {
	reg := rule.NewRegistry()
	p, _ := reg.AddProxy("kv", rule.ModeNoSQL)
	_, _ = p.AddRule(rule.Rule{Name: "json-only", If: rule.Cond{Headers: map[string]string{"Content-Type": "application/json"}}})
	e := newTestEngine(t, func(o *Options) { o.Registry = reg })

	c := attach(t, e, "kv")
	defer c.Detach()
	if d := c.OnRequest(request(http.MethodPost, "http://example.com/k")); d.Reply != ReplyNotFound {
		t.Fatalf("unadmitted POST reply=%v", d.Reply)
	}
}

func TestTTLExpiry(t *testing.T) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	hooks := &recHooks{}
	e := newTestEngine(t, func(o *Options) {
		o.Registry = registry(t, store.KindMemory, time.Minute)
		o.Clock = clk.now
		o.Hooks = hooks
		o.SweepBatch = 1 << 10
	})
	post(t, e, "http://example.com/k", "v")
	if _, _, st := get(t, e, "kv", "http://example.com/k"); st != StateHitMemory {
		t.Fatalf("fresh state=%v", st)
	}
	clk.advance(2 * time.Minute)
	if n := e.Sweep(); n == 0 {
		t.Fatal("sweep retired nothing")
	}
	if e.Dict(rule.ModeNoSQL).Len() != 0 || e.Memory().Used() != 0 {
		t.Fatalf("len=%d used=%d", e.Dict(rule.ModeNoSQL).Len(), e.Memory().Used())
	}
	if hooks.swept == 0 {
		t.Fatal("Swept hook not called")
	}
	if _, _, st := get(t, e, "kv", "http://example.com/k"); st != StateNotFound {
		t.Fatalf("expired state=%v", st)
	}
}

// ==============================
// Cache mode
// ==============================

func TestCacheMissStoreHit(t *testing.T) {
	e := newTestEngine(t, nil)

	c := attach(t, e, "web")
	d := c.OnRequest(request(http.MethodGet, "http://example.com/page"))
	if !d.Forward || c.State() != StateNotFound {
		t.Fatalf("miss decision=%+v state=%v", d, c.State())
	}
	rh := http.Header{}
	rh.Set("Content-Type", "text/html")
	rh.Set("Connection", "keep-alive")
	if d := c.OnResponse(200, rh); !d.Forward || c.State() != StateCreate {
		t.Fatalf("response decision=%+v state=%v", d, c.State())
	}
	c.OnData(DirRequest, []byte("ignored"))
	c.OnData(DirResponse, []byte("<html>"))
	c.OnData(DirResponse, []byte("</html>"))
	c.OnEnd(DirResponse)
	if c.State() != StateDone {
		t.Fatalf("state=%v err=%v", c.State(), c.Err())
	}
	c.Detach()

	h, body, st := get(t, e, "web", "http://example.com/page")
	if st != StateHitMemory || body != "<html></html>" {
		t.Fatalf("state=%v body=%q", st, body)
	}
	if h.Get("Content-Type") != "text/html" || h.Get("Connection") != "" {
		t.Fatalf("header=%+v", h)
	}

	// HEAD is served from the GET entry
	c = attach(t, e, "web")
	defer c.Detach()
	if d := c.OnRequest(request(http.MethodHead, "http://example.com/page")); d.Reply != ReplyHit {
		t.Fatalf("HEAD reply=%v", d.Reply)
	}
}

func TestCacheDoesNotStoreNon200(t *testing.T) {
	e := newTestEngine(t, nil)
	c := attach(t, e, "web")
	c.OnRequest(request(http.MethodGet, "http://example.com/missing"))
	c.OnResponse(404, http.Header{})
	c.OnData(DirResponse, []byte("nope"))
	c.OnEnd(DirResponse)
	c.Detach()
	if c.State() != StateBypass || e.Dict(rule.ModeCache).Len() != 0 {
		t.Fatalf("state=%v len=%d", c.State(), e.Dict(rule.ModeCache).Len())
	}
}

func TestCacheBypassesOtherMethods(t *testing.T) {
	e := newTestEngine(t, nil)
	c := attach(t, e, "web")
	defer c.Detach()
	d := c.OnRequest(request(http.MethodPost, "http://example.com/form"))
	if !d.Forward || !d.Bypass || c.State() != StateBypass {
		t.Fatalf("decision=%+v state=%v", d, c.State())
	}
	if d := c.OnResponse(200, http.Header{}); !d.Forward || c.State() != StateBypass {
		t.Fatalf("response decision=%+v state=%v", d, c.State())
	}
}

func TestCacheBusyResponseBypasses(t *testing.T) {
	e := newTestEngine(t, nil)
	a := attach(t, e, "web")
	b := attach(t, e, "web")
	defer a.Detach()
	defer b.Detach()
	a.OnRequest(request(http.MethodGet, "http://example.com/p"))
	b.OnRequest(request(http.MethodGet, "http://example.com/p"))
	a.OnResponse(200, http.Header{})
	if d := b.OnResponse(200, http.Header{}); !d.Forward || d.Wait || b.State() != StateBypass {
		t.Fatalf("decision=%+v state=%v", d, b.State())
	}
}

// ==============================
// Purge
// ==============================

func TestPurgeByName(t *testing.T) {
	h := &recHooks{}
	e := newTestEngine(t, func(o *Options) { o.Hooks = h })
	for i := 0; i < 5; i++ {
		post(t, e, fmt.Sprintf("http://example.com/k%d", i), "v")
	}
	st, err := e.Purge(context.Background(), http.Header{"Name": {"kv"}})
	if err != nil || st != 200 {
		t.Fatalf("status=%d err=%v", st, err)
	}
	if e.Dict(rule.ModeNoSQL).Len() != 0 || e.Memory().Used() != 0 {
		t.Fatalf("len=%d used=%d", e.Dict(rule.ModeNoSQL).Len(), e.Memory().Used())
	}
	if len(h.purges) != 1 || h.purges[0] != purger.ModeProxy {
		t.Fatalf("purges=%v", h.purges)
	}

	if st, _ := e.Purge(context.Background(), http.Header{"Name": {"nope"}}); st != 404 {
		t.Fatalf("unknown name status=%d", st)
	}
	if st, _ := e.Purge(context.Background(), http.Header{"Regex": {"(["}}); st != 400 {
		t.Fatalf("bad regex status=%d", st)
	}
	if st, _ := e.Purge(context.Background(), http.Header{}); st != 400 {
		t.Fatalf("empty command status=%d", st)
	}
}

func TestPurgeByHostCoversBothModes(t *testing.T) {
	e := newTestEngine(t, nil)
	post(t, e, "http://a.com/x", "v")
	post(t, e, "http://b.com/x", "v")
	c := attach(t, e, "web")
	c.OnRequest(request(http.MethodGet, "http://a.com/y"))
	c.OnResponse(200, http.Header{})
	c.OnData(DirResponse, []byte("page"))
	c.OnEnd(DirResponse)
	c.Detach()

	if st, err := e.Purge(context.Background(), http.Header{"X-Host": {"a.com"}}); st != 200 || err != nil {
		t.Fatalf("status=%d err=%v", st, err)
	}
	if e.Dict(rule.ModeCache).Len() != 0 || e.Dict(rule.ModeNoSQL).Len() != 1 {
		t.Fatalf("cache=%d nosql=%d", e.Dict(rule.ModeCache).Len(), e.Dict(rule.ModeNoSQL).Len())
	}
}

func TestPurgeDuringCreate(t *testing.T) {
	e := newTestEngine(t, nil)
	c := attach(t, e, "kv")
	defer c.Detach()
	c.OnRequest(request(http.MethodPost, "http://example.com/k"))
	c.OnData(DirRequest, []byte("v"))

	if st, _ := e.Purge(context.Background(), http.Header{"Name": {"*"}}); st != 200 {
		t.Fatalf("status=%d", st)
	}
	if d := c.OnEnd(DirRequest); d.Reply != ReplyEmpty {
		t.Fatalf("reply=%v", d.Reply)
	}
	if e.Memory().Used() != 0 || e.Dict(rule.ModeNoSQL).Len() != 0 {
		t.Fatalf("used=%d len=%d", e.Memory().Used(), e.Dict(rule.ModeNoSQL).Len())
	}
}

func TestPurgeKey(t *testing.T) {
	e := newTestEngine(t, nil)
	post(t, e, "http://example.com/k", "v")

	st, err := e.PurgeKey("kv", request(http.MethodGet, "http://example.com/k"))
	if st != 200 || err != nil {
		t.Fatalf("status=%d err=%v", st, err)
	}
	if st, _ := e.PurgeKey("kv", request(http.MethodGet, "http://example.com/k")); st != 404 {
		t.Fatalf("second purge status=%d", st)
	}
	if st, _ := e.PurgeKey("nope", request(http.MethodGet, "http://example.com/k")); st != 404 {
		t.Fatalf("unknown proxy status=%d", st)
	}
}

func TestPurgeKeyEvaluatesEveryRule(t *testing.T) {
	reg := rule.NewRegistry()
	p, _ := reg.AddProxy("kv", rule.ModeNoSQL)
	_, _ = p.AddRule(rule.Rule{Name: "admin", If: rule.Cond{Headers: map[string]string{"X-Admin": ""}}, Key: key.MustParse("method.host.path.header_X-Admin")})
	_, _ = p.AddRule(rule.Rule{Name: "all"})
	e := newTestEngine(t, func(o *Options) { o.Registry = reg })
	post(t, e, "http://example.com/k", "v") // stored under the second rule

	if st, _ := e.PurgeKey("kv", request(http.MethodGet, "http://example.com/k")); st != 200 {
		t.Fatalf("status=%d", st)
	}
	if e.Dict(rule.ModeNoSQL).Len() != 0 {
		t.Fatal("entry of the second rule survived")
	}
}

// ==============================
// Disk and kv backends
// ==============================

func TestDiskRestore(t *testing.T) {
	dir := t.TempDir()
	reg := registry(t, store.KindDisk, 0)
	opts := func(o *Options) {
		o.Registry = reg
		o.Disk = &disk.Options{Dir: dir}
		o.Restore = true
	}
	e := newTestEngine(t, opts)
	post(t, e, "http://example.com/persisted", "hello disk")
	if _, body, st := get(t, e, "kv", "http://example.com/persisted"); st != StateHitDisk || body != "hello disk" {
		t.Fatalf("state=%v body=%q", st, body)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	e2 := newTestEngine(t, opts)
	if e2.Dict(rule.ModeNoSQL).Len() != 1 {
		t.Fatalf("restored %d entries", e2.Dict(rule.ModeNoSQL).Len())
	}
	h, body, st := get(t, e2, "kv", "http://example.com/persisted")
	if st != StateHitDisk || body != "hello disk" || h.Get("Content-Type") != "text/plain" {
		t.Fatalf("state=%v body=%q header=%+v", st, body, h)
	}
}

func TestDiskRuleWithoutDiskStoreFails(t *testing.T) {
	_, err := New(Options{Registry: registry(t, store.KindDisk, 0), CleanupInterval: -1})
	if !errors.Is(err, ErrNoBackend) {
		t.Fatalf("err=%v", err)
	}
}

func TestKVBackend(t *testing.T) {
	mp := newMemProvider()
	e := newTestEngine(t, func(o *Options) {
		o.Registry = registry(t, store.KindKV, time.Hour)
		o.KV = &kv.Options{Provider: mp}
	})
	post(t, e, "http://example.com/k", "kv value")
	if _, body, st := get(t, e, "kv", "http://example.com/k"); st != StateHitKV || body != "kv value" {
		t.Fatalf("state=%v body=%q", st, body)
	}

	// evicted by the provider: the entry is dropped on the next read
	mp.mu.Lock()
	for k := range mp.m {
		delete(mp.m, k)
	}
	mp.mu.Unlock()
	if _, _, st := get(t, e, "kv", "http://example.com/k"); st != StateNotFound {
		t.Fatalf("state=%v", st)
	}
	if e.Dict(rule.ModeNoSQL).Len() != 0 {
		t.Fatal("evicted entry kept")
	}
}

func TestAttachErrors(t *testing.T) {
	e := newTestEngine(t, nil)
	if _, err := e.Attach("missing"); !errors.Is(err, ErrNoProxy) {
		t.Fatalf("err=%v", err)
	}
	e2 := newTestEngine(t, func(o *Options) { o.Disabled = true })
	if _, err := e2.Attach("kv"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v", err)
	}
}
