package nuster

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jianshenyixiao/nuster/dict"
	"github.com/jianshenyixiao/nuster/header"
	"github.com/jianshenyixiao/nuster/key"
	"github.com/jianshenyixiao/nuster/rule"
	"github.com/jianshenyixiao/nuster/store"
	"github.com/jianshenyixiao/nuster/txn"
)

// Context is the filter state of one request. It is driven by a single
// goroutine and must be detached exactly once; Detach is idempotent.
type Context struct {
	e     *Engine
	proxy *rule.Proxy
	d     *dict.Dict

	state State
	reply Reply
	err   error
	rule  *rule.Rule
	keys  []*key.Key
	txn   *txn.Txn

	hit    dict.Hit
	reader store.Reader

	hdr     header.Header
	handle  dict.Handle
	writer  store.Writer
	expire  time.Time
	written int64

	detached bool
}

// Attach creates the filter context of a request to the named proxy.
func (e *Engine) Attach(proxy string) (*Context, error) {
	if !e.enabled {
		return nil, ErrDisabled
	}
	p, ok := e.reg.Proxy(proxy)
	if !ok {
		return nil, ErrNoProxy
	}
	if p.Disabled {
		return nil, ErrDisabled
	}
	return &Context{
		e:     e,
		proxy: p,
		d:     e.Dict(p.Mode),
		keys:  make([]*key.Key, p.KeyCount),
		txn:   txn.Acquire(),
	}, nil
}

func (c *Context) State() State       { return c.state }
func (c *Context) Reply() Reply       { return c.reply }
func (c *Context) Err() error         { return c.err }
func (c *Context) Proxy() *rule.Proxy { return c.proxy }

// Rule is the rule that matched, if any.
func (c *Context) Rule() *rule.Rule { return c.rule }

// Txn is the parsed transaction; valid until Detach.
func (c *Context) Txn() *txn.Txn { return c.txn }

// OnRequest runs the request-headers stage. A Decision with Wait set asks
// for OnRequest to be called again once the competing create finished.
func (c *Context) OnRequest(r *http.Request) Decision {
	if c.detached {
		c.err = ErrDetached
		return Decision{Reply: ReplyError}
	}
	if c.proxy.Mode == rule.ModeNoSQL {
		return c.nosqlRequest(r)
	}
	return c.cacheRequest(r)
}

func (c *Context) nosqlRequest(r *http.Request) Decision {
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodDelete:
	default:
		c.reply = ReplyNotAllowed
		return Decision{Reply: c.reply}
	}

	if c.state == StateInit {
		if err := c.txn.Parse(r); err != nil {
			return c.fail(StateError, err)
		}
		for _, ru := range c.proxy.Rules {
			c.rule = ru
			k, err := c.key(ru)
			if err != nil {
				return c.fail(StateError, err)
			}
			switch r.Method {
			case http.MethodGet:
				if c.lookup(k) {
					return Decision{Reply: c.reply, Bypass: true, NeverWait: true}
				}
			case http.MethodPost:
				if !ru.Admit(c.txn) {
					continue
				}
				hdr, err := header.FromRequest(r.Header, c.e.maxBody)
				switch {
				case errors.Is(err, header.ErrTooLarge):
					c.err = err
					c.state = StateFull
				case err != nil:
					c.err = err
					c.state = StateInvalid
				default:
					c.hdr = hdr
					c.state = StatePass
				}
			case http.MethodDelete:
				if c.d.Delete(k.Hash(), dict.ExactMatch(k.Bytes(), c.proxy.ID)) {
					c.state = StateDelete
				}
			}
			if c.state != StateInit {
				break
			}
		}
		if c.state == StateInit {
			c.rule = nil
			c.state = StateNotFound
		}
	}

	if c.state == StatePass {
		c.create()
	}
	switch c.state {
	case StateNotFound:
		c.reply = ReplyNotFound
	case StateCreate:
		c.reply = ReplyCreate
	case StateWait:
		c.state = StatePass
		c.reply = ReplyWait
		return Decision{Reply: c.reply, Wait: true}
	case StateDelete:
		c.reply = ReplyEnd
	case StateInvalid, StateError:
		c.reply = ReplyError
	case StateFull:
		c.reply = ReplyFull
	}
	return Decision{Reply: c.reply}
}

func (c *Context) cacheRequest(r *http.Request) Decision {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		c.state = StateBypass
		return Decision{Forward: true, Bypass: true}
	}
	if c.state != StateInit {
		return Decision{Reply: c.reply, Forward: c.state == StateNotFound}
	}
	if err := c.txn.Parse(r); err != nil {
		return c.fail(StateError, err)
	}
	for _, ru := range c.proxy.Rules {
		c.rule = ru
		k, err := c.key(ru)
		if err != nil {
			return c.fail(StateError, err)
		}
		if c.lookup(k) {
			return Decision{Reply: c.reply, Bypass: true, NeverWait: true}
		}
	}
	c.rule = nil
	c.state = StateNotFound
	return Decision{Forward: true}
}

// OnResponse runs the response-headers stage of a cache-mode miss: the
// first rule admitting the response starts storing it. The response is
// always forwarded to the client.
func (c *Context) OnResponse(status int, h http.Header) Decision {
	if c.detached || c.proxy.Mode != rule.ModeCache || c.state != StateNotFound || c.txn.Method != http.MethodGet {
		return Decision{Forward: true}
	}
	c.txn.SetResponse(status, h)
	for _, ru := range c.proxy.Rules {
		if ru.Admit(c.txn) {
			c.rule = ru
			c.hdr = header.FromResponse(status, h)
			c.state = StatePass
			break
		}
	}
	if c.state != StatePass {
		c.state = StateBypass
		return Decision{Forward: true}
	}
	if _, err := c.key(c.rule); err != nil {
		c.fail(StateError, err)
		c.reply = ReplyNone
		return Decision{Forward: true}
	}
	c.create()
	return Decision{Forward: true}
}

// OnData feeds a body chunk. Chunks are only stored while creating and only
// in the direction the proxy stores (request for nosql, response for
// cache). It always consumes the whole chunk.
func (c *Context) OnData(dir Dir, b []byte) int {
	if c.state != StateCreate || dir != c.storeDir() || len(b) == 0 {
		return len(b)
	}
	if limit := c.e.maxBody; limit > 0 && c.storeDir() == DirRequest && c.written+int64(len(b)) > limit {
		c.abortCreate()
		c.err = fmt.Errorf("%w: more than %d bytes", header.ErrTooLarge, limit)
		c.state = StateInvalid
		c.reply = ReplyFull
		return len(b)
	}
	if _, err := c.writer.Write(b); err != nil {
		c.abortCreate()
		c.storeFailed(err)
		c.state = StateInvalid
		if c.proxy.Mode == rule.ModeNoSQL {
			c.reply = ReplyFull
		}
		return len(b)
	}
	c.written += int64(len(b))
	return len(b)
}

// OnEnd completes the body in dir. For nosql the returned reply is End on
// success and Empty when nothing could be stored.
func (c *Context) OnEnd(dir Dir) Decision {
	if c.state != StateCreate || dir != c.storeDir() {
		return Decision{Reply: c.reply}
	}
	c.finish()
	if c.proxy.Mode == rule.ModeNoSQL {
		if c.state == StateDone {
			c.reply = ReplyEnd
		} else {
			c.reply = ReplyEmpty
		}
	}
	return Decision{Reply: c.reply}
}

// Hit returns the stored header and the body reader of a hit. The reader
// stays owned by the context and is closed by Detach.
func (c *Context) Hit() (header.Header, store.Reader, error) {
	if c.reader == nil {
		return header.Header{}, nil, ErrNoHit
	}
	h, err := c.e.codec.Decode(c.reader.Header())
	if err != nil {
		c.d.Invalidate(c.hit.Handle)
		c.e.hooks.SelfHeal(c.hit.Kind, "header")
		return header.Header{}, nil, errors.Join(store.ErrCorrupt, err)
	}
	return h, c.reader, nil
}

// Detach releases everything the context holds and aborts an unfinished
// create. Safe to call more than once.
func (c *Context) Detach() {
	if c.detached {
		return
	}
	c.detached = true
	c.e.hooks.RequestDone(c.proxy.Name, c.proxy.Mode, c.state)
	if c.state == StateCreate {
		c.abortCreate()
	}
	if c.reader != nil {
		_ = c.reader.Close()
		c.reader = nil
	}
	for i, k := range c.keys {
		if k != nil {
			k.Release()
			c.keys[i] = nil
		}
	}
	txn.Release(c.txn)
	c.txn = nil
	c.rule = nil
}

func (c *Context) storeDir() Dir {
	if c.proxy.Mode == rule.ModeNoSQL {
		return DirRequest
	}
	return DirResponse
}

func (c *Context) fail(st State, err error) Decision {
	c.state = st
	c.err = err
	c.reply = ReplyError
	return Decision{Reply: c.reply}
}

// key returns the rule's key, building it on first use. Rules sharing a
// key spec share the slot. Keys are built as for GET so that POST and
// DELETE address the value a GET reads.
func (c *Context) key(ru *rule.Rule) (*key.Key, error) {
	if k := c.keys[ru.KeyIdx]; k != nil {
		return k, nil
	}
	k, err := key.Build(ru.Key, c.txn, http.MethodGet)
	if err != nil {
		return nil, &KeyBuildError{Proxy: c.proxy.Name, Rule: ru.Name, Err: err}
	}
	c.keys[ru.KeyIdx] = k
	return k, nil
}

func (c *Context) lookup(k *key.Key) bool {
	hit, ok := c.d.Get(k.Hash(), dict.ExactMatch(k.Bytes(), c.proxy.ID), c.e.now())
	if !ok {
		return false
	}
	c.hit = hit
	c.reader = hit.Reader
	switch hit.Kind {
	case store.KindDisk:
		c.state = StateHitDisk
	case store.KindKV:
		c.state = StateHitKV
	default:
		c.state = StateHitMemory
	}
	c.reply = ReplyHit
	return true
}

// create reserves the entry and opens a writer on the rule's backend.
func (c *Context) create() {
	ru := c.rule
	k := c.keys[ru.KeyIdx]
	hb, err := c.e.codec.Encode(c.hdr)
	if err != nil {
		c.err = err
		c.state = StateInvalid
		return
	}
	now := c.e.now()
	if ru.TTL > 0 {
		c.expire = now.Add(ru.TTL)
	}
	h, err := c.d.Reserve(dict.Entry{
		Hash:    k.Hash(),
		Key:     k.Bytes(),
		Host:    c.txn.Host,
		Path:    c.txn.Path,
		ProxyID: c.proxy.ID,
		RuleID:  ru.ID,
	}, dict.ExactMatch(k.Bytes(), c.proxy.ID))
	if errors.Is(err, dict.ErrBusy) {
		if c.proxy.Mode == rule.ModeNoSQL {
			c.state = StateWait
		} else {
			c.state = StateBypass
		}
		return
	}
	w, err := c.e.backends[ru.Store].Create(store.Meta{
		Hash:    k.Hash(),
		Key:     k.Bytes(),
		Host:    c.txn.Host,
		Path:    c.txn.Path,
		ProxyID: c.proxy.ID,
		RuleID:  ru.ID,
		Expire:  c.expire,
		Header:  hb,
	})
	if err != nil {
		c.d.Abort(h)
		c.storeFailed(err)
		if errors.Is(err, store.ErrFull) {
			c.state = StateFull
		} else {
			c.state = StateInvalid
		}
		return
	}
	c.handle = h
	c.writer = w
	c.written = 0
	c.state = StateCreate
}

func (c *Context) finish() {
	w, h := c.writer, c.handle
	c.writer, c.handle = nil, dict.Handle{}
	if c.proxy.Mode == rule.ModeNoSQL && c.written == 0 {
		w.Abort()
		c.d.Abort(h)
		c.state = StateEmpty
		return
	}
	obj, err := w.Finish()
	if err != nil {
		c.d.Abort(h)
		c.storeFailed(err)
		c.state = StateEmpty
		return
	}
	if err := c.d.Commit(h, obj, c.expire); err != nil {
		// purged while being created
		obj.Invalidate()
		c.err = err
		c.state = StateEmpty
		return
	}
	c.state = StateDone
	c.e.log.Debug("object stored", Fields{
		"proxy": c.proxy.Name,
		"rule":  c.rule.Name,
		"store": c.rule.Store.String(),
		"size":  obj.Size(),
	})
}

func (c *Context) abortCreate() {
	if c.writer != nil {
		c.writer.Abort()
		c.writer = nil
	}
	if !c.handle.IsZero() {
		c.d.Abort(c.handle)
		c.handle = dict.Handle{}
	}
}

func (c *Context) storeFailed(err error) {
	kind := c.rule.Store
	c.err = &StoreAllocError{Kind: kind, Err: err}
	c.e.hooks.StoreRejected(kind, err)
	if errors.Is(err, store.ErrFull) {
		c.e.log.Debug("store full", Fields{"store": kind.String(), "proxy": c.proxy.Name})
		return
	}
	c.e.log.Warn("store write failed", Fields{"store": kind.String(), "proxy": c.proxy.Name, "err": err})
}
