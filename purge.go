package nuster

import (
	"context"
	"net/http"

	"github.com/jianshenyixiao/nuster/dict"
	"github.com/jianshenyixiao/nuster/key"
	"github.com/jianshenyixiao/nuster/purger"
	"github.com/jianshenyixiao/nuster/txn"
)

// NewPurge parses a purge command into a Purger over the dictionaries the
// target concerns. The caller drives it and must Close it.
func (e *Engine) NewPurge(h http.Header) (*purger.Purger, error) {
	t, err := purger.Parse(h, e.reg)
	if err != nil {
		return nil, err
	}
	ds := e.dicts()
	if t.Scope != 0 {
		ds = []*dict.Dict{e.Dict(t.Scope)}
	}
	return purger.New(t, ds, purger.Options{
		Slice: e.purgeSlice,
		Batch: e.purgeBatch,
	}), nil
}

// Purge runs the purge command in h to completion and returns the reply
// status: 200 when done, 404 for an unknown name, 400 for a command
// without criteria or with a bad regex.
func (e *Engine) Purge(ctx context.Context, h http.Header) (int, error) {
	p, err := e.NewPurge(h)
	if err != nil {
		return purger.Status(err), err
	}
	defer p.Close()
	res, err := p.Run(ctx)
	mode := p.Target().Mode
	if err != nil {
		e.log.Warn("purge interrupted", Fields{"mode": mode.String(), "invalidated": res.Invalidated, "err": err})
		return http.StatusInternalServerError, err
	}
	e.hooks.PurgeDone(mode, res.Visited, res.Invalidated, res.Elapsed)
	e.log.Info("purge done", Fields{
		"mode":        mode.String(),
		"visited":     res.Visited,
		"invalidated": res.Invalidated,
		"elapsed":     res.Elapsed.String(),
	})
	return http.StatusOK, nil
}

// PurgeKey deletes the entry every rule of proxy would key r to. It
// returns 200 if anything was deleted, 404 if nothing was and 500 when a
// key could not be built.
func (e *Engine) PurgeKey(proxy string, r *http.Request) (int, error) {
	p, ok := e.reg.Proxy(proxy)
	if !ok {
		return http.StatusNotFound, ErrNoProxy
	}
	t := txn.Acquire()
	defer txn.Release(t)
	if err := t.Parse(r); err != nil {
		return http.StatusInternalServerError, err
	}
	d := e.Dict(p.Mode)
	deleted := false
	for _, ru := range p.Rules {
		k, err := key.Build(ru.Key, t, http.MethodGet)
		if err != nil {
			return http.StatusInternalServerError, &KeyBuildError{Proxy: p.Name, Rule: ru.Name, Err: err}
		}
		if d.Delete(k.Hash(), dict.ExactMatch(k.Bytes(), p.ID)) {
			deleted = true
		}
		k.Release()
	}
	if !deleted {
		return http.StatusNotFound, nil
	}
	return http.StatusOK, nil
}
