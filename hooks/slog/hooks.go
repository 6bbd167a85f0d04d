// Package sloghooks logs nuster hook events through log/slog. Frequent
// events can be sampled.
package sloghooks

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jianshenyixiao/nuster"
	"github.com/jianshenyixiao/nuster/purger"
	"github.com/jianshenyixiao/nuster/rule"
	"github.com/jianshenyixiao/nuster/store"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	RequestEvery  uint64
	SelfHealEvery uint64
	RejectEvery   uint64
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	requestCtr  atomic.Uint64
	selfHealCtr atomic.Uint64
	rejectCtr   atomic.Uint64
}

var _ nuster.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) RequestDone(proxy string, mode rule.Mode, st nuster.State) {
	if h.l == nil || !sample(h.opts.RequestEvery, &h.requestCtr) {
		return
	}
	h.l.Debug("nuster.request_done",
		"proxy", proxy,
		"mode", mode.String(),
		"state", st.String())
}

func (h *Hooks) StoreRejected(kind store.Kind, err error) {
	if h.l == nil || !sample(h.opts.RejectEvery, &h.rejectCtr) {
		return
	}
	h.l.Warn("nuster.store_rejected",
		"store", kind.String(),
		"err", err)
}

func (h *Hooks) SelfHeal(kind store.Kind, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Info("nuster.self_heal",
		"store", kind.String(),
		"reason", reason)
}

func (h *Hooks) PurgeDone(mode purger.Mode, visited, invalidated int, elapsed time.Duration) {
	if h.l == nil {
		return
	}
	h.l.Info("nuster.purge_done",
		"mode", mode.String(),
		"visited", visited,
		"invalidated", invalidated,
		"elapsed", elapsed)
}

func (h *Hooks) Swept(n int) {
	if h.l == nil {
		return
	}
	h.l.Debug("nuster.swept", "entries", n)
}
