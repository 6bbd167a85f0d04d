// Package metrics exports nuster hook events and engine occupancy to
// Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jianshenyixiao/nuster"
	"github.com/jianshenyixiao/nuster/purger"
	"github.com/jianshenyixiao/nuster/rule"
	"github.com/jianshenyixiao/nuster/store"
)

// Metrics holds the collectors fed by the engine hooks.
type Metrics struct {
	RequestsTotal *prometheus.CounterVec
	HitsTotal     *prometheus.CounterVec
	RejectedTotal *prometheus.CounterVec
	SelfHealTotal *prometheus.CounterVec
	PurgesTotal   *prometheus.CounterVec
	PurgedEntries *prometheus.CounterVec
	PurgeDuration *prometheus.HistogramVec
	SweptEntries  prometheus.Counter
}

var _ nuster.Hooks = (*Metrics)(nil)

// New registers the collectors with reg (prometheus.DefaultRegisterer when
// nil) under namespace, "nuster" by default.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "nuster"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Requests seen by the filter, by final state",
			},
			[]string{"proxy", "mode", "state"},
		),
		HitsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hits_total",
				Help:      "Requests served from a store",
			},
			[]string{"proxy", "store"},
		),
		RejectedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_rejected_total",
				Help:      "Objects a backend refused or failed to write",
			},
			[]string{"store", "reason"}, // reason: full, error
		),
		SelfHealTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "self_heal_total",
				Help:      "Unreadable objects dropped on access",
			},
			[]string{"store", "reason"},
		),
		PurgesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purges_total",
				Help:      "Completed bulk purges",
			},
			[]string{"mode"},
		),
		PurgedEntries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purged_entries_total",
				Help:      "Entries invalidated by bulk purges",
			},
			[]string{"mode"},
		),
		PurgeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "purge_duration_seconds",
				Help:      "Wall time of bulk purges",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
			},
			[]string{"mode"},
		),
		SweptEntries: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "swept_entries_total",
				Help:      "Entries retired or reclaimed by the background sweep",
			},
		),
	}
}

func (m *Metrics) RequestDone(proxy string, mode rule.Mode, st nuster.State) {
	m.RequestsTotal.WithLabelValues(proxy, mode.String(), st.String()).Inc()
	switch st {
	case nuster.StateHitMemory:
		m.HitsTotal.WithLabelValues(proxy, store.KindMemory.String()).Inc()
	case nuster.StateHitDisk:
		m.HitsTotal.WithLabelValues(proxy, store.KindDisk.String()).Inc()
	case nuster.StateHitKV:
		m.HitsTotal.WithLabelValues(proxy, store.KindKV.String()).Inc()
	}
}

func (m *Metrics) StoreRejected(kind store.Kind, err error) {
	reason := "error"
	if errors.Is(err, store.ErrFull) {
		reason = "full"
	}
	m.RejectedTotal.WithLabelValues(kind.String(), reason).Inc()
}

func (m *Metrics) SelfHeal(kind store.Kind, reason string) {
	m.SelfHealTotal.WithLabelValues(kind.String(), reason).Inc()
}

func (m *Metrics) PurgeDone(mode purger.Mode, _, invalidated int, elapsed time.Duration) {
	l := mode.String()
	m.PurgesTotal.WithLabelValues(l).Inc()
	m.PurgedEntries.WithLabelValues(l).Add(float64(invalidated))
	m.PurgeDuration.WithLabelValues(l).Observe(elapsed.Seconds())
}

func (m *Metrics) Swept(n int) { m.SweptEntries.Add(float64(n)) }

// RegisterStats exports the engine's occupancy as gauges read at scrape
// time.
func RegisterStats(reg prometheus.Registerer, namespace string, e *nuster.Engine) error {
	if namespace == "" {
		namespace = "nuster"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gauges := []struct {
		name, help string
		fn         func(nuster.Stats) float64
	}{
		{"cache_entries", "Entries in the cache dictionary", func(s nuster.Stats) float64 { return float64(s.CacheEntries) }},
		{"nosql_entries", "Entries in the nosql dictionary", func(s nuster.Stats) float64 { return float64(s.NoSQLEntries) }},
		{"memory_used_bytes", "Bytes held in the memory arena", func(s nuster.Stats) float64 { return float64(s.MemoryUsed) }},
		{"memory_size_bytes", "Capacity of the memory arena", func(s nuster.Stats) float64 { return float64(s.MemorySize) }},
		{"disk_used_bytes", "Bytes held by the disk store", func(s nuster.Stats) float64 { return float64(s.DiskUsed) }},
	}
	for _, g := range gauges {
		fn := g.fn
		c := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      g.name,
			Help:      g.help,
		}, func() float64 { return fn(e.Stats()) })
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
