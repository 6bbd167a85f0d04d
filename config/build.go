package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jianshenyixiao/nuster"
	"github.com/jianshenyixiao/nuster/genstore"
	"github.com/jianshenyixiao/nuster/header"
	"github.com/jianshenyixiao/nuster/key"
	nzap "github.com/jianshenyixiao/nuster/log/zap"
	nlogrus "github.com/jianshenyixiao/nuster/log/logrus"
	nslog "github.com/jianshenyixiao/nuster/log/slog"
	"github.com/jianshenyixiao/nuster/provider"
	"github.com/jianshenyixiao/nuster/provider/bigcache"
	predis "github.com/jianshenyixiao/nuster/provider/redis"
	"github.com/jianshenyixiao/nuster/provider/ristretto"
	"github.com/jianshenyixiao/nuster/rule"
	"github.com/jianshenyixiao/nuster/store"
	"github.com/jianshenyixiao/nuster/store/disk"
	"github.com/jianshenyixiao/nuster/store/kv"
)

// Runtime is a configuration turned into live objects. Options is ready for
// nuster.New; Close releases what the engine does not own.
type Runtime struct {
	Options  nuster.Options
	Registry *rule.Registry
	Logger   nuster.Logger
	Proxies  []ProxyConfig
	Manager  ManagerConfig

	closers []func(context.Context) error
}

// Close releases the generation store, the shared redis client and flushes
// the logger. Call it after closing the engine.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i](ctx))
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Build validates cfg and assembles the runtime. On error everything built
// so far is released.
func Build(cfg *Config) (*Runtime, error) {
	rt := &Runtime{Proxies: cfg.Proxies, Manager: cfg.Manager}
	if err := rt.build(cfg); err != nil {
		_ = rt.Close(context.Background())
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) build(cfg *Config) (err error) {
	if rt.Logger, err = rt.buildLogger(cfg.Log); err != nil {
		return err
	}
	if rt.Registry, err = buildRegistry(cfg.Proxies); err != nil {
		return err
	}
	hc, err := header.Codec(cfg.Global.HeaderCodec)
	if err != nil {
		return &Error{Field: "global.header_codec", Err: err}
	}

	g := cfg.Global
	rt.Options = nuster.Options{
		Registry:        rt.Registry,
		DictSize:        g.DictSize,
		DictShards:      g.DictShards,
		MemorySize:      int64(g.Memory),
		ChunkSize:       int(g.ChunkSize),
		HeaderCodec:     hc,
		MaxBodySize:     int64(g.MaxBodySize),
		CleanupInterval: g.CleanupInterval,
		SweepBatch:      g.SweepBatch,
		PurgeSlice:      g.PurgeSlice,
		PurgeBatch:      g.PurgeBatch,
		Logger:          rt.Logger,
		Disabled:        g.Disabled,
	}
	if cfg.Disk.Dir != "" {
		rt.Options.Disk = &disk.Options{Dir: cfg.Disk.Dir, MaxSize: int64(cfg.Disk.MaxSize)}
		rt.Options.Restore = cfg.Disk.Restore
	}
	if cfg.KV.Provider != "" {
		if rt.Options.KV, err = rt.buildKV(cfg.KV); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Runtime) buildLogger(c LogConfig) (nuster.Logger, error) {
	format := strings.ToLower(c.Format)
	if format != "" && format != "json" && format != "text" {
		return nil, &Error{Field: "log.format", Err: fmt.Errorf("unknown format %q", c.Format)}
	}
	switch strings.ToLower(c.Backend) {
	case "", "zap":
		level, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, &Error{Field: "log.level", Err: err}
		}
		zc := zap.NewProductionConfig()
		if format == "text" {
			zc = zap.NewDevelopmentConfig()
		}
		zc.Level = zap.NewAtomicLevelAt(level)
		l, err := zc.Build()
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func(context.Context) error {
			_ = l.Sync() // fails on non-syncable stderr
			return nil
		})
		return nzap.New(l.Named("nuster")), nil
	case "logrus":
		level, err := logrus.ParseLevel(c.Level)
		if err != nil {
			return nil, &Error{Field: "log.level", Err: err}
		}
		l := logrus.New()
		l.SetLevel(level)
		if format == "text" {
			l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		} else {
			l.SetFormatter(&logrus.JSONFormatter{})
		}
		return nlogrus.New(l, "nuster"), nil
	case "slog":
		var level slog.Level
		if err := level.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, &Error{Field: "log.level", Err: err}
		}
		opts := &slog.HandlerOptions{Level: level}
		var h slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
		if format == "text" {
			h = slog.NewTextHandler(os.Stderr, opts)
		}
		return nslog.New(slog.New(h)), nil
	}
	return nil, &Error{Field: "log.backend", Err: fmt.Errorf("unknown backend %q", c.Backend)}
}

func buildRegistry(proxies []ProxyConfig) (*rule.Registry, error) {
	reg := rule.NewRegistry()
	for i, pc := range proxies {
		field := fmt.Sprintf("proxies[%d]", i)
		mode, err := rule.ParseMode(pc.Mode)
		if err != nil {
			return nil, &Error{Field: field + ".mode", Err: err}
		}
		if mode == rule.ModeCache && !pc.Disabled {
			if pc.Upstream == "" {
				return nil, &Error{Field: field + ".upstream", Err: errors.New("required in cache mode")}
			}
			if _, err := url.Parse(pc.Upstream); err != nil {
				return nil, &Error{Field: field + ".upstream", Err: err}
			}
		}
		p, err := reg.AddProxy(pc.Name, mode)
		if err != nil {
			return nil, &Error{Field: field + ".name", Err: err}
		}
		p.Disabled = pc.Disabled
		for j, rc := range pc.Rules {
			rf := fmt.Sprintf("%s.rules[%d]", field, j)
			r := rule.Rule{Name: rc.Name, TTL: rc.TTL}
			if rc.Key != "" {
				if r.Key, err = key.Parse(rc.Key); err != nil {
					return nil, &Error{Field: rf + ".key", Err: err}
				}
			}
			if r.Store, err = store.ParseKind(rc.Store); err != nil {
				return nil, &Error{Field: rf + ".store", Err: err}
			}
			if rc.TTL < 0 {
				return nil, &Error{Field: rf + ".ttl", Err: errors.New("must not be negative")}
			}
			if c := rc.If; c != nil {
				r.If = rule.Cond{
					Methods:    c.Methods,
					PathPrefix: c.PathPrefix,
					Headers:    c.Headers,
					Status:     c.Status,
				}
			}
			if _, err := p.AddRule(r); err != nil {
				return nil, &Error{Field: rf + ".name", Err: err}
			}
		}
	}
	return reg, nil
}

func (rt *Runtime) buildKV(c KVConfig) (*kv.Options, error) {
	var client goredis.UniversalClient
	redisClient := func() goredis.UniversalClient {
		if client == nil {
			client = goredis.NewClient(&goredis.Options{
				Addr:     c.Redis.Addr,
				Password: c.Redis.Password,
				DB:       c.Redis.DB,
			})
			rt.closers = append(rt.closers, func(context.Context) error {
				if err := client.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
					return err
				}
				return nil
			})
		}
		return client
	}

	var gens genstore.GenStore
	switch strings.ToLower(c.GenStore) {
	case "", "local":
	case "redis":
		gens = genstore.NewRedis(genstore.RedisConfig{
			Client: redisClient(),
			Prefix: c.Redis.Prefix + "gen:",
			TTL:    c.Redis.GenTTL,
		})
	default:
		return nil, &Error{Field: "kv.gen_store", Err: fmt.Errorf("unknown gen store %q", c.GenStore)}
	}
	if gens != nil {
		rt.closers = append(rt.closers, gens.Close)
	}

	var (
		p   provider.Provider
		err error
	)
	switch strings.ToLower(c.Provider) {
	case "bigcache":
		p, err = bigcache.New(bigcache.Config{
			LifeWindow:         c.Bigcache.LifeWindow,
			Shards:             c.Bigcache.Shards,
			MaxEntrySize:       int(c.Bigcache.MaxEntrySize),
			HardMaxCacheSizeMB: int(c.Bigcache.HardMaxSize >> 20),
		})
	case "ristretto":
		maxCost := int64(c.Ristretto.MaxCost)
		if maxCost == 0 {
			maxCost = 256 << 20
		}
		p, err = ristretto.New(ristretto.Config{MaxCost: maxCost, NumCounters: c.Ristretto.NumCounters})
	case "redis":
		p, err = predis.New(predis.Config{Client: redisClient(), Prefix: c.Redis.Prefix})
	default:
		return nil, &Error{Field: "kv.provider", Err: fmt.Errorf("unknown provider %q", c.Provider)}
	}
	if err != nil {
		return nil, &Error{Field: "kv.provider", Err: err}
	}
	return &kv.Options{
		Provider:      p,
		Gens:          gens,
		MaxObjectSize: int64(c.MaxObjectSize),
		Timeout:       c.Timeout,
	}, nil
}
