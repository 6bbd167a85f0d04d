package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/jianshenyixiao/nuster"
	"github.com/jianshenyixiao/nuster/config"
	asynchook "github.com/jianshenyixiao/nuster/hooks/async"
	"github.com/jianshenyixiao/nuster/metrics"
	"github.com/jianshenyixiao/nuster/rule"
	"github.com/jianshenyixiao/nuster/server"
)

func newServeCmd() *cobra.Command {
	var (
		cfgPath string
		grace   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxies and the manager endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfgPath, grace)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "nuster.yaml", "YAML configuration file")
	cmd.Flags().DurationVar(&grace, "shutdown-grace", 10*time.Second, "time allowed for in-flight requests on shutdown")
	return cmd
}

func serve(ctx context.Context, cfgPath string, grace time.Duration) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	rt, err := config.Build(cfg)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	log := rt.Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hooks := asynchook.New(metrics.New(reg, ""), 1, 4096)
	defer hooks.Close()
	rt.Options.Hooks = hooks

	e, err := nuster.New(rt.Options)
	if err != nil {
		if rt.Options.KV != nil {
			_ = rt.Options.KV.Provider.Close(context.Background())
		}
		return err
	}
	defer func() {
		if err := e.Close(context.Background()); err != nil {
			log.Error("engine close", nuster.Fields{"err": err})
		}
	}()
	if err := metrics.RegisterStats(reg, "", e); err != nil {
		return err
	}

	s := server.New(e, server.Options{
		PurgeMethod: rt.Manager.PurgeMethod,
		PurgeURI:    rt.Manager.PurgeURI,
		MetricsPath: rt.Manager.MetricsPath,
		Gatherer:    reg,
		Logger:      log,
	})
	listeners := []server.Listener{{Name: "manager", Addr: rt.Manager.Listen, Handler: s.Manager()}}
	for _, pc := range rt.Proxies {
		if pc.Listen == "" {
			return fmt.Errorf("proxy %q: listen address is required", pc.Name)
		}
		p, _ := rt.Registry.Proxy(pc.Name)
		var h http.Handler
		if p.Mode == rule.ModeNoSQL {
			h = s.NoSQL(pc.Name)
		} else {
			rp, err := server.NewReverseProxy(pc.Upstream, log)
			if err != nil {
				return fmt.Errorf("proxy %q: %w", pc.Name, err)
			}
			h = s.Cache(pc.Name, rp)
		}
		listeners = append(listeners, server.Listener{Name: pc.Name, Addr: pc.Listen, Handler: h})
	}

	err = server.Run(ctx, log, grace, listeners)
	log.Info("nusterd stopped", nuster.Fields{"dropped_events": hooks.Dropped()})
	return err
}
