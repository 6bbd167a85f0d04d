// Package server exposes a nuster engine over net/http: one handler per
// proxy (nosql or cache mode) and a manager handler for purges and
// metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jianshenyixiao/nuster"
)

const (
	HeaderRequestID = "X-Request-Id"
	HeaderCache     = "X-Cache"
)

type Options struct {
	PurgeMethod string // "" => PURGE
	PurgeURI    string // advanced purge on the manager; "" => /nuster/purge
	MetricsPath string // "" => /metrics
	Gatherer    prometheus.Gatherer

	// WaitInterval paces retries of a nosql request waiting for a
	// concurrent create of the same key. 0 => 1ms.
	WaitInterval time.Duration
	Logger       nuster.Logger
}

type Server struct {
	e    *nuster.Engine
	log  nuster.Logger
	opts Options
}

func New(e *nuster.Engine, opts Options) *Server {
	if opts.PurgeMethod == "" {
		opts.PurgeMethod = "PURGE"
	}
	if opts.PurgeURI == "" {
		opts.PurgeURI = "/nuster/purge"
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = time.Millisecond
	}
	s := &Server{e: e, opts: opts, log: opts.Logger}
	if s.log == nil {
		s.log = nuster.NopLogger{}
	}
	return s
}

// withRequestID makes sure every request carries an id, echoed back to the
// client.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(HeaderRequestID, id)
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// reply writes a terminal status with its text as the body.
func reply(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(http.StatusText(status) + "\n"))
}

func (s *Server) attach(w http.ResponseWriter, proxy string) (*nuster.Context, bool) {
	c, err := s.e.Attach(proxy)
	switch {
	case err == nil:
		return c, true
	case errors.Is(err, nuster.ErrNoProxy):
		reply(w, http.StatusNotFound)
	default:
		reply(w, http.StatusServiceUnavailable)
	}
	return nil, false
}

// purgeKey serves the basic purge: delete what a GET of the same request
// would read.
func (s *Server) purgeKey(w http.ResponseWriter, r *http.Request, proxy string) {
	st, err := s.e.PurgeKey(proxy, r)
	if err != nil && st == http.StatusInternalServerError {
		s.log.Warn("purge by key failed", nuster.Fields{"proxy": proxy, "err": err})
	}
	reply(w, st)
}

// Listener binds a handler to an address.
type Listener struct {
	Name    string
	Addr    string
	Handler http.Handler
}

// Run serves every listener until ctx is done or one of them fails, then
// shuts all of them down within grace.
func Run(ctx context.Context, log nuster.Logger, grace time.Duration, ls []Listener) error {
	if log == nil {
		log = nuster.NopLogger{}
	}
	errc := make(chan error, len(ls))
	servers := make([]*http.Server, 0, len(ls))
	for _, l := range ls {
		srv := &http.Server{
			Addr:              l.Addr,
			Handler:           l.Handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)
		log.Info("listening", nuster.Fields{"name": l.Name, "addr": l.Addr})
		go func(name string) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- &ListenError{Name: name, Err: err}
				return
			}
			errc <- nil
		}(l.Name)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}

	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("shutdown", nuster.Fields{"addr": srv.Addr, "err": err})
		}
	}
	return runErr
}

type ListenError struct {
	Name string
	Err  error
}

func (e *ListenError) Error() string { return "listener " + e.Name + ": " + e.Err.Error() }
func (e *ListenError) Unwrap() error { return e.Err }
