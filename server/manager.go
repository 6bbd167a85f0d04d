package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jianshenyixiao/nuster"
	"github.com/jianshenyixiao/nuster/purger"
)

// Manager serves the advanced purge (the purge method on PurgeURI, with
// the target selected by the name, path, regex and x-host headers) and the
// metrics endpoint.
func (s *Server) Manager() http.Handler {
	mux := http.NewServeMux()
	g := s.opts.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux.Handle(s.opts.MetricsPath, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc(s.opts.PurgeURI, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != s.opts.PurgeMethod {
			reply(w, http.StatusMethodNotAllowed)
			return
		}
		st, err := s.e.Purge(r.Context(), r.Header)
		if err != nil {
			fields := nuster.Fields{"status": st, "err": err}
			if st >= http.StatusInternalServerError {
				s.log.Warn("purge failed", fields)
			} else {
				s.log.Debug("purge rejected", fields)
			}
		}
		reply(w, st)
	})
	return withRequestID(mux)
}

// PurgeHeaders builds the headers of an advanced purge, for clients.
func PurgeHeaders(name, path, regex, host string) http.Header {
	h := http.Header{}
	set := func(k, v string) {
		if v != "" {
			h.Set(k, v)
		}
	}
	set(purger.HeaderName, name)
	set(purger.HeaderPath, path)
	set(purger.HeaderRegex, regex)
	set(purger.HeaderHost, host)
	return h
}
