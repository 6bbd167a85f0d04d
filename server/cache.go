package server

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/jianshenyixiao/nuster"
)

// NewReverseProxy forwards to target, the upstream of a cache-mode proxy.
func NewReverseProxy(target string, log nuster.Logger) (*httputil.ReverseProxy, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = nuster.NopLogger{}
	}
	rp := httputil.NewSingleHostReverseProxy(u)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn("upstream error", nuster.Fields{"upstream": target, "path": r.URL.Path, "err": err})
		reply(w, http.StatusBadGateway)
	}
	return rp, nil
}

// Cache serves proxy as an HTTP cache in front of upstream.
func (s *Server) Cache(proxy string, upstream http.Handler) http.Handler {
	return withRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == s.opts.PurgeMethod {
			s.purgeKey(w, r, proxy)
			return
		}
		c, err := s.e.Attach(proxy)
		if err != nil {
			// a disabled cache is transparent
			upstream.ServeHTTP(w, r)
			return
		}
		defer c.Detach()

		d := c.OnRequest(r)
		if d.Reply == nuster.ReplyHit {
			s.serveHit(w, r, c)
			return
		}
		if d.Reply == nuster.ReplyError {
			s.log.Warn("cache lookup failed", nuster.Fields{"proxy": proxy, "err": c.Err()})
		}
		if d.Bypass {
			w.Header().Set(HeaderCache, "BYPASS")
		} else {
			w.Header().Set(HeaderCache, "MISS")
		}
		cw := &captureWriter{ResponseWriter: w, c: c}
		upstream.ServeHTTP(cw, r)
		if !cw.wrote {
			cw.WriteHeader(http.StatusOK)
		}
		c.OnEnd(nuster.DirResponse)
	}))
}

// captureWriter tees the upstream response into the filter context.
type captureWriter struct {
	http.ResponseWriter
	c     *nuster.Context
	wrote bool
}

func (cw *captureWriter) WriteHeader(status int) {
	if cw.wrote {
		return
	}
	cw.wrote = true
	h := cw.Header().Clone()
	h.Del(HeaderCache)
	h.Del(HeaderRequestID)
	cw.c.OnResponse(status, h)
	cw.ResponseWriter.WriteHeader(status)
}

func (cw *captureWriter) Write(p []byte) (int, error) {
	if !cw.wrote {
		cw.WriteHeader(http.StatusOK)
	}
	cw.c.OnData(nuster.DirResponse, p)
	return cw.ResponseWriter.Write(p)
}

func (cw *captureWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *captureWriter) Unwrap() http.ResponseWriter { return cw.ResponseWriter }
