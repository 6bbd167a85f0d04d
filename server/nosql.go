package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jianshenyixiao/nuster"
)

const chunkSize = 32 << 10

// NoSQL serves proxy as a key/value store: GET reads, POST writes and
// DELETE removes the value addressed by the request. The purge method
// deletes by key too.
func (s *Server) NoSQL(proxy string) http.Handler {
	return withRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == s.opts.PurgeMethod {
			s.purgeKey(w, r, proxy)
			return
		}
		c, ok := s.attach(w, proxy)
		if !ok {
			return
		}
		defer c.Detach()

		d := c.OnRequest(r)
		for d.Wait {
			t := time.NewTimer(s.opts.WaitInterval)
			select {
			case <-r.Context().Done():
				t.Stop()
				reply(w, http.StatusServiceUnavailable)
				return
			case <-t.C:
			}
			d = c.OnRequest(r)
		}

		switch d.Reply {
		case nuster.ReplyHit:
			s.serveHit(w, r, c)
		case nuster.ReplyCreate:
			s.store(w, r, c)
		default:
			if err := c.Err(); err != nil && d.Reply == nuster.ReplyError {
				s.log.Warn("nosql request failed", nuster.Fields{"proxy": proxy, "err": err})
			}
			reply(w, d.Reply.Status())
		}
	}))
}

// store streams the request body into the engine.
func (s *Server) store(w http.ResponseWriter, r *http.Request, c *nuster.Context) {
	buf := make([]byte, chunkSize)
	for c.State() == nuster.StateCreate {
		n, err := r.Body.Read(buf)
		if n > 0 {
			c.OnData(nuster.DirRequest, buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			// client went away; Detach aborts the create
			s.log.Debug("nosql body read", nuster.Fields{"err": err})
			reply(w, http.StatusBadRequest)
			return
		}
	}
	d := c.OnEnd(nuster.DirRequest)
	reply(w, d.Reply.Status())
}

// serveHit writes a stored header and body.
func (s *Server) serveHit(w http.ResponseWriter, r *http.Request, c *nuster.Context) {
	h, body, err := c.Hit()
	if err != nil {
		s.log.Warn("stored header unreadable", nuster.Fields{"err": err})
		reply(w, http.StatusInternalServerError)
		return
	}
	h.Apply(w.Header())
	w.Header().Set("Content-Length", strconv.FormatInt(body.BodySize(), 10))
	w.Header().Set(HeaderCache, "HIT")
	w.WriteHeader(h.Status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		s.log.Debug("hit body write", nuster.Fields{"err": err})
	}
}
