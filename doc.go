// Package nuster is an HTTP response and object cache engine meant to be
// embedded in a reverse-proxy request pipeline.
//
// An Engine owns two dictionaries (one for cache-mode proxies, one for
// nosql-mode proxies) and the store backends behind their entries: a
// chunked memory arena, a file-per-object disk store and an optional kv
// store backed by ristretto, bigcache or redis.
//
// Every request attaches a Context to the proxy it targets and drives it
// through the pipeline callbacks:
//
//	c, err := eng.Attach("api")
//	if err != nil { ... }
//	defer c.Detach()
//
//	d := c.OnRequest(r)           // lookup, create, delete
//	c.OnData(nuster.DirRequest, chunk)
//	d = c.OnEnd(nuster.DirRequest)
//
// Cache-mode proxies forward misses upstream and store the response through
// OnResponse, OnData(DirResponse) and OnEnd(DirResponse). Nosql-mode proxies
// store request bodies: POST creates, GET reads and DELETE removes.
//
// Purges are driven through Engine.Purge (header-selected bulk purge) and
// Engine.PurgeKey (one key per rule).
package nuster
