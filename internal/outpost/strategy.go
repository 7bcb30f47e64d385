package outpost

import (
	"context"
	"encoding/json"
	"hash/crc32"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"outpost/internal/store"
)

type readRequest struct {
	class  Class
	url    *url.URL
	key    string
	header http.Header
}

func (e *Engine) serveRead(ctx context.Context, class Class, req *http.Request) Outcome {
	r := readRequest{class: class, url: req.URL, key: canonicalURL(req.URL), header: req.Header}
	switch class {
	case ClassStatic:
		return e.cacheFirst(ctx, r)
	case ClassNavigation:
		return e.navigate(ctx, r)
	default:
		return e.networkFirst(ctx, r)
	}
}

// cacheFirst serves from the cache without touching the network when it
// can. A miss is fetched and stored; a failed fetch gets the offline
// document.
func (e *Engine) cacheFirst(ctx context.Context, r readRequest) Outcome {
	if resp, ok := e.lookup(ctx, r.key); ok {
		return Outcome{Source: SourceCache, Response: resp}
	}
	resp, err := e.fetchAsset(ctx, r.key, r.header)
	if err != nil {
		e.logger.Debug("cache-first fetch failed", zap.String("url", r.key), zap.Error(err))
		return e.offlineFallback(ctx, r)
	}
	e.remember(ctx, r.key, resp)
	return Outcome{Source: SourceNetwork, Response: resp}
}

// networkFirst prefers a fresh response and keeps the cache up to date.
// Only a network failure falls back; HTTP errors are returned as they are.
func (e *Engine) networkFirst(ctx context.Context, r readRequest) Outcome {
	resp, err := e.fetchAsset(ctx, r.key, r.header)
	if err == nil {
		e.remember(ctx, r.key, resp)
		return Outcome{Source: SourceNetwork, Response: resp}
	}
	e.logger.Debug("network-first fetch failed", zap.String("url", r.key), zap.Error(err))
	if cached, ok := e.lookup(ctx, r.key); ok {
		return Outcome{Source: SourceCache, Response: cached}
	}
	if r.class == ClassImage {
		return e.offlineFallback(ctx, r)
	}
	return Outcome{Source: SourceUnavailable, Response: unavailable(r.key)}
}

// navigate never caches documents. Offline it serves the offline document,
// then the home document, then a built-in page.
func (e *Engine) navigate(ctx context.Context, r readRequest) Outcome {
	resp, err := e.fetchAsset(ctx, r.key, r.header)
	if err == nil {
		return Outcome{Source: SourceNetwork, Response: resp}
	}
	e.logger.Debug("navigation fetch failed", zap.String("url", r.key), zap.Error(err))
	for _, p := range []string{e.opts.Fallback.OfflineDocument, e.opts.Fallback.Home} {
		if cached, ok := e.lookupPath(ctx, r.url, p); ok {
			return Outcome{Source: SourceFallback, Response: cached}
		}
	}
	return Outcome{Source: SourceFallback, Response: offlineDocument()}
}

func (e *Engine) offlineFallback(ctx context.Context, r readRequest) Outcome {
	if r.class == ClassImage {
		if cached, ok := e.lookupPath(ctx, r.url, e.opts.Fallback.OfflineImage); ok {
			return Outcome{Source: SourceFallback, Response: cached}
		}
		return Outcome{Source: SourceFallback, Response: offlineImage()}
	}
	if cached, ok := e.lookupPath(ctx, r.url, e.opts.Fallback.OfflineDocument); ok {
		return Outcome{Source: SourceFallback, Response: cached}
	}
	return Outcome{Source: SourceFallback, Response: offlineDocument()}
}

// lookupPath looks up p on the same origin as base.
func (e *Engine) lookupPath(ctx context.Context, base *url.URL, p string) (*Response, bool) {
	if p == "" {
		return nil, false
	}
	ref, err := url.Parse(p)
	if err != nil {
		return nil, false
	}
	return e.lookup(ctx, canonicalURL(base.ResolveReference(ref)))
}

// lookup reads the current generation. Store failures degrade to a miss.
func (e *Engine) lookup(ctx context.Context, key string) (*Response, bool) {
	gen := e.lifecycle.Current()
	if gen == "" {
		return nil, false
	}
	ent, ok, err := e.opts.Cache.Get(ctx, gen, key)
	if err != nil {
		e.opts.Metrics.cacheErrors.WithLabelValues("get").Inc()
		e.cacheLog.Warn("cache read failed, serving without cache", zap.String("url", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return entryToResponse(ent), true
}

// remember stores successful, storable responses under the current
// generation.
func (e *Engine) remember(ctx context.Context, key string, resp *Response) {
	if !cacheable(resp) {
		return
	}
	gen := e.lifecycle.Current()
	if gen == "" {
		return
	}
	ent := store.Entry{
		Status:   resp.Status,
		Header:   cloneHeader(resp.Header),
		Body:     resp.Body,
		StoredAt: e.opts.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(resp.Body),
	}
	if err := e.opts.Cache.Put(ctx, gen, key, ent); err != nil {
		e.opts.Metrics.cacheErrors.WithLabelValues("put").Inc()
		e.cacheLog.Warn("cache write failed", zap.String("url", key), zap.Error(err))
	}
}

func cacheable(resp *Response) bool {
	if !resp.ok() {
		return false
	}
	return !strings.Contains(strings.ToLower(resp.Header.Get("Cache-Control")), "no-store")
}

func unavailable(target string) *Response {
	body, _ := json.Marshal(map[string]string{
		"error":   "offline",
		"message": "network unavailable and no cached copy",
		"url":     target,
	})
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": {"application/json"}, "Cache-Control": {"no-store"}},
		Body:   body,
	}
}

func badGateway() *Response {
	return &Response{
		Status: http.StatusBadGateway,
		Header: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:   []byte("bad gateway\n"),
	}
}

const offlineHTML = `<!doctype html>
<html><head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page will be available again once the connection is back.</p></body></html>
`

const offlineSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="64" height="64" viewBox="0 0 64 64"><rect width="64" height="64" fill="#e5e7eb"/></svg>`

func offlineDocument() *Response {
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": {"text/html; charset=utf-8"}, "Cache-Control": {"no-store"}},
		Body:   []byte(offlineHTML),
	}
}

func offlineImage() *Response {
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": {"image/svg+xml"}, "Cache-Control": {"no-store"}},
		Body:   []byte(offlineSVG),
	}
}
