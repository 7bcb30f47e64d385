package outpost

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outpost/internal/store"
)

const testOrigin = "http://app.test"

type fakePage struct {
	status int
	header http.Header
	body   string
}

type fakeCall struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// fakeNet is an in-process origin. Unknown URLs answer 404; down simulates
// an unreachable network.
type fakeNet struct {
	mu      sync.Mutex
	down    bool
	pages   map[string]fakePage
	calls   []fakeCall
	handler func(req *http.Request, body []byte) (*http.Response, error)
}

func newFakeNet() *fakeNet {
	return &fakeNet{pages: map[string]fakePage{}}
}

func (f *fakeNet) set(path string, status int, body string) {
	f.setPage(path, fakePage{status: status, body: body})
}

func (f *fakeNet) setPage(path string, p fakePage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[testOrigin+path] = p
}

func (f *fakeNet) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeNet) callsTo(method, path string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.Method == method && c.URL == testOrigin+path {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeNet) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		_ = req.Body.Close()
	}

	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Method: req.Method, URL: req.URL.String(), Header: req.Header.Clone(), Body: body})
	down, h := f.down, f.handler
	page, ok := f.pages[req.URL.String()]
	f.mu.Unlock()

	if down {
		return nil, errors.New("dial tcp: connection refused")
	}
	if h != nil {
		return h(req, body)
	}
	if !ok {
		page = fakePage{status: http.StatusNotFound, body: "not found"}
	}
	return fakeResponse(req, page.status, page.header, page.body), nil
}

func fakeResponse(req *http.Request, status int, header http.Header, body string) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

func newTestEngine(t *testing.T, mod ...func(*Options)) (*Engine, *fakeNet) {
	t.Helper()
	db, err := store.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	q, err := store.NewQueue(db, store.QueueOpts{NoSync: true})
	require.NoError(t, err)

	fn := newFakeNet()
	opts := Options{
		Cache:  store.NewCache(db, store.CacheOpts{RAMMax: 1 << 20}),
		Queue:  q,
		Client: &http.Client{Transport: fn},
		Origin: testOrigin,
		Rules:  NewRules(nil, "/api/", []string{"analytics.test"}, nil),
		Fallback: Fallback{
			OfflineDocument: "/offline.html",
			OfflineImage:    "/offline.svg",
			Home:            "/",
		},
	}
	for _, m := range mod {
		m(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, fn
}

// install serves each asset from the fake origin and activates a generation
// holding them.
func install(t *testing.T, e *Engine, fn *fakeNet, version string, assets ...string) string {
	t.Helper()
	for _, a := range assets {
		fn.set(a, http.StatusOK, "asset "+a)
	}
	gen, err := e.Lifecycle().Install(context.Background(), version, assets)
	require.NoError(t, err)
	return gen
}

func get(t *testing.T, e *Engine, path string, header ...string) Outcome {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, testOrigin+path, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	out, err := e.Intercept(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, out.Response)
	return out
}

func post(t *testing.T, e *Engine, path, body string) (Outcome, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, testOrigin+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Tag", "t1")
	return e.Intercept(context.Background(), req)
}

func queueLen(t *testing.T, e *Engine) int {
	t.Helper()
	n, err := e.opts.Queue.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestEngine_StaticServedFromCacheOffline(t *testing.T) {
	e, fn := newTestEngine(t)
	install(t, e, fn, "v1", "/index.html", "/app.js")
	fn.setDown(true)

	out := get(t, e, "/app.js")
	assert.Equal(t, ClassStatic, out.Class)
	assert.Equal(t, SourceCache, out.Source)
	assert.Equal(t, http.StatusOK, out.Response.Status)
	assert.Equal(t, "asset /app.js", string(out.Response.Body))

	// Manifest entries are static even without a static extension.
	assert.Equal(t, ClassStatic, e.Classify(mustRequest(t, http.MethodGet, "/index.html")))
}

func TestEngine_CacheFirstSkipsNetworkOnHit(t *testing.T) {
	e, fn := newTestEngine(t)
	install(t, e, fn, "v1", "/app.css")

	get(t, e, "/app.css")
	assert.Len(t, fn.callsTo(http.MethodGet, "/app.css"), 1, "only the install fetch")
}

func TestEngine_ServerErrorReturnedVerbatim(t *testing.T) {
	e, fn := newTestEngine(t)
	install(t, e, fn, "v1", "/offline.html")
	fn.set("/api/dashboard", http.StatusInternalServerError, "boom")

	out := get(t, e, "/api/dashboard")
	assert.Equal(t, ClassAPI, out.Class)
	assert.Equal(t, SourceNetwork, out.Source)
	assert.Equal(t, http.StatusInternalServerError, out.Response.Status)
	assert.Equal(t, "boom", string(out.Response.Body))

	// A 500 is never cached.
	fn.setDown(true)
	out = get(t, e, "/api/dashboard")
	assert.Equal(t, SourceUnavailable, out.Source)
}

func TestEngine_APIFallsBackToCache(t *testing.T) {
	e, fn := newTestEngine(t)
	install(t, e, fn, "v1", "/index.html")
	fn.set("/api/items", http.StatusOK, `[1,2]`)

	out := get(t, e, "/api/items")
	require.Equal(t, SourceNetwork, out.Source)

	fn.setDown(true)
	out = get(t, e, "/api/items")
	assert.Equal(t, SourceCache, out.Source)
	assert.Equal(t, `[1,2]`, string(out.Response.Body))
}

func TestEngine_APIUnavailableWithoutCache(t *testing.T) {
	e, fn := newTestEngine(t)
	fn.setDown(true)

	out := get(t, e, "/api/items")
	assert.Equal(t, SourceUnavailable, out.Source)
	assert.Equal(t, http.StatusServiceUnavailable, out.Response.Status)
	assert.Equal(t, "application/json", out.Response.Header.Get("Content-Type"))
	assert.Contains(t, string(out.Response.Body), `"error":"offline"`)
}

func TestEngine_NoStoreNotCached(t *testing.T) {
	e, fn := newTestEngine(t)
	install(t, e, fn, "v1", "/index.html")
	fn.setPage("/api/me", fakePage{status: http.StatusOK, header: http.Header{"Cache-Control": {"private, no-store"}}, body: "me"})

	get(t, e, "/api/me")
	fn.setDown(true)
	assert.Equal(t, SourceUnavailable, get(t, e, "/api/me").Source)
}

func TestEngine_NavigationFallback(t *testing.T) {
	e, fn := newTestEngine(t)
	fn.setDown(true)

	// Nothing cached: built-in page.
	out := get(t, e, "/settings", "Accept", "text/html")
	assert.Equal(t, ClassNavigation, out.Class)
	assert.Equal(t, SourceFallback, out.Source)
	assert.Equal(t, http.StatusServiceUnavailable, out.Response.Status)
	assert.Contains(t, string(out.Response.Body), "offline")

	fn.setDown(false)
	install(t, e, fn, "v1", "/offline.html")
	fn.setDown(true)

	out = get(t, e, "/settings", "Sec-Fetch-Mode", "navigate")
	assert.Equal(t, SourceFallback, out.Source)
	assert.Equal(t, "asset /offline.html", string(out.Response.Body))
}

func TestEngine_NavigationFallsBackToHome(t *testing.T) {
	e, fn := newTestEngine(t)
	install(t, e, fn, "v1", "/")
	fn.setDown(true)

	out := get(t, e, "/deep/link", "Accept", "text/html,application/xhtml+xml")
	assert.Equal(t, SourceFallback, out.Source)
	assert.Equal(t, "asset /", string(out.Response.Body))
}

func TestEngine_NavigationNeverCached(t *testing.T) {
	e, fn := newTestEngine(t)
	install(t, e, fn, "v1", "/offline.html")
	fn.set("/profile", http.StatusOK, "profile page")

	out := get(t, e, "/profile", "Accept", "text/html")
	require.Equal(t, SourceNetwork, out.Source)

	fn.setDown(true)
	out = get(t, e, "/profile", "Accept", "text/html")
	assert.Equal(t, "asset /offline.html", string(out.Response.Body))
}

func TestEngine_ImageOfflinePlaceholder(t *testing.T) {
	e, fn := newTestEngine(t)
	fn.setDown(true)

	out := get(t, e, "/img/cat.png")
	assert.Equal(t, ClassImage, out.Class)
	assert.Equal(t, SourceFallback, out.Source)
	assert.Equal(t, "image/svg+xml", out.Response.Header.Get("Content-Type"))

	fn.setDown(false)
	install(t, e, fn, "v1", "/offline.svg")
	fn.setDown(true)
	out = get(t, e, "/img/dog.jpg")
	assert.Equal(t, "asset /offline.svg", string(out.Response.Body))
}

func TestEngine_IgnoredIsPassedThrough(t *testing.T) {
	e, fn := newTestEngine(t)
	req, err := http.NewRequest(http.MethodGet, "http://analytics.test/collect", nil)
	require.NoError(t, err)

	out, err := e.Intercept(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ClassIgnored, out.Class)
	assert.Equal(t, SourceBypass, out.Source)
	assert.Equal(t, http.StatusNotFound, out.Response.Status)

	fn.setDown(true)
	req, _ = http.NewRequest(http.MethodGet, "http://analytics.test/collect", nil)
	out, err = e.Intercept(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, out.Response.Status)
	assert.Equal(t, 0, queueLen(t, e))
}

func TestEngine_StoreFailureDegradesToNetwork(t *testing.T) {
	e, fn := newTestEngine(t, func(o *Options) {
		o.Cache = brokenCache{o.Cache}
	})
	fn.set("/app.js", http.StatusOK, "js")
	e.lifecycle.current.Store("g-broken")

	out := get(t, e, "/app.js")
	assert.Equal(t, SourceNetwork, out.Source)
	assert.Equal(t, "js", string(out.Response.Body))
}

type brokenCache struct{ CacheStore }

func (brokenCache) Get(context.Context, string, string) (store.Entry, bool, error) {
	return store.Entry{}, false, errors.New("disk on fire")
}

func (brokenCache) Put(context.Context, string, string, store.Entry) error {
	return errors.New("disk on fire")
}

func mustRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, testOrigin+path, nil)
	require.NoError(t, err)
	return req
}

func TestEngine_NetworkFirstTimeoutFallsBackToCache(t *testing.T) {
	e, fn := newTestEngine(t, func(o *Options) { o.Timeout = 50 * time.Millisecond })
	fn.set("/api/items", http.StatusOK, `[1]`)
	assert.Equal(t, SourceNetwork, get(t, e, "/api/items").Source)

	fn.handler = blockUntilCancelled
	out := get(t, e, "/api/items")
	assert.Equal(t, SourceCache, out.Source)
	assert.Equal(t, `[1]`, string(out.Response.Body))
}

func TestEngine_NetworkFirstKeepsLatestLargeBody(t *testing.T) {
	e, fn := newTestEngine(t, func(o *Options) {
		o.Cache = store.NewCache(mustMemDB(t), store.CacheOpts{RAMMax: 1 << 10})
	})
	fn.set("/api/d", http.StatusOK, "old")
	get(t, e, "/api/d")

	big := strings.Repeat("d", 4<<10)
	fn.set("/api/d", http.StatusOK, big)
	get(t, e, "/api/d")

	fn.setDown(true)
	out := get(t, e, "/api/d")
	assert.Equal(t, SourceCache, out.Source)
	assert.Equal(t, big, string(out.Response.Body))
}

func mustMemDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
