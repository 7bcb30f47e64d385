package outpost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"outpost/internal/store"
)

const defaultTimeout = 10 * time.Second

var nopLogger = zap.NewNop()

type Options struct {
	// Cache and Queue cannot be nil.
	Cache CacheStore
	Queue DurableQueue

	// Client performs every network call. By default it does not follow
	// redirects, so 3xx responses reach the caller and are never cached.
	Client *http.Client
	// Timeout bounds each network call. Default is 10s.
	Timeout time.Duration

	// Connectivity reports whether the environment is known to be offline.
	// Default is always online.
	Connectivity Connectivity

	// Origin resolves relative manifest and fallback paths.
	Origin   string
	Rules    Rules
	Fallback Fallback

	Activation         Activation
	InstallConcurrency int
	SyncConcurrency    int

	Hub     *Hub
	Metrics *Metrics

	// Logger is the *zap.Logger for this Engine.
	// A nil Logger will disable logging.
	Logger *zap.Logger
	Now    func() time.Time
}

// Fallback names the offline assets, as paths relative to the request's
// origin.
type Fallback struct {
	OfflineDocument string
	OfflineImage    string
	Home            string
}

func (opts *Options) Init() error {
	if opts.Cache == nil {
		return errors.New("nil cache store")
	}
	if opts.Queue == nil {
		return errors.New("nil mutation queue")
	}
	if opts.Client == nil {
		opts.Client = NewHTTPClient()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Connectivity == nil {
		opts.Connectivity = NewFlag(true)
	}
	opts.Origin = strings.TrimRight(opts.Origin, "/")
	if opts.Activation == "" {
		opts.Activation = ActivateImmediate
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = 8
	}
	if opts.SyncConcurrency <= 0 {
		opts.SyncConcurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return nil
}

// NewHTTPClient returns the client the engine uses when none is given.
func NewHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Engine is the interception point. It is safe for concurrent use.
type Engine struct {
	opts      Options
	logger    *zap.Logger
	rules     atomic.Pointer[Rules]
	lifecycle *Manager

	syncSF   singleflight.Group
	cacheLog *rateLimitedLogger
	stats    *statsCollector

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(opts Options) (*Engine, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	e := &Engine{
		opts:     opts,
		logger:   opts.Logger,
		cacheLog: newRateLimitedLogger(opts.Logger, time.Minute, opts.Now),
		stats:    newStatsCollector(),
		stopCh:   make(chan struct{}),
	}
	rules := opts.Rules
	e.rules.Store(&rules)
	e.lifecycle = newManager(managerOpts{
		cache:       opts.Cache,
		fetch:       e.fetchAsset,
		origin:      opts.Origin,
		activation:  opts.Activation,
		concurrency: opts.InstallConcurrency,
		metrics:     opts.Metrics,
		logger:      opts.Logger.Named("lifecycle"),
		onActivate:  e.setManifest,
	})
	return e, nil
}

// Close stops background loops started by the engine and waits for them.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Engine) Lifecycle() *Manager { return e.lifecycle }

func (e *Engine) Hub() *Hub { return e.opts.Hub }

func (e *Engine) setManifest(manifest []string) {
	next := e.rules.Load().WithManifest(manifest)
	e.rules.Store(&next)
}

// Classify classifies req with the engine's current rules.
func (e *Engine) Classify(req *http.Request) Class {
	return Classify(req, e.rules.Load())
}

// Intercept routes one outbound request through the classifier and the
// matching strategy. The only error for a well-formed request is
// ErrNotSaved: a mutation that could neither be sent nor queued.
func (e *Engine) Intercept(ctx context.Context, req *http.Request) (Outcome, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return Outcome{}, fmt.Errorf("read request body: %w", err)
		}
		body = b
	}

	class := e.Classify(req)
	var out Outcome
	var err error
	switch class {
	case ClassMutation:
		out, err = e.interceptMutation(ctx, req, body)
	case ClassIgnored:
		out = e.passThrough(ctx, req, body)
	default:
		out = e.serveRead(ctx, class, req)
	}
	if err != nil {
		return Outcome{}, err
	}
	out.Class = class
	e.opts.Metrics.intercepts.WithLabelValues(string(class), string(out.Source)).Inc()
	if out.Response != nil && (out.Source == SourceCache || out.Source == SourceNetwork) {
		e.stats.Observe(len(out.Response.Body))
	}
	return out, nil
}

func (e *Engine) interceptMutation(ctx context.Context, req *http.Request, body []byte) (Outcome, error) {
	target := canonicalURL(req.URL)
	if !e.opts.Connectivity.Online() {
		return e.enqueue(ctx, req.Method, target, req.Header, body, nil)
	}
	resp, err := e.roundTrip(ctx, req.Method, target, req.Header, body)
	if err != nil {
		if !isNetworkError(err) {
			return Outcome{}, err
		}
		return e.enqueue(ctx, req.Method, target, req.Header, body, err)
	}
	return Outcome{Source: SourceNetwork, Response: resp}, nil
}

func (e *Engine) enqueue(ctx context.Context, method, target string, header http.Header, body []byte, cause error) (Outcome, error) {
	m, err := e.opts.Queue.Enqueue(ctx, store.Mutation{
		Method:     method,
		URL:        target,
		Header:     cloneHeader(header),
		Body:       body,
		EnqueuedAt: e.opts.Now(),
	})
	if err != nil {
		e.logger.Error("mutation lost: enqueue failed",
			zap.String("method", method), zap.String("url", target), zap.Error(err))
		return Outcome{}, fmt.Errorf("%w: %v", ErrNotSaved, err)
	}
	e.opts.Metrics.queued.Inc()
	fields := []zap.Field{zap.Uint64("id", m.ID), zap.String("method", method), zap.String("url", target)}
	if cause != nil {
		fields = append(fields, zap.NamedError("cause", cause))
	}
	e.logger.Info("mutation queued", fields...)
	return Outcome{Source: SourceQueued, MutationID: m.ID}, nil
}

func (e *Engine) passThrough(ctx context.Context, req *http.Request, body []byte) Outcome {
	resp, err := e.roundTrip(ctx, req.Method, req.URL.String(), req.Header, body)
	if err != nil {
		return Outcome{Source: SourceUnavailable, Response: badGateway()}
	}
	return Outcome{Source: SourceBypass, Response: resp}
}

// roundTrip performs one bounded network call and reads the whole body.
// Transport failures come back as *NetworkError.
func (e *Engine) roundTrip(ctx context.Context, method, target string, header http.Header, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, header)

	resp, err := e.opts.Client.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	hdr := cloneHeader(resp.Header)
	hdr.Del("Content-Length")
	return &Response{Status: resp.StatusCode, Header: hdr, Body: b}, nil
}

// fetchAsset fetches a URL for reads: the body is cached as-is, so no
// transfer encoding is negotiated.
func (e *Engine) fetchAsset(ctx context.Context, target string, header http.Header) (*Response, error) {
	h := make(http.Header, len(header)+1)
	copyHeaders(h, header)
	h.Set("Accept-Encoding", "identity")
	return e.roundTrip(ctx, http.MethodGet, target, h, nil)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
