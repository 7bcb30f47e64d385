package outpost

import (
	"context"
	"fmt"
	"hash/crc32"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"outpost/internal/store"
)

// State is the lifecycle phase of the newest known generation.
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateSuperseded State = "superseded"
)

// Activation is the promotion policy after a successful install.
type Activation string

const (
	ActivateImmediate Activation = "immediate"
	// ActivateDeferred waits for FlushNow.
	ActivateDeferred Activation = "deferred"
)

// maxSuperseded bounds the superseded history kept for Status.
const maxSuperseded = 8

type managerOpts struct {
	cache       CacheStore
	fetch       func(ctx context.Context, target string, header http.Header) (*Response, error)
	origin      string
	activation  Activation
	concurrency int
	metrics     *Metrics
	logger      *zap.Logger
	onActivate  func(manifest []string)
}

// Manager owns cache generations: it pre-warms a candidate, promotes it and
// purges everything else.
type Manager struct {
	opts managerOpts

	current atomic.Value // string

	// opMu serializes install and activation. It is held across the network
	// pre-warm, so readers of the fields below only take mu.
	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	installing string
	candidate  string
	candAssets []string
	assets     []string
	superseded []string
}

// Status is a snapshot of the manager.
type Status struct {
	State      State    `json:"state"`
	Current    string   `json:"current"`
	Candidate  string   `json:"candidate,omitempty"`
	Superseded []string `json:"superseded,omitempty"`
	Assets     []string `json:"assets,omitempty"`
}

func newManager(opts managerOpts) *Manager {
	m := &Manager{opts: opts, state: StateIdle}
	m.current.Store("")
	return m
}

// Current is the generation reads are served from; "" before the first
// activation.
func (m *Manager) Current() string {
	return m.current.Load().(string)
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:      m.state,
		Current:    m.Current(),
		Candidate:  m.candidate,
		Superseded: append([]string(nil), m.superseded...),
		Assets:     append([]string(nil), m.assets...),
	}
}

// StateOf reports the phase of one generation.
func (m *Manager) StateOf(gen string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case gen == "":
		return StateIdle
	case gen == m.installing:
		return StateInstalling
	case gen == m.candidate:
		return m.state
	case gen == m.Current():
		return StateActive
	}
	for _, s := range m.superseded {
		if s == gen {
			return StateSuperseded
		}
	}
	return StateIdle
}

// Restore resumes the persisted current generation after a restart.
func (m *Manager) Restore(ctx context.Context, manifest []string) error {
	gen, err := m.opts.cache.Current(ctx)
	if err != nil {
		return fmt.Errorf("read current generation: %w", err)
	}
	if gen == "" {
		return nil
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.mu.Lock()
	m.current.Store(gen)
	m.state = StateActive
	m.assets = append([]string(nil), manifest...)
	assets := m.assets
	m.mu.Unlock()
	if m.opts.onActivate != nil {
		m.opts.onActivate(assets)
	}
	m.opts.logger.Info("resumed generation", zap.String("generation", gen))
	return nil
}

// Install pre-warms a new generation with every manifest asset. It is all
// or nothing: if any asset cannot be fetched with a 2xx status nothing is
// written and the current generation keeps serving. With immediate
// activation a successful install is promoted right away.
func (m *Manager) Install(ctx context.Context, version string, manifest []string) (string, error) {
	urls := make([]string, 0, len(manifest))
	for _, a := range manifest {
		u, err := resolveURL(m.opts.origin, a)
		if err != nil {
			return "", fmt.Errorf("%w: manifest entry %q: %v", ErrInstallFailed, a, err)
		}
		urls = append(urls, u)
	}
	gen := generationID(version, urls)

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if gen == m.Current() {
		m.opts.logger.Debug("generation already active", zap.String("generation", gen))
		return gen, nil
	}
	m.mu.Lock()
	if gen == m.candidate {
		m.mu.Unlock()
		return gen, nil
	}
	prev := m.state
	m.state = StateInstalling
	m.installing = gen
	m.mu.Unlock()
	m.opts.logger.Info("installing generation", zap.String("generation", gen), zap.Int("assets", len(urls)))

	ents, err := m.prewarm(ctx, urls)
	if err == nil {
		err = m.opts.cache.PutBatch(ctx, gen, ents)
	}
	m.mu.Lock()
	m.installing = ""
	if err != nil {
		m.state = prev
		m.mu.Unlock()
		m.opts.metrics.installs.WithLabelValues("failed").Inc()
		m.opts.logger.Warn("install failed, keeping current generation",
			zap.String("generation", gen), zap.String("current", m.Current()), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	m.state = StateInstalled
	m.candidate = gen
	m.candAssets = append([]string(nil), manifest...)
	m.mu.Unlock()
	m.opts.metrics.installs.WithLabelValues("ok").Inc()

	if m.opts.activation == ActivateImmediate {
		if err := m.activateLocked(ctx); err != nil {
			return gen, err
		}
	} else {
		m.opts.logger.Info("generation installed, waiting for activation", zap.String("generation", gen))
	}
	return gen, nil
}

func (m *Manager) prewarm(ctx context.Context, urls []string) (map[string]store.Entry, error) {
	var mu sync.Mutex
	ents := make(map[string]store.Entry, len(urls))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.concurrency)
	for _, u := range urls {
		g.Go(func() error {
			resp, err := m.opts.fetch(ctx, u, nil)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			if !resp.ok() {
				return fmt.Errorf("fetch %s: unexpected status %d", u, resp.Status)
			}
			mu.Lock()
			ents[u] = store.Entry{
				Status: resp.Status,
				Header: resp.Header,
				Body:   resp.Body,
				Hash32: crc32.ChecksumIEEE(resp.Body),
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ents, nil
}

// FlushNow promotes an installed generation immediately, bypassing a
// deferred activation policy.
func (m *Manager) FlushNow(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.mu.Lock()
	cand := m.candidate
	m.mu.Unlock()
	if cand == "" {
		return ErrNoCandidate
	}
	return m.activateLocked(ctx)
}

// Activate promotes the installed candidate, if any, and deletes every
// generation other than the current one. Without a new install in between,
// running it again leaves the store unchanged.
func (m *Manager) Activate(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.activateLocked(ctx)
}

// activateLocked runs with opMu held. candidate and candAssets only change
// under opMu, so reading them here without mu is safe.
func (m *Manager) activateLocked(ctx context.Context) error {
	prevState := m.setState(StateActivating)

	if m.candidate != "" {
		if err := m.opts.cache.SetCurrent(ctx, m.candidate); err != nil {
			m.setState(prevState)
			return fmt.Errorf("persist current generation: %w", err)
		}
		m.mu.Lock()
		if old := m.Current(); old != "" && old != m.candidate {
			m.superseded = append(m.superseded, old)
			if len(m.superseded) > maxSuperseded {
				m.superseded = m.superseded[len(m.superseded)-maxSuperseded:]
			}
		}
		m.current.Store(m.candidate)
		m.assets = m.candAssets
		m.candidate, m.candAssets = "", nil
		assets := m.assets
		m.mu.Unlock()
		m.opts.metrics.activations.Inc()
		if m.opts.onActivate != nil {
			m.opts.onActivate(assets)
		}
	}

	cur := m.Current()
	if cur == "" {
		m.setState(prevState)
		return ErrNoCandidate
	}

	gens, err := m.opts.cache.Generations(ctx)
	if err != nil {
		m.setState(StateActive)
		return fmt.Errorf("list generations: %w", err)
	}
	var stale []string
	for _, g := range gens {
		if g != cur {
			stale = append(stale, g)
		}
	}
	removed, err := m.opts.cache.DeleteGenerations(ctx, stale...)
	m.setState(StateActive)
	if err != nil {
		return fmt.Errorf("purge generations: %w", err)
	}
	if len(stale) > 0 {
		m.opts.logger.Info("generation active",
			zap.String("generation", cur), zap.Strings("purged", stale), zap.Int("entries", removed))
	}
	return nil
}

// setState swaps the state under mu and returns the previous one.
func (m *Manager) setState(st State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	m.state = st
	return prev
}
