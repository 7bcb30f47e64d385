package outpost

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"outpost/internal/store"
)

// statsCollector tracks the size of responses served from cache or network.
type statsCollector struct {
	served   atomic.Uint64
	bytes    atomic.Uint64
	minBytes atomic.Uint64
	maxBytes atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.served.Add(1)
	s.bytes.Add(v)
	for {
		cur := s.minBytes.Load()
		if v >= cur || s.minBytes.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if v <= cur || s.maxBytes.CompareAndSwap(cur, v) {
			break
		}
	}
}

type statsSnapshot struct {
	Served   uint64
	MinBytes uint64
	MaxBytes uint64
	AvgBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	n := s.served.Load()
	if n == 0 {
		return statsSnapshot{}
	}
	return statsSnapshot{
		Served:   n,
		MinBytes: s.minBytes.Load(),
		MaxBytes: s.maxBytes.Load(),
		AvgBytes: s.bytes.Load() / n,
	}
}

// StartStats logs a summary line every interval until Close.
func (e *Engine) StartStats(every time.Duration) {
	if every <= 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-t.C:
				e.logStats()
			}
		}
	}()
}

func (e *Engine) logStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ss := e.stats.Snapshot()
	fields := []zap.Field{
		zap.String("generation", e.lifecycle.Current()),
		zap.Uint64("served", ss.Served),
		zap.String("resp_min", formatBytes(ss.MinBytes)),
		zap.String("resp_avg", formatBytes(ss.AvgBytes)),
		zap.String("resp_max", formatBytes(ss.MaxBytes)),
		zap.Int("subscribers", e.opts.Hub.Len()),
	}
	if n, err := e.opts.Queue.Len(ctx); err == nil {
		fields = append(fields, zap.Int("queued", n))
	}
	if cs, ok := e.opts.Cache.(interface{ Stats() store.CacheStats }); ok {
		st := cs.Stats()
		fields = append(fields, zap.Int("ram_items", st.RAMItems), zap.String("ram_usage", formatBytes(uint64(st.RAMBytes))))
	}
	e.logger.Info("stats", fields...)
}
