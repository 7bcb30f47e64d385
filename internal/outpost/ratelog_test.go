package outpost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRateLimitedLogger(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	now := time.Unix(1000, 0)
	l := newRateLimitedLogger(zap.New(core), time.Minute, func() time.Time { return now })

	l.Warn("cache read failed")
	l.Warn("cache read failed")
	l.Warn("cache read failed")
	require.Equal(t, 1, logs.Len())

	now = now.Add(time.Minute)
	l.Warn("cache read failed", zap.String("url", "u"))
	entries := logs.All()
	require.Len(t, entries, 2)
	fields := entries[1].ContextMap()
	assert.Equal(t, int64(2), fields["suppressed"])
	assert.Equal(t, "u", fields["url"])
}

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	for _, n := range []int{10, 30, 20, -5} {
		s.Observe(n)
	}
	assert.Equal(t, statsSnapshot{Served: 4, MinBytes: 0, MaxBytes: 30, AvgBytes: 15}, s.Snapshot())
}

func TestEngine_LogStats(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	e, fn := newTestEngine(t, func(o *Options) { o.Logger = zap.New(core) })
	install(t, e, fn, "v1", "/app.js")
	get(t, e, "/app.js")

	e.logStats()
	stats := logs.FilterMessage("stats").All()
	require.Len(t, stats, 1)
	fields := stats[0].ContextMap()
	assert.Equal(t, uint64(1), fields["served"])
	assert.Equal(t, int64(0), fields["queued"])
	assert.Equal(t, int64(1), fields["ram_items"])
}
