package outpost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlag_ReconnectHooks(t *testing.T) {
	f := NewFlag(true)
	var n int
	f.OnReconnect(func() { n++ })

	assert.False(t, f.Set(true), "already online")
	assert.False(t, f.Set(false))
	assert.False(t, f.Online())
	assert.False(t, f.Set(false))
	assert.Zero(t, n)

	assert.True(t, f.Set(true))
	assert.True(t, f.Online())
	assert.Equal(t, 1, n)

	assert.False(t, f.Set(true))
	assert.Equal(t, 1, n)
}

func TestEngine_DefaultConnectivityIsOnline(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.True(t, e.opts.Connectivity.Online())
}
