package outpost

import (
	"sync"
	"sync/atomic"
)

// Connectivity is the engine's view of whether the environment is online.
type Connectivity interface {
	Online() bool
}

// Flag is a settable Connectivity. Going from offline to online runs the
// registered reconnect hooks.
type Flag struct {
	online atomic.Bool

	mu    sync.Mutex
	hooks []func()
}

func NewFlag(online bool) *Flag {
	f := &Flag{}
	f.online.Store(online)
	return f
}

func (f *Flag) Online() bool { return f.online.Load() }

// OnReconnect registers fn to run on every offline to online transition.
// Hooks run synchronously inside Set.
func (f *Flag) OnReconnect(fn func()) {
	f.mu.Lock()
	f.hooks = append(f.hooks, fn)
	f.mu.Unlock()
}

// Set records the connectivity state and reports whether this call was a
// reconnect.
func (f *Flag) Set(online bool) bool {
	was := f.online.Swap(online)
	if was || !online {
		return false
	}
	f.mu.Lock()
	hooks := append([]func(){}, f.hooks...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return true
}
