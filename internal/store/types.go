package store

import (
	"net/http"
	"time"
)

// Entry is a cached response snapshot, keyed by canonical URL within one
// cache generation.
type Entry struct {
	Status     int
	Header     http.Header
	Body       []byte
	Generation string
	StoredAt   int64 // unix seconds
	Hash32     uint32
}

// Mutation is a write request that could not be delivered yet.
type Mutation struct {
	// ID orders the queue. It is allocated by Queue.Enqueue and only grows.
	ID uint64
	// Key is a UUIDv7 that stays unique across databases.
	Key        string
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
	EnqueuedAt time.Time
}
