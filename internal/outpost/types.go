package outpost

import (
	"context"
	"errors"
	"net/http"

	"outpost/internal/store"
)

// CacheStore is the generation-partitioned response cache.
type CacheStore interface {
	Get(ctx context.Context, gen, url string) (store.Entry, bool, error)
	Put(ctx context.Context, gen, url string, ent store.Entry) error
	// PutBatch writes a whole generation atomically.
	PutBatch(ctx context.Context, gen string, ents map[string]store.Entry) error
	Generations(ctx context.Context) ([]string, error)
	DeleteGenerations(ctx context.Context, gens ...string) (int, error)
	Current(ctx context.Context) (string, error)
	SetCurrent(ctx context.Context, gen string) error
}

// DurableQueue is the crash-safe FIFO of undelivered mutations.
type DurableQueue interface {
	Enqueue(ctx context.Context, m store.Mutation) (store.Mutation, error)
	List(ctx context.Context) ([]store.Mutation, error)
	Get(ctx context.Context, id uint64) (store.Mutation, bool, error)
	Delete(ctx context.Context, id uint64) error
	Len(ctx context.Context) (int, error)
}

var (
	// ErrNotSaved means a mutation could neither be delivered nor queued.
	// The caller's data was not kept.
	ErrNotSaved = errors.New("write not delivered and not saved for retry")

	ErrNoCandidate   = errors.New("no installed generation waiting for activation")
	ErrInstallFailed = errors.New("install failed")
)

// NetworkError is a failure to reach the server at all: dial, DNS, reset,
// timeout, or a body cut short.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

func isNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) ok() bool { return r.Status >= 200 && r.Status < 300 }

// Source tells where the response of an Outcome came from.
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceFallback    Source = "fallback"
	SourceUnavailable Source = "unavailable"
	SourceQueued      Source = "queued"
	SourceBypass      Source = "bypass"
)

// Outcome is the result of Intercept. Either Response is set, or the
// request was queued and MutationID names the queue entry.
type Outcome struct {
	Class      Class
	Source     Source
	Response   *Response
	MutationID uint64
}

func (o Outcome) Queued() bool { return o.Source == SourceQueued }

func entryToResponse(ent store.Entry) *Response {
	return &Response{Status: ent.Status, Header: cloneHeader(ent.Header), Body: ent.Body}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
