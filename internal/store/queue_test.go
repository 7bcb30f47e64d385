package store

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, db *DB) *Queue {
	t.Helper()
	q, err := NewQueue(db, QueueOpts{NoSync: true})
	require.NoError(t, err)
	return q
}

func TestQueue_FIFOAndPreservation(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newMemDB(t))

	body := []byte(`{"text":"hi"}`)
	hdr := http.Header{"Content-Type": {"application/json"}, "X-Trace": {"a", "b"}}
	first, err := q.Enqueue(ctx, Mutation{Method: http.MethodPost, URL: "http://a/api/notes", Header: hdr, Body: body})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, Mutation{Method: http.MethodDelete, URL: "http://a/api/notes/1"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, uint64(2), second.ID)
	assert.NotEmpty(t, first.Key)
	assert.NotEqual(t, first.Key, second.Key)
	assert.False(t, first.EnqueuedAt.IsZero())

	list, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, http.MethodPost, list[0].Method)
	assert.Equal(t, "http://a/api/notes", list[0].URL)
	assert.Equal(t, hdr, list[0].Header)
	assert.Equal(t, body, list[0].Body)
	assert.Equal(t, second.ID, list[1].ID)

	require.NoError(t, q.Delete(ctx, first.ID))
	require.NoError(t, q.Delete(ctx, first.ID))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := q.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	got, ok, err := q.Get(ctx, second.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.Key, got.Key)
}

func TestQueue_IDsKeepGrowingAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := Open(dir)
	require.NoError(t, err)
	q, err := NewQueue(db, QueueOpts{})
	require.NoError(t, err)
	m, err := q.Enqueue(ctx, Mutation{Method: http.MethodPost, URL: "http://a/x", Body: []byte("1")})
	require.NoError(t, err)
	require.NoError(t, q.Delete(ctx, m.ID))
	_, err = q.Enqueue(ctx, Mutation{Method: http.MethodPost, URL: "http://a/y", Body: []byte("2")})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(dir)
	require.NoError(t, err)
	defer db.Close()
	q, err = NewQueue(db, QueueOpts{})
	require.NoError(t, err)

	list, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "http://a/y", list[0].URL)
	assert.Equal(t, uint64(2), list[0].ID)

	next, err := q.Enqueue(ctx, Mutation{Method: http.MethodPost, URL: "http://a/z"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next.ID)
}

func TestQueue_ConcurrentEnqueueLosesNothing(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newMemDB(t))

	const workers, per = 16, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				_, err := q.Enqueue(ctx, Mutation{Method: http.MethodPut, URL: fmt.Sprintf("http://a/%d/%d", w, i)})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	list, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, workers*per)
	assert.True(t, sort.SliceIsSorted(list, func(i, j int) bool { return list[i].ID < list[j].ID }))
	seen := map[string]bool{}
	for _, m := range list {
		seen[m.URL] = true
	}
	assert.Len(t, seen, workers*per)
}

func TestQueue_KeepsCallerTimestamp(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	q := newTestQueue(t, newMemDB(t))
	m, err := q.Enqueue(context.Background(), Mutation{Method: http.MethodPost, URL: "http://a/x", EnqueuedAt: at})
	require.NoError(t, err)
	assert.True(t, at.Equal(m.EnqueuedAt))
}

func TestParseID(t *testing.T) {
	id, err := ParseID("42")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)

	for _, bad := range []string{"", "0", "-1", "x"} {
		_, err := ParseID(bad)
		assert.Error(t, err, bad)
	}
}
