package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type QueueOpts struct {
	// NoSync skips fsync on enqueue and delete. Only meant for tests.
	NoSync bool
	// Now stamps EnqueuedAt when the caller left it zero.
	Now func() time.Time
}

// Queue is the durable FIFO of undelivered mutations. Records are stored
// under q:<20-digit id>, so key order is enqueue order.
type Queue struct {
	db  *DB
	wo  *opt.WriteOptions
	now func() time.Time

	mu  sync.Mutex
	seq uint64
}

func NewQueue(db *DB, opts QueueOpts) (*Queue, error) {
	q := &Queue{
		db:  db,
		wo:  &opt.WriteOptions{Sync: !opts.NoSync},
		now: opts.Now,
	}
	if q.now == nil {
		q.now = time.Now
	}
	b, err := db.ldb.Get([]byte(keyQueueSeq), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read queue sequence: %w", err)
	case len(b) != 8:
		return nil, fmt.Errorf("queue sequence: bad length %d", len(b))
	default:
		q.seq = binary.BigEndian.Uint64(b)
	}
	return q, nil
}

func mutationKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixMutation, id))
}

// Enqueue assigns the next id to m and appends it. The record and the new
// sequence value are written in one synced batch; on error nothing is
// stored and the id is not consumed.
func (q *Queue) Enqueue(_ context.Context, m Mutation) (Mutation, error) {
	if m.Key == "" {
		k, err := uuid.NewV7()
		if err != nil {
			return Mutation{}, err
		}
		m.Key = k.String()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	m.ID = q.seq + 1
	b, err := encode(m)
	if err != nil {
		return Mutation{}, err
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], m.ID)

	batch := new(leveldb.Batch)
	batch.Put(mutationKey(m.ID), b)
	batch.Put([]byte(keyQueueSeq), seq[:])
	if err := q.db.ldb.Write(batch, q.wo); err != nil {
		return Mutation{}, err
	}
	q.seq = m.ID
	return m, nil
}

// List returns every pending mutation in FIFO order. Undecodable records are
// reported as an error rather than skipped so they are never lost silently.
func (q *Queue) List(_ context.Context) ([]Mutation, error) {
	it := q.db.ldb.NewIterator(util.BytesPrefix([]byte(prefixMutation)), nil)
	defer it.Release()
	var out []Mutation
	for it.Next() {
		var m Mutation
		if err := decode(it.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Key(), err)
		}
		out = append(out, m)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) Get(_ context.Context, id uint64) (Mutation, bool, error) {
	b, err := q.db.ldb.Get(mutationKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Mutation{}, false, nil
	}
	if err != nil {
		return Mutation{}, false, err
	}
	var m Mutation
	if err := decode(b, &m); err != nil {
		return Mutation{}, false, fmt.Errorf("decode mutation %d: %w", id, err)
	}
	return m, true, nil
}

// Delete removes the mutation with id. Deleting a missing id is not an error.
func (q *Queue) Delete(_ context.Context, id uint64) error {
	return q.db.ldb.Delete(mutationKey(id), q.wo)
}

func (q *Queue) Len(_ context.Context) (int, error) {
	keys, err := q.db.keysWithPrefix(prefixMutation)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// ParseID parses the decimal form of a mutation id.
func ParseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid mutation id %q", s)
	}
	return id, nil
}
