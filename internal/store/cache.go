package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type CacheOpts struct {
	// RAMMax bounds the in-memory tier in bytes. Zero disables it.
	RAMMax int64
	// Now defaults to time.Now.
	Now func() time.Time
}

// Cache is the generation-partitioned response store. Entries live in
// leveldb under c:<gen>\x00<url>; every generation that holds entries has a
// g:<gen> marker so generations can be listed without a full scan.
type Cache struct {
	db  *DB
	ram *ramCache
	now func() time.Time

	// mu orders entry writes against generation purges. A purged generation
	// is remembered so a write racing the purge cannot resurrect it.
	mu      sync.RWMutex
	retired map[string]struct{}
}

func NewCache(db *DB, opts CacheOpts) *Cache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		db:      db,
		ram:     newRAMCache(opts.RAMMax),
		now:     now,
		retired: map[string]struct{}{},
	}
}

func entryKey(gen, url string) []byte {
	return []byte(prefixEntry + gen + "\x00" + url)
}

func generationKey(gen string) []byte {
	return []byte(prefixGeneration + gen)
}

func (c *Cache) Get(_ context.Context, gen, url string) (Entry, bool, error) {
	rk := ramKey(gen, url)
	if ent, ok := c.ram.Get(rk); ok {
		return ent, true, nil
	}
	b, err := c.db.ldb.Get(entryKey(gen, url), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decode(b, &ent); err != nil {
		return Entry{}, false, fmt.Errorf("decode %s: %w", url, err)
	}
	c.promote(gen, rk, ent)
	return ent, true, nil
}

// promote copies a disk hit into the RAM tier unless gen was purged while
// the read was in flight.
func (c *Cache) promote(gen, rk string, ent Entry) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, dead := c.retired[gen]; dead {
		return
	}
	c.ram.Put(rk, ent)
}

// Put writes ent for url under gen, replacing any previous entry. Writes to
// a generation that has been purged are dropped.
func (c *Cache) Put(_ context.Context, gen, url string, ent Entry) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, dead := c.retired[gen]; dead {
		return nil
	}
	ent = c.stamp(gen, ent)
	b, err := encode(ent)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(entryKey(gen, url), b)
	batch.Put(generationKey(gen), nil)
	if err := c.db.ldb.Write(batch, nil); err != nil {
		return err
	}
	c.ram.Put(ramKey(gen, url), ent)
	return nil
}

// PutBatch writes all ents under gen in one atomic batch. It is how a new
// generation is pre-warmed, so it also clears a previous purge of gen.
func (c *Cache) PutBatch(_ context.Context, gen string, ents map[string]Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := new(leveldb.Batch)
	stamped := make(map[string]Entry, len(ents))
	for url, ent := range ents {
		ent = c.stamp(gen, ent)
		b, err := encode(ent)
		if err != nil {
			return fmt.Errorf("encode %s: %w", url, err)
		}
		batch.Put(entryKey(gen, url), b)
		stamped[url] = ent
	}
	batch.Put(generationKey(gen), nil)
	if err := c.db.ldb.Write(batch, nil); err != nil {
		return err
	}
	delete(c.retired, gen)
	for url, ent := range stamped {
		c.ram.Put(ramKey(gen, url), ent)
	}
	return nil
}

func (c *Cache) stamp(gen string, ent Entry) Entry {
	ent.Generation = gen
	if ent.StoredAt == 0 {
		ent.StoredAt = c.now().Unix()
	}
	return ent
}

// Generations lists every generation that has been written, sorted.
func (c *Cache) Generations(_ context.Context) ([]string, error) {
	keys, err := c.db.keysWithPrefix(prefixGeneration)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, string(k[len(prefixGeneration):]))
	}
	sort.Strings(out)
	return out, nil
}

// DeleteGenerations removes every entry of the given generations in a single
// batch and reports how many entries were removed.
func (c *Cache) DeleteGenerations(_ context.Context, gens ...string) (int, error) {
	if len(gens) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := new(leveldb.Batch)
	removed := 0
	for _, gen := range gens {
		it := c.db.ldb.NewIterator(util.BytesPrefix([]byte(prefixEntry+gen+"\x00")), nil)
		for it.Next() {
			k := make([]byte, len(it.Key()))
			copy(k, it.Key())
			batch.Delete(k)
			removed++
		}
		it.Release()
		if err := it.Error(); err != nil {
			return 0, err
		}
		batch.Delete(generationKey(gen))
	}
	if err := c.db.ldb.Write(batch, nil); err != nil {
		return 0, err
	}
	for _, gen := range gens {
		c.retired[gen] = struct{}{}
		c.ram.DeleteGeneration(gen)
	}
	return removed, nil
}

// Current returns the persisted current generation, or "" if none was set.
func (c *Cache) Current(_ context.Context) (string, error) {
	b, err := c.db.ldb.Get([]byte(keyCurrent), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Cache) SetCurrent(_ context.Context, gen string) error {
	return c.db.ldb.Put([]byte(keyCurrent), []byte(gen), nil)
}

type CacheStats struct {
	RAMBytes int64
	RAMItems int
}

func (c *Cache) Stats() CacheStats {
	return CacheStats{RAMBytes: c.ram.TotalSize(), RAMItems: c.ram.Len()}
}
