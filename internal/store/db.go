package store

import (
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout shared by Cache and Queue.
const (
	prefixEntry      = "c:"
	prefixGeneration = "g:"
	prefixMutation   = "q:"

	keyCurrent  = "meta:current"
	keyQueueSeq = "meta:qseq"
)

// DB is the leveldb handle both the cache and the mutation queue live in.
type DB struct {
	ldb *leveldb.DB
}

// Open opens (or creates) a database directory. A corrupted manifest is
// recovered instead of failing startup.
func Open(dir string) (*DB, error) {
	ldb, err := leveldb.OpenFile(dir, nil)
	if lerrors.IsCorrupted(err) {
		ldb, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, err
	}
	return &DB{ldb: ldb}, nil
}

// OpenMem opens a database that lives in memory only.
func OpenMem() (*DB, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &DB{ldb: ldb}, nil
}

func (d *DB) Close() error {
	return d.ldb.Close()
}

// keysWithPrefix returns all keys under prefix in key order.
func (d *DB) keysWithPrefix(prefix string) ([][]byte, error) {
	it := d.ldb.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	var out [][]byte
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		out = append(out, k)
	}
	return out, it.Error()
}
