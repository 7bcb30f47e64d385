package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout bounds every redis round trip. Default is 1s.
	ClientTimeout time.Duration

	// Prefix namespaces all keys. Default is "outpost:".
	Prefix string

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	Now func() time.Time
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = time.Second
	}
	if opts.Prefix == "" {
		opts.Prefix = "outpost:"
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return nil
}

// RedisCache keeps each generation in its own hash (field = url), so purging
// a generation is a single DEL.
type RedisCache struct {
	opts RedisCacheOpts

	mu      sync.RWMutex
	retired map[string]struct{}
}

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{opts: opts, retired: map[string]struct{}{}}, nil
}

func (r *RedisCache) genKey(gen string) string { return r.opts.Prefix + "gen:" + gen }
func (r *RedisCache) gensKey() string { return r.opts.Prefix + "gens" }
func (r *RedisCache) currentKey() string { return r.opts.Prefix + "current" }

func (r *RedisCache) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.opts.ClientTimeout)
}

func (r *RedisCache) Get(ctx context.Context, gen, url string) (Entry, bool, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	b, err := r.opts.Client.HGet(ctx, r.genKey(gen), url).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decode(b, &ent); err != nil {
		r.opts.Logger.Warn("redis data decode error", zap.String("url", url), zap.Error(err))
		return Entry{}, false, fmt.Errorf("decode %s: %w", url, err)
	}
	return ent, true, nil
}

func (r *RedisCache) Put(ctx context.Context, gen, url string, ent Entry) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, dead := r.retired[gen]; dead {
		return nil
	}
	return r.write(ctx, gen, map[string]Entry{url: ent})
}

func (r *RedisCache) PutBatch(ctx context.Context, gen string, ents map[string]Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(ctx, gen, ents); err != nil {
		return err
	}
	delete(r.retired, gen)
	return nil
}

func (r *RedisCache) write(ctx context.Context, gen string, ents map[string]Entry) error {
	fields := make(map[string]interface{}, len(ents))
	now := r.opts.Now().Unix()
	for url, ent := range ents {
		ent.Generation = gen
		if ent.StoredAt == 0 {
			ent.StoredAt = now
		}
		b, err := encode(ent)
		if err != nil {
			return fmt.Errorf("encode %s: %w", url, err)
		}
		fields[url] = b
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	_, err := r.opts.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(fields) > 0 {
			pipe.HSet(ctx, r.genKey(gen), fields)
		}
		pipe.SAdd(ctx, r.gensKey(), gen)
		return nil
	})
	if err != nil {
		r.opts.Logger.Warn("redis write", zap.String("generation", gen), zap.Error(err))
	}
	return err
}

func (r *RedisCache) Generations(ctx context.Context) ([]string, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	gens, err := r.opts.Client.SMembers(ctx, r.gensKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(gens)
	return gens, nil
}

func (r *RedisCache) DeleteGenerations(ctx context.Context, gens ...string) (int, error) {
	if len(gens) == 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := r.ctx(ctx)
	defer cancel()
	lens := make([]*redis.IntCmd, 0, len(gens))
	members := make([]interface{}, 0, len(gens))
	_, err := r.opts.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, gen := range gens {
			lens = append(lens, pipe.HLen(ctx, r.genKey(gen)))
			pipe.Del(ctx, r.genKey(gen))
			members = append(members, gen)
		}
		pipe.SRem(ctx, r.gensKey(), members...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range lens {
		removed += int(c.Val())
	}
	for _, gen := range gens {
		r.retired[gen] = struct{}{}
	}
	return removed, nil
}

func (r *RedisCache) Current(ctx context.Context) (string, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	gen, err := r.opts.Client.Get(ctx, r.currentKey()).Result()
	if err == redis.Nil {
		return "", nil
	}
	return gen, err
}

func (r *RedisCache) SetCurrent(ctx context.Context, gen string) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.opts.Client.Set(ctx, r.currentKey(), gen, 0).Err()
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}
