package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint of SCAN calls.
const scanBatch = 500

// RedisOptions configures a Redis store.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
}

// Redis stores objects as string values, one key per object.
type Redis struct {
	rdb *redis.Client
}

// NewRedis creates a Redis store. No connection is made until first use.
func NewRedis(opts RedisOptions) *Redis {
	o := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if opts.TLS {
		o.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &Redis{rdb: redis.NewClient(o)}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: redis key %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (r *Redis) Put(ctx context.Context, key string, data []byte) error {
	if err := r.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// List returns the keys "<dir>/<name>" with no further slash in name.
func (r *Redis) List(ctx context.Context, dir string) ([]string, error) {
	prefix := dirPrefix(dir)
	var keys []string
	iter := r.rdb.Scan(ctx, 0, escapeGlob(prefix)+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if !strings.Contains(strings.TrimPrefix(key, prefix), "/") {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Redis) MakeDir(context.Context, string) error { return nil }

// RemoveAll deletes every key under dir, in SCAN-sized batches. An empty
// dir would match the whole database and is refused.
func (r *Redis) RemoveAll(ctx context.Context, dir string) error {
	prefix := dirPrefix(dir)
	if prefix == "" {
		return fmt.Errorf("%w: redis database", ErrRootRemoval)
	}
	iter := r.rdb.Scan(ctx, 0, escapeGlob(prefix)+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.rdb.Del(ctx, batch...).Err()
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	if err := flush(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func dirPrefix(dir string) string {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return ""
	}
	return dir + "/"
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
