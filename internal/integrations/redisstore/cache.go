package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a byte-value cache with per-entry TTL.
type Cache struct {
	rdb    commands
	prefix string
}

func NewCache(rdb commands, prefix string) (*Cache, error) {
	if rdb == nil {
		return nil, errors.New("redisstore: client must not be nil")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "care:gen:"
	}
	return &Cache{rdb: rdb, prefix: prefix}, nil
}

// Get reports ok=false without error on a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redisstore: cache get: %w", err)
	}
	return val, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: cache set: %w", err)
	}
	return nil
}
