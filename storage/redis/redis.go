// Package redis implements the storage.Cache interface on top of Redis via
// rueidis. It backs the grant cache, the DPoP jti replay cache and the DPoP
// nonce cache in multi-instance deployments, where the in-memory cache would
// not be shared.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"

	"github.com/janssen-go/jans-auth/storage"
)

// Cache is a Redis-backed TTL cache.
type Cache struct {
	client rueidis.Client
}

var _ storage.Cache = (*Cache)(nil)

// Options contains simplified connection configuration.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New creates a Cache from an existing rueidis client.
func New(client rueidis.Client) *Cache {
	return &Cache{client: client}
}

// NewFromOptions creates a Cache with its own rueidis client.
func NewFromOptions(opts Options) (*Cache, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{opts.Addr},
		Password:    opts.Password,
		SelectDB:    opts.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	return New(client), nil
}

// Close closes the underlying client connection.
func (c *Cache) Close() {
	c.client.Close()
}

// Get retrieves a value. Returns storage.ErrNotFound for absent or expired
// keys.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	cmd := c.client.B().Get().Key(key).Build()
	data, err := c.client.Do(ctx, cmd).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %q from redis: %w", key, err)
	}
	return data, nil
}

// Put stores a value with a TTL, overwriting any previous value.
func (c *Cache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache TTL must be positive, got %s", ttl)
	}
	cmd := c.client.B().Set().Key(key).Value(string(value)).ExSeconds(ttlSeconds(ttl)).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to put %q to redis: %w", key, err)
	}
	return nil
}

// PutIfAbsent stores a value only when the key is absent, using a single
// SET NX EX command. Redis executes the command atomically, which closes the
// check-then-insert race the DPoP replay guard depends on.
func (c *Cache) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache TTL must be positive, got %s", ttl)
	}
	cmd := c.client.B().Set().Key(key).Value(string(value)).Nx().ExSeconds(ttlSeconds(ttl)).Build()
	err := c.client.Do(ctx, cmd).Error()
	if err != nil {
		// SET NX replies nil when the key was already present.
		if rueidis.IsRedisNil(err) {
			return storage.ErrKeyExists
		}
		return fmt.Errorf("failed to put %q to redis: %w", key, err)
	}
	return nil
}

// Delete removes a key. Absent keys are not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	cmd := c.client.B().Del().Key(key).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to delete %q from redis: %w", key, err)
	}
	return nil
}

// ttlSeconds rounds a TTL up to whole seconds so sub-second TTLs do not
// collapse to zero (which Redis rejects).
func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if ttl%time.Second != 0 || secs == 0 {
		secs++
	}
	return secs
}
