package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	dedupKeyPrefix = "dedup:idempotency:"
	lockKeyPrefix  = "dedup:lock:"
)

// DedupCache implements domain.DedupCache on Redis. The cache is an
// accelerator only: a miss or a stale entry is always corrected by the
// Store's unique index, so every write here tolerates failure.
type DedupCache struct {
	client    *Client
	opTimeout time.Duration
}

// NewDedupCache creates a new DedupCache
func NewDedupCache(client *Client, opTimeout time.Duration) *DedupCache {
	return &DedupCache{client: client, opTimeout: opTimeout}
}

func dedupKey(key string) string {
	return dedupKeyPrefix + key
}

// GetID looks up the notification id stored for an idempotency key.
func (d *DedupCache) GetID(ctx context.Context, key string) (uuid.UUID, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()

	val, err := d.client.client.Get(ctx, dedupKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("failed to probe dedup cache: %w", err)
	}

	id, err := uuid.Parse(val)
	if err != nil {
		// Corrupt entry; treat as a miss and let the unique index decide.
		return uuid.Nil, false, nil
	}

	return id, true, nil
}

// SetID stores the notification id for an idempotency key with a TTL at
// least as long as the longest credible retry horizon.
func (d *DedupCache) SetID(ctx context.Context, key string, id uuid.UUID, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()

	if err := d.client.client.Set(ctx, dedupKey(key), id.String(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to write dedup cache: %w", err)
	}
	return nil
}

// Delete removes a dedup entry.
func (d *DedupCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()

	if err := d.client.client.Del(ctx, dedupKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete dedup entry: %w", err)
	}
	return nil
}

// AcquireLock takes a short-TTL SETNX lock. Used by the scheduler so
// concurrent instances do not republish the same rows.
func (d *DedupCache) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()

	ok, err := d.client.client.SetNX(ctx, lockKeyPrefix+name, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// ReleaseLock drops a scheduler lock early. The TTL is the safety net if
// the holder dies first.
func (d *DedupCache) ReleaseLock(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()

	if err := d.client.client.Del(ctx, lockKeyPrefix+name).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}
