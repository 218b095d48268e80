package statuscache

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"time"
	"worker-transcribe/constant"
)

const keyPrefix = "transcription:status:"

// Cache mirrors the latest known job status into Redis so status lookups
// do not have to hit Postgres. Postgres stays the source of truth.
type Cache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func New(client redis.Cmdable, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func Key(id uuid.UUID) string {
	return keyPrefix + id.String()
}

func (c *Cache) SetStatus(ctx context.Context, id uuid.UUID, status constant.JobStatus) error {
	if err := c.client.Set(ctx, Key(id), status.String(), c.ttl).Err(); err != nil {
		return fmt.Errorf("cache status: %w", err)
	}
	return nil
}

func (c *Cache) GetStatus(ctx context.Context, id uuid.UUID) (constant.JobStatus, bool, error) {
	val, err := c.client.Get(ctx, Key(id)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read cached status: %w", err)
	}
	status, _ := constant.ParseJobStatus(val)
	return status, true, nil
}
