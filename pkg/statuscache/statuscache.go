package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	cfg "github.com/feichai0017/book-pipeline/config"
	"github.com/feichai0017/book-pipeline/pkg/logger"
)

// ErrMiss 缓存未命中
var ErrMiss = errors.New("status not cached")

// RunStatus is the cached terminal outcome of an ingestion run. The
// database row stays authoritative; the cache only spares the read APIs a
// query while clients poll finished books.
type RunStatus struct {
	BookID     string    `json:"bookId"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	PageCount  int       `json:"pageCount"`
	FinishedAt time.Time `json:"finishedAt"`
}

type Cache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func New(log logger.Logger) *Cache {
	redisConfig := cfg.GetRedisConfig()
	client := redis.NewClient(&redis.Options{
		Addr: redisConfig.Addr,
		DB:   redisConfig.DB,
	})

	return &Cache{
		redis:  client,
		ttl:    24 * time.Hour,
		logger: log,
	}
}

func key(bookID string) string {
	return fmt.Sprintf("ingest_status:%s", bookID)
}

// Save caches a terminal run status with expiry.
func (c *Cache) Save(ctx context.Context, status *RunStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := c.redis.Set(ctx, key(status.BookID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}

	return nil
}

// Get returns the cached status, or ErrMiss when nothing is cached.
func (c *Cache) Get(ctx context.Context, bookID string) (*RunStatus, error) {
	data, err := c.redis.Get(ctx, key(bookID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status from redis: %w", err)
	}

	var status RunStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &status, nil
}

// Invalidate drops a book's cached status, e.g. on re-upload.
func (c *Cache) Invalidate(ctx context.Context, bookID string) error {
	return c.redis.Del(ctx, key(bookID)).Err()
}
