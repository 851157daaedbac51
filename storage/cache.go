package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskstream/domain"
	"taskstream/internal/consts"
)

// Cache wraps a domain.Store with a Redis-backed cache of per-stream task
// lists. Every other call passes straight through.
type Cache struct {
	domain.Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base domain.Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Store: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasksForStream(ctx context.Context, streamID string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasks(ctx, streamID); ok {
		return tasks, nil
	}
	tasks, err := c.Store.ListTasksForStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	c.storeTasks(ctx, streamID, tasks)
	return tasks, nil
}

func (c *Cache) InsertTask(ctx context.Context, t domain.Task) (string, error) {
	id, err := c.Store.InsertTask(ctx, t)
	if err != nil {
		return "", err
	}
	c.InvalidateStream(ctx, t.StreamID)
	return id, nil
}

// InvalidateStream drops the cached task list of a stream.
func (c *Cache) InvalidateStream(ctx context.Context, streamID string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, tasksCacheKey(streamID)).Err(); err != nil {
		log.WithError(err).WithField("stream", streamID).Warn("cache eviction failed")
	}
}

// PingCache reports whether Redis answers.
func (c *Cache) PingCache(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Cache) loadTasks(ctx context.Context, streamID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	entry := log.WithField("stream", streamID)
	data, err := c.redis.Get(ctx, tasksCacheKey(streamID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			entry.WithError(err).Warn("cache read failed")
			c.evict(ctx, entry, streamID)
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		entry.WithError(err).Warn("corrupt cache entry")
		c.evict(ctx, entry, streamID)
		return nil, false
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, true
}

func (c *Cache) storeTasks(ctx context.Context, streamID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	entry := log.WithField("stream", streamID)
	data, err := sonic.Marshal(tasks)
	if err != nil {
		entry.WithError(err).Error("encode cache entry")
		return
	}
	if err := c.redis.Set(ctx, tasksCacheKey(streamID), data, c.ttl).Err(); err != nil {
		entry.WithError(err).Warn("cache fill failed")
	}
}

func (c *Cache) evict(ctx context.Context, entry *log.Entry, streamID string) {
	if err := c.redis.Del(ctx, tasksCacheKey(streamID)).Err(); err != nil {
		entry.WithError(err).Debug("cache eviction failed")
	}
}

func tasksCacheKey(streamID string) string {
	return consts.TasksKeyPrefix + streamID
}
