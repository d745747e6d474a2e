package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-race-room/internal"
)

const defaultKeyPrefix = "raceroom:catalog:"

// CachedCatalog Cache-Aside 目錄
//
// 讀取先查 Redis，未命中再查下層目錄並回寫。Redis 故障時
// 直接降級到下層目錄，只記錄警告。不快取「不存在」的結果。
type CachedCatalog struct {
	next   internal.Catalog
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

var _ internal.Catalog = (*CachedCatalog)(nil)

// NewCachedCatalog 創建快取目錄
func NewCachedCatalog(next internal.Catalog, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedCatalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCatalog{
		next:   next,
		client: client,
		ttl:    ttl,
		prefix: defaultKeyPrefix,
		logger: logger.With("component", "cached_catalog"),
	}
}

func (c *CachedCatalog) trackKey(id string) string { return c.prefix + "track:" + id }
func (c *CachedCatalog) modelKey(id string) string { return c.prefix + "model:" + id }

// GetTrack 查詢賽道
func (c *CachedCatalog) GetTrack(ctx context.Context, id string) (*internal.Track, error) {
	key := c.trackKey(id)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var track internal.Track
		if err := json.Unmarshal(data, &track); err == nil {
			return &track, nil
		}
		c.logger.Warn("discarding corrupt cache entry", "key", key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("redis get failed, falling back", "key", key, "error", err)
	}

	track, err := c.next.GetTrack(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, track)
	return track, nil
}

// GetAIModels 查詢模型，只向下層目錄請求未命中的部分
func (c *CachedCatalog) GetAIModels(ctx context.Context, ids []string) ([]*internal.AIModel, error) {
	if len(ids) == 0 {
		return []*internal.AIModel{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.modelKey(id)
	}

	result := make([]*internal.AIModel, 0, len(ids))
	missing := make([]string, 0, len(ids))

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("redis mget failed, falling back", "error", err)
		missing = append(missing, ids...)
	} else {
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				missing = append(missing, ids[i])
				continue
			}
			var model internal.AIModel
			if err := json.Unmarshal([]byte(s), &model); err != nil {
				missing = append(missing, ids[i])
				continue
			}
			result = append(result, &model)
		}
	}

	if len(missing) == 0 {
		return result, nil
	}

	loaded, err := c.next.GetAIModels(ctx, missing)
	if err != nil {
		return nil, err
	}

	pipe := c.client.Pipeline()
	for _, m := range loaded {
		if data, err := json.Marshal(m); err == nil {
			pipe.Set(ctx, c.modelKey(m.ID), data, c.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("redis pipeline failed", "error", err)
	}

	return append(result, loaded...), nil
}

// InvalidateTrack 刪除賽道快取
func (c *CachedCatalog) InvalidateTrack(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.trackKey(id)).Err()
}

// InvalidateAIModel 刪除模型快取
func (c *CachedCatalog) InvalidateAIModel(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.modelKey(id)).Err()
}

func (c *CachedCatalog) store(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("encode cache entry failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("redis set failed", "key", key, "error", err)
	}
}
