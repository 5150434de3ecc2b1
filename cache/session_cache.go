package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	sessionPlaybackKey = "session:%s:playback" // Hash: 播放状态
	sessionTTL         = 24 * time.Hour
)

// PlaybackSnapshot 会话关闭时保存的播放位置，重新打开时恢复
type PlaybackSnapshot struct {
	Time       float64
	DurationMs int64
	UpdatedAt  int64
}

// SessionCache 会话播放状态缓存
type SessionCache struct {
	client *redis.Client
}

// NewSessionCache 创建会话缓存，client 为 nil 时使用全局客户端
func NewSessionCache(client *redis.Client) *SessionCache {
	if client == nil {
		client = RedisClient
	}
	return &SessionCache{client: client}
}

// SavePlayback 保存播放位置
func (c *SessionCache) SavePlayback(ctx context.Context, projectID string, s PlaybackSnapshot) error {
	if c.client == nil {
		return errNotInitialized
	}
	key := fmt.Sprintf(sessionPlaybackKey, projectID)
	if s.UpdatedAt == 0 {
		s.UpdatedAt = time.Now().UnixMilli()
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"time":        s.Time,
		"duration_ms": s.DurationMs,
		"updated_at":  s.UpdatedAt,
	})
	pipe.Expire(ctx, key, sessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// LoadPlayback 读取播放位置，不存在时返回 nil, nil
func (c *SessionCache) LoadPlayback(ctx context.Context, projectID string) (*PlaybackSnapshot, error) {
	if c.client == nil {
		return nil, errNotInitialized
	}
	result, err := c.client.HGetAll(ctx, fmt.Sprintf(sessionPlaybackKey, projectID)).Result()
	if err != nil {
		return nil, err
	}
	return parsePlayback(result), nil
}

func parsePlayback(result map[string]string) *PlaybackSnapshot {
	if len(result) == 0 {
		return nil
	}
	s := &PlaybackSnapshot{}
	if v, ok := result["time"]; ok {
		s.Time, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := result["duration_ms"]; ok {
		s.DurationMs, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := result["updated_at"]; ok {
		s.UpdatedAt, _ = strconv.ParseInt(v, 10, 64)
	}
	return s
}
