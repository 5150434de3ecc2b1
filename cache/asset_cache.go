package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"clipdeck/logger"
)

const (
	assetURLKey = "asset:%s:url" // String: 可播放地址
	noticeKey   = "notice:%s:%s" // String: 提示标记 (scope:key)
	noticeTTL   = 30 * 24 * time.Hour
)

// AssetURLKey 素材地址的缓存键
func AssetURLKey(id string) string { return fmt.Sprintf(assetURLKey, id) }

// NoticeKey 提示标记的缓存键
func NoticeKey(scope, key string) string { return fmt.Sprintf(noticeKey, scope, key) }

// AssetURLCache 多个编辑会话共享的素材地址缓存
type AssetURLCache struct {
	client *redis.Client
}

// NewAssetURLCache 创建地址缓存，client 为 nil 时使用全局客户端
func NewAssetURLCache(client *redis.Client) *AssetURLCache {
	if client == nil {
		client = RedisClient
	}
	return &AssetURLCache{client: client}
}

// Get 读取地址，未命中返回 ok=false
func (c *AssetURLCache) Get(ctx context.Context, id string) (string, bool, error) {
	if c.client == nil {
		return "", false, errNotInitialized
	}
	u, err := c.client.Get(ctx, AssetURLKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, err
	}
	return u, true, nil
}

// Set 写入地址，ttl 应不超过签名地址的有效期
func (c *AssetURLCache) Set(ctx context.Context, id, url string, ttl time.Duration) error {
	if c.client == nil {
		return errNotInitialized
	}
	if err := c.client.Set(ctx, AssetURLKey(id), url, ttl).Err(); err != nil {
		logger.Error("设置素材地址缓存失败", logger.String("asset", id), logger.ErrorField(err))
		return err
	}
	return nil
}

// Delete 删除地址
func (c *AssetURLCache) Delete(ctx context.Context, id string) error {
	if c.client == nil {
		return errNotInitialized
	}
	return c.client.Del(ctx, AssetURLKey(id)).Err()
}

// NoticeFlags 持久化的一次性提示标记，scope 通常是用户标识
type NoticeFlags struct {
	client *redis.Client
	scope  string
}

// NewNoticeFlags 创建标记存储
func NewNoticeFlags(client *redis.Client, scope string) *NoticeFlags {
	if client == nil {
		client = RedisClient
	}
	return &NoticeFlags{client: client, scope: scope}
}

// MarkOnce 第一次设置时返回 true
func (n *NoticeFlags) MarkOnce(ctx context.Context, key string) (bool, error) {
	if n.client == nil {
		return false, errNotInitialized
	}
	return n.client.SetNX(ctx, NoticeKey(n.scope, key), time.Now().UnixMilli(), noticeTTL).Result()
}

// Reset 清除标记
func (n *NoticeFlags) Reset(ctx context.Context, key string) error {
	if n.client == nil {
		return errNotInitialized
	}
	return n.client.Del(ctx, NoticeKey(n.scope, key)).Err()
}
