package cache

import (
	"context"
	"testing"
	"time"
)

func TestKeys(t *testing.T) {
	if got := AssetURLKey("a1"); got != "asset:a1:url" {
		t.Errorf("AssetURLKey = %q", got)
	}
	if got := NoticeKey("user-7", "billing_outage"); got != "notice:user-7:billing_outage" {
		t.Errorf("NoticeKey = %q", got)
	}
}

func TestUninitializedClient(t *testing.T) {
	saved := RedisClient
	RedisClient = nil
	defer func() { RedisClient = saved }()

	ctx := context.Background()
	if _, _, err := NewAssetURLCache(nil).Get(ctx, "a"); err == nil {
		t.Error("Get without client should fail")
	}
	if err := NewAssetURLCache(nil).Set(ctx, "a", "u", time.Minute); err == nil {
		t.Error("Set without client should fail")
	}
	if _, err := NewNoticeFlags(nil, "u").MarkOnce(ctx, "k"); err == nil {
		t.Error("MarkOnce without client should fail")
	}
	if _, err := NewSessionCache(nil).LoadPlayback(ctx, "p"); err == nil {
		t.Error("LoadPlayback without client should fail")
	}
}

func TestParsePlayback(t *testing.T) {
	if parsePlayback(nil) != nil {
		t.Error("empty hash should parse to nil")
	}
	s := parsePlayback(map[string]string{"time": "12.5", "duration_ms": "30000", "updated_at": "99"})
	if s == nil || s.Time != 12.5 || s.DurationMs != 30000 || s.UpdatedAt != 99 {
		t.Errorf("snapshot = %+v", s)
	}
}
