package config

import (
	"testing"
	"time"
)

func TestDefaultEngine(t *testing.T) {
	e := DefaultEngine()
	if e.PoolCapacity != 8 {
		t.Errorf("PoolCapacity = %d, want 8", e.PoolCapacity)
	}
	if e.SyncThrottle != 16*time.Millisecond || e.SyncDebounce != 5*time.Millisecond {
		t.Errorf("sync timing = %v/%v, want 16ms/5ms", e.SyncThrottle, e.SyncDebounce)
	}
	if e.DriftThreshold != 0.1 {
		t.Errorf("DriftThreshold = %v, want 0.1", e.DriftThreshold)
	}
	if e.AssetURLTTL != 5*time.Minute || e.AssetErrorBackoff != 30*time.Second {
		t.Errorf("cache policy = %v/%v, want 5m/30s", e.AssetURLTTL, e.AssetErrorBackoff)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POOL_CAPACITY", "4")
	t.Setenv("SYNC_THROTTLE", "32ms")
	t.Setenv("DRIFT_THRESHOLD", "0.25")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("GRID_SNAP_MS", "not-a-number")

	cfg := Load()
	if cfg.Engine.PoolCapacity != 4 {
		t.Errorf("PoolCapacity = %d, want 4", cfg.Engine.PoolCapacity)
	}
	if cfg.Engine.SyncThrottle != 32*time.Millisecond {
		t.Errorf("SyncThrottle = %v, want 32ms", cfg.Engine.SyncThrottle)
	}
	if cfg.Engine.DriftThreshold != 0.25 {
		t.Errorf("DriftThreshold = %v, want 0.25", cfg.Engine.DriftThreshold)
	}
	if !cfg.MinioUseSSL {
		t.Error("MinioUseSSL = false, want true")
	}
	if cfg.Engine.GridSnapMs != 100 {
		t.Errorf("invalid GRID_SNAP_MS should fall back, got %d", cfg.Engine.GridSnapMs)
	}
}
