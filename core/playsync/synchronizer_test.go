package playsync

import (
	"fmt"
	"math"
	"testing"
	"time"

	"clipdeck/core/pool"
	"clipdeck/core/sched"
)

type fixture struct {
	sched *sched.Manual
	pool  *pool.Pool
	outs  []*pool.VirtualOutput
	sync  *Synchronizer
}

func newFixture(capacity int) *fixture {
	m := sched.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f := &fixture{sched: m}
	f.pool = pool.New(capacity, func(int) pool.Output {
		o := pool.NewVirtualOutput(m.Now)
		f.outs = append(f.outs, o)
		return o
	})
	f.sync = New(f.pool, m, DefaultOptions())
	return f
}

func (f *fixture) register(t *testing.T, id string, start, end int64) {
	t.Helper()
	err := f.pool.RegisterTrack(pool.Track{ID: id, URL: "https://cdn.example/" + id, Volume: 1, Speed: 1, StartMs: start, EndMs: end})
	if err != nil {
		t.Fatalf("RegisterTrack(%s): %v", id, err)
	}
}

func (f *fixture) handle(t *testing.T, id string) *pool.VirtualOutput {
	t.Helper()
	h, ok := f.pool.Binding(id)
	if !ok {
		t.Fatalf("track %s not bound", id)
	}
	return h.(*pool.VirtualOutput)
}

func TestBindsAndSeeksInsideWindow(t *testing.T) {
	f := newFixture(8)
	f.register(t, "voice", 2000, 8000)

	r := f.sync.Sync(5, true)
	if r.Bound != 1 {
		t.Fatalf("Bound = %d, want 1", r.Bound)
	}
	h := f.handle(t, "voice")
	if math.Abs(h.Position()-3.0) > 1e-9 {
		t.Errorf("position = %v, want 3.0", h.Position())
	}
	if h.Paused() {
		t.Error("handle should be playing")
	}
}

func TestReleasesOutsideWindowOrWhenPaused(t *testing.T) {
	f := newFixture(8)
	f.register(t, "voice", 2000, 8000)
	f.sync.Sync(5, true)

	if r := f.sync.Sync(5, false); r.Released != 1 {
		t.Fatalf("pause should release, report %+v", r)
	}
	f.sync.Sync(5, true)
	if r := f.sync.Sync(9, true); r.Released != 1 {
		t.Fatalf("leaving window should release, report %+v", r)
	}
	if f.pool.BoundCount() != 0 {
		t.Errorf("BoundCount = %d, want 0", f.pool.BoundCount())
	}
}

func TestDriftCorrectionThreshold(t *testing.T) {
	f := newFixture(8)
	f.register(t, "voice", 2000, 8000)
	f.sync.Sync(5, true)
	h := f.handle(t, "voice")
	seeks := h.Seeks

	if r := f.sync.Sync(5.05, true); r.Seeked != 0 {
		t.Fatalf("drift 0.05s must not seek, report %+v", r)
	}
	if h.Seeks != seeks {
		t.Fatalf("seek count changed for sub-threshold drift: %d -> %d", seeks, h.Seeks)
	}

	if r := f.sync.Sync(5.5, true); r.Seeked != 1 {
		t.Fatalf("drift 0.5s must seek once, report %+v", r)
	}
	if h.Seeks != seeks+1 {
		t.Errorf("seek count = %d, want %d", h.Seeks, seeks+1)
	}
	if math.Abs(h.Position()-3.5) > 1e-9 {
		t.Errorf("position after correction = %v, want 3.5", h.Position())
	}
}

func TestResumesUnexpectedlyPausedHandle(t *testing.T) {
	f := newFixture(8)
	f.register(t, "voice", 0, 8000)
	f.sync.Sync(1, true)
	h := f.handle(t, "voice")
	h.Pause()

	if r := f.sync.Sync(1, true); r.Resumed != 1 {
		t.Fatalf("paused handle should be resumed, report %+v", r)
	}
	if h.Paused() {
		t.Error("handle still paused")
	}
}

func TestExcessTracksStaySilent(t *testing.T) {
	f := newFixture(8)
	for i := 0; i < 11; i++ {
		f.register(t, fmt.Sprintf("t%02d", i), 0, 10000)
	}
	r := f.sync.Sync(1, true)
	if r.Bound != 8 || r.Skipped != 3 {
		t.Fatalf("report = %+v, want 8 bound 3 skipped", r)
	}
	if f.pool.BoundCount() > f.pool.Capacity() {
		t.Fatalf("bound %d exceeds capacity %d", f.pool.BoundCount(), f.pool.Capacity())
	}

	// 释放一个之后下一次同步补上被跳过的轨道
	f.pool.UnregisterTrack("t00")
	r = f.sync.Sync(1.01, true)
	if r.Bound != 1 || r.Skipped != 2 {
		t.Errorf("after freeing one handle report = %+v", r)
	}
}

func TestRequestIsThrottledAndDebounced(t *testing.T) {
	f := newFixture(8)
	f.register(t, "voice", 0, 10000)

	f.sync.Request(1, true)
	if f.sync.Passes() != 0 {
		t.Fatal("sync work must be deferred by the debounce delay")
	}
	for i := 0; i < 5; i++ {
		f.sched.Advance(2 * time.Millisecond)
		f.sync.Request(1+float64(i)*0.002, true)
	}
	// 10ms 内：首个请求的防抖已触发，其余被节流
	if f.sync.Passes() != 1 {
		t.Fatalf("passes after burst = %d, want 1", f.sync.Passes())
	}

	f.sched.Advance(20 * time.Millisecond)
	if f.sync.Passes() != 2 {
		t.Fatalf("trailing call should run exactly once more, passes = %d", f.sync.Passes())
	}
	if f.sched.PendingTimers() != 0 {
		t.Errorf("pending timers = %d, want 0", f.sched.PendingTimers())
	}
}

func TestTrailingRequestCarriesLatestState(t *testing.T) {
	f := newFixture(8)
	f.register(t, "voice", 0, 10000)

	f.sync.Request(1, true)
	f.sched.Advance(6 * time.Millisecond)
	if f.pool.BoundCount() != 1 {
		t.Fatal("first request should bind after debounce")
	}
	f.sync.Request(1.006, false) // 被节流的暂停
	f.sched.Advance(30 * time.Millisecond)
	if f.pool.BoundCount() != 0 {
		t.Fatal("throttled pause must still be applied by the trailing call")
	}
}

func TestCloseCancelsTimers(t *testing.T) {
	f := newFixture(8)
	f.register(t, "voice", 0, 10000)
	f.sync.Request(1, true)
	f.sched.Advance(time.Millisecond)
	f.sync.Request(1, true)
	f.sync.Close()
	f.sched.Advance(100 * time.Millisecond)
	if f.sync.Passes() != 0 {
		t.Fatalf("passes after Close = %d, want 0", f.sync.Passes())
	}
}

func TestSpeedAndTrimMapToSourcePosition(t *testing.T) {
	f := newFixture(8)
	// 源 [1500, 21500] 以 2 倍速铺在时间线 [1000, 11000]
	err := f.pool.RegisterTrack(pool.Track{
		ID: "fast", URL: "https://cdn.example/fast", Volume: 1, Speed: 2,
		StartMs: 1000, EndMs: 11000, SourceStartMs: 1500,
	})
	if err != nil {
		t.Fatal(err)
	}

	f.sync.Sync(2, true)
	h := f.handle(t, "fast")
	if math.Abs(h.Position()-3.5) > 1e-9 {
		t.Fatalf("initial position = %v, want 3.5", h.Position())
	}
	seeks := h.Seeks

	// 稳定播放一秒，句柄按 2 倍速推进，不应触发纠偏
	now := 2.0
	for i := 0; i < 62; i++ {
		f.sched.Advance(16 * time.Millisecond)
		now += 0.016
		if r := f.sync.Sync(now, true); r.Seeked != 0 {
			t.Fatalf("steady playback reseeked at %.3fs: %+v", now, r)
		}
	}
	if h.Seeks != seeks {
		t.Errorf("seek count = %d, want %d", h.Seeks, seeks)
	}
	want := 1.5 + (now-1)*2
	if math.Abs(h.Position()-want) > 1e-6 {
		t.Errorf("position = %v, want %v", h.Position(), want)
	}
}

func TestTrimmedClipStartsAtSourceOffset(t *testing.T) {
	f := newFixture(8)
	err := f.pool.RegisterTrack(pool.Track{
		ID: "trimmed", URL: "https://cdn.example/trimmed", Volume: 1, Speed: 1,
		StartMs: 4000, EndMs: 6000, SourceStartMs: 2500,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.sync.Sync(4, true)
	if h := f.handle(t, "trimmed"); math.Abs(h.Position()-2.5) > 1e-9 {
		t.Errorf("position at window start = %v, want 2.5", h.Position())
	}
}
