package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"clipdeck/config"
	"clipdeck/core/assets"
	"clipdeck/core/geometry"
	"clipdeck/core/pool"
	"clipdeck/core/sched"
	"clipdeck/core/timeline"
	"clipdeck/model"
)

type urlFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *urlFetcher) ResolveURL(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return "https://cdn/" + id + ".mp3", nil
}

type harness struct {
	m       *sched.Manual
	s       *Session
	tasks   chan func()
	outputs []*pool.VirtualOutput
	commits []model.Clip
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		m:     sched.NewManual(time.Unix(1000, 0)),
		tasks: make(chan func(), 16),
	}
	factory := func(int) pool.Output {
		o := pool.NewVirtualOutput(h.m.Now)
		h.outputs = append(h.outputs, o)
		return o
	}
	h.s = New("p1", Options{
		Engine:    config.DefaultEngine(),
		Factory:   factory,
		Resolver:  assets.NewResolver(&urlFetcher{}, assets.ResolverOptions{}),
		Scheduler: h.m,
		Deliver:   func(f func()) { h.tasks <- f },
		Scale:     100,
		OnCommit:  func(c model.Clip) { h.commits = append(h.commits, c) },
	})
	t.Cleanup(h.s.Close)
	return h
}

// resolved 在测试 goroutine 上执行解析结果回调，代替事件循环
func (h *harness) resolved(t *testing.T) {
	t.Helper()
	select {
	case f := <-h.tasks:
		f()
	case <-time.After(2 * time.Second):
		t.Fatal("asset resolution never delivered")
	}
}

func (h *harness) bound() []*pool.VirtualOutput {
	var out []*pool.VirtualOutput
	for _, o := range h.outputs {
		if o.Source() != "" {
			out = append(out, o)
		}
	}
	return out
}

func strPtr(s string) *string { return &s }

func clip(id string, start, end int64) model.Clip {
	return model.Clip{
		ID: id, TrackID: "t-audio", AssetID: strPtr("asset-" + id), Kind: model.TrackKindAudio,
		SourceEndMs: end - start, TimelineStartMs: start, TimelineEndMs: end,
		AssetDurationMs: 60000, Volume: 1, Speed: 1,
	}
}

func loadTimeline(t *testing.T, h *harness, clips ...model.Clip) {
	t.Helper()
	tl, err := timeline.New("p1", []model.Track{{ID: "t-audio", ProjectID: "p1", Kind: model.TrackKindAudio}}, clips)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.s.LoadTimeline(tl); err != nil {
		t.Fatal(err)
	}
	h.resolved(t)
}

func TestSessionBindsTrackInsideWindow(t *testing.T) {
	h := newHarness(t)
	loadTimeline(t, h, clip("a", 2000, 8000))

	st, _ := h.s.State()
	if st.DurationMs != 13000 {
		t.Fatalf("duration = %d, want 8000 + padding", st.DurationMs)
	}

	if err := h.s.Seek(5); err != nil {
		t.Fatal(err)
	}
	if err := h.s.Play(); err != nil {
		t.Fatal(err)
	}
	h.m.Advance(30 * time.Millisecond)

	bound := h.bound()
	if len(bound) != 1 {
		t.Fatalf("bound outputs = %d, want 1", len(bound))
	}
	o := bound[0]
	if o.Source() != "https://cdn/asset-a.mp3" || o.Paused() {
		t.Errorf("output src=%q paused=%v", o.Source(), o.Paused())
	}
	if o.Seeks != 1 {
		t.Errorf("seeks = %d, want 1", o.Seeks)
	}
	// 绑定后经过的虚拟时间小于漂移阈值
	if math.Abs(o.Position()-3.0) > 0.05 {
		t.Errorf("position = %v, want about 3.0", o.Position())
	}

	stats, _ := h.s.Stats()
	if stats.Bound != 1 || stats.Registered != 1 || stats.Capacity != 8 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSessionPauseReleasesHandles(t *testing.T) {
	h := newHarness(t)
	loadTimeline(t, h, clip("a", 0, 4000))
	_ = h.s.Play()
	h.m.Advance(30 * time.Millisecond)
	if len(h.bound()) != 1 {
		t.Fatal("track should be bound while playing")
	}

	_ = h.s.Pause()
	h.m.Advance(30 * time.Millisecond)
	if len(h.bound()) != 0 {
		t.Error("pause must release the handle")
	}
}

func TestSessionSubscribeReceivesTicks(t *testing.T) {
	h := newHarness(t)
	loadTimeline(t, h, clip("a", 0, 4000))

	var events []Event
	unsub, err := h.s.Subscribe(func(ev Event) { events = append(events, ev) })
	if err != nil {
		t.Fatal(err)
	}
	_ = h.s.Play()
	h.m.StepFrame(16 * time.Millisecond)
	h.m.StepFrame(16 * time.Millisecond)
	unsub()
	h.m.StepFrame(16 * time.Millisecond)

	if len(events) != 3 {
		t.Fatalf("events = %d, want play + 2 ticks", len(events))
	}
	if !events[2].Clock.Playing || math.Abs(events[2].Clock.Time-0.032) > 1e-9 {
		t.Errorf("last event = %+v", events[2])
	}
}

func TestSessionDragRevertsOnOverlapAndCommits(t *testing.T) {
	h := newHarness(t)
	loadTimeline(t, h, clip("a", 2000, 8000), clip("b", 9000, 10000))

	var kinds []geometry.SelectionKind
	h.s.Selection().Subscribe(func(ev geometry.SelectionEvent) { kinds = append(kinds, ev.Kind) })

	// 拖到 a 上面
	if err := h.s.BeginDrag("b", geometry.ModeMove, 900); err != nil {
		t.Fatal(err)
	}
	p, ok, _ := h.s.MoveDrag(700)
	if !ok || p.StartMs != 7000 {
		t.Fatalf("candidate = %+v ok=%v", p, ok)
	}
	got, err := h.s.EndDrag()
	if !errors.Is(err, timeline.ErrOverlap) {
		t.Fatalf("err = %v, want ErrOverlap", err)
	}
	if got.TimelineStartMs != 9000 || got.TimelineEndMs != 10000 {
		t.Errorf("reverted clip = %+v", got)
	}
	if len(h.commits) != 0 {
		t.Error("rejected placement must not be persisted")
	}

	// 拖到空白处
	_ = h.s.BeginDrag("b", geometry.ModeMove, 900)
	_, _, _ = h.s.MoveDrag(1000)
	got, err = h.s.EndDrag()
	if err != nil {
		t.Fatal(err)
	}
	if got.TimelineStartMs != 10000 || got.TimelineEndMs != 11000 {
		t.Errorf("committed clip = %+v", got)
	}
	if len(h.commits) != 1 || h.commits[0].ID != "b" {
		t.Errorf("commits = %+v", h.commits)
	}
	st, _ := h.s.State()
	if st.DurationMs != 16000 {
		t.Errorf("duration after commit = %d, want 16000", st.DurationMs)
	}

	want := []geometry.SelectionKind{
		geometry.SelectionSelected, geometry.SelectionHandleDrag, geometry.SelectionReverted,
		geometry.SelectionSelected, geometry.SelectionHandleDrag, geometry.SelectionCommitted,
	}
	if len(kinds) != len(want) {
		t.Fatalf("selection events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("selection events = %v, want %v", kinds, want)
		}
	}

	if _, err := h.s.EndDrag(); !errors.Is(err, ErrNoGesture) {
		t.Errorf("EndDrag without gesture err = %v", err)
	}
}

func TestSessionClickDoesNotCommit(t *testing.T) {
	h := newHarness(t)
	loadTimeline(t, h, clip("a", 2000, 3000))
	_ = h.s.BeginDrag("a", geometry.ModeMove, 250)
	_, ok, _ := h.s.MoveDrag(252)
	if ok {
		t.Error("sub-threshold move should be suppressed")
	}
	got, err := h.s.EndDrag()
	if err != nil || got.TimelineStartMs != 2000 {
		t.Errorf("click result = %+v, %v", got, err)
	}
	if len(h.commits) != 0 {
		t.Error("click must not persist")
	}
}

func TestSessionMarkAssetMissingSilencesTrack(t *testing.T) {
	h := newHarness(t)
	loadTimeline(t, h, clip("a", 0, 4000), clip("b", 4000, 6000))
	_ = h.s.Play()
	h.m.Advance(30 * time.Millisecond)
	if len(h.bound()) != 1 {
		t.Fatal("clip a should be bound at t=0")
	}

	ids, err := h.s.MarkAssetMissing("asset-a")
	if err != nil || len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("MarkAssetMissing = %v, %v", ids, err)
	}
	if len(h.bound()) != 0 {
		t.Error("missing clip must be released immediately")
	}
	stats, _ := h.s.Stats()
	if stats.Registered != 1 {
		t.Errorf("registered = %d, want only b", stats.Registered)
	}
}

func TestSessionCloseReleasesEverything(t *testing.T) {
	h := newHarness(t)
	loadTimeline(t, h, clip("a", 0, 4000), clip("b", 4000, 8000))
	_ = h.s.Play()
	h.m.Advance(30 * time.Millisecond)
	_ = h.s.Seek(1)

	h.s.Close()
	for _, o := range h.outputs {
		if o.Source() != "" || !o.Paused() {
			t.Errorf("output %s left playing src=%q", o.ID(), o.Source())
		}
	}
	if n := h.m.PendingTimers(); n != 0 {
		t.Errorf("pending timers after close = %d", n)
	}
	if n := h.m.PendingFrames(); n != 0 {
		t.Errorf("pending frames after close = %d", n)
	}
	if err := h.s.Play(); !errors.Is(err, ErrClosed) {
		t.Errorf("Play after close err = %v", err)
	}
}

func TestSessionOnLoop(t *testing.T) {
	s := New("p1", Options{
		Engine:   config.DefaultEngine(),
		Resolver: assets.NewResolver(&urlFetcher{}, assets.ResolverOptions{}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Close()

	tl, _ := timeline.New("p1", []model.Track{{ID: "t-audio", Kind: model.TrackKindAudio}}, []model.Clip{clip("a", 0, 4000)})
	if err := s.LoadTimeline(tl); err != nil {
		t.Fatal(err)
	}
	if err := s.Play(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := s.State()
		if err != nil {
			t.Fatal(err)
		}
		stats, _ := s.Stats()
		if st.Time > 0 && stats.Bound == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("loop never advanced: state=%+v stats=%+v", st, stats)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
