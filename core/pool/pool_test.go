package pool

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"clipdeck/logger"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestPool(capacity int) (*Pool, []*VirtualOutput) {
	var outs []*VirtualOutput
	now := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	p := New(capacity, func(int) Output {
		o := NewVirtualOutput(now)
		outs = append(outs, o)
		return o
	})
	return p, outs
}

func track(id string) Track {
	return Track{ID: id, URL: "https://cdn.example/" + id + ".mp3", Volume: 0.8, Speed: 1, StartMs: 0, EndMs: 4000}
}

func TestNewUsesDefaultCapacity(t *testing.T) {
	p, _ := newTestPool(0)
	if p.Capacity() != DefaultCapacity {
		t.Fatalf("Capacity = %d, want %d", p.Capacity(), DefaultCapacity)
	}
}

func TestRegisterDoesNotAllocate(t *testing.T) {
	p, _ := newTestPool(2)
	if err := p.RegisterTrack(track("a")); err != nil {
		t.Fatalf("RegisterTrack: %v", err)
	}
	if p.BoundCount() != 0 {
		t.Fatalf("register must not bind, bound=%d", p.BoundCount())
	}
	// 覆盖保持原注册顺序
	_ = p.RegisterTrack(track("b"))
	updated := track("a")
	updated.Volume = 0.3
	_ = p.RegisterTrack(updated)

	tracks := p.Tracks()
	if len(tracks) != 2 || tracks[0].ID != "a" || tracks[0].Volume != 0.3 {
		t.Fatalf("Tracks = %+v", tracks)
	}
}

func TestRegisterRejectsContractViolations(t *testing.T) {
	p, _ := newTestPool(1)
	bad := []Track{
		{ID: "", Speed: 1, StartMs: 0, EndMs: 10},
		{ID: "neg", Speed: -1, StartMs: 0, EndMs: 10},
		{ID: "inv", Speed: 1, StartMs: 10, EndMs: 10},
	}
	for _, tr := range bad {
		if err := p.RegisterTrack(tr); !errors.Is(err, ErrInvalidTrack) {
			t.Errorf("RegisterTrack(%+v) err = %v, want ErrInvalidTrack", tr, err)
		}
	}
}

func TestFreeHandleBackpressure(t *testing.T) {
	p, _ := newTestPool(3)
	bound := 0
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		_ = p.RegisterTrack(track(id))
		h, ok := p.FreeHandle()
		if !ok {
			continue
		}
		if err := p.Bind(id, h); err != nil {
			t.Fatalf("Bind: %v", err)
		}
		bound++
	}
	if bound != 3 || p.BoundCount() != 3 {
		t.Fatalf("bound = %d (pool %d), want 3", bound, p.BoundCount())
	}
	if _, ok := p.FreeHandle(); ok {
		t.Fatal("FreeHandle should report none when all handles are busy")
	}

	seen := map[string]string{}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("t%d", i)
		h, _ := p.Binding(id)
		if other, dup := seen[h.ID()]; dup {
			t.Fatalf("handle %s shared by %s and %s", h.ID(), other, id)
		}
		seen[h.ID()] = id
	}

	p.UnregisterTrack("t1")
	if _, ok := p.FreeHandle(); !ok {
		t.Fatal("unregister must free the handle")
	}
}

func TestBindRejectsBusyHandle(t *testing.T) {
	p, _ := newTestPool(1)
	_ = p.RegisterTrack(track("a"))
	_ = p.RegisterTrack(track("b"))
	h, _ := p.FreeHandle()
	_ = p.Bind("a", h)
	if err := p.Bind("b", h); err == nil {
		t.Fatal("binding a busy handle to another track must fail")
	}
}

func TestLiveVolumeAndSpeed(t *testing.T) {
	p, outs := newTestPool(1)
	_ = p.RegisterTrack(track("a"))
	h, _ := p.FreeHandle()
	_ = p.Bind("a", h)

	if err := p.SetVolume("a", 1.7); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if outs[0].Volume() != 1 {
		t.Errorf("volume = %v, want clamped 1", outs[0].Volume())
	}
	if err := p.SetSpeed("a", 2); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	if outs[0].Rate() != 2 {
		t.Errorf("rate = %v, want 2", outs[0].Rate())
	}
	if err := p.SetSpeed("a", 0); !errors.Is(err, ErrInvalidTrack) {
		t.Errorf("SetSpeed(0) err = %v", err)
	}
	if err := p.SetVolume("missing", 0.5); !errors.Is(err, ErrUnknownTrack) {
		t.Errorf("SetVolume unknown err = %v", err)
	}
}

func TestStartRejectionIsLoggedNotPropagated(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	prev := logger.ReplaceGlobal(zap.New(core))
	t.Cleanup(func() { logger.ReplaceGlobal(prev) })

	p, outs := newTestPool(1)
	outs[0].Reject = errors.New("NotAllowedError: autoplay blocked")
	_ = p.RegisterTrack(track("a"))
	h, _ := p.FreeHandle()
	_ = p.Bind("a", h)

	if p.Start("a") {
		t.Fatal("Start should report failure when playback is rejected")
	}
	if logs.FilterMessage("playback start rejected").Len() != 1 {
		t.Fatalf("expected one warn entry, got %d", logs.Len())
	}
	if p.BoundCount() != 1 {
		t.Error("rejected track keeps its handle until the next sync pass")
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	p, outs := newTestPool(2)
	for _, id := range []string{"a", "b"} {
		_ = p.RegisterTrack(track(id))
		h, _ := p.FreeHandle()
		_ = p.Bind(id, h)
		p.Start(id)
	}
	p.Close()
	if p.BoundCount() != 0 || len(p.Tracks()) != 0 {
		t.Fatalf("Close left bound=%d tracks=%d", p.BoundCount(), len(p.Tracks()))
	}
	for _, o := range outs {
		if !o.Paused() || o.Source() != "" {
			t.Errorf("handle %s not stopped: paused=%v src=%q", o.ID(), o.Paused(), o.Source())
		}
	}
}
