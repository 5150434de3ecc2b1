package geometry

import (
	"math"
	"time"
)

// Phase 手势阶段
type Phase int

const (
	PhaseIdle     Phase = iota
	PhasePending        // dragStart：按下但还没超过阈值
	PhaseDragging       // 超过阈值后的拖拽
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseDragging:
		return "dragging"
	default:
		return "idle"
	}
}

// Mode 手势类型
type Mode int

const (
	ModeMove        Mode = iota // 整体移动
	ModeResizeStart             // 拖左边缘
	ModeResizeEnd               // 拖右边缘
)

// Placement 片段在时间线上的位置（毫秒）
type Placement struct {
	StartMs int64 `json:"startMs"`
	EndMs   int64 `json:"endMs"`
}

// Length 时长
func (p Placement) Length() int64 { return p.EndMs - p.StartMs }

// GestureOptions 手势参数
type GestureOptions struct {
	Scale          float64       // 每秒像素
	ThresholdPx    float64       // 低于该位移视为点击
	Throttle       time.Duration // 移动事件节流
	SnapDistancePx float64
	GridMs         int64
	MinLengthMs    int64 // 缩放时的最短时长
}

// DefaultGestureOptions 默认参数
func DefaultGestureOptions(scale float64) GestureOptions {
	return GestureOptions{
		Scale:          scale,
		ThresholdPx:    4,
		Throttle:       16 * time.Millisecond,
		SnapDistancePx: 12,
		GridMs:         DefaultGridMs,
		MinLengthMs:    DefaultGridMs,
	}
}

// Gesture 一次指针手势的状态机：idle -> pending -> dragging -> idle
type Gesture struct {
	opts GestureOptions

	phase     Phase
	mode      Mode
	originX   float64
	lastX     float64
	original  Placement
	current   Placement
	neighbors []Span
	lastEmit  time.Time
}

// NewGesture 创建手势
func NewGesture(opts GestureOptions) *Gesture {
	if opts.Scale <= 0 {
		opts.Scale = 100
	}
	if opts.MinLengthMs <= 0 {
		opts.MinLengthMs = 1
	}
	return &Gesture{opts: opts}
}

// Phase 当前阶段
func (g *Gesture) Phase() Phase { return g.phase }

// Original 拖拽前的位置
func (g *Gesture) Original() Placement { return g.original }

// Current 最近一次计算出的候选位置
func (g *Gesture) Current() Placement { return g.current }

// Begin 指针按下。neighbors 是同轨道其他片段的像素区间
func (g *Gesture) Begin(mode Mode, pointerX float64, original Placement, neighbors []Span) {
	g.phase = PhasePending
	g.mode = mode
	g.originX = pointerX
	g.lastX = pointerX
	g.original = original
	g.current = original
	g.neighbors = append([]Span(nil), neighbors...)
	g.lastEmit = time.Time{}
}

// Move 指针移动。返回 true 表示产生了新的候选位置（用于重绘）
func (g *Gesture) Move(pointerX float64, now time.Time) (Placement, bool) {
	if g.phase == PhaseIdle {
		return g.current, false
	}
	g.lastX = pointerX
	if g.phase == PhasePending {
		if math.Abs(pointerX-g.originX) < g.opts.ThresholdPx {
			return g.current, false
		}
		g.phase = PhaseDragging
	}
	if !g.lastEmit.IsZero() && now.Sub(g.lastEmit) < g.opts.Throttle {
		return g.current, false
	}
	g.lastEmit = now
	g.current = g.compute(pointerX)
	return g.current, true
}

// End 指针抬起，回到 idle。moved 为 false 表示这是一次点击
func (g *Gesture) End() (final Placement, moved bool) {
	defer g.reset()
	if g.phase != PhaseDragging {
		return g.original, false
	}
	// 被节流吞掉的最后一次移动也要计入
	g.current = g.compute(g.lastX)
	return g.current, g.current != g.original
}

// Cancel 放弃手势，返回原位置
func (g *Gesture) Cancel() Placement {
	orig := g.original
	g.reset()
	return orig
}

func (g *Gesture) reset() {
	g.phase = PhaseIdle
	g.neighbors = nil
}

func (g *Gesture) compute(pointerX float64) Placement {
	delta := pointerX - g.originX
	scale := g.opts.Scale
	orig := g.original

	switch g.mode {
	case ModeResizeStart:
		start := g.place(TimeToPixels(orig.StartMs, scale)+delta, 0)
		if start > orig.EndMs-g.opts.MinLengthMs {
			start = orig.EndMs - g.opts.MinLengthMs
		}
		if start < 0 {
			start = 0
		}
		return Placement{StartMs: start, EndMs: orig.EndMs}

	case ModeResizeEnd:
		end := g.place(TimeToPixels(orig.EndMs, scale)+delta, 0)
		if end < orig.StartMs+g.opts.MinLengthMs {
			end = orig.StartMs + g.opts.MinLengthMs
		}
		return Placement{StartMs: orig.StartMs, EndMs: end}

	default:
		width := TimeToPixels(orig.Length(), scale)
		target := TimeToPixels(orig.StartMs, scale) + delta
		start := g.place(target, width)
		if start < 0 {
			start = 0
		}
		return Placement{StartMs: start, EndMs: start + orig.Length()}
	}
}

// place 先吸附邻居边缘，未命中邻居时再按网格取整
func (g *Gesture) place(px, width float64) int64 {
	snapped := ResolveSnapPosition(px, g.neighbors, width, g.opts.SnapDistancePx)
	ms := PixelsToTime(snapped, g.opts.Scale)
	if snapped != math.Max(0, px) {
		return ms
	}
	return SnapToGrid(ms, g.opts.GridMs)
}
