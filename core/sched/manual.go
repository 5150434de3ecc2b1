package sched

import (
	"sort"
	"time"
)

// Manual 是确定性的调度器，时间只在 Advance/StepFrame 时前进
type Manual struct {
	now    time.Time
	seq    int
	timers []*manualTimer
	frames []*manualTimer
}

type manualTimer struct {
	at        time.Time
	seq       int
	f         func()
	frame     func(time.Time)
	cancelled bool
}

// NewManual 创建一个从 start 开始的手动调度器
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now 返回当前虚拟时间
func (m *Manual) Now() time.Time {
	return m.now
}

// Post 立即执行
func (m *Manual) Post(f func()) {
	f()
}

// RequestFrame 登记一个帧回调，下一次 StepFrame 时执行
func (m *Manual) RequestFrame(cb func(now time.Time)) Cancel {
	m.seq++
	t := &manualTimer{seq: m.seq, frame: cb}
	m.frames = append(m.frames, t)
	return func() { t.cancelled = true }
}

// AfterFunc 登记定时器
func (m *Manual) AfterFunc(d time.Duration, f func()) Cancel {
	m.seq++
	t := &manualTimer{at: m.now.Add(d), seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return func() { t.cancelled = true }
}

// PendingFrames 返回尚未执行且未取消的帧回调数量
func (m *Manual) PendingFrames() int {
	n := 0
	for _, t := range m.frames {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// PendingTimers 返回尚未触发且未取消的定时器数量
func (m *Manual) PendingTimers() int {
	n := 0
	for _, t := range m.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// Advance 推进虚拟时间并按到期顺序触发定时器，触发过程中新登记且已到期的定时器也会执行
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		next := m.nextDue(target)
		if next == nil {
			break
		}
		if next.at.After(m.now) {
			m.now = next.at
		}
		next.cancelled = true
		next.f()
	}
	m.now = target
	m.compact()
}

// StepFrame 推进 d 之后执行当前所有帧回调（回调里再请求的帧留到下一步）
func (m *Manual) StepFrame(d time.Duration) {
	m.Advance(d)
	frames := m.frames
	m.frames = nil
	for _, t := range frames {
		if t.cancelled {
			continue
		}
		t.cancelled = true
		t.frame(m.now)
	}
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	due := make([]*manualTimer, 0, len(m.timers))
	for _, t := range m.timers {
		if !t.cancelled && !t.at.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

func (m *Manual) compact() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.cancelled {
			live = append(live, t)
		}
	}
	m.timers = live
}
