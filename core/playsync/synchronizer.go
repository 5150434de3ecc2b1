// Package playsync 把时钟时间和每个音频句柄的实际位置对齐
package playsync

import (
	"math"
	"time"

	"clipdeck/core/pool"
	"clipdeck/core/sched"
	"clipdeck/logger"
)

// Options 同步参数
type Options struct {
	Throttle       time.Duration // 两次被接受的请求之间的最小间隔
	Debounce       time.Duration // 实际同步延迟，期间的新请求合并
	DriftThreshold float64       // 秒，超过才重新 seek
}

// DefaultOptions 16ms 节流、5ms 防抖、0.1s 漂移阈值
func DefaultOptions() Options {
	return Options{
		Throttle:       16 * time.Millisecond,
		Debounce:       5 * time.Millisecond,
		DriftThreshold: 0.1,
	}
}

// Report 一次同步的结果统计
type Report struct {
	Bound    int // 新绑定
	Released int // 释放
	Seeked   int // 漂移纠正
	Resumed  int // 意外暂停后恢复
	Skipped  int // 无空闲句柄而静音
}

// Synchronizer 同步器，只能在调度上下文里调用
type Synchronizer struct {
	pool  *pool.Pool
	sched sched.Scheduler
	opts  Options

	lastAccepted time.Time
	accepted     bool
	trailing     sched.Cancel
	debounce     sched.Cancel

	pendingTime    float64
	pendingPlaying bool

	running bool
	passes  int
}

// New 创建同步器
func New(p *pool.Pool, s sched.Scheduler, opts Options) *Synchronizer {
	if opts.DriftThreshold <= 0 {
		opts.DriftThreshold = DefaultOptions().DriftThreshold
	}
	return &Synchronizer{pool: p, sched: s, opts: opts}
}

// Passes 已执行的同步次数
func (s *Synchronizer) Passes() int { return s.passes }

// Request 节流 + 防抖的同步入口。被节流的请求不会丢失：窗口结束时用最新参数补一次
func (s *Synchronizer) Request(timeSec float64, playing bool) {
	s.pendingTime = timeSec
	s.pendingPlaying = playing

	now := s.sched.Now()
	if !s.accepted || now.Sub(s.lastAccepted) >= s.opts.Throttle {
		s.accept(now)
		return
	}
	if s.trailing == nil {
		wait := s.opts.Throttle - now.Sub(s.lastAccepted)
		s.trailing = s.sched.AfterFunc(wait, func() {
			s.trailing = nil
			s.accept(s.sched.Now())
		})
	}
}

func (s *Synchronizer) accept(now time.Time) {
	s.accepted = true
	s.lastAccepted = now
	if s.debounce != nil {
		s.debounce()
	}
	s.debounce = s.sched.AfterFunc(s.opts.Debounce, func() {
		s.debounce = nil
		s.Sync(s.pendingTime, s.pendingPlaying)
	})
}

// Sync 立即执行一次同步
func (s *Synchronizer) Sync(timeSec float64, playing bool) Report {
	var r Report
	if s.running {
		// 重入时交给下一次节流窗口处理
		s.Request(timeSec, playing)
		return r
	}
	s.running = true
	defer func() { s.running = false }()
	s.passes++

	timeMs := timeSec * 1000
	for _, t := range s.pool.Tracks() {
		inRange := timeMs >= float64(t.StartMs) && timeMs <= float64(t.EndMs)
		h, bound := s.pool.Binding(t.ID)

		if !(inRange && playing) {
			if bound {
				s.pool.Release(t.ID)
				r.Released++
			}
			continue
		}

		target := t.SourcePosition(timeMs)
		if !bound {
			free, ok := s.pool.FreeHandle()
			if !ok {
				r.Skipped++
				continue
			}
			if err := s.pool.Bind(t.ID, free); err != nil {
				logger.Warn("bind handle failed", logger.String("track", t.ID), logger.ErrorField(err))
				continue
			}
			free.Seek(target)
			s.pool.Start(t.ID)
			r.Bound++
			continue
		}

		drift := math.Abs(h.Position() - target)
		if drift > s.opts.DriftThreshold && h.Ready() {
			h.Seek(target)
			r.Seeked++
		}
		if h.Paused() {
			if s.pool.Start(t.ID) {
				r.Resumed++
			}
		}
	}

	if r != (Report{}) {
		logger.Debug("sync pass",
			logger.Float64("time", timeSec),
			logger.Bool("playing", playing),
			logger.Int("bound", r.Bound),
			logger.Int("released", r.Released),
			logger.Int("seeked", r.Seeked),
			logger.Int("skipped", r.Skipped))
	}
	return r
}

// Close 取消所有挂起的定时器
func (s *Synchronizer) Close() {
	if s.trailing != nil {
		s.trailing()
		s.trailing = nil
	}
	if s.debounce != nil {
		s.debounce()
		s.debounce = nil
	}
}
