// Package sched 是播放引擎的单线程调度上下文。
//
// 引擎里的时钟、句柄池、同步器都不是并发安全的，它们的所有状态变更都必须
// 在同一个调度上下文里执行。Loop 是运行时实现（一个 goroutine 串行执行任务），
// Manual 是测试用的确定性步进器。
package sched

import (
	"context"
	"sync"
	"time"
)

// Cancel 取消一个尚未触发的帧回调或定时器，必须在调度上下文内调用
type Cancel func()

// Scheduler 帧回调 + 定时器 + 时间源
type Scheduler interface {
	// Now 返回调度器的当前时间
	Now() time.Time
	// RequestFrame 请求下一帧回调
	RequestFrame(cb func(now time.Time)) Cancel
	// AfterFunc 在 d 之后于调度上下文内执行 f
	AfterFunc(d time.Duration, f func()) Cancel
	// Post 把 f 投递到调度上下文执行
	Post(f func())
}

// Loop 单 goroutine 事件循环
type Loop struct {
	frameInterval time.Duration
	tasks         chan func()
	done          chan struct{}
	closeOnce     sync.Once
}

// NewLoop 创建事件循环，frameInterval 是显示帧间隔（默认 16ms）
func NewLoop(frameInterval time.Duration) *Loop {
	if frameInterval <= 0 {
		frameInterval = 16 * time.Millisecond
	}
	return &Loop{
		frameInterval: frameInterval,
		tasks:         make(chan func(), 256),
		done:          make(chan struct{}),
	}
}

// Run 执行任务直到 ctx 取消或 Stop 被调用
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case f := <-l.tasks:
			f()
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.done:
			return
		}
	}
}

// Stop 停止循环，之后投递的任务全部丢弃
func (l *Loop) Stop() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Done 循环停止时关闭
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post 投递任务，循环停止后静默丢弃
func (l *Loop) Post(f func()) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.tasks <- f:
	case <-l.done:
	}
}

// Now 返回墙钟时间
func (l *Loop) Now() time.Time {
	return time.Now()
}

// RequestFrame 在一个帧间隔后回调 cb
func (l *Loop) RequestFrame(cb func(now time.Time)) Cancel {
	return l.AfterFunc(l.frameInterval, func() { cb(time.Now()) })
}

// AfterFunc 到期后把 f 投递回循环执行，取消后 f 不会运行
func (l *Loop) AfterFunc(d time.Duration, f func()) Cancel {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.cancelled {
				return
			}
			f()
		})
	})
	return t.cancel
}

// cancelled 只在循环 goroutine 内读写
type loopTimer struct {
	timer     *time.Timer
	cancelled bool
}

func (t *loopTimer) cancel() {
	t.cancelled = true
	t.timer.Stop()
}
