// Package clock 播放时钟：当前播放位置和播放/暂停状态的唯一来源
package clock

import (
	"math"
	"time"

	"clipdeck/core/sched"
	"clipdeck/logger"
)

// State 时钟快照
type State struct {
	Time       float64 `json:"time"`       // 当前时间（秒）
	DurationMs int64   `json:"durationMs"` // 总时长（毫秒）
	Playing    bool    `json:"playing"`
}

// Listener 时钟状态变化回调
type Listener func(State)

// Clock 虚拟播放头。所有方法必须在同一个调度上下文内调用
type Clock struct {
	sched sched.Scheduler

	current    float64
	durationMs int64
	playing    bool

	// pausedAt 是上次 play/seek/pause 时的时间，startedAt 是对应的墙钟零点
	pausedAt  float64
	startedAt time.Time

	cancelFrame sched.Cancel

	listeners map[int]Listener
	nextID    int
	order     []int
}

// New 创建时钟
func New(s sched.Scheduler) *Clock {
	return &Clock{
		sched:     s,
		listeners: make(map[int]Listener),
	}
}

// State 返回当前快照
func (c *Clock) State() State {
	return State{Time: c.current, DurationMs: c.durationMs, Playing: c.playing}
}

// CurrentTime 当前时间（秒）
func (c *Clock) CurrentTime() float64 { return c.current }

// Duration 总时长（毫秒）
func (c *Clock) Duration() int64 { return c.durationMs }

// Playing 是否在播放
func (c *Clock) Playing() bool { return c.playing }

// Subscribe 订阅状态变化，返回取消函数
func (c *Clock) Subscribe(l Listener) func() {
	c.nextID++
	id := c.nextID
	c.listeners[id] = l
	c.order = append(c.order, id)
	return func() {
		delete(c.listeners, id)
		for i, v := range c.order {
			if v == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
}

// SetTime 跳转到 t 秒，t 会被限制在 [0, duration/1000]；duration 为 0 时强制为 0
func (c *Clock) SetTime(t float64) {
	if math.IsNaN(t) {
		t = 0
	}
	maxT := float64(c.durationMs) / 1000
	if c.durationMs == 0 {
		t = 0
	}
	if t < 0 {
		t = 0
	}
	if t > maxT {
		t = maxT
	}
	c.current = t
	c.pausedAt = t
	c.startedAt = c.sched.Now()
	c.notify()
}

// SetDuration 设置总时长（毫秒）。缩短时长不会立即修改当前时间，下一次 SetTime 才会限制
func (c *Clock) SetDuration(d int64) {
	if d < 0 {
		d = 0
	}
	if d == c.durationMs {
		return
	}
	c.durationMs = d
	if d == 0 {
		c.current = 0
		c.pausedAt = 0
		c.stopFrames()
	} else if c.playing && c.cancelFrame == nil {
		c.startedAt = c.sched.Now()
		c.pausedAt = c.current
		c.requestFrame()
	}
	logger.Debug("clock duration changed", logger.Int64("durationMs", d))
	c.notify()
}

// Play 从当前位置开始播放，重置墙钟零点
func (c *Clock) Play() {
	c.startedAt = c.sched.Now()
	c.pausedAt = c.current
	c.playing = true
	if c.durationMs > 0 && c.cancelFrame == nil {
		c.requestFrame()
	}
	c.notify()
}

// Pause 暂停并冻结在最后一次计算出的时间
func (c *Clock) Pause() {
	c.playing = false
	c.pausedAt = c.current
	c.stopFrames()
	c.notify()
}

// Toggle 切换播放状态
func (c *Clock) Toggle() {
	if c.playing {
		c.Pause()
		return
	}
	c.Play()
}

// Close 停止帧回调并移除所有订阅
func (c *Clock) Close() {
	c.playing = false
	c.stopFrames()
	c.listeners = make(map[int]Listener)
	c.order = nil
}

func (c *Clock) requestFrame() {
	c.cancelFrame = c.sched.RequestFrame(c.tick)
}

func (c *Clock) stopFrames() {
	if c.cancelFrame != nil {
		c.cancelFrame()
		c.cancelFrame = nil
	}
}

// tick 每帧根据墙钟流逝计算虚拟时间，到达末尾时回到 0 继续播放
func (c *Clock) tick(now time.Time) {
	c.cancelFrame = nil
	if !c.playing || c.durationMs == 0 {
		return
	}

	elapsed := now.Sub(c.startedAt).Seconds()
	t := c.pausedAt + elapsed
	if t >= float64(c.durationMs)/1000 {
		t = 0
		c.pausedAt = 0
		c.startedAt = now
	}
	c.current = t
	c.requestFrame()
	c.notify()
}

func (c *Clock) notify() {
	st := c.State()
	for _, id := range append([]int(nil), c.order...) {
		if l, ok := c.listeners[id]; ok {
			l(st)
		}
	}
}
