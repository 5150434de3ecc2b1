// Package pool 固定容量的音频输出句柄池
package pool

import (
	"errors"
	"fmt"

	"clipdeck/logger"
)

var (
	// ErrUnknownTrack 轨道未注册
	ErrUnknownTrack = errors.New("pool: unknown track")
	// ErrInvalidTrack 轨道描述违反约束（速度 <= 0 或时间窗口倒置）
	ErrInvalidTrack = errors.New("pool: invalid track descriptor")
)

// DefaultCapacity 默认句柄数量
const DefaultCapacity = 8

// Output 宿主环境提供的可复用媒体输出
type Output interface {
	ID() string
	SetSource(url string)
	Source() string
	SetVolume(v float64)
	SetRate(r float64)
	// Seek 跳转到源内位置（秒）
	Seek(sec float64)
	// Position 当前源内位置（秒）
	Position() float64
	// Play 可能被宿主拒绝（自动播放策略、解码错误）
	Play() error
	Pause()
	Paused() bool
	// Ready 已缓冲到可以 seek
	Ready() bool
}

// Factory 创建第 i 个句柄
type Factory func(i int) Output

// Track 注册到池里的音频轨道描述
type Track struct {
	ID      string  `json:"id"`
	URL     string  `json:"url"`
	Volume  float64 `json:"volume"`
	Speed   float64 `json:"speed"`
	StartMs int64   `json:"startMs"` // 时间线窗口起点
	EndMs   int64   `json:"endMs"`   // 时间线窗口终点

	SourceStartMs int64 `json:"sourceStartMs"` // 窗口起点对应的源内位置
}

// SourcePosition 时间线位置 timeMs 对应的源内秒数。源内位置按 Speed 推进
func (t Track) SourcePosition(timeMs float64) float64 {
	return float64(t.SourceStartMs)/1000 + (timeMs-float64(t.StartMs))/1000*t.Speed
}

// Validate 检查描述是否合法
func (t Track) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTrack)
	}
	if t.Speed <= 0 {
		return fmt.Errorf("%w: speed %v for %s", ErrInvalidTrack, t.Speed, t.ID)
	}
	if t.SourceStartMs < 0 {
		return fmt.Errorf("%w: source start %d for %s", ErrInvalidTrack, t.SourceStartMs, t.ID)
	}
	if t.StartMs >= t.EndMs {
		return fmt.Errorf("%w: window [%d,%d] for %s", ErrInvalidTrack, t.StartMs, t.EndMs, t.ID)
	}
	return nil
}

// Pool 句柄池。和时钟一样只能在调度上下文里调用
type Pool struct {
	handles []Output

	tracks map[string]*Track
	order  []string

	bound  map[string]Output // trackID -> handle
	owners map[string]string // handleID -> trackID
}

// New 创建容量为 capacity 的池，capacity <= 0 时使用默认值
func New(capacity int, factory Factory) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &Pool{
		handles: make([]Output, 0, capacity),
		tracks:  make(map[string]*Track),
		bound:   make(map[string]Output),
		owners:  make(map[string]string),
	}
	for i := 0; i < capacity; i++ {
		p.handles = append(p.handles, factory(i))
	}
	return p
}

// Capacity 池容量
func (p *Pool) Capacity() int { return len(p.handles) }

// BoundCount 当前已绑定的句柄数
func (p *Pool) BoundCount() int { return len(p.bound) }

// RegisterTrack 保存/覆盖轨道描述，不分配句柄
func (p *Pool) RegisterTrack(t Track) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.Volume = clampVolume(t.Volume)
	if _, exists := p.tracks[t.ID]; !exists {
		p.order = append(p.order, t.ID)
	}
	tt := t
	p.tracks[t.ID] = &tt

	// 已绑定时换源要立即生效
	if h, ok := p.bound[t.ID]; ok {
		if h.Source() != t.URL {
			h.SetSource(t.URL)
		}
		h.SetVolume(tt.Volume)
		h.SetRate(tt.Speed)
	}
	return nil
}

// UnregisterTrack 停止并释放绑定的句柄，删除描述
func (p *Pool) UnregisterTrack(id string) {
	p.Release(id)
	if _, ok := p.tracks[id]; !ok {
		return
	}
	delete(p.tracks, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// SetVolume 更新音量，已绑定时立即生效
func (p *Pool) SetVolume(id string, v float64) error {
	t, ok := p.tracks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, id)
	}
	t.Volume = clampVolume(v)
	if h, ok := p.bound[id]; ok {
		h.SetVolume(t.Volume)
	}
	return nil
}

// SetSpeed 更新播放速率，已绑定时立即生效
func (p *Pool) SetSpeed(id string, s float64) error {
	t, ok := p.tracks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, id)
	}
	if s <= 0 {
		return fmt.Errorf("%w: speed %v for %s", ErrInvalidTrack, s, id)
	}
	t.Speed = s
	if h, ok := p.bound[id]; ok {
		h.SetRate(s)
	}
	return nil
}

// Track 返回轨道描述副本
func (p *Pool) Track(id string) (Track, bool) {
	t, ok := p.tracks[id]
	if !ok {
		return Track{}, false
	}
	return *t, true
}

// Tracks 按注册顺序返回所有轨道
func (p *Pool) Tracks() []Track {
	out := make([]Track, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.tracks[id])
	}
	return out
}

// FreeHandle 返回一个未绑定的句柄；全部繁忙时返回 false，调用方应跳过该轨道
func (p *Pool) FreeHandle() (Output, bool) {
	for _, h := range p.handles {
		if _, busy := p.owners[h.ID()]; !busy {
			return h, true
		}
	}
	return nil, false
}

// Binding 返回绑定到轨道的句柄
func (p *Pool) Binding(id string) (Output, bool) {
	h, ok := p.bound[id]
	return h, ok
}

// Bind 把空闲句柄绑定到轨道，并按描述设置源、音量和速率
func (p *Pool) Bind(id string, h Output) error {
	t, ok := p.tracks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, id)
	}
	if owner, busy := p.owners[h.ID()]; busy && owner != id {
		return fmt.Errorf("pool: handle %s already bound to %s", h.ID(), owner)
	}
	if prev, ok := p.bound[id]; ok && prev.ID() != h.ID() {
		p.Release(id)
	}
	h.SetSource(t.URL)
	h.SetVolume(t.Volume)
	h.SetRate(t.Speed)
	p.bound[id] = h
	p.owners[h.ID()] = id
	return nil
}

// Start 尝试开始播放，宿主拒绝时只记录日志，轨道保持静音等待下一次同步
func (p *Pool) Start(id string) bool {
	h, ok := p.bound[id]
	if !ok {
		return false
	}
	if err := h.Play(); err != nil {
		logger.Warn("playback start rejected",
			logger.String("track", id),
			logger.String("handle", h.ID()),
			logger.ErrorField(err))
		return false
	}
	return true
}

// Release 停止并归还轨道占用的句柄
func (p *Pool) Release(id string) {
	h, ok := p.bound[id]
	if !ok {
		return
	}
	h.Pause()
	h.SetSource("")
	delete(p.bound, id)
	delete(p.owners, h.ID())
}

// Close 同步停止并释放所有句柄，清空描述
func (p *Pool) Close() {
	for _, id := range append([]string(nil), p.order...) {
		p.Release(id)
	}
	for id := range p.bound {
		p.Release(id)
	}
	p.tracks = make(map[string]*Track)
	p.order = nil
}

func clampVolume(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
