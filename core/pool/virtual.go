package pool

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VirtualOutput 不发声的输出句柄：播放时位置按墙钟 × 速率前进。
// 用于无界面预览和测试
type VirtualOutput struct {
	id     string
	now    func() time.Time
	src    string
	volume float64
	rate   float64

	paused   bool
	base     float64 // 上次 seek/pause 时的位置
	baseTime time.Time

	// Reject 不为空时 Play 返回该错误，模拟自动播放策略拦截
	Reject error
	// Seeks 记录 seek 次数
	Seeks int
}

// NewVirtualOutput 创建虚拟句柄，now 为空时使用 time.Now
func NewVirtualOutput(now func() time.Time) *VirtualOutput {
	if now == nil {
		now = time.Now
	}
	return &VirtualOutput{
		id:     uuid.NewString(),
		now:    now,
		rate:   1,
		volume: 1,
		paused: true,
	}
}

// VirtualFactory 返回创建虚拟句柄的 Factory
func VirtualFactory(now func() time.Time) Factory {
	return func(int) Output { return NewVirtualOutput(now) }
}

func (v *VirtualOutput) ID() string { return v.id }

func (v *VirtualOutput) SetSource(url string) {
	v.src = url
	v.base = 0
	v.baseTime = v.now()
}

func (v *VirtualOutput) Source() string { return v.src }

func (v *VirtualOutput) SetVolume(vol float64) { v.volume = vol }

func (v *VirtualOutput) Volume() float64 { return v.volume }

func (v *VirtualOutput) SetRate(r float64) {
	v.base = v.Position()
	v.baseTime = v.now()
	v.rate = r
}

func (v *VirtualOutput) Rate() float64 { return v.rate }

func (v *VirtualOutput) Seek(sec float64) {
	v.Seeks++
	v.base = sec
	v.baseTime = v.now()
}

func (v *VirtualOutput) Position() float64 {
	if v.paused {
		return v.base
	}
	return v.base + v.now().Sub(v.baseTime).Seconds()*v.rate
}

func (v *VirtualOutput) Play() error {
	if v.Reject != nil {
		return v.Reject
	}
	if v.src == "" {
		return fmt.Errorf("virtual output %s: no source", v.id)
	}
	if v.paused {
		v.baseTime = v.now()
		v.paused = false
	}
	return nil
}

func (v *VirtualOutput) Pause() {
	if !v.paused {
		v.base = v.Position()
		v.paused = true
	}
}

func (v *VirtualOutput) Paused() bool { return v.paused }

func (v *VirtualOutput) Ready() bool { return v.src != "" }
