// Package geometry 时间线时间与像素坐标的换算、碰撞检测和吸附
package geometry

import (
	"cmp"
	"math"
)

// DefaultGridMs 默认网格 100ms
const DefaultGridMs int64 = 100

// Span 像素区间 [Start, End)
type Span struct {
	Start float64
	End   float64
}

// Width 区间宽度
func (s Span) Width() float64 { return s.End - s.Start }

// TimeToPixels 毫秒 -> 像素，scale 为每秒像素数
func TimeToPixels(ms int64, scale float64) float64 {
	return float64(ms) / 1000 * scale
}

// PixelsToTime 像素 -> 毫秒，取整到毫秒，是 TimeToPixels 的逆运算
func PixelsToTime(px float64, scale float64) int64 {
	if scale <= 0 {
		return 0
	}
	return int64(math.Round(px / scale * 1000))
}

// SnapToGrid 取整到最近的 gridMs 倍数，gridMs <= 0 时用默认网格
func SnapToGrid(ms int64, gridMs int64) int64 {
	if gridMs <= 0 {
		gridMs = DefaultGridMs
	}
	return int64(math.Round(float64(ms)/float64(gridMs))) * gridMs
}

// Overlaps 半开区间重叠判断，端点相接不算重叠
func Overlaps[T cmp.Ordered](aStart, aEnd, bStart, bEnd T) bool {
	return !(aEnd <= bStart || bEnd <= aStart)
}

// ResolveSnapPosition 计算拖拽后的左边缘位置。
// 按邻居顺序逐个检查：自身左边缘贴邻居左边缘、自身左边缘贴邻居右边缘、
// 自身右边缘贴邻居左边缘，命中第一个就停止。结果不小于 0
func ResolveSnapPosition(target float64, neighbors []Span, width, snapDistance float64) float64 {
	pos := target
	for _, n := range neighbors {
		if math.Abs(target-n.Start) < snapDistance {
			pos = n.Start
			break
		}
		if math.Abs(target-n.End) < snapDistance {
			pos = n.End
			break
		}
		if math.Abs(target+width-n.Start) < snapDistance {
			pos = n.Start - width
			break
		}
	}
	return math.Max(0, pos)
}

// Collides 检查 candidate 是否和任意 others 重叠
func Collides(candidate Span, others []Span) bool {
	for _, o := range others {
		if Overlaps(candidate.Start, candidate.End, o.Start, o.End) {
			return true
		}
	}
	return false
}
