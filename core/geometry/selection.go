package geometry

import (
	"slices"
	"sync"
)

// SelectionKind 选择事件类型
type SelectionKind string

const (
	SelectionSelected   SelectionKind = "selected"
	SelectionCleared    SelectionKind = "cleared"
	SelectionHandleDrag SelectionKind = "handle_drag" // 缩放手柄拖动中
	SelectionCommitted  SelectionKind = "committed"
	SelectionReverted   SelectionKind = "reverted"
)

// SelectionEvent 几何引擎与选择框之间传递的事件
type SelectionEvent struct {
	Kind      SelectionKind `json:"kind"`
	ClipID    string        `json:"clipId,omitempty"`
	Placement Placement     `json:"placement"`
}

// SelectionBus 显式的发布/订阅通道，同步回调
type SelectionBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(SelectionEvent)
}

// NewSelectionBus 创建通道
func NewSelectionBus() *SelectionBus {
	return &SelectionBus{subs: make(map[int]func(SelectionEvent))}
}

// Subscribe 订阅，返回取消函数
func (b *SelectionBus) Subscribe(fn func(SelectionEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish 按订阅顺序投递
func (b *SelectionBus) Publish(ev SelectionEvent) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	fns := make(map[int]func(SelectionEvent), len(ids))
	for _, id := range ids {
		fns[id] = b.subs[id]
	}
	b.mu.RUnlock()

	slices.Sort(ids)
	for _, id := range ids {
		fns[id](ev)
	}
}
