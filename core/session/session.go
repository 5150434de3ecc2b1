// Package session 编辑会话：持有一个项目的时钟、句柄池、同步器、素材解析和时间线。
//
// 会话内所有引擎状态只在调度上下文里修改。导出方法可以从任意 goroutine 调用，
// 它们把工作投递到调度上下文并等待完成；不要在调度上下文内（订阅回调里）调用导出方法。
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"clipdeck/config"
	"clipdeck/core/assets"
	"clipdeck/core/clock"
	"clipdeck/core/geometry"
	"clipdeck/core/playsync"
	"clipdeck/core/pool"
	"clipdeck/core/sched"
	"clipdeck/core/timeline"
	"clipdeck/logger"
	"clipdeck/model"
)

var (
	// ErrClosed 会话已关闭
	ErrClosed = errors.New("session: closed")
	// ErrNoTimeline 尚未加载时间线
	ErrNoTimeline = errors.New("session: no timeline loaded")
	// ErrNoGesture 没有进行中的拖拽
	ErrNoGesture = errors.New("session: no active gesture")
)

// Options 会话参数
type Options struct {
	Engine   config.Engine
	Factory  pool.Factory
	Resolver *assets.Resolver
	// Scheduler 为空时创建 sched.Loop，需要调用 Start
	Scheduler sched.Scheduler
	// Deliver 解析结果投递回调度上下文的方式，默认 Scheduler.Post
	Deliver func(func())
	// Scale 时间线缩放（每秒像素），拖拽吸附使用
	Scale float64
	// OnCommit 拖拽提交后调用，用于持久化，运行在调度上下文
	OnCommit func(model.Clip)
}

// Event 推送给订阅者的状态
type Event struct {
	Clock  clock.State `json:"clock"`
	Bound  int         `json:"bound"`
	Notice string      `json:"notice,omitempty"`
}

// Session 一个打开的项目
type Session struct {
	ID        string
	ProjectID string

	opts  Options
	sched sched.Scheduler
	loop  *sched.Loop

	clock     *clock.Clock
	pool      *pool.Pool
	sync      *playsync.Synchronizer
	watcher   *assets.Watcher
	selection *geometry.SelectionBus

	timeline *timeline.Timeline
	urls     map[string]string

	gesture  *geometry.Gesture
	dragClip string
	dragMode geometry.Mode

	unsubClock func()
	subs       map[int]func(Event)
	subOrder   []int
	nextSub    int

	started   atomic.Bool
	closeOnce sync.Once
	closed    bool
}

// New 创建会话
func New(projectID string, opts Options) *Session {
	if opts.Factory == nil {
		opts.Factory = pool.VirtualFactory(nil)
	}
	if opts.Resolver == nil {
		panic("session: resolver is required")
	}
	if opts.Scale <= 0 {
		opts.Scale = 100
	}

	s := &Session{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		opts:      opts,
		selection: geometry.NewSelectionBus(),
		urls:      make(map[string]string),
		subs:      make(map[int]func(Event)),
	}
	if opts.Scheduler != nil {
		s.sched = opts.Scheduler
	} else {
		s.loop = sched.NewLoop(opts.Engine.FrameInterval)
		s.sched = s.loop
	}

	eng := opts.Engine
	s.clock = clock.New(s.sched)
	s.pool = pool.New(eng.PoolCapacity, opts.Factory)
	s.sync = playsync.New(s.pool, s.sched, playsync.Options{
		Throttle:       eng.SyncThrottle,
		Debounce:       eng.SyncDebounce,
		DriftThreshold: eng.DriftThreshold,
	})
	deliver := opts.Deliver
	if deliver == nil {
		deliver = s.sched.Post
	}
	s.watcher = assets.NewWatcher(opts.Resolver, deliver, s.onResolved)
	s.watcher.RetryWith(s.sched.AfterFunc)
	s.gesture = geometry.NewGesture(s.gestureOptions())
	s.unsubClock = s.clock.Subscribe(s.onClock)
	return s
}

func (s *Session) gestureOptions() geometry.GestureOptions {
	o := geometry.DefaultGestureOptions(s.opts.Scale)
	eng := s.opts.Engine
	if eng.DragThresholdPx > 0 {
		o.ThresholdPx = eng.DragThresholdPx
	}
	if eng.DragThrottle > 0 {
		o.Throttle = eng.DragThrottle
	}
	if eng.SnapDistancePx > 0 {
		o.SnapDistancePx = eng.SnapDistancePx
	}
	if eng.GridSnapMs > 0 {
		o.GridMs = eng.GridSnapMs
		o.MinLengthMs = eng.GridSnapMs
	}
	return o
}

// Start 在后台运行事件循环。使用外部调度器时什么都不做。
// Start 之前导出方法直接在调用方 goroutine 执行
func (s *Session) Start(ctx context.Context) {
	if s.loop == nil {
		return
	}
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop.Run(ctx)
	logger.Info("session started",
		logger.String("session", s.ID),
		logger.String("project", s.ProjectID))
}

// call 在调度上下文里执行 f 并等待完成，会话关闭后 f 不再执行
func (s *Session) call(f func()) error {
	ran := false
	run := func() {
		if s.closed {
			return
		}
		f()
		ran = true
	}

	if s.loop == nil || !s.started.Load() {
		run()
	} else {
		done := make(chan struct{})
		s.sched.Post(func() {
			defer close(done)
			run()
		})
		select {
		case <-done:
		case <-s.loop.Done():
			select {
			case <-done:
			default:
				return ErrClosed
			}
		}
	}
	if !ran {
		return ErrClosed
	}
	return nil
}

// Do 在调度上下文里执行任意操作
func (s *Session) Do(f func()) error { return s.call(f) }

// Selection 选择事件通道
func (s *Session) Selection() *geometry.SelectionBus { return s.selection }

// LoadTimeline 替换时间线：更新时长、注册可用的音轨并开始解析素材地址
func (s *Session) LoadTimeline(tl *timeline.Timeline) error {
	return s.call(func() {
		s.timeline = tl
		s.gesture.Cancel()
		s.dragClip = ""
		s.clock.SetDuration(tl.DurationMs(s.opts.Engine.DurationPaddingMs))
		s.applyTracks()
		s.watcher.Update(tl.AssetIDs())
	})
}

func (s *Session) onResolved(urls map[string]string) {
	if s.closed {
		return
	}
	s.urls = urls
	s.applyTracks()
}

// applyTracks 让池里的轨道描述和时间线保持一致
func (s *Session) applyTracks() {
	if s.timeline == nil {
		return
	}
	want := s.timeline.AudioTracks(s.urls)
	keep := make(map[string]struct{}, len(want))
	for _, t := range want {
		keep[t.ID] = struct{}{}
		if err := s.pool.RegisterTrack(t); err != nil {
			logger.Warn("register track failed", logger.String("clip", t.ID), logger.ErrorField(err))
		}
	}
	for _, t := range s.pool.Tracks() {
		if _, ok := keep[t.ID]; !ok {
			s.pool.UnregisterTrack(t.ID)
		}
	}
	st := s.clock.State()
	s.sync.Request(st.Time, st.Playing)
}

func (s *Session) onClock(st clock.State) {
	s.sync.Request(st.Time, st.Playing)
	s.emit(Event{Clock: st, Bound: s.pool.BoundCount()})
}

func (s *Session) emit(ev Event) {
	for _, id := range append([]int(nil), s.subOrder...) {
		if fn, ok := s.subs[id]; ok {
			fn(ev)
		}
	}
}

// Subscribe 订阅状态推送，回调运行在调度上下文，不能阻塞
func (s *Session) Subscribe(fn func(Event)) (func(), error) {
	var id int
	err := s.call(func() {
		s.nextSub++
		id = s.nextSub
		s.subs[id] = fn
		s.subOrder = append(s.subOrder, id)
	})
	if err != nil {
		return func() {}, err
	}
	return func() {
		_ = s.call(func() {
			delete(s.subs, id)
			for i, v := range s.subOrder {
				if v == id {
					s.subOrder = append(s.subOrder[:i], s.subOrder[i+1:]...)
					break
				}
			}
		})
	}, nil
}

// Notify 向订阅者推送一条提示
func (s *Session) Notify(msg string) error {
	return s.call(func() {
		s.emit(Event{Clock: s.clock.State(), Bound: s.pool.BoundCount(), Notice: msg})
	})
}

// Play 开始播放
func (s *Session) Play() error { return s.call(s.clock.Play) }

// Pause 暂停
func (s *Session) Pause() error { return s.call(s.clock.Pause) }

// Toggle 切换播放状态
func (s *Session) Toggle() error { return s.call(s.clock.Toggle) }

// Seek 跳转到 t 秒
func (s *Session) Seek(t float64) error {
	return s.call(func() { s.clock.SetTime(t) })
}

// State 时钟快照
func (s *Session) State() (clock.State, error) {
	var st clock.State
	err := s.call(func() { st = s.clock.State() })
	return st, err
}

// Stats 会话运行统计
type Stats struct {
	Capacity   int `json:"capacity"`
	Bound      int `json:"bound"`
	Registered int `json:"registered"`
	SyncPasses int `json:"syncPasses"`
}

// Stats 返回统计
func (s *Session) Stats() (Stats, error) {
	var st Stats
	err := s.call(func() {
		st = Stats{
			Capacity:   s.pool.Capacity(),
			Bound:      s.pool.BoundCount(),
			Registered: len(s.pool.Tracks()),
			SyncPasses: s.sync.Passes(),
		}
	})
	return st, err
}

// Clips 当前时间线片段
func (s *Session) Clips() ([]model.Clip, error) {
	var out []model.Clip
	var missing bool
	err := s.call(func() {
		if s.timeline == nil {
			missing = true
			return
		}
		out = s.timeline.Clips()
	})
	if err == nil && missing {
		err = ErrNoTimeline
	}
	return out, err
}

// MarkAssetMissing 素材被删除：标记片段缺失并重新计算音轨和解析集合
func (s *Session) MarkAssetMissing(assetID string) ([]string, error) {
	var ids []string
	err := s.call(func() {
		if s.timeline == nil {
			return
		}
		ids = s.timeline.MarkMissing(assetID)
		if len(ids) == 0 {
			return
		}
		s.applyTracks()
		s.watcher.Update(s.timeline.AssetIDs())
	})
	return ids, err
}

// BeginDrag 指针在片段上按下
func (s *Session) BeginDrag(clipID string, mode geometry.Mode, pointerX float64) error {
	var err error
	callErr := s.call(func() {
		if s.timeline == nil {
			err = ErrNoTimeline
			return
		}
		c, ok := s.timeline.Clip(clipID)
		if !ok {
			err = fmt.Errorf("%w: %s", timeline.ErrClipNotFound, clipID)
			return
		}
		if s.gesture.Phase() != geometry.PhaseIdle {
			s.revert()
		}
		orig := geometry.Placement{StartMs: c.TimelineStartMs, EndMs: c.TimelineEndMs}
		s.gesture.Begin(mode, pointerX, orig, s.timeline.Neighbors(clipID, s.opts.Scale))
		s.dragClip = clipID
		s.dragMode = mode
		s.selection.Publish(geometry.SelectionEvent{Kind: geometry.SelectionSelected, ClipID: clipID, Placement: orig})
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// MoveDrag 指针移动，返回是否产生了新的候选位置
func (s *Session) MoveDrag(pointerX float64) (geometry.Placement, bool, error) {
	var (
		p  geometry.Placement
		ok bool
	)
	err := s.call(func() {
		if s.dragClip == "" {
			return
		}
		p, ok = s.gesture.Move(pointerX, s.sched.Now())
		if ok {
			s.selection.Publish(geometry.SelectionEvent{Kind: geometry.SelectionHandleDrag, ClipID: s.dragClip, Placement: p})
		}
	})
	return p, ok, err
}

// EndDrag 指针抬起：碰撞检查通过才写入时间线，否则回到拖拽前的位置
func (s *Session) EndDrag() (model.Clip, error) {
	var (
		out model.Clip
		err error
	)
	callErr := s.call(func() {
		if s.dragClip == "" {
			err = ErrNoGesture
			return
		}
		clipID, mode := s.dragClip, s.dragMode
		s.dragClip = ""
		original := s.gesture.Original()

		final, moved := s.gesture.End()
		if !moved {
			out, _ = s.timeline.Clip(clipID)
			return
		}

		committed, placeErr := s.timeline.Place(clipID, mode, final)
		if placeErr != nil {
			err = placeErr
			out = committed
			s.selection.Publish(geometry.SelectionEvent{Kind: geometry.SelectionReverted, ClipID: clipID, Placement: original})
			logger.Info("placement reverted",
				logger.String("clip", clipID),
				logger.Int64("start", final.StartMs),
				logger.Int64("end", final.EndMs),
				logger.ErrorField(placeErr))
			return
		}

		out = committed
		s.clock.SetDuration(s.timeline.DurationMs(s.opts.Engine.DurationPaddingMs))
		s.applyTracks()
		s.selection.Publish(geometry.SelectionEvent{
			Kind:      geometry.SelectionCommitted,
			ClipID:    clipID,
			Placement: geometry.Placement{StartMs: committed.TimelineStartMs, EndMs: committed.TimelineEndMs},
		})
		if s.opts.OnCommit != nil {
			s.opts.OnCommit(committed)
		}
	})
	if callErr != nil {
		return model.Clip{}, callErr
	}
	return out, err
}

// CancelDrag 放弃拖拽
func (s *Session) CancelDrag() error {
	return s.call(func() {
		if s.dragClip != "" {
			s.revert()
		}
	})
}

func (s *Session) revert() {
	orig := s.gesture.Cancel()
	s.selection.Publish(geometry.SelectionEvent{Kind: geometry.SelectionReverted, ClipID: s.dragClip, Placement: orig})
	s.dragClip = ""
}

// Close 同步停止并释放所有句柄，取消所有定时器和进行中的解析
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		teardown := func() {
			s.watcher.Close()
			s.sync.Close()
			if s.unsubClock != nil {
				s.unsubClock()
			}
			s.clock.Close()
			s.pool.Close()
			s.subs = make(map[int]func(Event))
			s.subOrder = nil
			s.closed = true
		}
		if s.loop == nil || !s.started.Load() {
			teardown()
		} else {
			done := make(chan struct{})
			s.sched.Post(func() {
				defer close(done)
				teardown()
			})
			select {
			case <-done:
			case <-s.loop.Done():
				select {
				case <-done:
				default:
					// 循环已经退出，没有其他 goroutine 会再触碰引擎状态
					teardown()
				}
			}
		}
		if s.loop != nil {
			s.loop.Stop()
		}
		logger.Info("session closed",
			logger.String("session", s.ID),
			logger.String("project", s.ProjectID))
	})
}
