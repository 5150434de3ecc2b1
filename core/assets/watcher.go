package assets

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"clipdeck/core/sched"
	"clipdeck/logger"
)

// Watcher 在标识集合变化时重新解析。
// Update/Close 只能在调度上下文里调用，结果通过 post 投递回调度上下文
type Watcher struct {
	resolver *Resolver
	post     func(func())
	onResult func(map[string]string)

	key    string
	batch  string
	cancel context.CancelFunc

	after func(time.Duration, func()) sched.Cancel
	retry sched.Cancel
}

// NewWatcher 创建监视器
func NewWatcher(r *Resolver, post func(func()), onResult func(map[string]string)) *Watcher {
	return &Watcher{resolver: r, post: post, onResult: onResult}
}

// Normalize 去重并排序
func Normalize(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// RetryWith 设置定时器来源。设置后结果里有失败项时，在退避结束后用同一集合重新解析
func (w *Watcher) RetryWith(after func(time.Duration, func()) sched.Cancel) {
	w.after = after
}

// Update 集合和上一次相同时什么都不做；否则取消上一批请求并开始新的一批
func (w *Watcher) Update(ids []string) bool {
	norm := Normalize(ids)
	key := strings.Join(norm, "\x00")
	if w.batch != "" && key == w.key {
		return false
	}
	w.key = key
	w.start(norm)
	return true
}

func (w *Watcher) start(norm []string) {
	w.stopRetry()
	if w.cancel != nil {
		w.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	batch := uuid.NewString()
	w.batch = batch

	logger.Debug("resolving assets", logger.String("batch", batch), logger.Int("count", len(norm)))
	go func() {
		urls, err := w.resolver.Resolve(ctx, norm)
		if err != nil {
			return
		}
		w.post(func() {
			// 被取代或关闭后的结果不再生效
			if ctx.Err() != nil || w.batch != batch {
				return
			}
			w.onResult(urls)
			w.scheduleRetry(norm, batch)
		})
	}()
}

func (w *Watcher) scheduleRetry(norm []string, batch string) {
	if w.after == nil {
		return
	}
	d, ok := w.resolver.RetryDelay(norm)
	if !ok {
		return
	}
	w.retry = w.after(d, func() {
		w.retry = nil
		if w.batch != batch {
			return
		}
		logger.Debug("retrying failed assets", logger.String("batch", batch))
		w.start(norm)
	})
}

func (w *Watcher) stopRetry() {
	if w.retry != nil {
		w.retry()
		w.retry = nil
	}
}

// Close 取消进行中的请求
func (w *Watcher) Close() {
	w.stopRetry()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.batch = ""
	w.key = ""
}
