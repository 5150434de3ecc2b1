// Package assets 素材地址解析、缓存和素材库
package assets

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"clipdeck/core/storeclient"
	"clipdeck/logger"
	"clipdeck/model"
)

const (
	DefaultTTL          = 5 * time.Minute
	DefaultErrorBackoff = 30 * time.Second

	// BillingNoticeKey 计费降级提示的持久化标记
	BillingNoticeKey = "billing_outage"
)

// Fetcher 通过网络解析素材地址
type Fetcher interface {
	ResolveURL(ctx context.Context, id string) (string, error)
}

// NoticeStore 持久化的"只提示一次"标记
type NoticeStore interface {
	// MarkOnce 第一次标记时返回 true
	MarkOnce(ctx context.Context, key string) (bool, error)
}

// URLStore 跨进程共享的地址缓存，可选
type URLStore interface {
	Get(ctx context.Context, id string) (string, bool, error)
	Set(ctx context.Context, id, url string, ttl time.Duration) error
}

// Entry 缓存项
type Entry struct {
	URL        string
	ResolvedAt time.Time
	Failed     bool
}

// ResolverOptions 解析器参数
type ResolverOptions struct {
	TTL          time.Duration
	ErrorBackoff time.Duration
	Notices      NoticeStore
	Shared       URLStore
	// OnDegraded 服务降级时调用，每个 NoticeStore 只触发一次
	OnDegraded func(err *storeclient.DegradedError)
	Now        func() time.Time
}

// Resolver 带 TTL 和失败退避的地址缓存，进程内共享
type Resolver struct {
	fetcher Fetcher
	opts    ResolverOptions

	mu      sync.Mutex
	entries map[string]Entry

	// 同一标识同时只有一个网络请求，并发的 Resolve 共享结果
	flights singleflight.Group
}

// flight 一次共享请求的结果。done 为 false 表示发起方的 ctx 先取消了
type flight struct {
	url  string
	done bool
}

// NewResolver 创建解析器
func NewResolver(f Fetcher, opts ResolverOptions) *Resolver {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	if opts.Notices == nil {
		opts.Notices = NewMemoryNotices()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{fetcher: f, opts: opts, entries: make(map[string]Entry)}
}

// Entry 返回缓存项
func (r *Resolver) Entry(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// Invalidate 删除缓存项
func (r *Resolver) Invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// RetryDelay ids 中有失败项时返回最早一项退避结束前的剩余时间
func (r *Resolver) RetryDelay(ids []string) (time.Duration, bool) {
	now := r.opts.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		wait  time.Duration
		found bool
	)
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok || !e.Failed {
			continue
		}
		d := e.ResolvedAt.Add(r.opts.ErrorBackoff).Sub(now)
		if d < 0 {
			d = 0
		}
		if !found || d < wait {
			wait, found = d, true
		}
	}
	return wait, found
}

// cached 命中有效缓存时返回 (url, true)
func (r *Resolver) cached(id string, now time.Time) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	age := now.Sub(e.ResolvedAt)
	if e.Failed {
		return "", age < r.opts.ErrorBackoff
	}
	return e.URL, age < r.opts.TTL
}

func (r *Resolver) store(id string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = e
}

// Resolve 把一组标识解析为地址。外部和缺失标识映射为空串且不请求；
// 需要请求的标识并发解析，互不影响。失败映射为空串，不返回给调用方。
// ctx 取消后到达的结果不写缓存，此时返回 ctx.Err()
func (r *Resolver) Resolve(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	now := r.opts.Now()

	var pending []string
	for _, id := range ids {
		if _, dup := out[id]; dup {
			continue
		}
		out[id] = ""
		if model.ClassifyAssetID(id) != model.AssetRegular {
			continue
		}
		if u, ok := r.cached(id, now); ok {
			out[id] = u
			continue
		}
		pending = append(pending, id)
	}
	if len(pending) == 0 {
		return out, nil
	}

	urls := make([]string, len(pending))
	var wg sync.WaitGroup
	for i, id := range pending {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			urls[i] = r.shared(ctx, id)
		}(i, id)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return out, err
	}
	for i, id := range pending {
		out[id] = urls[i]
	}
	return out, nil
}

// shared 加入或发起该标识的请求。发起方被取消而自己没有时重新发起
func (r *Resolver) shared(ctx context.Context, id string) string {
	for {
		ch := r.flights.DoChan(id, func() (interface{}, error) {
			// 上一次共享请求可能刚写完缓存
			if u, ok := r.cached(id, r.opts.Now()); ok {
				return flight{url: u, done: true}, nil
			}
			u, done := r.fetch(ctx, id)
			return flight{url: u, done: done}, nil
		})
		select {
		case <-ctx.Done():
			return ""
		case res := <-ch:
			f := res.Val.(flight)
			if f.done {
				return f.url
			}
			if ctx.Err() != nil {
				return ""
			}
		}
	}
}

// fetch 请求一个地址。ctx 取消时返回 done=false 且不写缓存
func (r *Resolver) fetch(ctx context.Context, id string) (string, bool) {
	if r.opts.Shared != nil {
		u, ok, err := r.opts.Shared.Get(ctx, id)
		if err != nil {
			logger.Debug("shared url cache unavailable", logger.String("asset", id), logger.ErrorField(err))
		} else if ok && ctx.Err() == nil {
			r.store(id, Entry{URL: u, ResolvedAt: r.opts.Now()})
			return u, true
		}
	}

	u, err := r.fetcher.ResolveURL(ctx, id)
	if ctx.Err() != nil {
		return "", false
	}
	if err != nil {
		r.store(id, Entry{ResolvedAt: r.opts.Now(), Failed: true})
		r.reportFailure(ctx, id, err)
		return "", true
	}

	r.store(id, Entry{URL: u, ResolvedAt: r.opts.Now()})
	if r.opts.Shared != nil {
		if err := r.opts.Shared.Set(ctx, id, u, r.opts.TTL); err != nil {
			logger.Debug("shared url cache write failed", logger.String("asset", id), logger.ErrorField(err))
		}
	}
	return u, true
}

func (r *Resolver) reportFailure(ctx context.Context, id string, err error) {
	var degraded *storeclient.DegradedError
	switch {
	case errors.As(err, &degraded):
		logger.Warn("asset store degraded", logger.String("asset", id), logger.ErrorField(err))
		first, mErr := r.opts.Notices.MarkOnce(ctx, BillingNoticeKey)
		if mErr != nil {
			logger.Warn("notice flag unavailable", logger.ErrorField(mErr))
			return
		}
		if first && r.opts.OnDegraded != nil {
			r.opts.OnDegraded(degraded)
		}
	case errors.Is(err, storeclient.ErrNotFound):
		logger.Info("asset url not found", logger.String("asset", id))
	default:
		logger.Warn("asset url resolution failed", logger.String("asset", id), logger.ErrorField(err))
	}
}

// MemoryNotices 进程内的提示标记
type MemoryNotices struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewMemoryNotices 创建进程内标记
func NewMemoryNotices() *MemoryNotices {
	return &MemoryNotices{seen: make(map[string]bool)}
}

// MarkOnce 实现 NoticeStore
func (m *MemoryNotices) MarkOnce(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}
