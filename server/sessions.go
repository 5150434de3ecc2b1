package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"clipdeck/cache"
	"clipdeck/config"
	"clipdeck/core/assets"
	"clipdeck/core/session"
	"clipdeck/core/timeline"
	"clipdeck/logger"
	"clipdeck/model"
	"clipdeck/repository"
)

// PlaybackStore 会话播放位置的持久化
type PlaybackStore interface {
	SavePlayback(ctx context.Context, projectID string, s cache.PlaybackSnapshot) error
	LoadPlayback(ctx context.Context, projectID string) (*cache.PlaybackSnapshot, error)
}

type managedSession struct {
	s    *session.Session
	refs int
}

// SessionManager 每个项目最多一个打开的会话，按连接数引用计数
type SessionManager struct {
	ctx      context.Context
	store    *repository.ProjectStore
	resolver *assets.Resolver
	playback PlaybackStore
	engine   config.Engine

	mu       sync.Mutex
	sessions map[string]*managedSession

	commitMu sync.RWMutex
	commits  chan model.Clip
	closed   bool
	done     chan struct{}
}

// ErrManagerClosed 服务正在关闭
var ErrManagerClosed = errors.New("server: session manager closed")

// NewSessionManager 创建会话管理器并启动片段持久化协程
func NewSessionManager(ctx context.Context, store *repository.ProjectStore, resolver *assets.Resolver, playback PlaybackStore, eng config.Engine) *SessionManager {
	m := &SessionManager{
		ctx:      ctx,
		store:    store,
		resolver: resolver,
		playback: playback,
		engine:   eng,
		sessions: make(map[string]*managedSession),
		commits:  make(chan model.Clip, 64),
		done:     make(chan struct{}),
	}
	go m.persistLoop()
	return m
}

// persistLoop 串行写入拖拽提交的位置，不阻塞会话循环
func (m *SessionManager) persistLoop() {
	defer close(m.done)
	for c := range m.commits {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c := c
		if err := m.store.Clips.UpdatePlacement(ctx, &c); err != nil {
			logger.Error("persist placement failed", logger.String("clip", c.ID), logger.ErrorField(err))
		}
		cancel()
	}
}

func (m *SessionManager) enqueueCommit(c model.Clip) {
	m.commitMu.RLock()
	defer m.commitMu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.commits <- c:
	default:
		logger.Warn("placement queue full, dropping commit", logger.String("clip", c.ID))
	}
}

// Acquire 打开或复用项目会话
func (m *SessionManager) Acquire(ctx context.Context, projectID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commitMu.RLock()
	closed := m.closed
	m.commitMu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if ms, ok := m.sessions[projectID]; ok {
		ms.refs++
		return ms.s, nil
	}

	tracks, clips, err := m.store.LoadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	tl, err := timeline.New(projectID, tracks, clips)
	if err != nil {
		return nil, err
	}

	s := session.New(projectID, session.Options{
		Engine:   m.engine,
		Resolver: m.resolver,
		OnCommit: m.enqueueCommit,
	})
	s.Start(m.ctx)
	if err := s.LoadTimeline(tl); err != nil {
		s.Close()
		return nil, err
	}
	m.restore(ctx, s)

	m.sessions[projectID] = &managedSession{s: s, refs: 1}
	logger.Info("project session opened",
		logger.String("project", projectID),
		logger.String("session", s.ID),
		logger.Int("clips", len(clips)))
	return s, nil
}

func (m *SessionManager) restore(ctx context.Context, s *session.Session) {
	if m.playback == nil {
		return
	}
	snap, err := m.playback.LoadPlayback(ctx, s.ProjectID)
	if err != nil {
		logger.Warn("load playback snapshot failed", logger.String("project", s.ProjectID), logger.ErrorField(err))
		return
	}
	if snap != nil {
		if err := s.Seek(snap.Time); err != nil {
			logger.Debug("restore playback failed", logger.String("project", s.ProjectID), logger.ErrorField(err))
		}
	}
}

// Release 释放一次引用，最后一个连接断开时保存播放位置并关闭会话
func (m *SessionManager) Release(projectID string) {
	m.mu.Lock()
	ms, ok := m.sessions[projectID]
	if !ok {
		m.mu.Unlock()
		return
	}
	ms.refs--
	if ms.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, projectID)
	m.mu.Unlock()

	m.closeSession(ms.s)
}

func (m *SessionManager) closeSession(s *session.Session) {
	if m.playback != nil {
		if st, err := s.State(); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := m.playback.SavePlayback(ctx, s.ProjectID, cache.PlaybackSnapshot{
				Time:       st.Time,
				DurationMs: st.DurationMs,
			})
			cancel()
			if err != nil {
				logger.Warn("save playback snapshot failed", logger.String("project", s.ProjectID), logger.ErrorField(err))
			}
		}
	}
	s.Close()
}

// Get 返回已打开的会话
func (m *SessionManager) Get(projectID string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[projectID]
	if !ok {
		return nil, false
	}
	return ms.s, true
}

// Count 打开的会话数
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Projects 已打开会话的项目，按字典序
func (m *SessionManager) Projects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *SessionManager) snapshot() []*session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, ms.s)
	}
	return out
}

// AssetDeleted 素材删除后让项目会话里的片段变为缺失
func (m *SessionManager) AssetDeleted(projectID, assetID string) {
	m.resolver.Invalidate(assetID)
	s, ok := m.Get(projectID)
	if !ok {
		return
	}
	ids, err := s.MarkAssetMissing(assetID)
	if err != nil {
		logger.Warn("mark asset missing failed", logger.String("asset", assetID), logger.ErrorField(err))
		return
	}
	if len(ids) > 0 {
		logger.Info("clips marked missing",
			logger.String("asset", assetID),
			logger.Strings("clips", ids))
	}
}

// Broadcast 向所有打开的会话推送提示
func (m *SessionManager) Broadcast(msg string) {
	if m == nil {
		return
	}
	for _, s := range m.snapshot() {
		if err := s.Notify(msg); err != nil {
			logger.Debug("notify session failed", logger.String("session", s.ID), logger.ErrorField(err))
		}
	}
}

// CloseAll 关闭所有会话并等待持久化队列写完
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*managedSession)
	m.mu.Unlock()

	for _, ms := range all {
		m.closeSession(ms.s)
	}

	m.commitMu.Lock()
	if !m.closed {
		m.closed = true
		close(m.commits)
	}
	m.commitMu.Unlock()
	<-m.done
}
