// Package server 本地运行的素材存储服务和编辑会话推送
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"clipdeck/cache"
	"clipdeck/config"
	"clipdeck/core/assets"
	"clipdeck/core/auth"
	"clipdeck/core/storeclient"
	"clipdeck/db"
	"clipdeck/logger"
	"clipdeck/repository"
	"clipdeck/storage"
)

// ObjectStore 素材对象存储
type ObjectStore interface {
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Remove(ctx context.Context, key string) error
}

// Deps 服务依赖。URLCache、Notices、Playback 可以为空
type Deps struct {
	Config   *config.Config
	Store    *repository.ProjectStore
	Objects  ObjectStore
	Issuer   *auth.Issuer
	URLCache assets.URLStore
	Notices  assets.NoticeStore
	Playback PlaybackStore
}

// Server 素材 API 和会话 WebSocket
type Server struct {
	cfg      *config.Config
	store    *repository.ProjectStore
	objects  ObjectStore
	issuer   *auth.Issuer
	sessions *SessionManager
}

// NewServer 创建服务，ctx 结束时所有会话关闭
func NewServer(ctx context.Context, d Deps) *Server {
	if d.Config == nil {
		d.Config = config.Default()
	}
	if d.Issuer == nil {
		d.Issuer = auth.NewIssuer(d.Config.JWTSecret, 0)
	}
	if d.Notices == nil {
		d.Notices = assets.NewMemoryNotices()
	}
	s := &Server{
		cfg:     d.Config,
		store:   d.Store,
		objects: d.Objects,
		issuer:  d.Issuer,
	}

	eng := d.Config.Engine
	var mgr *SessionManager
	resolver := assets.NewResolver(s, assets.ResolverOptions{
		TTL:          eng.AssetURLTTL,
		ErrorBackoff: eng.AssetErrorBackoff,
		Notices:      d.Notices,
		Shared:       d.URLCache,
		OnDegraded: func(e *storeclient.DegradedError) {
			mgr.Broadcast(e.Message)
		},
	})
	mgr = NewSessionManager(ctx, d.Store, resolver, d.Playback, eng)
	s.sessions = mgr
	return s
}

// Sessions 会话管理器
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Router 构建路由
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)

	router.HandleFunc("/assets", s.AuthMiddleware(s.ListAssetsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/assets", s.AuthMiddleware(s.CreateAssetHandler)).Methods(http.MethodPost)
	router.HandleFunc("/assets/{id}/url", s.AuthMiddleware(s.AssetURLHandler)).Methods(http.MethodGet)
	router.HandleFunc("/assets/{id}", s.AuthMiddleware(s.DeleteAssetHandler)).Methods(http.MethodDelete)

	router.HandleFunc("/projects/{projectId}/timeline", s.AuthMiddleware(s.TimelineHandler)).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{projectId}/ws", s.AuthMiddleware(s.SessionWSHandler)).Methods(http.MethodGet)

	// 预检请求不匹配任何路由，CORS 包在路由外层
	return corsMiddleware(router)
}

// ResolveURL 为素材签发可播放地址。会话内的解析和 /assets/{id}/url 都走这里
func (s *Server) ResolveURL(ctx context.Context, id string) (string, error) {
	if s.cfg.BillingOutage {
		return "", &storeclient.DegradedError{
			Status:  http.StatusServiceUnavailable,
			Code:    storeclient.BillingOutageCode,
			Message: "Asset storage is paused because of a billing issue",
		}
	}
	a, err := s.store.Assets.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if a == nil {
		return "", fmt.Errorf("%w: %s", storeclient.ErrNotFound, id)
	}
	return s.objects.PresignedURL(ctx, a.ObjectKey, s.cfg.PresignExpiry)
}

// HealthHandler 存活检查
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.sessions.Count(),
	})
}

// Start 连接数据库、Redis 和 MinIO 并启动 HTTP 服务，收到中断信号后优雅退出
func Start(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.ConnectGormDB(cfg); err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.CloseGormDB()
	if err := db.Migrate(db.GormDB); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	objects, err := storage.NewObjectStore(cfg)
	if err != nil {
		return fmt.Errorf("init minio: %w", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	deps := Deps{
		Config:  cfg,
		Store:   repository.NewProjectStore(db.GormDB),
		Objects: objects,
		Issuer:  auth.NewIssuer(cfg.JWTSecret, 0),
	}
	// Redis 不可用时退化为进程内缓存
	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Warn("redis unavailable, using in-process caches", logger.ErrorField(err))
	} else {
		defer cache.CloseRedis()
		deps.URLCache = cache.NewAssetURLCache(nil)
		deps.Notices = cache.NewNoticeFlags(nil, "server")
		deps.Playback = cache.NewSessionCache(nil)
	}

	srv := NewServer(ctx, deps)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", logger.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	srv.sessions.CloseAll()
	logger.Info("server stopped")
	return nil
}
