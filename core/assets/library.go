package assets

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"clipdeck/core/storeclient"
	"clipdeck/logger"
	"clipdeck/model"
)

// Store 素材库的远端存储
type Store interface {
	List(ctx context.Context, projectID string) ([]model.Asset, error)
	Create(ctx context.Context, a model.Asset) (model.Asset, error)
	Delete(ctx context.Context, id string) error
}

// Library 项目素材库，本地修改立即生效，远端失败时恢复修改前的快照
type Library struct {
	projectID string
	store     Store
	resolver  *Resolver

	mu     sync.Mutex
	assets []model.Asset

	// OnDeleted 素材删除成功后调用，用来把引用它的片段标记为缺失
	OnDeleted func(assetID string)
}

// NewLibrary 创建素材库，resolver 可以为 nil
func NewLibrary(projectID string, store Store, resolver *Resolver) *Library {
	return &Library{projectID: projectID, store: store, resolver: resolver}
}

// Assets 当前素材列表副本
func (l *Library) Assets() []model.Asset {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.assets)
}

// Refresh 从远端重新加载
func (l *Library) Refresh(ctx context.Context) error {
	list, err := l.store.List(ctx, l.projectID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.assets = list
	l.mu.Unlock()
	return nil
}

func (l *Library) snapshot() []model.Asset {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.assets)
}

func (l *Library) restore(snap []model.Asset) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.assets = snap
}

// Add 乐观添加
func (l *Library) Add(ctx context.Context, a model.Asset) (model.Asset, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ProjectID == "" {
		a.ProjectID = l.projectID
	}
	snap := l.snapshot()

	l.mu.Lock()
	l.assets = append(l.assets, a)
	l.mu.Unlock()

	stored, err := l.store.Create(ctx, a)
	if err != nil {
		l.restore(snap)
		logger.Warn("asset add rolled back", logger.String("asset", a.ID), logger.ErrorField(err))
		return model.Asset{}, err
	}

	l.mu.Lock()
	for i := range l.assets {
		if l.assets[i].ID == a.ID {
			l.assets[i] = stored
			break
		}
	}
	l.mu.Unlock()
	return stored, nil
}

// Delete 乐观删除。远端已经不存在时视为成功
func (l *Library) Delete(ctx context.Context, id string) error {
	snap := l.snapshot()

	l.mu.Lock()
	idx := slices.IndexFunc(l.assets, func(a model.Asset) bool { return a.ID == id })
	if idx < 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", storeclient.ErrNotFound, id)
	}
	l.assets = slices.Delete(l.assets, idx, idx+1)
	l.mu.Unlock()

	if err := l.store.Delete(ctx, id); err != nil && !errors.Is(err, storeclient.ErrNotFound) {
		l.restore(snap)
		logger.Warn("asset delete rolled back", logger.String("asset", id), logger.ErrorField(err))
		return err
	}

	if l.resolver != nil {
		l.resolver.Invalidate(id)
	}
	if l.OnDeleted != nil {
		l.OnDeleted(id)
	}
	return nil
}
