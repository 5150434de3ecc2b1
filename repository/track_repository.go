package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"clipdeck/db"
	"clipdeck/model"
)

// TrackRepository 轨道数据操作
type TrackRepository interface {
	Create(ctx context.Context, t *model.Track) error
	GetByID(ctx context.Context, id string) (*model.Track, error)
	ListByProject(ctx context.Context, projectID string) ([]model.Track, error)
	Delete(ctx context.Context, id string) error
}

type gormTrackRepository struct {
	db *gorm.DB
}

// NewTrackRepository 创建轨道仓库，gdb 为 nil 时使用全局连接
func NewTrackRepository(gdb *gorm.DB) TrackRepository {
	if gdb == nil {
		gdb = db.GormDB
	}
	return &gormTrackRepository{db: gdb}
}

// Create 新建轨道，同一项目内 index 不能重复，kind 必须合法
func (r *gormTrackRepository) Create(ctx context.Context, t *model.Track) error {
	if !t.Kind.Valid() {
		return fmt.Errorf("create track %s: unknown kind %q", t.ID, t.Kind)
	}
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("failed to create track %s: %w", t.ID, err)
	}
	return nil
}

// GetByID 不存在时返回 nil, nil
func (r *gormTrackRepository) GetByID(ctx context.Context, id string) (*model.Track, error) {
	var t model.Track
	err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get track %s: %w", id, err)
	}
	return &t, nil
}

// ListByProject 按 index 排序
func (r *gormTrackRepository) ListByProject(ctx context.Context, projectID string) ([]model.Track, error) {
	var tracks []model.Track
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("track_index ASC").
		Find(&tracks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks for project %s: %w", projectID, err)
	}
	return tracks, nil
}

// Delete 删除轨道及其片段
func (r *gormTrackRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("track_id = ?", id).Delete(&model.Clip{}).Error; err != nil {
			return fmt.Errorf("failed to delete clips of track %s: %w", id, err)
		}
		if err := tx.Delete(&model.Track{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete track %s: %w", id, err)
		}
		return nil
	})
}
