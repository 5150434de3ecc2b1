package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"clipdeck/db"
	"clipdeck/model"
)

// ClipRepository 片段数据操作
type ClipRepository interface {
	Save(ctx context.Context, c *model.Clip) error
	GetByID(ctx context.Context, id string) (*model.Clip, error)
	ListByProject(ctx context.Context, projectID string) ([]model.Clip, error)
	UpdatePlacement(ctx context.Context, c *model.Clip) error
	MarkMissing(ctx context.Context, assetID string) (int64, error)
	Delete(ctx context.Context, id string) error
}

type gormClipRepository struct {
	db *gorm.DB
}

// NewClipRepository 创建片段仓库，gdb 为 nil 时使用全局连接
func NewClipRepository(gdb *gorm.DB) ClipRepository {
	if gdb == nil {
		gdb = db.GormDB
	}
	return &gormClipRepository{db: gdb}
}

// Save 新建或覆盖片段
func (r *gormClipRepository) Save(ctx context.Context, c *model.Clip) error {
	if err := r.db.WithContext(ctx).Save(c).Error; err != nil {
		return fmt.Errorf("failed to save clip %s: %w", c.ID, err)
	}
	return nil
}

// GetByID 不存在时返回 nil, nil
func (r *gormClipRepository) GetByID(ctx context.Context, id string) (*model.Clip, error) {
	var c model.Clip
	err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get clip %s: %w", id, err)
	}
	return &c, nil
}

// ListByProject 项目内所有轨道的片段
func (r *gormClipRepository) ListByProject(ctx context.Context, projectID string) ([]model.Clip, error) {
	var clips []model.Clip
	err := r.db.WithContext(ctx).
		Joins("JOIN tracks ON tracks.id = clips.track_id").
		Where("tracks.project_id = ?", projectID).
		Order("clips.timeline_start_ms ASC").
		Find(&clips).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list clips for project %s: %w", projectID, err)
	}
	return clips, nil
}

// UpdatePlacement 只写入位置和裁剪窗口
func (r *gormClipRepository) UpdatePlacement(ctx context.Context, c *model.Clip) error {
	res := r.db.WithContext(ctx).Model(&model.Clip{}).Where("id = ?", c.ID).Updates(map[string]interface{}{
		"timeline_start_ms": c.TimelineStartMs,
		"timeline_end_ms":   c.TimelineEndMs,
		"source_start_ms":   c.SourceStartMs,
		"source_end_ms":     c.SourceEndMs,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update clip %s: %w", c.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update clip %s: %w", c.ID, gorm.ErrRecordNotFound)
	}
	return nil
}

// MarkMissing 素材删除后把引用它的片段标记为缺失，返回受影响行数
func (r *gormClipRepository) MarkMissing(ctx context.Context, assetID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Clip{}).
		Where("asset_id = ? AND missing = ?", assetID, false).
		Update("missing", true)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark clips of asset %s missing: %w", assetID, res.Error)
	}
	return res.RowsAffected, nil
}

// Delete 删除片段
func (r *gormClipRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&model.Clip{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete clip %s: %w", id, err)
	}
	return nil
}
