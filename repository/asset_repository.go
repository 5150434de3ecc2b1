package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"clipdeck/db"
	"clipdeck/model"
)

// AssetRepository 素材元数据操作
type AssetRepository interface {
	Create(ctx context.Context, a *model.Asset) error
	GetByID(ctx context.Context, id string) (*model.Asset, error)
	ListByProject(ctx context.Context, projectID string) ([]model.Asset, error)
	Delete(ctx context.Context, id string) error
}

type gormAssetRepository struct {
	db *gorm.DB
}

// NewAssetRepository 创建素材仓库，gdb 为 nil 时使用全局连接
func NewAssetRepository(gdb *gorm.DB) AssetRepository {
	if gdb == nil {
		gdb = db.GormDB
	}
	return &gormAssetRepository{db: gdb}
}

// Create 登记素材
func (r *gormAssetRepository) Create(ctx context.Context, a *model.Asset) error {
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("failed to create asset %s: %w", a.ID, err)
	}
	return nil
}

// GetByID 不存在时返回 nil, nil
func (r *gormAssetRepository) GetByID(ctx context.Context, id string) (*model.Asset, error) {
	var a model.Asset
	err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get asset %s: %w", id, err)
	}
	return &a, nil
}

// ListByProject projectID 为空时列出全部
func (r *gormAssetRepository) ListByProject(ctx context.Context, projectID string) ([]model.Asset, error) {
	q := r.db.WithContext(ctx).Order("created_at ASC")
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	var assets []model.Asset
	if err := q.Find(&assets).Error; err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	return assets, nil
}

// Delete 删除素材并把引用它的片段标记为缺失
func (r *gormAssetRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&model.Asset{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete asset %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("delete asset %s: %w", id, gorm.ErrRecordNotFound)
		}
		if _, err := NewClipRepository(tx).MarkMissing(ctx, id); err != nil {
			return err
		}
		return nil
	})
}
