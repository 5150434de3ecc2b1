package repository

import (
	"context"

	"gorm.io/gorm"

	"clipdeck/model"
)

// ProjectStore 提供一个项目的轨道和片段
type ProjectStore struct {
	Tracks TrackRepository
	Clips  ClipRepository
	Assets AssetRepository
}

// NewProjectStore 创建工程存储，gdb 为 nil 时使用全局连接
func NewProjectStore(gdb *gorm.DB) *ProjectStore {
	return &ProjectStore{
		Tracks: NewTrackRepository(gdb),
		Clips:  NewClipRepository(gdb),
		Assets: NewAssetRepository(gdb),
	}
}

// LoadProject 读取项目的全部轨道和片段
func (s *ProjectStore) LoadProject(ctx context.Context, projectID string) ([]model.Track, []model.Clip, error) {
	tracks, err := s.Tracks.ListByProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	clips, err := s.Clips.ListByProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	return tracks, clips, nil
}
