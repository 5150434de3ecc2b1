package model

import "time"

// TrackKind 轨道媒体类型，创建后不可修改
type TrackKind string

const (
	TrackKindVideo   TrackKind = "video"
	TrackKindAudio   TrackKind = "audio"
	TrackKindText    TrackKind = "text"
	TrackKindCaption TrackKind = "caption"
	TrackKindSFX     TrackKind = "sfx"
)

// Valid 是否是已知类型
func (k TrackKind) Valid() bool {
	switch k {
	case TrackKindVideo, TrackKindAudio, TrackKindText, TrackKindCaption, TrackKindSFX:
		return true
	}
	return false
}

// AudioBearing 该类型的片段是否需要音频输出
func (k TrackKind) AudioBearing() bool {
	return k == TrackKindAudio || k == TrackKindSFX || k == TrackKindVideo
}

// Track 项目时间线上的一条轨道
type Track struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	ProjectID string    `json:"projectId" gorm:"size:36;not null;uniqueIndex:idx_project_track_index"`
	Index     int       `json:"index" gorm:"column:track_index;not null;uniqueIndex:idx_project_track_index"` // 渲染/叠放顺序
	Kind      TrackKind `json:"kind" gorm:"size:20;not null"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (Track) TableName() string {
	return "tracks"
}
