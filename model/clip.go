package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ClipProps 片段的自由渲染属性（JSON 字段）
type ClipProps map[string]interface{}

// Scan 实现 sql.Scanner 接口
func (p *ClipProps) Scan(value interface{}) error {
	if value == nil {
		*p = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*p = nil
		return nil
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		*p = nil
		return nil
	}
	return json.Unmarshal(bytes, p)
}

// Value 实现 driver.Valuer 接口
func (p ClipProps) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// String 读取字符串属性
func (p ClipProps) String(key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

// Clip 轨道上一段经过裁剪和定位的素材引用
type Clip struct {
	ID      string    `json:"id" gorm:"primaryKey;size:36"`
	TrackID string    `json:"trackId" gorm:"size:36;index;not null"`
	AssetID *string   `json:"assetId,omitempty" gorm:"size:64;index"` // 外部/文字片段为空
	Kind    TrackKind `json:"kind" gorm:"size:20;not null"`

	SourceStartMs   int64 `json:"sourceStart" gorm:"not null"`
	SourceEndMs     int64 `json:"sourceEnd" gorm:"not null"`
	TimelineStartMs int64 `json:"timelineStart" gorm:"not null;index"`
	TimelineEndMs   int64 `json:"timelineEnd" gorm:"not null"`
	AssetDurationMs int64 `json:"assetDuration"`

	Volume  float64   `json:"volume"`
	Speed   float64   `json:"speed" gorm:"default:1"`
	Missing bool      `json:"missing" gorm:"default:false"` // 素材已被删除
	Props   ClipProps `json:"props,omitempty" gorm:"type:json"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (Clip) TableName() string {
	return "clips"
}

// ExternalURL 外部片段内嵌在属性里的地址
func (c *Clip) ExternalURL() string {
	return c.Props.String("src")
}
