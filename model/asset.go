package model

import (
	"strings"
	"time"
)

// 资源标识前缀
const (
	ExternalAssetPrefix = "external_"
	MissingAssetPrefix  = "missing_"
)

// AssetClass 资源标识分类
type AssetClass int

const (
	AssetRegular  AssetClass = iota // 需要网络解析
	AssetExternal                   // 地址在片段属性里，不请求
	AssetMissing                    // 已标记为无法解析，不请求
)

// ClassifyAssetID 根据前缀判断标识类型
func ClassifyAssetID(id string) AssetClass {
	switch {
	case strings.HasPrefix(id, ExternalAssetPrefix):
		return AssetExternal
	case strings.HasPrefix(id, MissingAssetPrefix):
		return AssetMissing
	default:
		return AssetRegular
	}
}

// Asset 项目素材库中的媒体对象
type Asset struct {
	ID         string    `json:"id" gorm:"primaryKey;size:64"`
	ProjectID  string    `json:"projectId" gorm:"size:36;index;not null"`
	Name       string    `json:"name" gorm:"size:255;not null"`
	MimeType   string    `json:"mimeType" gorm:"size:100"`
	DurationMs *int64    `json:"durationMs,omitempty"`
	ObjectKey  string    `json:"-" gorm:"size:512"` // 对象存储中的路径
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (Asset) TableName() string {
	return "assets"
}
