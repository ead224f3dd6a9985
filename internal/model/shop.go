package model

import (
	"time"

	"gorm.io/gorm"
)

// Shop 店铺详情，读多写少，走缓存（逻辑过期）。
type Shop struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name    string `gorm:"size:128;not null" json:"name"`
	Address string `gorm:"size:255" json:"address"`
	// AvgPrice 单位：分
	AvgPrice int64 `gorm:"not null;default:0" json:"avg_price"`
	Score    int   `gorm:"not null;default:0" json:"score"` // 评分 x10，如 47 表示 4.7
}

func (Shop) TableName() string { return "shops" }
