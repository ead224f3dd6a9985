package model

import (
	"time"

	"gorm.io/gorm"
)

// Voucher 秒杀优惠券：库存、秒杀价、秒杀时间段。
type Voucher struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ShopID uint   `gorm:"not null;index" json:"shop_id"`
	Title  string `gorm:"size:128;not null" json:"title"`
	// Stock 是数据库侧的权威库存；秒杀实时扣减走 Redis，落单时再按乐观条件扣这里。
	Stock     int64     `gorm:"not null;default:0" json:"stock"`
	PayValue  int64     `gorm:"not null" json:"pay_value"` // 单位：分
	BeginTime time.Time `gorm:"not null" json:"begin_time"`
	EndTime   time.Time `gorm:"not null" json:"end_time"`
}

func (Voucher) TableName() string { return "vouchers" }
