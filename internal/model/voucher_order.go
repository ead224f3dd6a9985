package model

import (
	"time"

	"gorm.io/gorm"
)

// VoucherOrder 秒杀订单。主键是 idgen 生成的全局 id，而不是自增键，
// 这样准入阶段就能把订单号返回给用户。
// (user_id, voucher_id) 唯一索引兜底一人一单。
type VoucherOrder struct {
	ID        int64          `gorm:"primarykey;autoIncrement:false" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UserID    int64 `gorm:"not null;uniqueIndex:idx_user_voucher" json:"user_id"`
	VoucherID uint  `gorm:"not null;uniqueIndex:idx_user_voucher" json:"voucher_id"`
	PayValue  int64 `gorm:"not null" json:"pay_value"`
	Status    int   `gorm:"not null;default:0" json:"status"` // 0 待支付 1 已支付 2 已取消
}

func (VoucherOrder) TableName() string { return "voucher_orders" }
