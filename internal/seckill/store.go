package seckill

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"voucher_seckill/internal/model"
)

// persistOutcome 落库事务的三种业务结果。
type persistOutcome int

const (
	outcomePersisted  persistOutcome = iota // 订单已创建
	outcomeDuplicate                        // 一人一单命中，no-op
	outcomeOutOfStock                       // 数据库库存不足，订单被放弃
)

// persistOrder 在一个事务里完成落库：
//  1. 再查一次一人一单（准入脚本已经拦过，这里是存储层的最终裁决）
//  2. 乐观条件扣权威库存（stock > 0）
//  3. 插入订单
//
// 返回业务结果 + 系统错误；业务拒绝不算错误。
func persistOrder(db *gorm.DB, msg orderMessage) (persistOutcome, error) {
	outcome := outcomePersisted
	err := db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.VoucherOrder{}).
			Where("user_id = ? AND voucher_id = ?", msg.UserID, msg.VoucherID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			outcome = outcomeDuplicate
			return nil
		}

		var voucher model.Voucher
		if err := tx.First(&voucher, msg.VoucherID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("voucher %d not found", msg.VoucherID)
			}
			return err
		}

		res := tx.Model(&model.Voucher{}).
			Where("id = ? AND stock > 0", msg.VoucherID).
			UpdateColumn("stock", gorm.Expr("stock - ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			outcome = outcomeOutOfStock
			return nil
		}

		order := &model.VoucherOrder{
			ID:        msg.OrderID,
			UserID:    msg.UserID,
			VoucherID: msg.VoucherID,
			PayValue:  voucher.PayValue,
		}
		if err := tx.Create(order).Error; err != nil {
			// 唯一索引冲突说明并发消息抢先落了库。
			// 必须让事务回滚，否则本次的库存扣减会被一并提交。
			if errorsLikeUnique(err) {
				return errDuplicateRow
			}
			return err
		}
		return nil
	})
	if errors.Is(err, errDuplicateRow) {
		return outcomeDuplicate, nil
	}
	if err != nil {
		return outcomePersisted, err
	}
	return outcome, nil
}

// errDuplicateRow 借错误返回触发回滚，再在事务外映射为业务结果。
var errDuplicateRow = errors.New("seckill: duplicate order row")

func errorsLikeUnique(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}
