package seckill

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"voucher_seckill/internal/lock"
	"voucher_seckill/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "seckill.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Shop{}, &model.Voucher{}, &model.VoucherOrder{}))
	return db
}

func newTestConsumer(t *testing.T) (*rd.Client, *gorm.DB, *Consumer) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	db := newTestDB(t)
	c := NewConsumer(rdb, db, nil, zerolog.Nop(), ConsumerConfig{
		Stream:     testStream,
		Group:      "g1",
		Consumer:   "c1",
		Block:      50 * time.Millisecond,
		RetryPause: 10 * time.Millisecond,
	})
	return rdb, db, c
}

func seedVoucher(t *testing.T, db *gorm.DB, id uint, stock int64) {
	t.Helper()
	require.NoError(t, db.Create(&model.Voucher{
		ID:        id,
		ShopID:    1,
		Title:     "100元代金券",
		Stock:     stock,
		PayValue:  8000,
		BeginTime: time.Now().Add(-time.Hour),
		EndTime:   time.Now().Add(time.Hour),
	}).Error)
}

func enqueue(t *testing.T, rdb *rd.Client, msg orderMessage) {
	t.Helper()
	require.NoError(t, rdb.XAdd(context.Background(), &rd.XAddArgs{
		Stream: testStream,
		Values: msg.values(),
	}).Err())
}

func pendingCount(t *testing.T, rdb *rd.Client) int64 {
	t.Helper()
	p, err := rdb.XPending(context.Background(), testStream, "g1").Result()
	require.NoError(t, err)
	return p.Count
}

func readOne(t *testing.T, c *Consumer) rd.XMessage {
	t.Helper()
	msgs, err := c.readGroup(context.Background(), ">", noBlock)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestProcessOnePersistsAndAcks(t *testing.T) {
	rdb, db, c := newTestConsumer(t)
	ctx := context.Background()

	seedVoucher(t, db, 1, 10)
	enqueue(t, rdb, orderMessage{OrderID: 42001, VoucherID: 1, UserID: 1001})
	require.NoError(t, c.ensureGroup(ctx))

	require.NoError(t, c.processOne(ctx, readOne(t, c)))

	var order model.VoucherOrder
	require.NoError(t, db.First(&order, 42001).Error)
	assert.EqualValues(t, 1001, order.UserID)
	assert.EqualValues(t, 8000, order.PayValue)

	var voucher model.Voucher
	require.NoError(t, db.First(&voucher, 1).Error)
	assert.EqualValues(t, 9, voucher.Stock, "权威库存同事务扣减")

	assert.Zero(t, pendingCount(t, rdb), "落库成功后必须 ACK")
}

func TestProcessOneDuplicateIsNoop(t *testing.T) {
	rdb, db, c := newTestConsumer(t)
	ctx := context.Background()

	seedVoucher(t, db, 1, 10)
	require.NoError(t, db.Create(&model.VoucherOrder{ID: 42000, UserID: 1001, VoucherID: 1, PayValue: 8000}).Error)

	enqueue(t, rdb, orderMessage{OrderID: 42001, VoucherID: 1, UserID: 1001})
	require.NoError(t, c.ensureGroup(ctx))
	require.NoError(t, c.processOne(ctx, readOne(t, c)))

	var count int64
	require.NoError(t, db.Model(&model.VoucherOrder{}).
		Where("user_id = ? AND voucher_id = ?", 1001, 1).Count(&count).Error)
	assert.EqualValues(t, 1, count, "一人一单")

	var voucher model.Voucher
	require.NoError(t, db.First(&voucher, 1).Error)
	assert.EqualValues(t, 10, voucher.Stock, "重复消息不扣库存")

	assert.Zero(t, pendingCount(t, rdb), "已处理的重复按成功 ACK")
}

func TestProcessOneAuthoritativeStockExhausted(t *testing.T) {
	rdb, db, c := newTestConsumer(t)
	ctx := context.Background()

	seedVoucher(t, db, 1, 0)
	enqueue(t, rdb, orderMessage{OrderID: 42001, VoucherID: 1, UserID: 1001})
	require.NoError(t, c.ensureGroup(ctx))

	require.NoError(t, c.processOne(ctx, readOne(t, c)))

	var count int64
	require.NoError(t, db.Model(&model.VoucherOrder{}).Count(&count).Error)
	assert.Zero(t, count, "数据库是最终裁决，订单被放弃")
	assert.Zero(t, pendingCount(t, rdb), "放弃的订单也要 ACK，不能无限重试")
}

func TestProcessOneFailureStaysPendingThenRecovered(t *testing.T) {
	// 瞬时故障（券还没建出来）→ 消息保持未 ACK → 故障恢复后 pending 重放成功
	rdb, db, c := newTestConsumer(t)
	ctx := context.Background()

	enqueue(t, rdb, orderMessage{OrderID: 42001, VoucherID: 1, UserID: 1001})
	require.NoError(t, c.ensureGroup(ctx))

	err := c.processOne(ctx, readOne(t, c))
	require.Error(t, err)
	assert.EqualValues(t, 1, pendingCount(t, rdb), "失败消息留在 pending")

	// 故障清除
	seedVoucher(t, db, 1, 10)
	c.handlePending(ctx)

	var order model.VoucherOrder
	require.NoError(t, db.First(&order, 42001).Error)
	assert.Zero(t, pendingCount(t, rdb), "恢复后 pending 清空")
}

func TestProcessOneLockBusyLeavesPending(t *testing.T) {
	rdb, db, c := newTestConsumer(t)
	ctx := context.Background()

	seedVoucher(t, db, 1, 10)
	enqueue(t, rdb, orderMessage{OrderID: 42001, VoucherID: 1, UserID: 1001})
	require.NoError(t, c.ensureGroup(ctx))

	// 占住该用户的订单锁
	other := lock.New(rdb, "order:1001")
	ok, err := other.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = c.processOne(ctx, readOne(t, c))
	assert.ErrorIs(t, err, errLockBusy)
	assert.EqualValues(t, 1, pendingCount(t, rdb))

	// 释放后 pending 重放成功
	require.NoError(t, other.Release(ctx))
	c.handlePending(ctx)
	assert.Zero(t, pendingCount(t, rdb))
}

func TestProcessOneDropsMalformedMessage(t *testing.T) {
	rdb, _, c := newTestConsumer(t)
	ctx := context.Background()

	require.NoError(t, rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: testStream,
		Values: map[string]any{"garbage": "1"},
	}).Err())
	require.NoError(t, c.ensureGroup(ctx))

	require.NoError(t, c.processOne(ctx, readOne(t, c)))
	assert.Zero(t, pendingCount(t, rdb), "脏消息 ACK 丢弃，不堵队列")
}

func TestRunConsumesEndToEnd(t *testing.T) {
	rdb, db, c := newTestConsumer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedVoucher(t, db, 1, 10)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	enqueue(t, rdb, orderMessage{OrderID: 42001, VoucherID: 1, UserID: 1001})

	require.Eventually(t, func() bool {
		var count int64
		if err := db.Model(&model.VoucherOrder{}).Count(&count).Error; err != nil {
			return false
		}
		return count == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop on context cancel")
	}
}

func TestPersistOrderReleasesLock(t *testing.T) {
	rdb, db, c := newTestConsumer(t)
	ctx := context.Background()

	seedVoucher(t, db, 1, 10)
	enqueue(t, rdb, orderMessage{OrderID: 42001, VoucherID: 1, UserID: 1001})
	require.NoError(t, c.ensureGroup(ctx))
	require.NoError(t, c.processOne(ctx, readOne(t, c)))

	// 处理完锁必须释放
	l := lock.New(rdb, "order:1001")
	ok, err := l.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
