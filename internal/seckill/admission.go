// Package seckill 实现秒杀下单管道：
// 同步准入（Lua 原子判库存 + 一人一单）立刻返回订单号，
// 异步消费（Stream 消费者组）负责真正的事务落库，宕机后从 pending-list 恢复。
package seckill

import (
	"context"
	"errors"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"voucher_seckill/internal/idgen"
	rediskey "voucher_seckill/pkg/redis"
)

var (
	// ErrOutOfStock 库存不足，业务结果而非系统错误。
	ErrOutOfStock = errors.New("seckill: out of stock")
	// ErrDuplicateOrder 重复下单，业务结果而非系统错误。
	ErrDuplicateOrder = errors.New("seckill: duplicate order")
)

// luaSeckill：一次原子完成「判库存 → 判一人一单 → 扣库存 → 记录购买人」。
// KEYS[1]=库存key，KEYS[2]=已购集合key，ARGV[1]=userId
// 返回：0 准入成功，1 库存不足，2 重复下单
// 任何应用侧的先查后改都会在并发下超卖，必须放在脚本里。
var luaSeckill = rd.NewScript(`
local stock = tonumber(redis.call('GET', KEYS[1]) or '0')
if stock <= 0 then
  return 1
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return 2
end
redis.call('DECRBY', KEYS[1], 1)
redis.call('SADD', KEYS[2], ARGV[1])
return 0
`)

// Pipeline 秒杀准入入口。
type Pipeline struct {
	rdb    *rd.Client
	idgen  *idgen.Generator
	stream string
	log    zerolog.Logger
}

func NewPipeline(rdb *rd.Client, gen *idgen.Generator, stream string, log zerolog.Logger) *Pipeline {
	return &Pipeline{rdb: rdb, idgen: gen, stream: stream, log: log}
}

// Seckill 同步准入：脚本通过后生成订单号、把下单消息写入 Stream，立即返回订单号。
// 返回的订单号是“名额已锁定”的凭证，落库是异步的、最终一致的。
// 失败返回 ErrOutOfStock / ErrDuplicateOrder 或系统错误。
func (p *Pipeline) Seckill(ctx context.Context, voucherID uint, userID int64) (int64, error) {
	stockKey := rediskey.StockKey(voucherID)
	orderKey := rediskey.OrderSetKey(voucherID)

	res, err := luaSeckill.Run(ctx, p.rdb, []string{stockKey, orderKey}, userID).Int()
	if err != nil {
		return 0, fmt.Errorf("seckill script: %w", err)
	}
	switch res {
	case 1:
		return 0, ErrOutOfStock
	case 2:
		return 0, ErrDuplicateOrder
	}

	orderID, err := p.idgen.NextID(ctx, "order")
	if err != nil {
		// 名额已占但拿不到订单号，回补后报错，避免库存凭空少一件
		p.compensate(ctx, voucherID, userID)
		return 0, err
	}

	msg := orderMessage{OrderID: orderID, VoucherID: voucherID, UserID: userID}
	if err := p.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: p.stream,
		Values: msg.values(),
	}).Err(); err != nil {
		p.compensate(ctx, voucherID, userID)
		return 0, fmt.Errorf("seckill enqueue: %w", err)
	}

	return orderID, nil
}

// compensate 回补失败只记日志：回补脚本本身幂等，且库存键还有 TTL 兜底。
func (p *Pipeline) compensate(ctx context.Context, voucherID uint, userID int64) {
	if _, err := compensateAdmissionOnce(ctx, p.rdb, voucherID, userID); err != nil {
		p.log.Error().Err(err).
			Uint("voucher_id", voucherID).
			Int64("user_id", userID).
			Msg("seckill admission compensate")
	}
}

// PreloadStock 把数据库库存预热进 Redis，并清掉旧的已购集合。
// 只应在活动开始前由管理端调用。
func (p *Pipeline) PreloadStock(ctx context.Context, voucherID uint, stock int64, ttl time.Duration) error {
	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, rediskey.StockKey(voucherID), stock, ttl)
	pipe.Del(ctx, rediskey.OrderSetKey(voucherID))
	_, err := pipe.Exec(ctx)
	return err
}

// Stock 查询 Redis 实时库存，键不存在视为 0。
func (p *Pipeline) Stock(ctx context.Context, voucherID uint) (int64, error) {
	n, err := p.rdb.Get(ctx, rediskey.StockKey(voucherID)).Int64()
	if errors.Is(err, rd.Nil) {
		return 0, nil
	}
	return n, err
}
