package seckill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"voucher_seckill/internal/lock"
)

// errLockBusy 该用户的订单正被别的消费路径处理，消息留在 pending 等待重试。
var errLockBusy = errors.New("seckill: user order lock busy")

// noBlock 让 go-redis 不带 BLOCK 参数（读 pending 历史时用）。
const noBlock = -1 * time.Millisecond

// ConsumerConfig 消费循环参数，零值字段取默认值。
type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string
	// Block 读新消息的阻塞上限
	Block time.Duration
	// LockLease 落库期间用户锁的租约
	LockLease time.Duration
	// RetryPause 恢复路径出错后的退避间隔，防止瞬时故障空转
	RetryPause time.Duration
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.LockLease <= 0 {
		c.LockLease = 20 * time.Minute
	}
	if c.RetryPause <= 0 {
		c.RetryPause = 100 * time.Millisecond
	}
}

// Consumer 异步落库消费者：读 Stream → 加用户锁 → 事务落库 → ACK。
// ACK 一定发生在落库结果确定之后，未 ACK 的消息宕机后从 pending-list 重放。
type Consumer struct {
	rdb    *rd.Client
	db     *gorm.DB
	events *EventPublisher // 可为 nil，关闭事件外发
	log    zerolog.Logger
	cfg    ConsumerConfig
}

func NewConsumer(rdb *rd.Client, db *gorm.DB, events *EventPublisher, log zerolog.Logger, cfg ConsumerConfig) *Consumer {
	cfg.applyDefaults()
	return &Consumer{rdb: rdb, db: db, events: events, log: log, cfg: cfg}
}

// Start 在后台运行消费循环，意外退出（含 panic）后自动拉起。
// 这是进程内唯一必须常驻的任务。
func (c *Consumer) Start(ctx context.Context) {
	go func() {
		for {
			err := c.runSafe(ctx)
			if ctx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Msg("order consumer exited, restarting")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Consumer) runSafe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("order consumer panic: %v", r)
		}
	}()
	return c.Run(ctx)
}

// Run 主循环：阻塞读新消息，逐条处理；任何异常转入 pending 恢复。
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := c.readGroup(ctx, ">", c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			c.log.Error().Err(err).Msg("order consumer read")
			c.handlePending(ctx)
			continue
		}
		if len(msgs) == 0 {
			// 阻塞超时无消息，继续下一轮
			continue
		}

		for _, xm := range msgs {
			if err := c.processOne(ctx, xm); err != nil {
				c.logProcessErr(xm.ID, err)
				c.handlePending(ctx)
				break
			}
		}
	}
}

// handlePending 重放本消费者已投递未确认的消息，直到 pending 清空。
// 每条失败都短暂退避，避免存储瞬时故障时空转刷日志。
func (c *Consumer) handlePending(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := c.readGroup(ctx, "0", noBlock)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.log.Error().Err(err).Msg("order consumer read pending")
			c.pause(ctx)
			continue
		}
		if len(msgs) == 0 {
			// pending 清空，回主循环
			return
		}

		for _, xm := range msgs {
			if err := c.processOne(ctx, xm); err != nil {
				c.logProcessErr(xm.ID, err)
				c.pause(ctx)
				break
			}
		}
	}
}

// processOne 处理单条消息：解码 → 用户锁 → 落库 → ACK → 外发事件。
// 返回非 nil 时消息保持未 ACK，交给 pending 恢复。
func (c *Consumer) processOne(ctx context.Context, xm rd.XMessage) error {
	msg, err := parseOrderMessage(xm.Values)
	if err != nil {
		// 脏消息重试多少次都不会变好，ACK 丢弃避免堵死队列
		c.log.Warn().Err(err).Str("msg_id", xm.ID).Msg("order consumer drop malformed message")
		return c.ack(ctx, xm.ID)
	}

	// 用户锁兜底重复投递：同一用户的两条消息不允许并发走落库
	l := lock.New(c.rdb, fmt.Sprintf("order:%d", msg.UserID))
	ok, err := l.TryAcquire(ctx, c.cfg.LockLease)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %d: %w", msg.UserID, errLockBusy)
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			c.log.Warn().Err(err).Int64("user_id", msg.UserID).Msg("release user order lock")
		}
	}()

	outcome, err := persistOrder(c.db, msg)
	if err != nil {
		return err
	}

	switch outcome {
	case outcomeDuplicate:
		c.log.Warn().Int64("order_id", msg.OrderID).Int64("user_id", msg.UserID).
			Msg("duplicate order discarded")
	case outcomeOutOfStock:
		// 准入通过但权威库存已尽：以数据库为准，放弃该订单并留痕对账。
		// 不回补 Redis 计数——为一个数据库都拒绝的请求重新放行名额没有意义。
		c.log.Warn().Int64("order_id", msg.OrderID).Uint("voucher_id", msg.VoucherID).
			Msg("admitted order dropped: authoritative stock exhausted")
	}

	if err := c.ack(ctx, xm.ID); err != nil {
		return err
	}

	if outcome == outcomePersisted && c.events != nil {
		// 事件外发尽力而为，失败不影响订单本身
		if err := c.events.PublishCreated(ctx, msg); err != nil {
			c.log.Error().Err(err).Int64("order_id", msg.OrderID).Msg("publish order event")
		}
	}
	return nil
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (c *Consumer) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := c.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, streamID},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 1)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

// ack 确认并删除消息。删除只是清理已处理的流历史，恢复语义只依赖 ACK。
func (c *Consumer) ack(ctx context.Context, id string) error {
	pipe := c.rdb.TxPipeline()
	pipe.XAck(ctx, c.cfg.Stream, c.cfg.Group, id)
	pipe.XDel(ctx, c.cfg.Stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

// logProcessErr 锁竞争是常态不是故障，降级为 debug。
func (c *Consumer) logProcessErr(msgID string, err error) {
	if errors.Is(err, errLockBusy) {
		c.log.Debug().Err(err).Str("msg_id", msgID).Msg("order consumer retry later")
		return
	}
	c.log.Error().Err(err).Str("msg_id", msgID).Msg("order consumer process")
}

func (c *Consumer) pause(ctx context.Context) {
	select {
	case <-time.After(c.cfg.RetryPause):
	case <-ctx.Done():
	}
}
