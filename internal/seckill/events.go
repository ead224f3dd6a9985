package seckill

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// OrderCreatedEvent 落库成功后外发的订单事件，供下游（通知、对账）消费。
type OrderCreatedEvent struct {
	OrderID   int64     `json:"order_id"`
	VoucherID uint      `json:"voucher_id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// EventPublisher 封装 Kafka 写入器。
// 可靠性参数：
// - Hash + Key: 相同订单号落同一分区，便于下游按序消费。
// - RequireAll: 等待 ISR 副本确认，降低消息丢失风险。
// - MaxAttempts/Timeout: 控制重试与超时边界。
type EventPublisher struct {
	w *kafka.Writer
}

func NewEventPublisher(brokers []string, topic string) *EventPublisher {
	return &EventPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Close 释放 writer 资源。
func (p *EventPublisher) Close() error { return p.w.Close() }

// PublishCreated 同步写一条订单创建事件，key 为订单号。
func (p *EventPublisher) PublishCreated(ctx context.Context, msg orderMessage) error {
	ev := OrderCreatedEvent{
		OrderID:   msg.OrderID,
		VoucherID: msg.VoucherID,
		UserID:    msg.UserID,
		CreatedAt: time.Now(),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.w.WriteMessages(pubCtx, kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.OrderID, 10)),
		Value: b,
	})
}
