package seckill

import (
	"fmt"
	"strconv"
)

// orderMessage 是写入 Redis Stream 的下单消息，字段即 OrderRequest。
type orderMessage struct {
	OrderID   int64
	VoucherID uint
	UserID    int64
}

func (m orderMessage) values() map[string]any {
	return map[string]any{
		"id":         strconv.FormatInt(m.OrderID, 10),
		"voucher_id": strconv.FormatUint(uint64(m.VoucherID), 10),
		"user_id":    strconv.FormatInt(m.UserID, 10),
	}
}

// Validate 最小字段校验，防止消费者处理脏消息。
func (m orderMessage) Validate() error {
	if m.OrderID <= 0 {
		return fmt.Errorf("order id is required")
	}
	if m.VoucherID == 0 {
		return fmt.Errorf("voucher_id is required")
	}
	if m.UserID <= 0 {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

func parseOrderMessage(values map[string]any) (orderMessage, error) {
	idStr, err := getStreamString(values, "id")
	if err != nil {
		return orderMessage{}, err
	}
	voucherStr, err := getStreamString(values, "voucher_id")
	if err != nil {
		return orderMessage{}, err
	}
	userStr, err := getStreamString(values, "user_id")
	if err != nil {
		return orderMessage{}, err
	}

	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return orderMessage{}, fmt.Errorf("invalid id %q", idStr)
	}
	voucherID64, err := strconv.ParseUint(voucherStr, 10, 64)
	if err != nil {
		return orderMessage{}, fmt.Errorf("invalid voucher_id %q", voucherStr)
	}
	userID, err := strconv.ParseInt(userStr, 10, 64)
	if err != nil {
		return orderMessage{}, fmt.Errorf("invalid user_id %q", userStr)
	}

	msg := orderMessage{OrderID: orderID, VoucherID: uint(voucherID64), UserID: userID}
	if err := msg.Validate(); err != nil {
		return orderMessage{}, err
	}
	return msg, nil
}

// getStreamString 兼容 go-redis 不同版本返回的字段类型。
func getStreamString(values map[string]any, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
