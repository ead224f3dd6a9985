package seckill

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"

	rediskey "voucher_seckill/pkg/redis"
)

// luaCompensateOnce 通过 SETNX 标记保证同一订单只回补一次：
// 库存 +1，并把用户从已购集合移出，让其有机会重新下单。
// KEYS[1]=回补标记，KEYS[2]=库存key，KEYS[3]=已购集合key
// ARGV[1]=userId，ARGV[2]=标记TTL秒
var luaCompensateOnce = rd.NewScript(`
if redis.call('SETNX', KEYS[1], '1') == 1 then
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
  redis.call('INCRBY', KEYS[2], 1)
  redis.call('SREM', KEYS[3], ARGV[1])
  return 1
end
return 0
`)

// compensateAdmissionOnce 幂等回补准入脚本的副作用。
// 用于“脚本成功但订单号/入流失败”的窗口：名额已占但消息没进队列。
// 首次回补返回 true，重复回补返回 false。
func compensateAdmissionOnce(ctx context.Context, rdb *rd.Client, voucherID uint, userID int64) (bool, error) {
	const markerTTLSeconds = int64((7 * 24 * time.Hour) / time.Second)

	n, err := luaCompensateOnce.Run(ctx, rdb,
		[]string{
			rediskey.CompensationKey(voucherID, userID),
			rediskey.StockKey(voucherID),
			rediskey.OrderSetKey(voucherID),
		},
		userID, markerTTLSeconds,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
