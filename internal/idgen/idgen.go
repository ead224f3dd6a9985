// Package idgen 基于 Redis INCR 的全局 id 生成器。
// id = (当前秒 - 固定纪元) << 32 | 当天该业务的自增序号。
// 同一业务前缀下 id 随时间递增且全进程唯一；不同前缀之间没有顺序关系。
package idgen

import (
	"context"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"

	rediskey "voucher_seckill/pkg/redis"
)

const (
	// beginTimestamp 纪元：2022-01-01 00:00:00 UTC
	beginTimestamp int64 = 1640995200
	// countBits 序号位数，时间戳左移量
	countBits = 32
)

// Generator 依赖 Redis INCR 的原子性保证序号不重复。
type Generator struct {
	rdb *rd.Client
}

func New(rdb *rd.Client) *Generator {
	return &Generator{rdb: rdb}
}

// NextID 生成下一个 id。自增键按 UTC 日期分桶，
// 跨天换新键，序号自然归零，也方便统计每天的单量。
func (g *Generator) NextID(ctx context.Context, prefix string) (int64, error) {
	now := time.Now().UTC()
	timestamp := now.Unix() - beginTimestamp

	day := now.Format("2006:01:02")
	count, err := g.rdb.Incr(ctx, rediskey.IcrKey(prefix, day)).Result()
	if err != nil {
		return 0, fmt.Errorf("idgen incr: %w", err)
	}

	return timestamp<<countBits | count, nil
}
