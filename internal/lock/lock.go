// Package lock 提供基于 Redis SETNX 的跨进程互斥锁。
// 拿不到锁不重试，由调用方决定等待还是放弃；超时完全交给 Redis TTL。
package lock

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"

	rediskey "voucher_seckill/pkg/redis"
)

// luaRelease：仅当锁值与持有者 token 一致时才删除（GET + DEL 在脚本内原子完成）。
// 防止这种误删：A 的锁已过期 → B 拿到同名锁 → A 迟到的 Release 把 B 的锁删了。
var luaRelease = rd.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// tokenPrefix 进程级随机前缀；handleSeq 区分同进程内不同的锁持有方。
// 两者拼起来等价于“UUID + 线程标识”，跨进程、跨协程都不会撞。
var (
	tokenPrefix = uuid.NewString() + "-"
	handleSeq   atomic.Int64
)

// Lock 是某个锁名的一次持有视角。一个 Lock 实例对应一个持有者 token，
// 不要在多个 goroutine 间共享同一个实例。
type Lock struct {
	rdb   *rd.Client
	key   string
	token string
}

// New 创建锁句柄，name 形如 "order:{userID}"。
func New(rdb *rd.Client, name string) *Lock {
	return &Lock{
		rdb:   rdb,
		key:   rediskey.LockKey(name),
		token: tokenPrefix + strconv.FormatInt(handleSeq.Add(1), 10),
	}
}

// TryAcquire 单次尝试加锁，lease 到期后 Redis 自动释放。
// 返回 false 表示别人持有中，这不是错误。
// 注意：没有自动续期，临界区超过 lease 时互斥性不再保证。
func (l *Lock) TryAcquire(ctx context.Context, lease time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.token, lease).Result()
}

// Release 安全释放：token 不匹配（锁已过期被他人取得）时是 no-op。
func (l *Lock) Release(ctx context.Context) error {
	err := luaRelease.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
	if errors.Is(err, rd.Nil) {
		return nil
	}
	return err
}

// Token 返回持有者标识，仅用于测试与日志。
func (l *Lock) Token() string { return l.token }
