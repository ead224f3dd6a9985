// Package cache 实现缓存旁路（cache-aside）读取，数据源由调用方的 loader 提供。
// 两种策略：
//   - GetOrLoad：缓存空值防穿透（不存在的 id 反复查询不会打到数据源）
//   - GetOrLoadLogical：逻辑过期防击穿（热点 key 过期后台重建，读路径永不阻塞）
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"voucher_seckill/internal/lock"
)

// Loader 从数据源加载数据，返回 (nil, nil) 表示数据不存在。
// 必须幂等、可并发调用；去重是本包的责任，不是 loader 的。
type Loader[T any] func(ctx context.Context) (*T, error)

// Config 缓存客户端参数，零值字段取默认值。
type Config struct {
	// NullTTL 空值标记的存活时间，防穿透窗口
	NullTTL time.Duration
	// LockLease 重建互斥锁租约
	LockLease time.Duration
	// RebuildWorkers 后台重建协程上限
	RebuildWorkers int
	// RebuildTimeout 单次重建（loader + 回写）超时
	RebuildTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.NullTTL <= 0 {
		c.NullTTL = 2 * time.Minute
	}
	if c.LockLease <= 0 {
		c.LockLease = 10 * time.Second
	}
	if c.RebuildWorkers <= 0 {
		c.RebuildWorkers = 10
	}
	if c.RebuildTimeout <= 0 {
		c.RebuildTimeout = 10 * time.Second
	}
}

// Client 封装一个 Redis 连接上的缓存读写。
type Client struct {
	rdb *rd.Client
	log zerolog.Logger
	cfg Config

	// sem 限制并发重建数，满了就跳过本轮（下次过期读会再触发）
	sem chan struct{}
}

func New(rdb *rd.Client, log zerolog.Logger, cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		rdb: rdb,
		log: log,
		cfg: cfg,
		sem: make(chan struct{}, cfg.RebuildWorkers),
	}
}

// redisData 逻辑过期编码：数据 + 应用层过期时间，key 本身不设 TTL。
type redisData struct {
	Data     json.RawMessage `json:"data"`
	ExpireAt int64           `json:"expire_at"` // unix 毫秒
}

// Set 写入普通缓存项（Redis TTL 管理过期）。
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}
	return c.rdb.Set(ctx, key, b, ttl).Err()
}

// SetWithLogicalExpire 写入逻辑过期缓存项，用于热点 key 预热。
// key 不设 Redis TTL，过期与否由 ExpireAt 判断。
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}
	entry, err := json.Marshal(redisData{
		Data:     b,
		ExpireAt: time.Now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, entry, 0).Err()
}

// Delete 删除缓存项，供权威写路径做写后失效。
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// GetOrLoad 缓存旁路读取 + 空值防穿透。
// 命中空值标记时直接返回 (nil, nil)，不会触发 loader；
// 未命中时回源，数据不存在则写入短 TTL 的空值标记。
// 该策略不防击穿：热点 key 过期瞬间的并发回源请用 GetOrLoadLogical。
func GetOrLoad[T any](ctx context.Context, c *Client, key string, ttl time.Duration, load Loader[T]) (*T, error) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		// "存在但为空" 和 "不存在" 是两种状态，混淆会重新引入穿透
		if raw == "" {
			return nil, nil
		}
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("cache decode %s: %w", key, err)
		}
		return &v, nil
	}
	if !errors.Is(err, rd.Nil) {
		return nil, err
	}

	// 缓存未命中，回源。loader 出错必须向上抛，缓存不能掩盖数据源故障。
	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		if err := c.rdb.Set(ctx, key, "", c.cfg.NullTTL).Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := c.Set(ctx, key, v, ttl); err != nil {
		return nil, err
	}
	return v, nil
}

// GetOrLoadLogical 逻辑过期读取 + 后台重建防击穿。
// 未命中直接返回 (nil, nil)：逻辑过期的 key 靠预热写入，
// 没有就是从未预热，不做同步回源，保证热点读路径不阻塞。
// 命中但逻辑过期时，抢到重建锁的调用方派发一次后台重建，
// 所有调用方（包括抢到锁的）立刻返回旧值。
func GetOrLoadLogical[T any](ctx context.Context, c *Client, key string, rebuildTTL time.Duration, load Loader[T]) (*T, error) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, rd.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry redisData
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("cache decode %s: %w", key, err)
	}
	var v T
	if err := json.Unmarshal(entry.Data, &v); err != nil {
		return nil, fmt.Errorf("cache decode %s: %w", key, err)
	}

	if time.Now().UnixMilli() < entry.ExpireAt {
		return &v, nil
	}

	// 逻辑过期：尝试拿重建锁。拿不到说明别人在重建，直接返回旧值即可。
	l := lock.New(c.rdb, key)
	ok, err := l.TryAcquire(ctx, c.cfg.LockLease)
	if err != nil {
		return nil, err
	}
	if ok {
		c.dispatchRebuild(l, key, func(ctx context.Context) error {
			nv, err := load(ctx)
			if err != nil {
				return err
			}
			if nv == nil {
				c.log.Warn().Str("key", key).Msg("cache rebuild: source row vanished")
				return nil
			}
			return c.SetWithLogicalExpire(ctx, key, nv, rebuildTTL)
		})
	}

	// 无论是否抢到锁都返回旧值，重建期间容忍短暂的脏读
	return &v, nil
}

// dispatchRebuild 把重建任务丢进有界协程池。池满时放弃本次重建并释放锁，
// 下一次过期读会再次触发。
func (c *Client) dispatchRebuild(l *lock.Lock, key string, task func(ctx context.Context) error) {
	select {
	case c.sem <- struct{}{}:
	default:
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RebuildTimeout)
		defer cancel()
		if err := l.Release(ctx); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("release rebuild lock")
		}
		return
	}

	go func() {
		defer func() { <-c.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RebuildTimeout)
		defer cancel()
		// loader 失败也必须释放锁，否则这个 key 的重建会被永久卡死
		defer func() {
			if err := l.Release(ctx); err != nil {
				c.log.Warn().Err(err).Str("key", key).Msg("release rebuild lock")
			}
		}()

		if err := task(ctx); err != nil {
			// 只记日志不重试，下一次逻辑过期检查会自然再来
			c.log.Error().Err(err).Str("key", key).Msg("cache rebuild")
		}
	}()
}
