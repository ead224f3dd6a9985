package redis

import "fmt"

// StockKey 秒杀库存计数器（仅准入 Lua 脚本可扣减，其他路径只读）。
func StockKey(voucherID uint) string {
	return fmt.Sprintf("seckill:stock:%d", voucherID)
}

// OrderSetKey 某优惠券的已购用户集合，支撑一人一单判断。
func OrderSetKey(voucherID uint) string {
	return fmt.Sprintf("seckill:order:%d", voucherID)
}

// ShopCacheKey 店铺详情缓存（逻辑过期编码）。
func ShopCacheKey(shopID uint) string {
	return fmt.Sprintf("cache:shop:%d", shopID)
}

// LockKey 分布式锁键名，name 由调用方按业务拼接（如 "order:123"）。
func LockKey(name string) string {
	return "lock:" + name
}

// IcrKey 按业务前缀 + UTC 日期分桶的自增键，跨天自动换新键。
func IcrKey(prefix, day string) string {
	return fmt.Sprintf("icr:%s:%s", prefix, day)
}

// CompensationKey 标记某个准入名额 (voucher, user) 是否已回补，保证回补幂等。
func CompensationKey(voucherID uint, userID int64) string {
	return fmt.Sprintf("seckill:compensated:%d:%d", voucherID, userID)
}

// RateLimitUserKey 秒杀接口按用户限流的滑动窗口键。
func RateLimitUserKey(userID int64) string {
	return fmt.Sprintf("rate_limit:seckill:user:%d", userID)
}

// RateLimitIPKey 用户标识缺失时按 IP 限流的降级键。
func RateLimitIPKey(ip string) string {
	return fmt.Sprintf("rate_limit:seckill:ip:%s", ip)
}
