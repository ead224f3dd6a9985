package router

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"voucher_seckill/internal/cache"
	"voucher_seckill/internal/config"
	"voucher_seckill/internal/middleware"
	"voucher_seckill/internal/model"
	"voucher_seckill/internal/seckill"
	rediskey "voucher_seckill/pkg/redis"
)

// Deps 路由依赖集合，由 cmd/server 组装。
type Deps struct {
	DB       *gorm.DB
	RDB      *rd.Client
	Cache    *cache.Client
	Pipeline *seckill.Pipeline
	Cfg      config.AppConfig
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	// Shops（读走逻辑过期缓存，写后失效）
	r.GET("/api/shops/:id", getShop(d))
	r.POST("/api/shops", createShop(d))
	r.PUT("/api/shops/:id", updateShop(d))

	// Vouchers
	r.GET("/api/vouchers/:id", getVoucher(d))
	r.POST("/api/vouchers", createVoucher(d))
	r.POST("/api/vouchers/preload/:voucher_id", preload(d))

	// Seckill
	r.GET("/api/seckill/stock/:voucher_id", getStock(d))
	r.POST("/api/seckill/:voucher_id",
		middleware.SeckillRateLimit(d.RDB, d.Cfg.SeckillRateLimit, d.Cfg.SeckillRateWindow),
		doSeckill(d))
	r.GET("/api/orders/:order_id", getOrder(d))
}

func parseUintParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": name + " 无效"})
		return 0, false
	}
	return uint(id), true
}

// getShop 店铺详情走逻辑过期缓存：热 key 过期后台重建，读路径不阻塞。
// 未预热的店铺视为不存在（逻辑过期条目靠预热写入）。
func getShop(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUintParam(c, "id")
		if !ok {
			return
		}
		shop, err := cache.GetOrLoadLogical(c.Request.Context(), d.Cache,
			rediskey.ShopCacheKey(id), d.Cfg.ShopCacheTTL,
			shopLoader(d.DB, id))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if shop == nil {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "店铺不存在"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": shop})
	}
}

func shopLoader(db *gorm.DB, id uint) cache.Loader[model.Shop] {
	return func(ctx context.Context) (*model.Shop, error) {
		var shop model.Shop
		if err := db.WithContext(ctx).First(&shop, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return &shop, nil
	}
}

func createShop(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name     string `json:"name" binding:"required"`
			Address  string `json:"address"`
			AvgPrice int64  `json:"avg_price" binding:"min=0"`
			Score    int    `json:"score" binding:"min=0,max=50"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		shop := &model.Shop{Name: req.Name, Address: req.Address, AvgPrice: req.AvgPrice, Score: req.Score}
		if err := d.DB.Create(shop).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": shop})
	}
}

// updateShop 权威写路径：先更新数据库，成功后删缓存（写后失效）。
func updateShop(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUintParam(c, "id")
		if !ok {
			return
		}
		var req struct {
			Name     string `json:"name"`
			Address  string `json:"address"`
			AvgPrice int64  `json:"avg_price"`
			Score    int    `json:"score"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		err := d.DB.Transaction(func(tx *gorm.DB) error {
			var shop model.Shop
			if err := tx.First(&shop, id).Error; err != nil {
				return err
			}
			return tx.Model(&shop).Updates(map[string]any{
				"name":      req.Name,
				"address":   req.Address,
				"avg_price": req.AvgPrice,
				"score":     req.Score,
			}).Error
		})
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "店铺不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		if err := d.Cache.Delete(c.Request.Context(), rediskey.ShopCacheKey(id)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "cache invalidate: " + err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "更新成功"})
	}
}

// getVoucher 券详情走空值缓存：不存在的 id 反复查询不会穿透到数据库。
func getVoucher(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUintParam(c, "id")
		if !ok {
			return
		}
		key := "cache:voucher:" + strconv.FormatUint(uint64(id), 10)
		voucher, err := cache.GetOrLoad(c.Request.Context(), d.Cache, key, d.Cfg.ShopCacheTTL,
			func(ctx context.Context) (*model.Voucher, error) {
				var v model.Voucher
				if err := d.DB.WithContext(ctx).First(&v, id).Error; err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						return nil, nil
					}
					return nil, err
				}
				return &v, nil
			})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if voucher == nil {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "优惠券不存在"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": voucher})
	}
}

func createVoucher(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ShopID    uint   `json:"shop_id" binding:"required,min=1"`
			Title     string `json:"title" binding:"required"`
			Stock     int64  `json:"stock" binding:"required,min=1"`
			PayValue  int64  `json:"pay_value" binding:"required,min=1"`
			BeginTime string `json:"begin_time" binding:"required"`
			EndTime   string `json:"end_time" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		begin, err := time.Parse(time.RFC3339, req.BeginTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "begin_time 格式错误，请用 RFC3339"})
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 格式错误，请用 RFC3339"})
			return
		}
		if !end.After(begin) {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 必须晚于 begin_time"})
			return
		}
		v := &model.Voucher{
			ShopID:    req.ShopID,
			Title:     req.Title,
			Stock:     req.Stock,
			PayValue:  req.PayValue,
			BeginTime: begin,
			EndTime:   end,
		}
		if err := d.DB.Create(v).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": v})
	}
}

// preload 活动开始前的预热：库存进 Redis，店铺详情写成逻辑过期条目。
// 要求简单管理员 token，避免被任意调用重置库存。
func preload(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != d.Cfg.AdminToken {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token 无效"})
			return
		}
		id, ok := parseUintParam(c, "voucher_id")
		if !ok {
			return
		}

		var voucher model.Voucher
		if err := d.DB.First(&voucher, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "优惠券不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		ctx := c.Request.Context()
		if err := d.Pipeline.PreloadStock(ctx, id, voucher.Stock, d.Cfg.StockCacheTTL); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		// 顺手把所属店铺也预热成逻辑过期条目，秒杀页的店铺读是最热的
		var shop model.Shop
		if err := d.DB.First(&shop, voucher.ShopID).Error; err == nil {
			if err := d.Cache.SetWithLogicalExpire(ctx,
				rediskey.ShopCacheKey(shop.ID), shop, d.Cfg.ShopCacheTTL); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功"})
	}
}

// getStock 查询 Redis 中的实时库存。
func getStock(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUintParam(c, "voucher_id")
		if !ok {
			return
		}
		stock, err := d.Pipeline.Stock(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"stock": stock}})
	}
}

// doSeckill 秒杀下单入口。
// 1. 校验活动时间窗
// 2. Lua 原子准入（判库存 + 一人一单 + 扣减 + 记录）
// 3. 准入成功立即返回订单号，落库由后台消费者异步完成
func doSeckill(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUintParam(c, "voucher_id")
		if !ok {
			return
		}
		userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
		if err != nil || userID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "user_id 无效"})
			return
		}

		var voucher model.Voucher
		if err := d.DB.First(&voucher, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "优惠券不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		now := time.Now()
		if now.Before(voucher.BeginTime) {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "秒杀尚未开始"})
			return
		}
		if now.After(voucher.EndTime) {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "秒杀已经结束"})
			return
		}

		orderID, err := d.Pipeline.Seckill(c.Request.Context(), id, userID)
		switch {
		case errors.Is(err, seckill.ErrOutOfStock):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "库存不足"})
			return
		case errors.Is(err, seckill.ErrDuplicateOrder):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "不能重复下单"})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		// 订单号即占位凭证；此刻订单还没落库，查询接口可能短暂返回 pending
		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"data": gin.H{"order_id": orderID, "status": "pending"},
		})
	}
}

// getOrder 查询订单落库状态。准入成功到落库完成之间查询会得到 pending。
func getOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, err := strconv.ParseInt(c.Param("order_id"), 10, 64)
		if err != nil || orderID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "order_id 无效"})
			return
		}

		var order model.VoucherOrder
		err = d.DB.First(&order, orderID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// 异步落库未完成（或订单号无效），统一返回 pending
				c.JSON(http.StatusOK, gin.H{
					"code": 0,
					"data": gin.H{"order_id": orderID, "status": "pending"},
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"data": gin.H{"order_id": order.ID, "status": "created", "order": order},
		})
	}
}
