package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"voucher_seckill/internal/cache"
	"voucher_seckill/internal/config"
	"voucher_seckill/internal/idgen"
	"voucher_seckill/internal/model"
	"voucher_seckill/internal/router"
	"voucher_seckill/internal/seckill"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	// 1. SQLite，自动建表
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("db open")
	}
	if err := db.AutoMigrate(&model.Shop{}, &model.Voucher{}, &model.VoucherOrder{}); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	// 2. Redis
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Msg("redis ping")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. 订单事件外发（未配置 broker 则关闭）
	var events *seckill.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		events = seckill.NewEventPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer events.Close()
	}

	// 4. 核心组件
	cacheClient := cache.New(rdb, log.With().Str("component", "cache").Logger(), cache.Config{
		NullTTL: cfg.NullCacheTTL,
	})
	pipeline := seckill.NewPipeline(rdb, idgen.New(rdb), cfg.OrderStream,
		log.With().Str("component", "seckill").Logger())

	// 5. 常驻消费者（意外退出自动拉起）
	consumer := seckill.NewConsumer(rdb, db, events,
		log.With().Str("component", "order_consumer").Logger(),
		seckill.ConsumerConfig{
			Stream:   cfg.OrderStream,
			Group:    cfg.OrderGroup,
			Consumer: cfg.OrderConsumer,
		})
	consumer.Start(ctx)

	// 6. HTTP
	r := gin.Default()
	router.Setup(r, router.Deps{
		DB:       db,
		RDB:      rdb,
		Cache:    cacheClient,
		Pipeline: pipeline,
		Cfg:      cfg,
	})

	log.Info().Str("addr", cfg.HTTPAddr).Msg("server starting")
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatal().Err(err).Msg("http server")
	}
}
