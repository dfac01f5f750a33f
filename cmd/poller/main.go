package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/brightventurez/vtu-wallet/internal/config"
	"github.com/brightventurez/vtu-wallet/internal/ledger"
	"github.com/brightventurez/vtu-wallet/internal/logger"
	"github.com/brightventurez/vtu-wallet/internal/outbox"
	"github.com/brightventurez/vtu-wallet/internal/provider"
	"github.com/brightventurez/vtu-wallet/internal/repo"
	"github.com/brightventurez/vtu-wallet/internal/settlement"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	kw := outbox.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer kw.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	repository := repo.NewRepository(gdb, rdb, log)
	relay := outbox.NewRelay(repository, kw, 100, log)
	engine := settlement.NewEngine(ledger.New(repository, log), repository,
		provider.NewVTUClient(cfg.Provider, log), cfg.Settlement, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sweep(ctx, engine, time.Minute, log)
	relay.Run(ctx, time.Second)
}

// sweep settles debits stranded by crashed purchases or failed refunds.
func sweep(ctx context.Context, engine *settlement.Engine, interval time.Duration, log *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := engine.RecoverStale(ctx, 100)
		if err != nil {
			log.Errorw("recover stale debits", "err", err)
			continue
		}
		if n > 0 {
			log.Warnw("stale debits settled", "count", n)
		}
	}
}
