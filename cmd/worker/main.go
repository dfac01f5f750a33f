package main

import (
	"fmt"

	"github.com/brightventurez/vtu-wallet/internal/config"
	"github.com/brightventurez/vtu-wallet/internal/jobs"
	"github.com/brightventurez/vtu-wallet/internal/ledger"
	"github.com/brightventurez/vtu-wallet/internal/logger"
	"github.com/brightventurez/vtu-wallet/internal/metrics"
	"github.com/brightventurez/vtu-wallet/internal/provider"
	"github.com/brightventurez/vtu-wallet/internal/repo"
	"github.com/brightventurez/vtu-wallet/internal/settlement"

	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
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
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	metrics.Init()
	repository := repo.NewRepository(gdb, rdb, log)
	wallet := ledger.New(repository, log)
	engine := settlement.NewEngine(wallet, repository, provider.NewVTUClient(cfg.Provider, log), cfg.Settlement, log)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB},
		asynq.Config{
			Concurrency: cfg.Jobs.Concurrency,
			Queues:      map[string]int{cfg.Jobs.Queue: 1},
			Logger:      log,
		},
	)
	log.Infow("vtu-wallet worker started", "queue", cfg.Jobs.Queue, "concurrency", cfg.Jobs.Concurrency)
	if err := srv.Run(jobs.Mux(jobs.NewHandler(engine, log))); err != nil {
		log.Fatalf("worker stopped: %v", err)
	}
}
