package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/brightventurez/vtu-wallet/internal/config"
	"github.com/brightventurez/vtu-wallet/internal/jobs"
	"github.com/brightventurez/vtu-wallet/internal/ledger"
	"github.com/brightventurez/vtu-wallet/internal/logger"
	"github.com/brightventurez/vtu-wallet/internal/metrics"
	"github.com/brightventurez/vtu-wallet/internal/model"
	"github.com/brightventurez/vtu-wallet/internal/payment"
	"github.com/brightventurez/vtu-wallet/internal/provider"
	"github.com/brightventurez/vtu-wallet/internal/reconcile"
	"github.com/brightventurez/vtu-wallet/internal/repo"
	"github.com/brightventurez/vtu-wallet/internal/sellreq"
	"github.com/brightventurez/vtu-wallet/internal/settlement"
	httptransport "github.com/brightventurez/vtu-wallet/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load(config.Path())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(model.All()...); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. job queue
	qc := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer qc.Close()

	// 6. core services
	metrics.Init()
	repository := repo.NewRepository(gdb, rdb, log)
	wallet := ledger.New(repository, log)
	engine := settlement.NewEngine(wallet, repository, provider.NewVTUClient(cfg.Provider, log), cfg.Settlement, log)
	rec := reconcile.New(wallet, payment.NewPaystack(cfg.Payment, log), repository,
		jobs.NewClient(qc, cfg.Jobs, log), cfg.Payment, log)
	sells := sellreq.New(wallet, repository, log)

	if cfg.Payment.SecretKey == "" {
		log.Warn("payment secret not configured: webhook signatures are not checked")
	}

	// 7. gin router
	router := httptransport.NewRouter(httptransport.Services{
		Wallet: wallet, Purchases: engine, Catalog: repository, Payments: rec, Sells: sells,
	}, *cfg, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		log.Infof("vtu-wallet listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	log.Info("vtu-wallet stopped")
}
