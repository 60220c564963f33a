package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"jewel_shop/internal/app"
	"jewel_shop/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := app.NewLogger("info", "json", nil)
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := app.NewLogger(cfg.LogLevel, cfg.LogFormat, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 连接数据库/Redis 并装配服务，自动建表
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init app")
	}
	if err := a.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	// 2. 后台循环：召回调度、维护清扫、outbox 转发、确认通知消费
	var wg sync.WaitGroup
	relay, closeProducer := a.Relay()
	consumer := a.Consumer()
	loops := []func(context.Context){
		func(ctx context.Context) { a.Recovery.Run(ctx, cfg.RecoveryInterval, cfg.RecoveryBatch) },
		func(ctx context.Context) { a.Recovery.RunSweep(ctx, cfg.SweepInterval) },
		relay.Run,
		consumer.Run,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}

	// 3. HTTP
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	_ = consumer.Close()
	wg.Wait()
	if err := closeProducer(); err != nil {
		log.Warn().Err(err).Msg("close kafka producer")
	}
	if err := a.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("close app")
	}
}
