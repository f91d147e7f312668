package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"aigen/internal/adapter/repo"
	"aigen/internal/httpx"
	"aigen/internal/images"
	"aigen/internal/infra"
	"aigen/internal/infra/geoip"
	"aigen/internal/orchestrator"
	"aigen/internal/prompt"
	"aigen/internal/providers"
	"aigen/internal/providers/all"
	"aigen/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	geo, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("worker: geoip unavailable, auto proxy policy degrades to the host allowlist")
	}
	egress, err := httpx.NewEgress(cfg.ProxyURL, geo, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: egress configuration invalid")
	}

	store, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	tasks := repo.NewTaskRepository(pool)
	configs := repo.NewProviderConfigRepository(pool)
	templates := repo.NewTemplateRepository(pool)
	orders := repo.NewOrderRepository(pool)

	service := orchestrator.NewService(
		tasks, configs, templates, orders,
		all.NewRegistry(providers.Deps{Egress: egress, Logger: logger}),
		images.NewResolver(cfg.UploadsPath, cfg.MediaOriginalPath, cfg.PublicBaseURL, logger),
		store,
		prompt.NewStaticEnhancer(),
		orchestrator.NewPools(cfg.APIMaxConcurrency, cfg.ComfyUIMaxConcurrency),
		logger,
	)
	queue := orchestrator.NewQueue(service, cfg.TaskQueueMaxSize, cfg.TaskQueueWorkers, logger)
	loop := orchestrator.NewPollLoop(service, cfg.PollWaitBefore, cfg.PollInterval, cfg.PollIntervalBusy, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		queue.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()

	logger.Info().Msg("worker: started")
	wg.Wait()
	logger.Info().Msg("worker: stopped")
}
