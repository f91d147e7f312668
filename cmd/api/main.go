package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"aigen/internal/adapter/repo"
	"aigen/internal/http/handlers"
	"aigen/internal/http/httpapi"
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
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	defer pool.Close()

	geo, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("api: geoip unavailable, auto proxy policy degrades to the host allowlist")
	}
	egress, err := httpx.NewEgress(cfg.ProxyURL, geo, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: egress configuration invalid")
	}

	store, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure storage")
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
	go queue.Run(ctx)

	app := handlers.NewApp(service, queue, tasks, logger)
	router := httpapi.NewRouter(app, logger, httpapi.Options{
		AllowedOrigins:  cfg.AllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("api: http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: shutdown failed")
	}
	logger.Info().Msg("api: server stopped")
}
