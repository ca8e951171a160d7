package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/genflow/internal/api"
	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/provider"
	"github.com/timmy/genflow/internal/repository"
	"github.com/timmy/genflow/internal/service"
	"github.com/timmy/genflow/internal/storage"
)

const serviceName = "genflow-api"

func main() {
	envCfg := logger.LoadFromEnv()
	if os.Getenv("SERVICE_NAME") == "" {
		envCfg.ServiceName = serviceName
	}
	appLogger := logger.NewFromEnv(envCfg)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// CONFIG_PATH is used by production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	history, err := newHistoryStore(cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize history store")
	}

	var credit service.CreditChecker
	if cfg.Credit.Enabled {
		credit = provider.NewCreditClient(&cfg.Credit)
		appLogger.WithField("base_url", cfg.Credit.BaseURL).Info("Credit checks enabled")
	}

	jobs, err := service.NewJobService(&service.JobServiceConfig{
		Config:  cfg,
		Gateway: provider.NewHTTPGateway(cfg),
		History: history,
		Credit:  credit,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize job service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go jobs.Start(ctx)

	uploads := newUploadService(cfg, appLogger)

	router := api.SetupRouter(&api.Dependencies{
		Config:  cfg,
		Logger:  appLogger,
		Jobs:    jobs,
		Uploads: uploads,
		Service: serviceName,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	if err := jobs.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Warn("Job loops did not stop in time")
	}

	appLogger.Info("Server exited")
}

// newHistoryStore picks the database or the remote history service.
func newHistoryStore(cfg *config.Config) (service.HistoryStore, error) {
	if cfg.History.Backend == "remote" {
		logger.Info("History backend: remote %s", cfg.History.BaseURL)
		return provider.NewHistoryClient(&cfg.History), nil
	}
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, err
	}
	return repository.NewHistoryRepository(db), nil
}

// newUploadService returns nil when no bucket is configured; the upload
// route then answers 503.
func newUploadService(cfg *config.Config, log *logger.Logger) *storage.UploadService {
	if cfg.Storage.Endpoint == "" && cfg.Storage.AccessKey == "" {
		log.Info("Object storage not configured, uploads disabled")
		return nil
	}
	objectStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}
	log.WithFields(logger.Fields{
		"bucket":   cfg.Storage.Bucket,
		"max_size": cfg.Storage.MaxUploadSize,
	}).Info("Uploads enabled")
	return storage.NewUploadService(objectStorage, &cfg.Storage)
}
