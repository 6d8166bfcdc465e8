package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/formscout/formscout/internal/ai"
	"github.com/formscout/formscout/internal/api"
	"github.com/formscout/formscout/internal/budget"
	"github.com/formscout/formscout/internal/config"
	"github.com/formscout/formscout/internal/crypto"
	"github.com/formscout/formscout/internal/domain"
	"github.com/formscout/formscout/internal/mapper"
	"github.com/formscout/formscout/internal/observability"
	"github.com/formscout/formscout/internal/repository/postgres"
	rediscache "github.com/formscout/formscout/internal/repository/redis"
	"github.com/formscout/formscout/internal/storage"
	"github.com/formscout/formscout/internal/taskbus"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)
	defer logger.Sync()

	logger.Info("Starting FormScout server",
		zap.String("version", cfg.App.Version),
		zap.String("environment", string(cfg.Env)),
	)

	encKey, err := crypto.KeyFromString(cfg.Security.EncryptionKey)
	if err != nil {
		logger.Fatal("Invalid encryption key", zap.Error(err))
	}

	// PostgreSQL
	db, err := postgres.New(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
	)

	// Redis: task queues and mapper session state live here, not optional
	cache, err := rediscache.New(cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer cache.Close()
	logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr()))

	// MinIO for crawl artifacts (optional: discovery works without uploads)
	var artifacts *storage.ArtifactStore
	artifacts, err = storage.NewArtifactStore(storage.Config{
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKey,
		SecretAccessKey: cfg.Storage.SecretKey,
		UseSSL:          cfg.Storage.UseSSL,
		BucketName:      cfg.Storage.Bucket,
	})
	if err != nil {
		logger.Warn("Failed to create artifact store, uploads disabled", zap.Error(err))
		artifacts = nil
	} else if err := artifacts.EnsureBucket(context.Background()); err != nil {
		logger.Warn("Failed to ensure artifact bucket, uploads disabled", zap.Error(err))
		artifacts = nil
	}

	metrics := observability.NewMetrics(cfg.App.Name)
	repos := postgres.NewRepositories(db)

	// Budget gate in front of every AI call
	gate := budget.NewService(
		budget.NewPostgresStore(db),
		cache,
		cfg.Claude.APIKey,
		encKey,
		metrics,
		logger,
	)

	// AI broker
	aiClient := ai.NewClient(ai.ClientConfig{
		Model:        cfg.Claude.Model,
		VisionModel:  cfg.Claude.VisionModel,
		Timeout:      cfg.Claude.Timeout,
		RateLimitRPM: cfg.Claude.RateLimitRPM,
		MaxRetries:   cfg.Claude.MaxRetries,
	}, logger)
	broker := ai.NewBroker(aiClient, gate, metrics, logger)

	// Task bus and mapper orchestrator. The bus delivers mapper results to
	// the orchestrator; the orchestrator enqueues follow-up tasks on the bus.
	issuer := taskbus.NewTokenIssuer(cfg.Security.JWTSecret, cfg.Security.JWTExpiration)
	orchestrator := mapper.NewOrchestrator(broker, cache, repos.Networks, repos.FormRoutes, nil, metrics, logger)
	bus := taskbus.NewService(
		repos.Agents,
		repos.AgentTasks,
		repos.CrawlSessions,
		repos.FormRoutes,
		cache,
		issuer,
		orchestrator,
		cfg.Agent.PollTimeout,
		metrics,
		logger,
	)
	orchestrator.SetBus(bus)

	var signer api.ArtifactSigner
	if artifacts != nil {
		signer = artifacts
	}

	server := api.NewServer(
		cfg,
		bus,
		orchestrator,
		broker,
		gate,
		signer,
		issuer,
		repos.Agents,
		repos.CrawlSessions,
		repos.Networks,
		repos.FormRoutes,
		repos.ApiUsage,
		encKey,
		metrics,
		logger,
	)
	server.SetReadinessChecks(map[string]api.HealthCheck{
		"database": db.Health,
		"redis":    cache.Health,
	})

	sampleCtx, stopSampling := context.WithCancel(context.Background())
	defer stopSampling()
	go sampleAgentsConnected(sampleCtx, repos.Agents, metrics, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      http.MaxBytesHandler(server.Router(), cfg.Server.MaxRequestSize),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}

// sampleAgentsConnected refreshes the connected-agents gauge on a
// heartbeat-sized cadence
func sampleAgentsConnected(ctx context.Context, agents *postgres.AgentRepository, metrics *observability.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(domain.HeartbeatTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := agents.CountConnected(ctx, time.Now().UTC().Add(-domain.HeartbeatTimeout))
			if err != nil {
				logger.Warn("counting connected agents failed", zap.Error(err))
				continue
			}
			metrics.AgentsConnected.Set(float64(count))
		}
	}
}

func initLogger(cfg *config.Config) *zap.Logger {
	level := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		level = parsed
	}

	var zapCfg zap.Config
	if cfg.IsDevelopment() {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
