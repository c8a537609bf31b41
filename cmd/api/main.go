package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/pixelforge-ai/pixelforge/internal/accounts"
	"github.com/pixelforge-ai/pixelforge/internal/aimodels"
	"github.com/pixelforge-ai/pixelforge/internal/api"
	"github.com/pixelforge-ai/pixelforge/internal/apikeys"
	"github.com/pixelforge-ai/pixelforge/internal/auth"
	"github.com/pixelforge-ai/pixelforge/internal/config"
	"github.com/pixelforge-ai/pixelforge/internal/credits"
	"github.com/pixelforge-ai/pixelforge/internal/database"
	"github.com/pixelforge-ai/pixelforge/internal/generation"
	"github.com/pixelforge-ai/pixelforge/internal/middleware"
	inats "github.com/pixelforge-ai/pixelforge/internal/nats"
	"github.com/pixelforge-ai/pixelforge/internal/quota"
	iredis "github.com/pixelforge-ai/pixelforge/internal/redis"
	"github.com/pixelforge-ai/pixelforge/internal/security"
	"github.com/pixelforge-ai/pixelforge/internal/server"
	"github.com/pixelforge-ai/pixelforge/internal/settings"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if path := os.Getenv("MIGRATIONS_PATH"); path != "" {
		if err := database.RunMigrations(cfg.DB.DSN(), path); err != nil {
			slog.Error("running migrations", "error", err)
			os.Exit(1)
		}
	}

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS (optional): security events flow through JetStream when enabled,
	// otherwise the recorder writes them to the database directly.
	var natsClient *inats.Client
	var publisher *inats.Publisher
	if cfg.NATS.Enabled {
		natsClient, err = inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		publisher = inats.NewPublisher(natsClient.JetStream())
	}

	// Provider credential encryption
	encryptor, err := auth.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		slog.Error("initializing encryptor", "error", err)
		os.Exit(1)
	}

	// Auth
	jwtManager := auth.NewJWTManager(
		cfg.JWT.AccessSecret,
		cfg.JWT.RefreshSecret,
		cfg.JWT.AccessExpiry,
		cfg.JWT.RefreshExpiry,
	)
	authSvc := auth.NewService(jwtManager, redisClient)

	// Accounts and credits
	accountRepo := accounts.NewRepository(pool)
	accountSvc := accounts.NewService(accountRepo)
	creditRepo := credits.NewRepository(pool)
	creditSvc := credits.NewService(creditRepo)
	authHandler := auth.NewHandler(authSvc, accountSvc, creditSvc)
	creditHandler := credits.NewHandler(creditSvc)

	// API keys
	keyRepo := apikeys.NewRepository(pool)
	keySvc := apikeys.NewService(keyRepo)
	keyHandler := apikeys.NewHandler(keySvc)

	// Models and the provider client
	modelRepo := aimodels.NewRepository(pool)
	resolver := aimodels.NewResolver(modelRepo)
	providerClient := aimodels.NewClient(cfg.Provider, encryptor, modelRepo, slog.Default())
	modelHandler := aimodels.NewHandler(modelRepo)

	// Quota enforcement
	defaults := quota.Limits{RPM: cfg.Limits.DefaultRPM, RPD: cfg.Limits.DefaultRPD}
	quotaRepo := quota.NewRepository(pool)
	enforcer := quota.NewEnforcer(quotaRepo, quota.NewRateLimiter(redisClient))
	quotaHandler := quota.NewHandler(enforcer, accountSvc, defaults)

	// Security trail
	securityRepo := security.NewRepository(pool)
	eventRecorder := security.NewRecorder(publisherOrNil(publisher), securityRepo)

	// System settings (maintenance gate)
	settingsRepo := settings.NewRepository(pool)

	// Generation pipeline
	imageRepo := generation.NewRepository(pool)
	outcomeRecorder := generation.NewRecorder(pool, eventRecorder)
	pipeline := generation.NewPipeline(
		settingsRepo,
		keySvc,
		accountSvc,
		securityRepo,
		enforcer,
		resolver,
		creditSvc,
		providerClient,
		outcomeRecorder,
		eventRecorder,
		defaults,
	)
	generationHandler := generation.NewHandler(pipeline, imageRepo, authSvc)

	// Durable consumer persisting security events published over NATS
	if natsClient != nil {
		consumer := security.NewConsumer(securityRepo, inats.NewConsumerManager(natsClient.JetStream()))
		consumerCtx, cancelConsumer := context.WithCancel(ctx)
		defer cancelConsumer()
		go func() {
			if err := consumer.Start(consumerCtx); err != nil {
				slog.Error("security event consumer stopped", "error", err)
			}
		}()
	}

	// Router
	authLimiter := middleware.NewRateLimiter(redisClient, 10, 60)
	router := api.NewRouter(pool, natsClient, api.RouterConfig{
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
		AuthRateLimiter:    authLimiter.Middleware,
	}, api.HandlerSet{
		Register: authHandler.Register,
		Login:    authHandler.Login,
		Refresh:  authHandler.Refresh,
		Logout:   authHandler.Logout,

		Generate: generationHandler.Generate,

		ListImages: generationHandler.ListImages,
		GetImage:   generationHandler.GetImage,

		GetCredits:       creditHandler.GetCredits,
		ListTransactions: creditHandler.ListTransactions,

		CreateKey: keyHandler.Create,
		ListKeys:  keyHandler.List,
		RevokeKey: keyHandler.Revoke,

		GetQuota: quotaHandler.GetQuota,

		ListModels: modelHandler.ListModels,

		AuthMiddleware: auth.Middleware(authSvc),
	})

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// publisherOrNil keeps the recorder's publisher interface nil when NATS is
// disabled; a typed nil would defeat its fallback check.
func publisherOrNil(p *inats.Publisher) security.EventPublisher {
	if p == nil {
		return nil
	}
	return p
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
