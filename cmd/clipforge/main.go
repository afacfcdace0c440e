package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipforge/clipforge/internal/api"
	"github.com/clipforge/clipforge/internal/backoff"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/job"
	"github.com/clipforge/clipforge/internal/provider/replicate"
	"github.com/clipforge/clipforge/internal/provider/vizard"
	"github.com/clipforge/clipforge/internal/queue"
	"github.com/clipforge/clipforge/internal/staging"
	"github.com/clipforge/clipforge/internal/tracker"
	"github.com/clipforge/clipforge/internal/webhook"
)

func main() {
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: &level,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)
	logger := slog.Default()

	for name, codes := range map[string]interface{ Validate() error }{
		"vizard":    vizard.Codes,
		"replicate": replicate.Codes,
	} {
		if err := codes.Validate(); err != nil {
			slog.Error("code table", "provider", name, "error", err)
			os.Exit(1)
		}
	}

	store, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()
	if err := rdb.Ping(startCtx).Err(); err != nil {
		slog.Warn("redis unreachable, prediction polls fall back to the provider", "addr", cfg.RedisAddr, "error", err)
	}
	predictions := replicate.NewRedisCache(rdb, cfg.PredictionTTL)

	uploader, err := staging.NewMinioUploader(staging.MinioConfig{
		Endpoint:      cfg.MinioEndpoint,
		AccessKey:     cfg.MinioAccessKey,
		SecretKey:     cfg.MinioSecretKey,
		UseSSL:        cfg.MinioUseSSL,
		Region:        cfg.MinioRegion,
		Bucket:        cfg.MinioBucket,
		URLExpiry:     cfg.URLExpiry,
		MaxImageBytes: cfg.MaxImageBytes,
		MaxVideoBytes: cfg.MaxVideoBytes,
		FetchTimeout:  cfg.StageTimeout,
	})
	if err != nil {
		slog.Error("object store", "error", err)
		os.Exit(1)
	}
	if err := uploader.EnsureBucket(startCtx, cfg.MinioRegion); err != nil {
		slog.Error("object store bucket", "bucket", cfg.MinioBucket, "error", err)
		os.Exit(1)
	}
	coordinator := staging.NewCoordinator(uploader, cfg.SettleDelay, logger)

	opts := tracker.Options{
		Limits: tracker.Limits{
			MaxRetries:    cfg.MaxRetries,
			MaxPollErrors: cfg.MaxPollErrors,
			PollInterval:  cfg.PollInterval,
			Backoff: backoff.Policy{
				Base:   cfg.RetryBase,
				Cap:    cfg.RetryCap,
				Jitter: cfg.RetryJitter,
			},
		},
		CallTimeout:  cfg.CallTimeout,
		StageTimeout: cfg.StageTimeout,
		Logger:       logger,
	}

	var runners []queue.Runner
	if cfg.VizardAPIKey != "" {
		client := vizard.New(cfg.VizardAPIKey, cfg.VizardBaseURL, &http.Client{Timeout: cfg.CallTimeout})
		t := tracker.New[job.ClipSettings](job.KindClips, client, coordinator, store, opts)
		runners = append(runners, tracker.NewRunner(t))
	} else {
		slog.Warn("VIZARD_API_KEY not set, clips jobs disabled")
	}
	if cfg.ReplicateToken != "" {
		client := replicate.New(replicate.Options{
			Token:        cfg.ReplicateToken,
			BaseURL:      cfg.ReplicateBaseURL,
			ModelVersion: cfg.ReplicateModelVersion,
			PublicURL:    cfg.PublicURL,
			HTTP:         &http.Client{Timeout: cfg.CallTimeout},
			Cache:        predictions,
			Logger:       logger,
		})
		ageOpts := opts
		ageOpts.RestageOutputs = cfg.RestageOutputs
		t := tracker.New[job.AgeSettings](job.KindAge, client, coordinator, store, ageOpts)
		runners = append(runners, tracker.NewRunner(t))
	} else {
		slog.Warn("REPLICATE_API_TOKEN not set, age jobs disabled")
	}

	q := queue.New(cfg, store, webhook.NewSender(logger), logger, runners...)

	if err := q.Recovery(startCtx); err != nil {
		slog.Error("recovery", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	q.StartCleanup(ctx, cfg.JobTTLHours, cfg.CleanupIntervalMinutes)

	mux := http.NewServeMux()
	h := api.NewHandler(api.Deps{
		Queue:       q,
		Store:       store,
		Stager:      coordinator,
		Predictions: predictions,
		Checks: map[string]api.Pinger{
			"redis":        predictions,
			"object_store": uploader,
		},
		Config: cfg,
		Logger: logger,
	})
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestIDMiddleware,
		api.Logging(logger),
		api.RateLimit(ctx, cfg.RateLimitRPS),
		api.Auth(cfg.APIKeys),
	)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Minute,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("clipforge listening", "addr", cfg.ListenAddr, "kinds", len(runners))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
