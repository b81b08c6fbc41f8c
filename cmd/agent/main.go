package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"basegraph.app/issuesync/common/id"
	"basegraph.app/issuesync/common/logger"
	"basegraph.app/issuesync/common/otel"
	"basegraph.app/issuesync/core/config"
	"basegraph.app/issuesync/core/db"
	"basegraph.app/issuesync/internal/agent"
	"basegraph.app/issuesync/internal/http/middleware"
	httprouter "basegraph.app/issuesync/internal/http/router"
	"basegraph.app/issuesync/internal/queue"
	"basegraph.app/issuesync/internal/store"
	"basegraph.app/issuesync/internal/tracker"
	"basegraph.app/issuesync/internal/worker"
)

const changesStreamMaxLen = 10000

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "issuesync.main"})

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "issuesync agent starting",
		"env", cfg.Env,
		"node_id", cfg.NodeID,
		"dedup_store", cfg.Agent.DedupStore,
		"redis_intake", cfg.Pipeline.Enabled)

	if err := id.Init(cfg.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		redisOpts, err := redis.ParseURL(cfg.Pipeline.RedisURL)
		if err != nil {
			slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		slog.InfoContext(ctx, "redis connected")
	}

	opts := []agent.Option{}
	switch cfg.Agent.DedupStore {
	case config.DedupStorePostgres:
		database, err := db.New(ctx, cfg.DB)
		if err != nil {
			slog.ErrorContext(ctx, "failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer database.Close()

		pgStore := store.NewPostgresDedupStore(database)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to prepare dedup schema", "error", err)
			os.Exit(1)
		}
		opts = append(opts, agent.WithDedupStore(pgStore))
		slog.InfoContext(ctx, "database connected, dedup state is durable")
	case config.DedupStoreRedis:
		opts = append(opts, agent.WithDedupStore(store.NewRedisDedupStore(redisClient, store.DefaultDedupKey)))
	}

	client, err := newTrackerClient(cfg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create tracker client", "error", err)
		os.Exit(1)
	}

	a := agent.New(client, cfg.Agent, opts...)
	if err := a.Start(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to start agent", "error", err)
		os.Exit(1)
	}

	var routerCfg httprouter.RouterConfig
	routerCfg.APIKey = cfg.APIKey
	if redisClient != nil {
		routerCfg.ChangeSink = queue.NewChangePublisher(redisClient, cfg.Pipeline.ChangesStream, changesStreamMaxLen)
	}

	var (
		intake    *worker.Worker
		reclaimer *worker.RedisReclaimer
	)
	if cfg.Pipeline.Enabled {
		consumer, err := queue.NewRedisConsumer(ctx, redisClient, queue.ConsumerConfig{
			Stream:    cfg.Pipeline.RedisStream,
			Group:     cfg.Pipeline.RedisGroup,
			Consumer:  cfg.Pipeline.RedisConsumer,
			DLQStream: cfg.Pipeline.RedisDLQStream,
			BatchSize: 16,
			Block:     5 * time.Second,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to create consumer", "error", err)
			os.Exit(1)
		}

		intake = worker.New(consumer, a, worker.Config{})
		reclaimer = worker.NewRedisReclaimer(redisClient, worker.RedisReclaimerConfig{
			Stream:    cfg.Pipeline.RedisStream,
			Group:     cfg.Pipeline.RedisGroup,
			Consumer:  cfg.Pipeline.RedisConsumer + "-reclaimer",
			MinIdle:   cfg.Pipeline.ReclaimMinIdle,
			Interval:  cfg.Pipeline.ReclaimInterval,
			BatchSize: 10,
		}, consumer, intake.ProcessMessage, a)

		go func() {
			if err := intake.Run(ctx); err != nil {
				slog.ErrorContext(ctx, "intake worker exited", "error", err)
			}
		}()
		go reclaimer.Run(ctx)
		slog.InfoContext(ctx, "redis intake running", "stream", cfg.Pipeline.RedisStream)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           setupRouter(cfg, a, routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Agent.ShutdownGrace+10*time.Second)
	defer cancel()

	// Stop intake before the agent so no new activity races the shutdown;
	// activities cancelled by the agent stay pending in the stream.
	if reclaimer != nil {
		reclaimer.Stop()
	}
	if intake != nil {
		intake.Stop()
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if err := a.Stop(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "agent shutdown error", "error", err)
	}

	if intake != nil {
		if err := intake.Wait(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "intake worker did not settle in time", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete", "stats", a.Stats())
}

func newTrackerClient(cfg config.Config) (tracker.Client, error) {
	gl, err := tracker.NewGitLabClient(tracker.GitLabConfig{
		BaseURL:        cfg.GitLab.BaseURL,
		Token:          cfg.GitLab.Token,
		DefaultProject: cfg.GitLab.DefaultProject,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Agent.TrackerRateLimit <= 0 {
		return gl, nil
	}
	burst := max(cfg.Agent.TrackerBurst, 1)
	return tracker.RateLimited(gl, rate.NewLimiter(rate.Limit(cfg.Agent.TrackerRateLimit), burst)), nil
}

func setupRouter(cfg config.Config, a *agent.Agent, routerCfg httprouter.RouterConfig) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger(cfg.Pipeline.TraceHeaderName))

	httprouter.SetupRoutes(router, a, routerCfg)

	return router
}

const banner = `
 _
(_)___ ___ _   _  ___  ___ _   _ _ __   ___
| / __/ __| | | |/ _ \/ __| | | | '_ \ / __|
| \__ \__ \ |_| |  __/\__ \ |_| | | | | (__
|_|___/___/\__,_|\___||___/\__, |_| |_|\___|
                           |___/
`
