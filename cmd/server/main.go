package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/paper-app/gateway/internal/config"
	delivery "github.com/paper-app/gateway/internal/delivery/http"
	"github.com/paper-app/gateway/internal/middleware"
	"github.com/paper-app/gateway/internal/repository/postgres"
	rediscache "github.com/paper-app/gateway/internal/repository/redis"
	"github.com/paper-app/gateway/internal/tasks"
	"github.com/paper-app/gateway/internal/usecase"
	"github.com/paper-app/gateway/pkg/s2"
)

const version = "1.0.0"

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.Log)
	logger.Info().Str("version", version).Str("port", cfg.Server.Port).Msg("paper gateway starting")

	// Postgres is the one hard dependency; everything else degrades.
	pool := connectPostgres(cfg.Database.URL, logger)
	defer pool.Close()

	graph := postgres.NewGraphRepository(pool, cfg.Gateway.GraphMaxAge, logger)
	mapping := postgres.NewMappingRepository(pool, logger)
	if err := prepareSchema(graph, mapping, logger); err != nil {
		logger.Fatal().Err(err).Msg("schema preparation failed")
	}

	redisClient := connectRedis(cfg.Redis, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := rediscache.NewCache(redisClient, logger)

	nc := connectNATS(cfg.NATS.URL, logger)
	queue := tasks.NewQueue(nc, logger)

	client := s2.NewClient(s2.Config{
		BaseURL:       cfg.S2.BaseURL,
		APIKey:        cfg.S2.APIKey,
		Timeout:       cfg.S2.Timeout,
		RetryAttempts: cfg.S2.RetryAttempts,
		RetryBackoff:  cfg.S2.RetryBackoff,
		RateLimit:     cfg.S2.RateLimit,
		Logger:        logger,
	})

	papers := usecase.NewPaperService(cache, graph, mapping, queue, client, cfg.Gateway, logger)
	health := usecase.NewHealthService(cache, graph, mapping, queue, client, version, logger)
	proxy := usecase.NewProxyService(client, logger)

	var worker *tasks.Worker
	if nc != nil {
		worker = tasks.NewWorker(nc, papers, cfg.Gateway.RequestTimeout, logger)
		if err := worker.Start(); err != nil {
			logger.Error().Err(err).Msg("task worker failed to start, background jobs disabled")
			worker = nil
		}
	}

	handler := delivery.NewHandler(papers, health, proxy, cfg.Gateway)
	adminAuth := middleware.NewAdminAuth(cfg.Admin.JWTSecret)
	router := delivery.NewRouter(handler, adminAuth, cfg.CORS.AllowedOrigins)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server forced shutdown")
	}
	if worker != nil {
		worker.Stop()
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			logger.Warn().Err(err).Msg("nats drain failed")
		}
	}
	logger.Info().Msg("stopped")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// connectPostgres retries a few times so the gateway survives a database that
// comes up slower than it does (compose, fresh deploys).
func connectPostgres(url string, logger zerolog.Logger) *pgxpool.Pool {
	var lastErr error
	for attempt := 1; attempt <= 5; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := pgxpool.New(ctx, url)
		if err == nil {
			err = pool.Ping(ctx)
			if err == nil {
				cancel()
				logger.Info().Msg("connected to postgres")
				return pool
			}
			pool.Close()
		}
		cancel()
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Msg("postgres not ready")
		time.Sleep(time.Duration(attempt) * 2 * time.Second)
	}
	logger.Fatal().Err(lastErr).Msg("could not connect to postgres after 5 attempts")
	return nil
}

// prepareSchema creates tables and indexes, then consolidates duplicate
// identifier mappings left behind by earlier deployments before enforcing
// the unique index.
func prepareSchema(graph *postgres.GraphRepository, mapping *postgres.MappingRepository, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := graph.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := mapping.EnsureSchema(ctx); err != nil {
		return err
	}
	removed, err := mapping.Consolidate(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		logger.Info().Int("removed", removed).Msg("consolidated duplicate identifier mappings")
	}
	if err := mapping.EnsureUniqueIndex(ctx); err != nil {
		return err
	}
	if missing, err := graph.SchemaCheck(ctx); err != nil {
		logger.Warn().Err(err).Msg("schema check failed")
	} else if len(missing) > 0 {
		logger.Warn().Strs("missing", missing).Msg("schema check found missing objects")
	}
	return nil
}

// connectRedis returns nil when Redis is unreachable; the cache tier then
// degrades to a pass-through and every read goes to the graph or upstream.
func connectRedis(cfg config.RedisConfig, logger zerolog.Logger) *goredis.Client {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unreachable, cache disabled")
		client.Close()
		return nil
	}
	logger.Info().Str("addr", cfg.Addr).Msg("connected to redis")
	return client
}

// connectNATS returns nil when the broker is not configured or unreachable;
// background ingestion then runs inline or is skipped per config.
func connectNATS(url string, logger zerolog.Logger) *nats.Conn {
	if url == "" {
		return nil
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		logger.Warn().Err(err).Str("url", url).Msg("nats unreachable, background tasks disabled")
		return nil
	}
	logger.Info().Str("url", url).Msg("connected to nats")
	return nc
}
