package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"cdrsync/internal/auth"
	"cdrsync/internal/ingest"
	"cdrsync/internal/query"
	"cdrsync/pkg/config"
	"cdrsync/pkg/datastore"
	"cdrsync/pkg/metrics"
	"cdrsync/pkg/stream"
)

const authTimeout = 30 * time.Second

// Dependencies holds all initialized components and clients
type Dependencies struct {
	Ingestor     *ingest.Ingestor
	QueryHandler *query.Handler
	Registry     *prometheus.Registry
	Pool         *datastore.PgxPool
	RedisClient  *redis.Client
}

// InitializeDependencies sets up all required dependencies based on configuration
func InitializeDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Registry: prometheus.NewRegistry(),
	}
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Initialize PostgreSQL pool
	pool, err := datastore.NewPgxPool(ctx, cfg.PostgresDSN())
	if err != nil {
		return nil, err
	}
	deps.Pool = pool

	logger.Info("Connected to PostgreSQL",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
		zap.Int("connections", cfg.DBConnections))

	store := datastore.NewPostgresStore(pool, cfg.DBAcquireTimeout, logger.Named("datastore"))
	if err := store.EnsureSchema(ctx); err != nil {
		deps.Close()
		return nil, err
	}

	// Notifications are optional
	var notifier stream.Stream
	if cfg.NotifyEnabled {
		redisAddr := fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort)
		deps.RedisClient = redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		if _, err := deps.RedisClient.Ping(ctx).Result(); err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}

		logger.Info("Connected to Redis", zap.String("addr", redisAddr))
		notifier = stream.NewRedisStream(deps.RedisClient, logger.Named("stream"))
	}

	// The token request shares the stream's keep-alive transport but is bounded
	client := ingest.NewStreamingClient()
	authClient := &http.Client{Transport: client.Transport, Timeout: authTimeout}
	deps.Ingestor = ingest.NewIngestor(ingest.Options{
		BaseURL:      cfg.BaseURL(),
		HTTPClient:   client,
		Auth:         auth.NewClient(cfg.BaseURL(), cfg.ServiceUser, cfg.ServicePass, authClient, logger.Named("auth")),
		Sink:         store,
		Notifier:     notifier,
		Metrics:      metrics.NewIngest(deps.Registry),
		Logger:       logger.Named("ingest"),
		DrainTimeout: cfg.DrainTimeout,
	})
	deps.QueryHandler = query.NewHandler(store, logger.Named("query"))

	return deps, nil
}

// Close cleans up all resources
func (d *Dependencies) Close() error {
	if d.Pool != nil {
		d.Pool.Close()
	}
	if d.RedisClient != nil {
		return d.RedisClient.Close()
	}
	return nil
}
