package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"cdrsync/internal/consumer"
	"cdrsync/pkg/config"
	"cdrsync/pkg/stream"
)

// Dependencies holds all initialized consumer dependencies
type Dependencies struct {
	Consumer     *consumer.Consumer
	RedisClient  *redis.Client
	StreamClient stream.Stream
}

// InitializeDependencies sets up all required consumer dependencies
func InitializeDependencies(cfg *config.ConsumerConfig, logger *zap.Logger) (*Dependencies, error) {
	ctx := context.Background()

	// Initialize Redis connection
	redisAddr := fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort)
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", redisAddr))

	streamClient := stream.NewRedisStream(redisClient, logger.Named("stream"))
	c := consumer.New(cfg, streamClient, logger.Named("consumer"))

	return &Dependencies{
		Consumer:     c,
		RedisClient:  redisClient,
		StreamClient: streamClient,
	}, nil
}

// Close cleans up all resources
func (d *Dependencies) Close() error {
	if d.Consumer != nil {
		d.Consumer.Stop()
	}
	if d.RedisClient != nil {
		return d.RedisClient.Close()
	}
	return nil
}
