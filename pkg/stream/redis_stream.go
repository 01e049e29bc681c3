package stream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.llib.dev/testcase/clock"
	"go.uber.org/zap"
)

// RedisStream implements the Stream interface using Redis streams
type RedisStream struct {
	client *redis.Client
	ctx    context.Context
	logger *zap.Logger

	// MaxLen caps each stream with approximate trimming; zero keeps everything.
	MaxLen int64
}

// NewRedisStream creates a new RedisStream instance
func NewRedisStream(client *redis.Client, logger *zap.Logger) *RedisStream {
	return &RedisStream{
		client: client,
		ctx:    context.Background(),
		logger: logger,
	}
}

// Push publishes a message to a Redis stream
func (rs *RedisStream) Push(streamKey string, message StreamMessage) error {
	// Create stream message with Redis-compatible values
	values := []interface{}{
		"key", message.Key,
		"timestamp", clock.Now().Unix(),
		"cust_id", message.CustID,
	}
	// Extra fields go in a stable order
	extra := make([]string, 0, len(message.Data))
	for k := range message.Data {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		values = append(values, k, message.Data[k])
	}

	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: values,
	}
	if rs.MaxLen > 0 {
		args.MaxLen = rs.MaxLen
		args.Approx = true
	}

	// Add message to stream
	if _, err := rs.client.XAdd(rs.ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish to stream %s: %v", streamKey, err)
	}

	return nil
}

// Pull consumes messages from a Redis stream using consumer groups and returns keys
func (rs *RedisStream) Pull(config ConsumerConfig) ([]string, error) {
	// Initialize the consumer group (create stream and consumer group if they don't exist)
	if err := rs.initializeConsumerGroup(config.StreamKey, config.ConsumerGroup); err != nil {
		return nil, fmt.Errorf("failed to initialize consumer group: %v", err)
	}

	// Read messages from the consumer group
	streams, err := rs.client.XReadGroup(rs.ctx, &redis.XReadGroupArgs{
		Group:    config.ConsumerGroup,
		Consumer: config.ConsumerName,
		Streams:  []string{config.StreamKey, ">"},
		Count:    10,              // Read up to 10 messages at once
		Block:    time.Second * 5, // Block for 5 seconds if no messages
	}).Result()
	if err != nil {
		if err == redis.Nil {
			// No messages available
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %v", err)
	}

	var keys []string

	// Process each stream (only the customer's own in practice)
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			// Extract the record key from the message
			if key, ok := msg.Values["key"].(string); ok {
				keys = append(keys, key)
			}

			// Acknowledge the message
			if err := rs.client.XAck(rs.ctx, config.StreamKey, config.ConsumerGroup, msg.ID).Err(); err != nil {
				rs.logger.Warn("Failed to acknowledge message",
					zap.String("stream", config.StreamKey),
					zap.String("message_id", msg.ID),
					zap.Error(err))
			}
		}
	}

	return keys, nil
}

// initializeConsumerGroup creates the stream and consumer group if they don't exist
func (rs *RedisStream) initializeConsumerGroup(streamKey, consumerGroup string) error {
	// MKSTREAM creates the stream if it doesn't exist; BUSYGROUP means the group already does
	err := rs.client.XGroupCreateMkStream(rs.ctx, streamKey, consumerGroup, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s for stream %s: %v", consumerGroup, streamKey, err)
	}
	return nil
}
