package consumer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	clock "go.llib.dev/testcase/clock"
	"go.uber.org/zap"

	"cdrsync/pkg/config"
	"cdrsync/pkg/stream"
)

const (
	retryDelay = 5 * time.Second
	pollDelay  = 100 * time.Millisecond
)

// Consumer follows one customer's update stream and appends every announced
// record key to a log file.
type Consumer struct {
	streamClient stream.Stream
	logger       *zap.Logger
	custID       string
	logFile      string
	streamKey    string
	groupName    string
	consumerName string
	ctx          context.Context
	cancel       context.CancelFunc
}

// New creates a new Consumer reading through the given stream client
func New(cfg *config.ConsumerConfig, streamClient stream.Stream, logger *zap.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		streamClient: streamClient,
		logger:       logger.With(zap.String("cust_id", cfg.CustID)),
		custID:       cfg.CustID,
		logFile:      cfg.LogFile,
		streamKey:    cfg.StreamKey,
		groupName:    cfg.ConsumerGroup,
		consumerName: cfg.ConsumerName,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (c *Consumer) writeLog(message string) error {
	// Make sure the log directory exists
	if err := os.MkdirAll(filepath.Dir(c.logFile), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(c.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	// Append a timestamped entry
	timestamp := clock.Now().Format("2006-01-02 15:04:05.000000")
	if _, err := fmt.Fprintf(file, "%s - %s\n", timestamp, message); err != nil {
		return fmt.Errorf("failed to write to log file: %w", err)
	}

	return nil
}

func (c *Consumer) processKeys(keys []string) error {
	for _, key := range keys {
		if err := c.writeLog("Received update for key: " + key); err != nil {
			return fmt.Errorf("failed to write log: %w", err)
		}
		c.logger.Debug("Received update", zap.String("key", key))
	}
	return nil
}

// Start blocks reading the stream until Stop is called
func (c *Consumer) Start() error {
	c.logger.Info("Starting CDR update consumer",
		zap.String("stream", c.streamKey),
		zap.String("group", c.groupName),
		zap.String("consumer", c.consumerName),
		zap.String("log_file", c.logFile))

	// Stream coordinates for this customer
	cfg := stream.ConsumerConfig{
		StreamKey:     c.streamKey,
		ConsumerGroup: c.groupName,
		ConsumerName:  c.consumerName,
	}

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Info("Consumer shutting down")
			return nil
		default:
		}

		// Blocks inside Redis for up to the read timeout
		keys, err := c.streamClient.Pull(cfg)
		if err != nil {
			c.logger.Warn("Error reading from stream", zap.Error(err))
			// Back off before retrying, Stop cuts it short
			c.sleep(retryDelay)
			continue
		}

		if len(keys) > 0 {
			if err := c.processKeys(keys); err != nil {
				c.logger.Error("Error processing keys", zap.Error(err))
			}
		}

		// Small delay to prevent busy waiting
		c.sleep(pollDelay)
	}
}

func (c *Consumer) sleep(d time.Duration) {
	select {
	case <-c.ctx.Done():
	case <-time.After(d):
	}
}

// Stop makes Start return after its current read
func (c *Consumer) Stop() {
	c.cancel()
}
