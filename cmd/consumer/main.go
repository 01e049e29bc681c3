package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"cdrsync/pkg/config"
	"cdrsync/pkg/logging"
)

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		log.Fatalf("Failed to load consumer config: %v", err)
	}

	custID := flag.String("cust", cfg.CustID, "Customer whose CDR updates are followed")
	consumerGroup := flag.String("group", "", "Consumer group (default derived from the customer)")
	consumerName := flag.String("name", "", "Consumer name (default derived from the customer)")

	flag.Parse()

	cfg.ApplyCustomer(*custID)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid consumer config: %v", err)
	}
	if *consumerGroup != "" {
		cfg.ConsumerGroup = *consumerGroup
	}
	if *consumerName != "" {
		cfg.ConsumerName = *consumerName
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize all dependencies
	deps, err := InitializeDependencies(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize dependencies", zap.Error(err))
	}
	defer deps.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- deps.Consumer.Start()
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		deps.Consumer.Stop()
		<-errChan
	case err := <-errChan:
		if err != nil {
			logger.Error("Consumer error", zap.Error(err))
		}
	}

	logger.Info("Consumer stopped")
}
