package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cdrsync/internal/feedsim"
	"cdrsync/pkg/logging"
)

func main() {
	addr := flag.String("addr", ":8443", "Listen address of the simulated CDR service")
	rps := flag.Int("rps", 10, "Chunks per second")
	numberOfChunks := flag.Int("n", 100, "Total number of chunks to send, 0 for unlimited")
	chunkSize := flag.Int("chunk", 20, "Records per chunk")
	customers := flag.Int("customers", 3, "Number of distinct customers")
	duplicates := flag.Float64("dup", 0.1, "Share of records replayed from earlier chunks")
	malformed := flag.Float64("bad", 0.02, "Share of chunks that fail to decode")
	username := flag.String("user", "cdr", "Username accepted by /auth")
	password := flag.String("pass", "cdr", "Password accepted by /auth")
	token := flag.String("token", "simulated-token", "Bearer token issued by /auth")
	certFile := flag.String("cert", "", "TLS certificate; plain HTTP when empty")
	keyFile := flag.String("key", "", "TLS private key")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	logLevel := flag.String("log-level", "info", "Log level")

	flag.Parse()

	logger, err := logging.New(*logLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	generator := feedsim.NewGenerator(feedsim.GeneratorConfig{
		Rate:           *rps,
		Count:          *numberOfChunks,
		ChunkSize:      *chunkSize,
		Customers:      *customers,
		DuplicateRatio: *duplicates,
		MalformedRatio: *malformed,
	}, *seed)

	chunks := make(chan []byte)
	go generator.Run(ctx, chunks)

	feed := feedsim.NewFeed(*username, *password, *token, chunks, logger)
	server := &http.Server{
		Addr:              *addr,
		Handler:           feed.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving simulated CDR feed",
		zap.String("addr", *addr),
		zap.Int("rps", *rps),
		zap.Int("chunks", *numberOfChunks),
		zap.Int64("seed", *seed))

	if *certFile != "" {
		err = server.ListenAndServeTLS(*certFile, *keyFile)
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Feed server error", zap.Error(err))
	}
}
