package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"cdrsync/pkg/datastore"
	"cdrsync/pkg/metrics"
	"cdrsync/pkg/stream"
)

// ErrStreamSetup marks a failure to open the upstream CDR stream
var ErrStreamSetup = errors.New("stream setup failed")

const (
	// DefaultMaxChunkSize bounds a single framed chunk; longer frames are
	// cut and dropped as undecodable.
	DefaultMaxChunkSize = 4 << 20

	// DefaultDrainTimeout bounds how long batches keep persisting once the
	// session context is done.
	DefaultDrainTimeout = 30 * time.Second
)

// Authenticator obtains a bearer token for the upstream service
type Authenticator interface {
	Authenticate(ctx context.Context) (string, error)
}

// Options configures an Ingestor
type Options struct {
	BaseURL      string
	HTTPClient   *http.Client
	Auth         Authenticator
	Sink         datastore.Datastore
	Notifier     stream.Stream // optional
	Metrics      *metrics.Ingest
	Logger       *zap.Logger
	MaxChunkSize int
	DrainTimeout time.Duration
}

// Ingestor consumes the upstream CDR stream and hands each decoded batch to
// the sink without waiting for it to be persisted.
type Ingestor struct {
	baseURL      string
	client       *http.Client
	auth         Authenticator
	sink         datastore.Datastore
	notifier     stream.Stream
	metrics      *metrics.Ingest
	logger       *zap.Logger
	maxChunkSize int
	drainTimeout time.Duration

	inflight sync.WaitGroup
}

// NewIngestor creates a new Ingestor
func NewIngestor(opts Options) *Ingestor {
	if opts.HTTPClient == nil {
		opts.HTTPClient = NewStreamingClient()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewIngest(nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}

	return &Ingestor{
		baseURL:      opts.BaseURL,
		client:       opts.HTTPClient,
		auth:         opts.Auth,
		sink:         opts.Sink,
		notifier:     opts.Notifier,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		maxChunkSize: opts.MaxChunkSize,
		drainTimeout: opts.DrainTimeout,
	}
}

// NewStreamingClient returns an HTTP client for the long-lived CDR stream.
// Keep-alive stays on; the client timeout and the response header timeout
// are disabled because the upstream holds the response open indefinitely.
func NewStreamingClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 0
	transport.DisableKeepAlives = false

	return &http.Client{
		Transport: transport,
		Timeout:   0,
	}
}

// Start runs one ingestion session in the background and returns
// immediately. Failures are logged by Run; the returned channel receives
// Run's result once the session is over.
func (i *Ingestor) Start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- i.Run(ctx)
	}()
	return done
}

// Run authenticates, opens the CDR stream and consumes it until the
// upstream ends it, the transport fails or ctx is cancelled. There is no
// reconnect. Batches still being persisted when Run returns keep going for
// up to the drain timeout; use Wait to block on them.
func (i *Ingestor) Run(ctx context.Context) error {
	token, err := i.auth.Authenticate(ctx)
	if err != nil {
		i.logger.Error("Ingestion not started", zap.Error(err))
		return err
	}

	body, err := i.openStream(ctx, token)
	if err != nil {
		i.logger.Error("Failure opening CDR stream", zap.Error(err))
		return err
	}
	defer body.Close()

	i.logger.Info("CDR stream opened", zap.String("url", i.baseURL+"/cdrs"))

	scanner := bufio.NewScanner(body)
	// headroom past the frame limit so the splitter cuts before the scanner gives up
	scanner.Buffer(make([]byte, 0, 64<<10), i.maxChunkSize+64<<10)
	scanner.Split(newChunkSplitter(i.maxChunkSize))

	for scanner.Scan() {
		i.metrics.ChunksReceived.Inc()

		batch, rejected, err := decodeChunk(scanner.Bytes())
		if err != nil {
			i.metrics.ChunkDecodeErrors.Inc()
			i.logger.Warn("Dropping chunk",
				zap.Int("bytes", len(scanner.Bytes())),
				zap.Error(err))
			continue
		}
		for _, err := range rejected {
			i.metrics.RecordsFailed.Inc()
			i.logger.Warn("Dropping record", zap.Error(err))
		}
		if len(batch) == 0 {
			continue
		}

		i.dispatch(ctx, batch)
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			i.logger.Info("CDR stream cancelled")
			return ctx.Err()
		}
		i.logger.Error("CDR stream failed", zap.Error(err))
		return fmt.Errorf("stream read failed: %w", err)
	}

	i.logger.Info("CDR stream ended")
	return nil
}

// Wait blocks until every dispatched batch has been persisted or abandoned.
// Call it after Run has returned.
func (i *Ingestor) Wait() {
	i.inflight.Wait()
}

func (i *Ingestor) openStream(ctx context.Context, token string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.baseURL+"/cdrs", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build request: %v", ErrStreamSetup, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamSetup, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: upstream returned %s", ErrStreamSetup, resp.Status)
	}

	return resp.Body, nil
}

// dispatch persists the batch on its own goroutine. Overlapping batches are
// not ordered against each other.
func (i *Ingestor) dispatch(ctx context.Context, batch []datastore.CDR) {
	i.inflight.Add(1)
	i.metrics.BatchesInFlight.Inc()

	batchCtx, cancel := i.drainContext(ctx)
	go func() {
		defer i.inflight.Done()
		defer i.metrics.BatchesInFlight.Dec()
		defer cancel()

		i.persist(batchCtx, batch)
	}()
}

// drainContext detaches a batch from the session context so a received
// batch is not dropped at shutdown. Once ctx is done the batch has
// drainTimeout left before it is cancelled too.
func (i *Ingestor) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	batchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(i.drainTimeout)
		defer timer.Stop()

		select {
		case <-batchCtx.Done():
		case <-timer.C:
			cancel()
		}
	})

	return batchCtx, func() {
		stop()
		cancel()
	}
}

func (i *Ingestor) persist(ctx context.Context, batch []datastore.CDR) {
	start := time.Now()
	result, err := i.sink.Persist(ctx, batch)
	i.metrics.BatchDuration.Observe(time.Since(start).Seconds())

	// an interrupted batch still reports what it wrote
	i.metrics.RecordsInserted.Add(float64(len(result.Inserted)))
	i.metrics.RecordsDuplicate.Add(float64(result.Duplicates))
	i.metrics.RecordsFailed.Add(float64(result.Failed))

	if err != nil {
		i.metrics.BatchesAbandoned.Inc()
		i.logger.Error("Batch abandoned",
			zap.Int("batch_size", len(batch)),
			zap.Int("inserted", len(result.Inserted)),
			zap.Error(err))
	} else {
		i.logger.Debug("Batch persisted",
			zap.Int("batch_size", len(batch)),
			zap.Int("inserted", len(result.Inserted)),
			zap.Int("duplicates", result.Duplicates),
			zap.Int("failed", result.Failed),
			zap.Duration("elapsed", time.Since(start)))
	}

	i.notify(result.Inserted)
}

func (i *Ingestor) notify(records []datastore.CDR) {
	if i.notifier == nil {
		return
	}

	for _, record := range records {
		message := stream.StreamMessage{
			Key:    record.Key(),
			CustID: record.CustID,
		}
		if err := i.notifier.Push(stream.UpdatesKey(record.CustID), message); err != nil {
			i.metrics.NotifyErrors.Inc()
			i.logger.Warn("Failure publishing stream notification",
				zap.String("key", record.Key()),
				zap.Error(err))
		}
	}
}
