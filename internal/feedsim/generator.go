package feedsim

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.llib.dev/testcase/clock"

	"cdrsync/pkg/datastore"
)

const timeLayout = "2006-01-02T15:04:05"

// GeneratorConfig controls the shape of the simulated feed
type GeneratorConfig struct {
	Rate           int     // chunks per second
	Count          int     // total chunks, zero for unlimited
	ChunkSize      int     // records per chunk
	Customers      int     // distinct cust_id values
	DuplicateRatio float64 // share of records replayed from earlier chunks
	MalformedRatio float64 // share of chunks that fail to decode
}

// Generator produces random CDR chunks
type Generator struct {
	cfg    GeneratorConfig
	rand   *rand.Rand
	nextID int
	sent   []datastore.CDR
}

// NewGenerator creates a generator; equal seeds yield equal feeds
func NewGenerator(cfg GeneratorConfig, seed int64) *Generator {
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 1
	}
	if cfg.Customers < 1 {
		cfg.Customers = 1
	}
	if cfg.Rate < 1 {
		cfg.Rate = 1
	}

	return &Generator{
		cfg:  cfg,
		rand: rand.New(rand.NewSource(seed)),
	}
}

// Next builds one chunk: a JSON array of CDRs, or a malformed chunk
func (g *Generator) Next() []byte {
	if g.rand.Float64() < g.cfg.MalformedRatio {
		return []byte(`{"error":"not a batch"}`)
	}

	batch := make([]datastore.CDR, 0, g.cfg.ChunkSize)
	for i := 0; i < g.cfg.ChunkSize; i++ {
		if len(g.sent) > 0 && g.rand.Float64() < g.cfg.DuplicateRatio {
			batch = append(batch, g.sent[g.rand.Intn(len(g.sent))])
			continue
		}
		record := g.newRecord()
		g.sent = append(g.sent, record)
		batch = append(batch, record)
	}

	chunk, _ := json.Marshal(batch)
	return chunk
}

func (g *Generator) newRecord() datastore.CDR {
	g.nextID++
	now := clock.Now().UTC()
	start := now.Add(-time.Duration(g.rand.Intn(3600)) * time.Second)
	end := start.Add(time.Duration(1+g.rand.Intn(1800)) * time.Second)

	return datastore.CDR{
		CustID:    int64(1 + g.rand.Intn(g.cfg.Customers)),
		ID:        fmt.Sprintf("call-%06d", g.nextID),
		CallerID:  fmt.Sprintf("+1555%07d", g.rand.Intn(10000000)),
		Seq:       1,
		AddedDt:   now.Format(timeLayout),
		StartTime: start.Format(timeLayout),
		EndTime:   end.Format(timeLayout),
	}
}

// Run emits chunks on out at the configured rate until Count chunks were
// sent or ctx is done, then closes out.
func (g *Generator) Run(ctx context.Context, out chan<- []byte) {
	defer close(out)

	ticker := time.NewTicker(time.Second / time.Duration(g.cfg.Rate))
	defer ticker.Stop()

	for sent := 0; g.cfg.Count == 0 || sent < g.cfg.Count; sent++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		select {
		case <-ctx.Done():
			return
		case out <- g.Next():
		}
	}
}
