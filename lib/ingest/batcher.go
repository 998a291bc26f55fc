// Copyright 2024 Airloc, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/airloc/airloc/lib/defaults"
)

// Record is one serialized measurement awaiting delivery, bound to the
// tracker of the queue message it was derived from.
type Record struct {
	// Data is the serialized measurement, newline terminated.
	Data []byte
	// Tracker refcounts the source queue message, may be nil in tests.
	Tracker *MessageTracker
}

type batchEntry struct {
	data    []byte
	tracker *MessageTracker
}

// Batch is an assembled group of records submitted to the sink as one
// delivery call.
type Batch struct {
	entries       []batchEntry
	bytes         int
	createdAt     time.Time
	correlationID string
}

// batchSink receives assembled batches.
type batchSink interface {
	WriteBatch(ctx context.Context, batch *Batch)
}

// batchSizer suggests the effective record bound per batch.
type batchSizer interface {
	GetOptimalBatchSize(defaultSize int) int
}

// unthrottledSizer always returns the default size.
type unthrottledSizer struct{}

func (unthrottledSizer) GetOptimalBatchSize(defaultSize int) int { return defaultSize }

// BatchPublisherConfig configures batch assembly.
type BatchPublisherConfig struct {
	// Sink receives assembled batches (required).
	Sink batchSink
	// Governor suggests throttled batch sizes under memory pressure.
	Governor batchSizer
	// MaxBatchRecords bounds records per batch.
	MaxBatchRecords int
	// MaxBatchBytes bounds the summed payload bytes per batch.
	MaxBatchBytes int
	// MaxBatchAge flushes a non-empty batch regardless of fill level.
	MaxBatchAge time.Duration
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger
	// metrics is set by the pipeline.
	metrics *ingestMetrics
}

// CheckAndSetDefaults checks and sets defaults.
func (cfg *BatchPublisherConfig) CheckAndSetDefaults() error {
	if cfg.Sink == nil {
		return trace.BadParameter("Sink is not specified")
	}
	if cfg.Governor == nil {
		cfg.Governor = unthrottledSizer{}
	}
	if cfg.MaxBatchRecords == 0 {
		cfg.MaxBatchRecords = defaults.MaxBatchRecords
	}
	if cfg.MaxBatchRecords < 1 || cfg.MaxBatchRecords > defaults.MaxBatchRecords {
		return trace.BadParameter("MaxBatchRecords must be in [1, %d]", defaults.MaxBatchRecords)
	}
	if cfg.MaxBatchBytes == 0 {
		cfg.MaxBatchBytes = defaults.MaxBatchBytes
	}
	if cfg.MaxBatchBytes < 1 || cfg.MaxBatchBytes > defaults.MaxBatchBytes {
		return trace.BadParameter("MaxBatchBytes must be in [1, %d]", defaults.MaxBatchBytes)
	}
	if cfg.MaxBatchAge == 0 {
		cfg.MaxBatchAge = defaults.MaxBatchAge
	}
	if cfg.MaxBatchAge < 0 {
		return trace.BadParameter("MaxBatchAge must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.With(defaults.ComponentKey, defaults.ComponentIngest)
	}
	return nil
}

// BatchPublisher assembles records into batches bounded by count, bytes
// and age, and hands them to the sink. A single goroutine owns the open
// batch, so no locking is needed on the hot path.
type BatchPublisher struct {
	cfg BatchPublisherConfig
}

// NewBatchPublisher returns a batch publisher.
func NewBatchPublisher(cfg BatchPublisherConfig) (*BatchPublisher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &BatchPublisher{cfg: cfg}, nil
}

// Run consumes records until in closes, then flushes the open batch. The
// context cancels the sink's blocking admission, not record consumption:
// the channel must be closed to drain records already accepted upstream.
func (p *BatchPublisher) Run(ctx context.Context, in <-chan Record) {
	var batch *Batch
	var ageCh <-chan time.Time

	flush := func() {
		if batch == nil {
			return
		}
		p.observe(batch)
		p.cfg.Sink.WriteBatch(ctx, batch)
		batch = nil
		ageCh = nil
	}

	for {
		select {
		case rec, ok := <-in:
			if !ok {
				flush()
				return
			}
			if batch == nil {
				batch = p.newBatch()
				ageCh = p.cfg.Clock.After(p.cfg.MaxBatchAge)
			}
			maxRecords := p.cfg.Governor.GetOptimalBatchSize(p.cfg.MaxBatchRecords)
			if maxRecords < 1 {
				maxRecords = 1
			}
			// A record that would overflow the open batch flushes it first;
			// a record larger than the byte bound on its own still ships,
			// alone.
			if len(batch.entries) > 0 && (len(batch.entries) >= maxRecords || batch.bytes+len(rec.Data) > p.cfg.MaxBatchBytes) {
				flush()
				batch = p.newBatch()
				ageCh = p.cfg.Clock.After(p.cfg.MaxBatchAge)
			}
			batch.entries = append(batch.entries, batchEntry{data: rec.Data, tracker: rec.Tracker})
			batch.bytes += len(rec.Data)
			if len(batch.entries) >= maxRecords || batch.bytes >= p.cfg.MaxBatchBytes {
				flush()
			}
		case <-ageCh:
			flush()
		}
	}
}

func (p *BatchPublisher) newBatch() *Batch {
	return &Batch{
		createdAt:     p.cfg.Clock.Now(),
		correlationID: uuid.NewString(),
	}
}

func (p *BatchPublisher) observe(batch *Batch) {
	if p.cfg.metrics == nil {
		return
	}
	p.cfg.metrics.batchRecords.Observe(float64(len(batch.entries)))
	p.cfg.metrics.batchBytes.Observe(float64(batch.bytes))
	p.cfg.metrics.batchAssemblyLatency.Observe(p.cfg.Clock.Now().Sub(batch.createdAt).Seconds())
}
