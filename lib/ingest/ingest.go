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

// Package ingest moves WiFi measurement uploads from a notification work
// queue into a delivery stream. A long-polling consumer receives upload
// notifications, workers stream the referenced objects line by line through
// feed transformers, and a batch publisher groups the resulting records for
// delivery. Queue messages are deleted only after every derived record has
// reached a terminal state, so a crash at any point causes reprocessing,
// never loss.
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/airloc/airloc/lib/defaults"
)

// PipelineConfig assembles the ingestion pipeline. The AWS clients live in
// the sub-configs; the pipeline wires shared metrics, clock and logger into
// every stage.
type PipelineConfig struct {
	// Queue configures work queue polling.
	Queue QueueConsumerConfig
	// Ack configures message acknowledgment.
	Ack AckCoordinatorConfig
	// Parser configures upload notification parsing.
	Parser EventParserConfig
	// Reader configures upload object streaming.
	Reader ObjectReaderConfig
	// Transformer configures the default measurement transformer.
	Transformer TransformerConfig
	// Batcher configures batch assembly.
	Batcher BatchPublisherConfig
	// Sink configures delivery stream submission.
	Sink DeliverySinkConfig
	// Memory configures heap pressure tracking.
	Memory MemoryGovernorConfig
	// Processors are additional feed processors consulted before the
	// default transformer.
	Processors []FeedProcessor
	// Concurrency is the number of processing workers.
	Concurrency int
	// RecordChannelSize bounds records buffered between transformation and
	// batching.
	RecordChannelSize int
	// ShutdownGrace bounds how long Run waits for in-flight deliveries
	// after the context is canceled.
	ShutdownGrace time.Duration
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (cfg *PipelineConfig) CheckAndSetDefaults() error {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = defaults.IngestConcurrency
	}
	if cfg.Concurrency < 1 {
		return trace.BadParameter("Concurrency must be positive")
	}
	if cfg.RecordChannelSize == 0 {
		cfg.RecordChannelSize = defaults.RecordChannelSize
	}
	if cfg.RecordChannelSize < 1 {
		return trace.BadParameter("RecordChannelSize must be positive")
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = defaults.ShutdownGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.With(defaults.ComponentKey, defaults.ComponentIngest)
	}
	return nil
}

// Pipeline is the assembled ingestion service.
type Pipeline struct {
	cfg       PipelineConfig
	metrics   *ingestMetrics
	consumer  *QueueConsumer
	ack       *AckCoordinator
	parser    *EventParser
	reader    *ObjectReader
	router    *StreamRouter
	publisher *BatchPublisher
	sink      *DeliverySink
	governor  *MemoryGovernor

	startedAt        time.Time
	messagesInFlight atomic.Int64
	lastActivityUnix atomic.Int64

	// records carries transformed records to the publisher, created in Run
	// before any worker starts.
	records chan Record
}

// NewPipeline builds a pipeline from config. Construction validates every
// stage; a pipeline that constructs will run.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m, err := newIngestMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cfg.Queue.Clock = cfg.Clock
	cfg.Queue.Logger = cfg.Logger
	cfg.Queue.metrics = m
	consumer, err := NewQueueConsumer(cfg.Queue)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cfg.Ack.Logger = cfg.Logger
	cfg.Ack.metrics = m
	ack, err := NewAckCoordinator(cfg.Ack)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cfg.Parser.Clock = cfg.Clock
	parser, err := NewEventParser(cfg.Parser)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	reader, err := NewObjectReader(cfg.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cfg.Transformer.Logger = cfg.Logger
	cfg.Transformer.metrics = m
	transformer, err := NewTransformer(cfg.Transformer)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	router, err := NewStreamRouter(NewDefaultProcessor(transformer), cfg.Processors...)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cfg.Memory.Clock = cfg.Clock
	cfg.Memory.Logger = cfg.Logger
	cfg.Memory.metrics = m
	governor, err := NewMemoryGovernor(cfg.Memory)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cfg.Sink.Clock = cfg.Clock
	cfg.Sink.Logger = cfg.Logger
	cfg.Sink.metrics = m
	sink, err := NewDeliverySink(cfg.Sink)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cfg.Batcher.Sink = sink
	cfg.Batcher.Governor = governor
	cfg.Batcher.Clock = cfg.Clock
	cfg.Batcher.Logger = cfg.Logger
	cfg.Batcher.metrics = m
	publisher, err := NewBatchPublisher(cfg.Batcher)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &Pipeline{
		cfg:       cfg,
		metrics:   m,
		consumer:  consumer,
		ack:       ack,
		parser:    parser,
		reader:    reader,
		router:    router,
		publisher: publisher,
		sink:      sink,
		governor:  governor,
	}, nil
}

// Run processes uploads until the context is canceled, then drains:
// workers finish their current message, the publisher flushes the open
// batch, and in-flight deliveries get the shutdown grace to land.
func (p *Pipeline) Run(ctx context.Context) error {
	p.startedAt = p.cfg.Clock.Now()
	p.cfg.Logger.InfoContext(ctx, "Ingestion pipeline starting",
		"workers", p.cfg.Concurrency, "queue_url", p.cfg.Queue.QueueURL, "stream", p.cfg.Sink.StreamName)

	go p.governor.Run(ctx)

	messages := make(chan sqsTypes.Message, p.cfg.Concurrency)
	p.records = make(chan Record, p.cfg.RecordChannelSize)

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		defer close(messages)
		p.consumer.Run(ctx, messages)
	}()

	var workers sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for msg := range messages {
				p.processMessage(ctx, msg)
			}
		}()
	}

	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		p.publisher.Run(ctx, p.records)
	}()

	workers.Wait()
	close(p.records)
	<-publisherDone
	<-consumerDone

	if err := p.sink.Wait(p.cfg.ShutdownGrace); err != nil {
		p.cfg.Logger.WarnContext(ctx, "Shutdown grace expired with deliveries in flight", "error", err)
		return trace.Wrap(err)
	}
	p.cfg.Logger.InfoContext(ctx, "Ingestion pipeline stopped")
	return nil
}

// processMessage drives one queue message from notification to records.
// Syntactically invalid notifications are acked to keep poison messages
// from cycling; infrastructure failures abort, leaving the message to
// redeliver after the visibility timeout.
func (p *Pipeline) processMessage(ctx context.Context, msg sqsTypes.Message) {
	p.messagesInFlight.Add(1)
	defer p.messagesInFlight.Add(-1)
	p.lastActivityUnix.Store(p.cfg.Clock.Now().Unix())

	tracker := p.ack.Track(aws.ToString(msg.ReceiptHandle))

	event, err := p.parser.Parse([]byte(aws.ToString(msg.Body)))
	if err != nil {
		p.metrics.parseFailures.Inc()
		p.cfg.Logger.WarnContext(ctx, "Dropping unparseable upload notification",
			"message_id", aws.ToString(msg.MessageId), "error", err)
		tracker.Seal(ctx)
		return
	}
	logger := p.cfg.Logger.With("bucket", event.Bucket, "key", event.Key, "stream_name", event.StreamName)

	processor := p.router.GetProcessor(event.StreamName)

	seq, err := p.reader.Open(ctx, event)
	if err != nil {
		if trace.IsLimitExceeded(err) {
			// Retrying an oversize object can never succeed.
			logger.WarnContext(ctx, "Dropping oversize upload", "error", err)
			tracker.Seal(ctx)
			return
		}
		logger.WarnContext(ctx, "Failed to open upload, leaving message for redelivery", "error", err)
		tracker.Abort(ctx)
		return
	}
	defer seq.Close()

	for seq.Next() {
		recs, err := processor.ProcessLine(seq.Line())
		if err != nil {
			// Line-level failures are counted inside the processor; the
			// rest of the upload is still worth processing.
			continue
		}
		for _, data := range recs {
			tracker.AddRecord()
			select {
			case p.records <- Record{Data: data, Tracker: tracker}:
			case <-ctx.Done():
				tracker.RecordDone(ctx)
				logger.WarnContext(ctx, "Shutdown mid-upload, leaving message for redelivery")
				tracker.Abort(ctx)
				return
			}
		}
	}
	if err := seq.Err(); err != nil {
		logger.WarnContext(ctx, "Upload stream failed mid-read, leaving message for redelivery", "error", err)
		tracker.Abort(ctx)
		return
	}
	tracker.Seal(ctx)
}
