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
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	firehoseTypes "github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/aws/smithy-go"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/airloc/airloc/lib/defaults"
	"github.com/airloc/airloc/lib/utils/retryutils"
)

type firehosePutter interface {
	PutRecordBatch(ctx context.Context, params *firehose.PutRecordBatchInput, optFns ...func(*firehose.Options)) (*firehose.PutRecordBatchOutput, error)
}

// DeliverySinkConfig configures batch delivery to the delivery stream.
type DeliverySinkConfig struct {
	// Putter submits batches to the delivery stream (required).
	Putter firehosePutter
	// StreamName is the delivery stream name (required).
	StreamName string
	// MaxRetries bounds whole-batch retries of retriable errors.
	MaxRetries int
	// BaseBackoff is the delay of the first retry.
	BaseBackoff time.Duration
	// MaxBackoff caps a single retry delay.
	MaxBackoff time.Duration
	// PartialRetryDelay is the fixed wait before resubmitting records that
	// failed inside an accepted batch.
	PartialRetryDelay time.Duration
	// MaxInFlight bounds concurrent batch submissions.
	MaxInFlight int
	// Jitter randomizes retry delays, quarter jitter by default.
	Jitter retryutils.Jitter
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger
	// metrics is set by the pipeline.
	metrics *ingestMetrics
}

// CheckAndSetDefaults checks and sets defaults.
func (cfg *DeliverySinkConfig) CheckAndSetDefaults() error {
	if cfg.Putter == nil {
		return trace.BadParameter("Putter is not specified")
	}
	if cfg.StreamName == "" {
		return trace.BadParameter("StreamName is not specified")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.DeliveryMaxRetries
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = defaults.DeliveryBaseBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = defaults.DeliveryMaxBackoff
	}
	if cfg.PartialRetryDelay == 0 {
		cfg.PartialRetryDelay = defaults.PartialRetryDelay
	}
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = defaults.MaxInFlightBatches
	}
	if cfg.Jitter == nil {
		cfg.Jitter = retryutils.NewQuarterJitter()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.With(defaults.ComponentKey, defaults.ComponentIngest)
	}
	return nil
}

// DeliverySink writes batches to the delivery stream. WriteBatch never
// fails from the caller's perspective: delivery errors are retried,
// classified, and finally absorbed as counted losses, so a slow or broken
// stream cannot unwind the producing path.
type DeliverySink struct {
	cfg DeliverySinkConfig
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewDeliverySink returns a delivery sink.
func NewDeliverySink(cfg DeliverySinkConfig) (*DeliverySink, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &DeliverySink{
		cfg: cfg,
		sem: make(chan struct{}, cfg.MaxInFlight),
	}, nil
}

// WriteBatch submits a batch asynchronously. It blocks only while the
// in-flight limit is reached, which bounds sink memory and backpressures
// the publisher. The batch must not be touched by the caller afterwards.
func (s *DeliverySink) WriteBatch(ctx context.Context, batch *Batch) {
	if len(batch.entries) == 0 {
		return
	}
	s.sem <- struct{}{}
	s.wg.Add(1)
	// The submission must survive pipeline cancellation: a batch at the
	// network call is never abandoned mid-flight. Cancellation is honored
	// at the retry waits inside deliver.
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		s.deliver(ctx, batch, true)
	}()
}

// Wait blocks until all in-flight deliveries finish, up to grace.
func (s *DeliverySink) Wait(grace time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-s.cfg.Clock.After(grace):
		return trace.LimitExceeded("deliveries still in flight after %v", grace)
	}
}

func (s *DeliverySink) deliver(ctx context.Context, batch *Batch, allowPartialRetry bool) {
	logger := s.cfg.Logger.With("correlation_id", batch.correlationID, "records", len(batch.entries))
	start := s.cfg.Clock.Now()
	defer func() {
		if s.cfg.metrics != nil {
			s.cfg.metrics.deliveryLatency.Observe(s.cfg.Clock.Now().Sub(start).Seconds())
		}
	}()

	input := &firehose.PutRecordBatchInput{
		DeliveryStreamName: aws.String(s.cfg.StreamName),
		Records:            make([]firehoseTypes.Record, len(batch.entries)),
	}
	for i, entry := range batch.entries {
		input.Records[i] = firehoseTypes.Record{Data: entry.data}
	}

	retry, err := retryutils.NewExponential(retryutils.ExponentialConfig{
		Base:   s.cfg.BaseBackoff,
		Max:    s.cfg.MaxBackoff,
		Jitter: s.cfg.Jitter,
		Clock:  s.cfg.Clock,
	})
	if err != nil {
		// Config was validated at construction; this cannot happen.
		s.loseAll(ctx, logger, batch, err)
		return
	}

	for {
		if s.cfg.metrics != nil {
			s.cfg.metrics.batchesSubmitted.Inc()
		}
		out, err := s.cfg.Putter.PutRecordBatch(context.WithoutCancel(ctx), input)
		if err == nil {
			s.settle(ctx, logger, batch, out, allowPartialRetry)
			return
		}

		switch kind := classifyDeliveryError(err); kind {
		case deliveryPermanent:
			logger.ErrorContext(ctx, "Permanent delivery error, discarding batch", "error", err)
			s.loseAll(ctx, logger, batch, err)
			return
		case deliveryUnknown:
			logger.ErrorContext(ctx, "Unclassified delivery error, discarding batch", "error", err)
			s.loseAll(ctx, logger, batch, err)
			return
		case deliveryRetriable:
			if retry.Attempt() >= s.cfg.MaxRetries {
				logger.ErrorContext(ctx, "Delivery retries exhausted, discarding batch",
					"attempts", retry.Attempt(), "error", err)
				s.loseAll(ctx, logger, batch, err)
				return
			}
			if s.cfg.metrics != nil {
				s.cfg.metrics.batchRetries.Inc()
			}
			logger.WarnContext(ctx, "Retriable delivery error, backing off",
				"attempt", retry.Attempt(), "error", err)
			select {
			case <-retry.After():
				retry.Inc()
			case <-ctx.Done():
				// Shutdown during a retry wait; the batch was not at the
				// network call, so it may be dropped.
				logger.WarnContext(ctx, "Shutdown during retry wait, discarding batch")
				s.loseAll(ctx, logger, batch, ctx.Err())
				return
			}
		}
	}
}

// settle processes a per-record status vector of an accepted batch.
// Records that failed inside the batch are resubmitted exactly once as a
// new batch after a short fixed delay; failures of the resubmission are
// final.
func (s *DeliverySink) settle(ctx context.Context, logger *slog.Logger, batch *Batch, out *firehose.PutRecordBatchOutput, allowPartialRetry bool) {
	failed := aws.ToInt32(out.FailedPutCount)
	if failed == 0 || len(out.RequestResponses) != len(batch.entries) {
		for _, entry := range batch.entries {
			s.markDelivered(ctx, entry)
		}
		return
	}

	var failedEntries []batchEntry
	var failedBytes int
	for i, response := range out.RequestResponses {
		if response.ErrorCode == nil {
			s.markDelivered(ctx, batch.entries[i])
			continue
		}
		failedEntries = append(failedEntries, batch.entries[i])
		failedBytes += len(batch.entries[i].data)
	}

	if !allowPartialRetry {
		logger.ErrorContext(ctx, "Records failed on resubmission, discarding", "failed", len(failedEntries))
		for _, entry := range failedEntries {
			s.markLost(ctx, entry)
		}
		return
	}

	logger.WarnContext(ctx, "Partial batch failure, resubmitting failed records", "failed", len(failedEntries))
	if s.cfg.metrics != nil {
		s.cfg.metrics.partialResubmissions.Inc()
	}
	select {
	case <-s.cfg.Clock.After(s.cfg.PartialRetryDelay):
	case <-ctx.Done():
		for _, entry := range failedEntries {
			s.markLost(ctx, entry)
		}
		return
	}
	s.deliver(ctx, &Batch{
		entries:       failedEntries,
		bytes:         failedBytes,
		createdAt:     s.cfg.Clock.Now(),
		correlationID: batch.correlationID + "-r1",
	}, false)
}

func (s *DeliverySink) loseAll(ctx context.Context, logger *slog.Logger, batch *Batch, err error) {
	logger.ErrorContext(ctx, "Batch lost", "error", err)
	for _, entry := range batch.entries {
		s.markLost(ctx, entry)
	}
}

func (s *DeliverySink) markDelivered(ctx context.Context, entry batchEntry) {
	if s.cfg.metrics != nil {
		s.cfg.metrics.recordsDelivered.Inc()
	}
	if entry.tracker != nil {
		entry.tracker.RecordDone(ctx)
	}
}

func (s *DeliverySink) markLost(ctx context.Context, entry batchEntry) {
	if s.cfg.metrics != nil {
		s.cfg.metrics.recordsLost.Inc()
	}
	if entry.tracker != nil {
		entry.tracker.RecordDone(ctx)
	}
}

type deliveryErrorKind int

const (
	deliveryRetriable deliveryErrorKind = iota
	deliveryPermanent
	deliveryUnknown
)

// classifyDeliveryError is a pure classifier over the delivery stream
// error surface. Throttling, transport failures and 5xx responses are
// retriable; misconfiguration is permanent; anything else is conservatively
// treated as unknown and discarded without retry.
func classifyDeliveryError(err error) deliveryErrorKind {
	var resourceNotFound *firehoseTypes.ResourceNotFoundException
	var invalidArgument *firehoseTypes.InvalidArgumentException
	if errors.As(err, &resourceNotFound) || errors.As(err, &invalidArgument) {
		return deliveryPermanent
	}
	var serviceUnavailable *firehoseTypes.ServiceUnavailableException
	var limitExceeded *firehoseTypes.LimitExceededException
	if errors.As(err, &serviceUnavailable) || errors.As(err, &limitExceeded) {
		return deliveryRetriable
	}
	var responseErr *awshttp.ResponseError
	if errors.As(err, &responseErr) {
		status := responseErr.HTTPStatusCode()
		if status == 429 || status >= 500 {
			return deliveryRetriable
		}
		if status >= 400 {
			return deliveryPermanent
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "RequestTimeout", "ServiceUnavailable":
			return deliveryRetriable
		case "ValidationException", "AccessDeniedException":
			return deliveryPermanent
		}
		return deliveryUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return deliveryRetriable
	}
	return deliveryUnknown
}
