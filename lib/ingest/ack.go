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
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gravitational/trace"

	"github.com/airloc/airloc/lib/defaults"
)

type sqsDeleter interface {
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// AckCoordinatorConfig configures message acknowledgment.
type AckCoordinatorConfig struct {
	// Deleter deletes acked messages from the work queue (required).
	Deleter sqsDeleter
	// QueueURL is the work queue URL (required).
	QueueURL string
	// Logger emits log messages.
	Logger *slog.Logger
	// metrics is set by the pipeline.
	metrics *ingestMetrics
}

// CheckAndSetDefaults checks and sets defaults.
func (cfg *AckCoordinatorConfig) CheckAndSetDefaults() error {
	if cfg.Deleter == nil {
		return trace.BadParameter("Deleter is not specified")
	}
	if cfg.QueueURL == "" {
		return trace.BadParameter("QueueURL is not specified")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.With(defaults.ComponentKey, defaults.ComponentIngest)
	}
	return nil
}

// AckCoordinator deletes a queue message only once every record derived
// from it has reached a terminal state: delivered, permanently discarded,
// or lost after exhausted retries. A message abandoned on a processing
// failure is never deleted and returns to the queue after the visibility
// timeout.
type AckCoordinator struct {
	cfg AckCoordinatorConfig
}

// NewAckCoordinator returns an ack coordinator.
func NewAckCoordinator(cfg AckCoordinatorConfig) (*AckCoordinator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &AckCoordinator{cfg: cfg}, nil
}

// Track starts tracking one queue message. The tracker holds one reference
// for the message itself; the pipeline adds one per derived record and the
// sink releases them as records reach terminal states. The message
// reference is released by Seal or Abort when the source stream has been
// fully read.
func (c *AckCoordinator) Track(receiptHandle string) *MessageTracker {
	t := &MessageTracker{coord: c, receiptHandle: receiptHandle}
	t.refs.Store(1)
	return t
}

// MessageTracker is the in-flight record refcount of one queue message.
// All methods are safe for concurrent use.
type MessageTracker struct {
	coord         *AckCoordinator
	receiptHandle string
	refs          atomic.Int64
	aborted       atomic.Bool
	finalize      sync.Once
}

// AddRecord registers one derived record still in flight. Must be called
// before the record is handed downstream.
func (t *MessageTracker) AddRecord() {
	t.refs.Add(1)
}

// RecordDone marks one derived record terminal.
func (t *MessageTracker) RecordDone(ctx context.Context) {
	t.release(ctx)
}

// Seal marks the source stream fully read; the message is deleted once the
// remaining records finish.
func (t *MessageTracker) Seal(ctx context.Context) {
	t.release(ctx)
}

// Abort marks the message failed; it is never deleted and redelivers after
// the visibility timeout. Records already in flight still drain.
func (t *MessageTracker) Abort(ctx context.Context) {
	t.aborted.Store(true)
	t.release(ctx)
}

func (t *MessageTracker) release(ctx context.Context) {
	if t.refs.Add(-1) > 0 {
		return
	}
	t.finalize.Do(func() {
		t.coord.finish(ctx, t)
	})
}

func (c *AckCoordinator) finish(ctx context.Context, t *MessageTracker) {
	if t.aborted.Load() {
		if c.cfg.metrics != nil {
			c.cfg.metrics.messagesAbandoned.Inc()
		}
		c.cfg.Logger.DebugContext(ctx, "Message left for redelivery")
		return
	}
	_, err := c.cfg.Deleter.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: aws.String(t.receiptHandle),
	})
	if err != nil {
		// The message will redeliver and reprocess; at-least-once absorbs
		// the duplicate.
		c.cfg.Logger.WarnContext(ctx, "Failed to delete acked message", "error", err)
		return
	}
	if c.cfg.metrics != nil {
		c.cfg.metrics.messagesAcked.Inc()
		c.cfg.metrics.lastProcessedTimestamp.SetToCurrentTime()
	}
}
