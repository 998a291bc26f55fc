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
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/airloc/airloc/lib/defaults"
)

type sqsReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
}

// QueueConsumerConfig configures long polling of the work queue.
type QueueConsumerConfig struct {
	// Receiver polls the work queue (required).
	Receiver sqsReceiver
	// QueueURL is the work queue URL (required).
	QueueURL string
	// MaxMessagesPerPoll bounds messages per receive call, at most 10.
	MaxMessagesPerPoll int
	// WaitTime is the long poll duration.
	WaitTime time.Duration
	// VisibilityTimeout hides received messages from other consumers while
	// they are processed.
	VisibilityTimeout time.Duration
	// WaitOnReceiveError is the pause after a transient receive failure.
	WaitOnReceiveError time.Duration
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger
	// metrics is set by the pipeline.
	metrics *ingestMetrics
}

// CheckAndSetDefaults checks and sets defaults.
func (cfg *QueueConsumerConfig) CheckAndSetDefaults() error {
	if cfg.Receiver == nil {
		return trace.BadParameter("Receiver is not specified")
	}
	if cfg.QueueURL == "" {
		return trace.BadParameter("QueueURL is not specified")
	}
	if cfg.MaxMessagesPerPoll == 0 {
		cfg.MaxMessagesPerPoll = defaults.MaxMessagesPerPoll
	}
	if cfg.MaxMessagesPerPoll < 1 || cfg.MaxMessagesPerPoll > 10 {
		return trace.BadParameter("MaxMessagesPerPoll must be in [1, 10]")
	}
	if cfg.WaitTime == 0 {
		cfg.WaitTime = defaults.QueueWaitTime
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = defaults.QueueVisibilityTimeout
	}
	if cfg.WaitOnReceiveError == 0 {
		cfg.WaitOnReceiveError = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.With(defaults.ComponentKey, defaults.ComponentIngest)
	}
	return nil
}

// QueueConsumer long polls the work queue and feeds received messages to
// the processing workers through a bounded channel, which backpressures
// polling when workers fall behind.
type QueueConsumer struct {
	cfg QueueConsumerConfig
}

// NewQueueConsumer returns a queue consumer.
func NewQueueConsumer(cfg QueueConsumerConfig) (*QueueConsumer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &QueueConsumer{cfg: cfg}, nil
}

// Run polls until the context is canceled. The caller owns out and should
// close it after Run returns.
func (c *QueueConsumer) Run(ctx context.Context, out chan<- sqsTypes.Message) {
	for {
		if ctx.Err() != nil {
			return
		}
		resp, err := c.cfg.Receiver.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(c.cfg.QueueURL),
			MaxNumberOfMessages:   int32(c.cfg.MaxMessagesPerPoll),
			WaitTimeSeconds:       int32(c.cfg.WaitTime / time.Second),
			VisibilityTimeout:     int32(c.cfg.VisibilityTimeout / time.Second),
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handleReceiveError(ctx, err)
			continue
		}
		for _, msg := range resp.Messages {
			if c.cfg.metrics != nil {
				c.cfg.metrics.messagesReceived.Inc()
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				// Undelivered messages redeliver after the visibility
				// timeout.
				return
			}
		}
	}
}

// handleReceiveError distinguishes permission problems, which are loud and
// persistent, from transient receive failures, which get a short pause so a
// broken queue does not spin the poll loop.
func (c *QueueConsumer) handleReceiveError(ctx context.Context, err error) {
	if c.cfg.metrics != nil {
		c.cfg.metrics.queueReceiveFails.Inc()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AccessDeniedException", "InvalidAddress", "QueueDoesNotExist", "AWS.SimpleQueueService.NonExistentQueue":
			c.cfg.Logger.ErrorContext(ctx, "Work queue is misconfigured or inaccessible, check queue URL and permissions",
				"error", err, "queue_url", c.cfg.QueueURL)
		default:
			c.cfg.Logger.WarnContext(ctx, "Failed to receive from work queue", "error", err)
		}
	} else {
		c.cfg.Logger.WarnContext(ctx, "Failed to receive from work queue", "error", err)
	}
	select {
	case <-c.cfg.Clock.After(c.cfg.WaitOnReceiveError):
	case <-ctx.Done():
	}
}
