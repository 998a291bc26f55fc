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

// Package defaults holds process-wide default values shared between
// the ingestion pipeline and the positioning engine.
package defaults

import "time"

const (
	// ComponentKey is the log attribute key used to mark the subsystem
	// emitting a log line.
	ComponentKey = "component"

	// ComponentIngest identifies the ingestion pipeline.
	ComponentIngest = "ingest"
	// ComponentLocate identifies the positioning engine.
	ComponentLocate = "locate"

	// MetricNamespace is the prometheus namespace for all airloc metrics.
	MetricNamespace = "airloc"
)

const (
	// HTTPMaxIdleConns is the max idle connections across all hosts.
	HTTPMaxIdleConns = 2000

	// HTTPMaxIdleConnsPerHost is the max idle connections per-host.
	HTTPMaxIdleConnsPerHost = 1000
)

const (
	// MaxMessagesPerPoll is how many messages a single queue receive call
	// may return, capped by the SQS API.
	MaxMessagesPerPoll = 10

	// QueueWaitTime is the long-poll wait used when the queue is empty.
	QueueWaitTime = 5 * time.Second

	// QueueVisibilityTimeout is how long a received message stays
	// invisible to other consumers before it returns to the queue.
	QueueVisibilityTimeout = 5 * time.Minute

	// RecordChannelSize bounds the in-process record channel between the
	// transform stage and the batch publisher. A full channel applies
	// backpressure to the poll loop.
	RecordChannelSize = 1000

	// IngestConcurrency is the default number of upload processing workers.
	IngestConcurrency = 4
)

const (
	// MaxBatchRecords is the default record count bound of a delivery batch,
	// capped by the Firehose PutRecordBatch API limit of 500.
	MaxBatchRecords = 500

	// MaxBatchBytes is the default byte-size bound of a delivery batch.
	// Firehose caps a single PutRecordBatch call at 4 MiB.
	MaxBatchBytes = 4 * 1024 * 1024

	// MaxBatchAge is the default age bound of a delivery batch.
	MaxBatchAge = 5 * time.Second

	// MaxInFlightBatches bounds concurrent delivery submissions.
	MaxInFlightBatches = 4

	// DeliveryMaxRetries is the default retry budget of a retriable
	// whole-batch delivery error.
	DeliveryMaxRetries = 5

	// DeliveryBaseBackoff is the base of the exponential delivery backoff.
	DeliveryBaseBackoff = 200 * time.Millisecond

	// DeliveryMaxBackoff caps a single delivery backoff delay.
	DeliveryMaxBackoff = 30 * time.Second

	// PartialRetryDelay is the fixed delay before resubmitting records that
	// failed inside an otherwise accepted batch.
	PartialRetryDelay = 500 * time.Millisecond
)

const (
	// MaxObjectSize is the default upper bound of a measurement upload,
	// larger objects are rejected before opening.
	MaxObjectSize = 1 * 1024 * 1024 * 1024

	// MaxUploadEventSize is the hard cap on the size field of an upload
	// notification (5 GiB, the S3 single-object put limit).
	MaxUploadEventSize = 5 * 1024 * 1024 * 1024

	// MaxLineBytes bounds a single line of a measurement upload.
	MaxLineBytes = 1024 * 1024
)

const (
	// MemoryCheckInterval is the default heap sampling interval.
	MemoryCheckInterval = 5 * time.Second

	// MemoryPressureThreshold is the default heap-used ratio above which
	// the pressure flag is raised.
	MemoryPressureThreshold = 0.8

	// MemoryPressureHysteresis is subtracted from the threshold before the
	// pressure flag is cleared, so the flag does not flap around the
	// threshold.
	MemoryPressureHysteresis = 0.05

	// MinThrottledBatchSize is the floor of the throttled batch size under
	// memory pressure.
	MinThrottledBatchSize = 10
)

const (
	// ShutdownGrace bounds each phase of the graceful stop sequence.
	ShutdownGrace = 30 * time.Second
)
