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
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	firehoseTypes "github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

// fakePutter scripts PutRecordBatch responses in call order and records
// every input it sees.
type fakePutter struct {
	mu      sync.Mutex
	calls   []*firehose.PutRecordBatchInput
	results []putResult
}

type putResult struct {
	out *firehose.PutRecordBatchOutput
	err error
}

func (p *fakePutter) PutRecordBatch(ctx context.Context, in *firehose.PutRecordBatchInput, optFns ...func(*firehose.Options)) (*firehose.PutRecordBatchOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, in)
	if len(p.results) == 0 {
		return acceptAll(len(in.Records)), nil
	}
	res := p.results[0]
	p.results = p.results[1:]
	if res.err != nil {
		return nil, res.err
	}
	return res.out, nil
}

func (p *fakePutter) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakePutter) call(i int) *firehose.PutRecordBatchInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

func acceptAll(n int) *firehose.PutRecordBatchOutput {
	responses := make([]firehoseTypes.PutRecordBatchResponseEntry, n)
	for i := range responses {
		responses[i] = firehoseTypes.PutRecordBatchResponseEntry{RecordId: aws.String("accepted")}
	}
	return &firehose.PutRecordBatchOutput{
		FailedPutCount:   aws.Int32(0),
		RequestResponses: responses,
	}
}

// rejectIndexes accepts everything except the given record positions.
func rejectIndexes(n int, rejected ...int) *firehose.PutRecordBatchOutput {
	out := acceptAll(n)
	for _, i := range rejected {
		out.RequestResponses[i] = firehoseTypes.PutRecordBatchResponseEntry{
			ErrorCode:    aws.String("ServiceUnavailableException"),
			ErrorMessage: aws.String("slow down"),
		}
	}
	out.FailedPutCount = aws.Int32(int32(len(rejected)))
	return out
}

// constantJitter keeps sink tests fast and deterministic on a real clock.
func constantJitter(time.Duration) time.Duration { return time.Millisecond }

func testSink(t *testing.T, putter *fakePutter, results ...putResult) *DeliverySink {
	t.Helper()
	putter.results = results
	sink, err := NewDeliverySink(DeliverySinkConfig{
		Putter:            putter,
		StreamName:        "measurements",
		MaxRetries:        3,
		PartialRetryDelay: time.Millisecond,
		Jitter:            constantJitter,
	})
	require.NoError(t, err)
	return sink
}

func testBatch(records ...string) *Batch {
	b := &Batch{correlationID: "test-batch"}
	for _, r := range records {
		b.entries = append(b.entries, batchEntry{data: []byte(r)})
		b.bytes += len(r)
	}
	return b
}

func TestDeliverySuccess(t *testing.T) {
	putter := &fakePutter{}
	sink := testSink(t, putter)

	sink.WriteBatch(context.Background(), testBatch("a\n", "b\n"))
	require.NoError(t, sink.Wait(5*time.Second))

	require.Equal(t, 1, putter.callCount())
	call := putter.call(0)
	require.Equal(t, "measurements", aws.ToString(call.DeliveryStreamName))
	require.Len(t, call.Records, 2)
	require.Equal(t, []byte("a\n"), call.Records[0].Data)
}

// Records rejected inside an accepted batch are resubmitted exactly once,
// and only the rejected records travel again.
func TestDeliveryPartialFailureResubmitsOnce(t *testing.T) {
	putter := &fakePutter{}
	sink := testSink(t, putter,
		putResult{out: rejectIndexes(10, 2, 5, 7)},
	)

	records := make([]string, 10)
	for i := range records {
		records[i] = strings.Repeat("x", i+1) + "\n"
	}
	sink.WriteBatch(context.Background(), testBatch(records...))
	require.NoError(t, sink.Wait(5*time.Second))

	require.Equal(t, 2, putter.callCount())
	resubmitted := putter.call(1)
	require.Len(t, resubmitted.Records, 3)
	require.Equal(t, []byte(records[2]), resubmitted.Records[0].Data)
	require.Equal(t, []byte(records[5]), resubmitted.Records[1].Data)
	require.Equal(t, []byte(records[7]), resubmitted.Records[2].Data)
}

// A record that fails again on the resubmission is lost, not retried a
// third time.
func TestDeliveryPartialFailureIsFinalOnResubmission(t *testing.T) {
	putter := &fakePutter{}
	sink := testSink(t, putter,
		putResult{out: rejectIndexes(4, 1, 3)},
		putResult{out: rejectIndexes(2, 0)},
	)

	sink.WriteBatch(context.Background(), testBatch("a\n", "b\n", "c\n", "d\n"))
	require.NoError(t, sink.Wait(5*time.Second))

	require.Equal(t, 2, putter.callCount())
}

func TestDeliveryRetriableErrorRetries(t *testing.T) {
	putter := &fakePutter{}
	sink := testSink(t, putter,
		putResult{err: &firehoseTypes.ServiceUnavailableException{Message: aws.String("busy")}},
		putResult{err: &firehoseTypes.ServiceUnavailableException{Message: aws.String("busy")}},
	)

	sink.WriteBatch(context.Background(), testBatch("a\n"))
	require.NoError(t, sink.Wait(5*time.Second))

	require.Equal(t, 3, putter.callCount())
}

func TestDeliveryRetriesExhausted(t *testing.T) {
	putter := &fakePutter{}
	err := &firehoseTypes.ServiceUnavailableException{Message: aws.String("busy")}
	sink := testSink(t, putter,
		putResult{err: err}, putResult{err: err}, putResult{err: err},
		putResult{err: err}, putResult{err: err}, putResult{err: err},
	)

	sink.WriteBatch(context.Background(), testBatch("a\n"))
	require.NoError(t, sink.Wait(5*time.Second))

	// Initial call plus MaxRetries attempts, then the batch is lost.
	require.Equal(t, 4, putter.callCount())
}

func TestDeliveryPermanentErrorNoRetry(t *testing.T) {
	putter := &fakePutter{}
	sink := testSink(t, putter,
		putResult{err: &firehoseTypes.ResourceNotFoundException{Message: aws.String("no such stream")}},
	)

	sink.WriteBatch(context.Background(), testBatch("a\n"))
	require.NoError(t, sink.Wait(5*time.Second))

	require.Equal(t, 1, putter.callCount())
}

func TestDeliveryAcksTrackers(t *testing.T) {
	deleter := &fakeDeleter{}
	coord, err := NewAckCoordinator(AckCoordinatorConfig{Deleter: deleter, QueueURL: "https://queue"})
	require.NoError(t, err)

	tracker := coord.Track("receipt-1")
	batch := &Batch{correlationID: "test-batch"}
	for i := 0; i < 3; i++ {
		tracker.AddRecord()
		batch.entries = append(batch.entries, batchEntry{data: []byte("rec\n"), tracker: tracker})
	}
	tracker.Seal(context.Background())
	require.Equal(t, 0, deleter.count())

	putter := &fakePutter{}
	sink := testSink(t, putter)
	sink.WriteBatch(context.Background(), batch)
	require.NoError(t, sink.Wait(5*time.Second))

	require.Equal(t, 1, deleter.count())
	require.Equal(t, "receipt-1", deleter.receipt(0))
}

func TestDeliveryWaitGrace(t *testing.T) {
	release := make(chan struct{})
	putter := &blockingPutter{release: release}
	sink, err := NewDeliverySink(DeliverySinkConfig{
		Putter:     putter,
		StreamName: "measurements",
		Jitter:     constantJitter,
	})
	require.NoError(t, err)

	sink.WriteBatch(context.Background(), testBatch("a\n"))
	require.Error(t, sink.Wait(50*time.Millisecond))

	close(release)
	require.NoError(t, sink.Wait(5*time.Second))
}

type blockingPutter struct {
	release chan struct{}
}

func (p *blockingPutter) PutRecordBatch(ctx context.Context, in *firehose.PutRecordBatchInput, optFns ...func(*firehose.Options)) (*firehose.PutRecordBatchOutput, error) {
	<-p.release
	return acceptAll(len(in.Records)), nil
}

func TestClassifyDeliveryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want deliveryErrorKind
	}{
		{name: "stream missing", err: &firehoseTypes.ResourceNotFoundException{}, want: deliveryPermanent},
		{name: "invalid argument", err: &firehoseTypes.InvalidArgumentException{}, want: deliveryPermanent},
		{name: "service unavailable", err: &firehoseTypes.ServiceUnavailableException{}, want: deliveryRetriable},
		{name: "limit exceeded", err: &firehoseTypes.LimitExceededException{}, want: deliveryRetriable},
		{name: "throttling code", err: &smithy.GenericAPIError{Code: "ThrottlingException"}, want: deliveryRetriable},
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDeniedException"}, want: deliveryPermanent},
		{name: "unknown api error", err: &smithy.GenericAPIError{Code: "SomethingNew"}, want: deliveryUnknown},
		{name: "network timeout", err: &net.DNSError{IsTimeout: true}, want: deliveryRetriable},
		{name: "deadline", err: context.DeadlineExceeded, want: deliveryRetriable},
		{name: "plain error", err: errors.New("boom"), want: deliveryUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, classifyDeliveryError(tc.err))
		})
	}
}
