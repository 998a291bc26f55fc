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
	"strings"
	"testing"
	"time"

	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"
)

type pipelineFakes struct {
	receiver *fakeReceiver
	deleter  *fakeDeleter
	getter   *fakeGetter
	putter   *fakePutter
}

func testPipeline(t *testing.T, fakes pipelineFakes) *Pipeline {
	t.Helper()
	p, err := NewPipeline(PipelineConfig{
		Queue:       QueueConsumerConfig{Receiver: fakes.receiver, QueueURL: "https://queue", WaitOnReceiveError: time.Millisecond},
		Ack:         AckCoordinatorConfig{Deleter: fakes.deleter, QueueURL: "https://queue"},
		Reader:      ObjectReaderConfig{Getter: fakes.getter},
		Sink:        DeliverySinkConfig{Putter: fakes.putter, StreamName: "measurements", Jitter: constantJitter, PartialRetryDelay: time.Millisecond},
		Batcher:     BatchPublisherConfig{MaxBatchAge: 10 * time.Millisecond},
		Concurrency: 2,
	})
	require.NoError(t, err)
	return p
}

func runPipeline(t *testing.T, p *Pipeline) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("pipeline did not stop")
		}
	}
}

// A mixed upload flows end to end: clean lines become delivery records,
// bad lines are dropped, and the queue message is deleted only after the
// records landed.
func TestPipelineProcessesUpload(t *testing.T) {
	var body strings.Builder
	for _, rssi := range []float64{-50, -60, -70, -80} {
		body.Write(uploadLineJSON(15, rssi))
		body.WriteByte('\n')
	}
	body.WriteString("not json at all\n")
	body.Write(uploadLineJSON(500, -60)) // sanity-filtered
	body.WriteByte('\n')

	notification := queueNotification("uploads-prod", "measurements/stockholm-wifi/chunk-1.ndjson",
		int64(body.Len()), time.Now().UTC().Format(time.RFC3339))

	fakes := pipelineFakes{
		receiver: &fakeReceiver{results: []receiveResult{
			{messages: []sqsTypes.Message{message("1", string(notification))}},
		}},
		deleter: &fakeDeleter{},
		getter:  &fakeGetter{body: body.String()},
		putter:  &fakePutter{},
	}
	p := testPipeline(t, fakes)
	cancel := runPipeline(t, p)
	defer cancel()

	require.Eventually(t, func() bool {
		return fakes.deleter.count() == 1
	}, 10*time.Second, 10*time.Millisecond, "queue message was never acked")
	require.Equal(t, "receipt-1", fakes.deleter.receipt(0))

	var delivered int
	fakes.putter.mu.Lock()
	for _, call := range fakes.putter.calls {
		delivered += len(call.Records)
	}
	fakes.putter.mu.Unlock()
	require.Equal(t, 4, delivered)
}

// A notification whose object cannot be fetched leaves the message in the
// queue for redelivery.
func TestPipelineAbandonsOnStoreFailure(t *testing.T) {
	notification := queueNotification("uploads-prod", "measurements/stockholm-wifi/chunk-1.ndjson",
		100, time.Now().UTC().Format(time.RFC3339))

	fakes := pipelineFakes{
		receiver: &fakeReceiver{results: []receiveResult{
			{messages: []sqsTypes.Message{message("1", string(notification))}},
		}},
		deleter: &fakeDeleter{},
		getter:  &fakeGetter{err: errors.New("store unreachable")},
		putter:  &fakePutter{},
	}
	p := testPipeline(t, fakes)
	cancel := runPipeline(t, p)
	defer cancel()

	require.Eventually(t, func() bool {
		fakes.getter.mu.Lock()
		defer fakes.getter.mu.Unlock()
		return len(fakes.getter.requestedKeys) > 0
	}, 10*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool {
		return fakes.deleter.count() > 0
	}, 200*time.Millisecond, 20*time.Millisecond, "abandoned message was deleted")
}

// A message body that matches no notification shape is poison: it is acked
// so it cannot cycle through the queue forever.
func TestPipelineAcksPoisonMessage(t *testing.T) {
	fakes := pipelineFakes{
		receiver: &fakeReceiver{results: []receiveResult{
			{messages: []sqsTypes.Message{message("1", "complete garbage")}},
		}},
		deleter: &fakeDeleter{},
		getter:  &fakeGetter{},
		putter:  &fakePutter{},
	}
	p := testPipeline(t, fakes)
	cancel := runPipeline(t, p)
	defer cancel()

	require.Eventually(t, func() bool {
		return fakes.deleter.count() == 1
	}, 10*time.Second, 10*time.Millisecond)

	fakes.putter.mu.Lock()
	defer fakes.putter.mu.Unlock()
	require.Empty(t, fakes.putter.calls)
}

// An oversize upload can never be processed, so retrying it is pointless
// and the message acks immediately.
func TestPipelineAcksOversizeUpload(t *testing.T) {
	notification := queueNotification("uploads-prod", "measurements/stockholm-wifi/huge.ndjson",
		50, time.Now().UTC().Format(time.RFC3339))

	fakes := pipelineFakes{
		receiver: &fakeReceiver{results: []receiveResult{
			{messages: []sqsTypes.Message{message("1", string(notification))}},
		}},
		deleter: &fakeDeleter{},
		getter:  &fakeGetter{body: "irrelevant"},
		putter:  &fakePutter{},
	}
	p, err := NewPipeline(PipelineConfig{
		Queue:   QueueConsumerConfig{Receiver: fakes.receiver, QueueURL: "https://queue", WaitOnReceiveError: time.Millisecond},
		Ack:     AckCoordinatorConfig{Deleter: fakes.deleter, QueueURL: "https://queue"},
		Reader:  ObjectReaderConfig{Getter: fakes.getter, MaxObjectSize: 10},
		Sink:    DeliverySinkConfig{Putter: fakes.putter, StreamName: "measurements", Jitter: constantJitter},
		Batcher: BatchPublisherConfig{MaxBatchAge: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	cancel := runPipeline(t, p)
	defer cancel()

	require.Eventually(t, func() bool {
		return fakes.deleter.count() == 1
	}, 10*time.Second, 10*time.Millisecond)
}

func TestPipelineHealth(t *testing.T) {
	fakes := pipelineFakes{
		receiver: &fakeReceiver{},
		deleter:  &fakeDeleter{},
		getter:   &fakeGetter{},
		putter:   &fakePutter{},
	}
	p := testPipeline(t, fakes)
	cancel := runPipeline(t, p)
	defer cancel()

	report := p.Health()
	require.Equal(t, "ok", report.Status)
	require.False(t, report.UnderMemoryPressure)
	require.Zero(t, report.MessagesInFlight)
}

func TestPipelineConfigValidation(t *testing.T) {
	_, err := NewPipeline(PipelineConfig{})
	require.Error(t, err)

	_, err = NewPipeline(PipelineConfig{
		Queue:       QueueConsumerConfig{Receiver: &fakeReceiver{}, QueueURL: "https://queue"},
		Ack:         AckCoordinatorConfig{Deleter: &fakeDeleter{}, QueueURL: "https://queue"},
		Reader:      ObjectReaderConfig{Getter: &fakeGetter{}},
		Sink:        DeliverySinkConfig{Putter: &fakePutter{}, StreamName: "measurements"},
		Concurrency: -1,
	})
	require.Error(t, err)
}
