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
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	mu            sync.Mutex
	body          string
	contentLength *int64
	err           error
	requestedKeys []string
}

func (g *fakeGetter) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	g.mu.Lock()
	g.requestedKeys = append(g.requestedKeys, aws.ToString(in.Key))
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	length := g.contentLength
	if length == nil {
		length = aws.Int64(int64(len(g.body)))
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(g.body)),
		ContentLength: length,
	}, nil
}

func testReader(t *testing.T, getter *fakeGetter, maxSize int64) *ObjectReader {
	t.Helper()
	r, err := NewObjectReader(ObjectReaderConfig{Getter: getter, MaxObjectSize: maxSize})
	require.NoError(t, err)
	return r
}

func TestObjectReaderStreamsLines(t *testing.T) {
	getter := &fakeGetter{body: "line one\nline two\nline three\n"}
	r := testReader(t, getter, 1024)

	seq, err := r.Open(context.Background(), &UploadEvent{Bucket: "b", Key: "a/b.ndjson", Size: 29})
	require.NoError(t, err)
	defer seq.Close()

	var lines []string
	for seq.Next() {
		lines = append(lines, string(seq.Line()))
	}
	require.NoError(t, seq.Err())
	require.Equal(t, []string{"line one", "line two", "line three"}, lines)
	require.Equal(t, []string{"a/b.ndjson"}, getter.requestedKeys)
}

func TestObjectReaderNoTrailingNewline(t *testing.T) {
	getter := &fakeGetter{body: "only line"}
	r := testReader(t, getter, 1024)

	seq, err := r.Open(context.Background(), &UploadEvent{Bucket: "b", Key: "k", Size: 9})
	require.NoError(t, err)
	defer seq.Close()

	require.True(t, seq.Next())
	require.Equal(t, "only line", string(seq.Line()))
	require.False(t, seq.Next())
	require.NoError(t, seq.Err())
}

func TestObjectReaderRejectsOversizeBeforeOpen(t *testing.T) {
	getter := &fakeGetter{body: "irrelevant"}
	r := testReader(t, getter, 100)

	_, err := r.Open(context.Background(), &UploadEvent{Bucket: "b", Key: "k", Size: 101})
	require.True(t, trace.IsLimitExceeded(err))
	require.Empty(t, getter.requestedKeys, "oversize object was fetched anyway")
}

func TestObjectReaderRejectsOversizeAfterOpen(t *testing.T) {
	// The notification undersold the object size; the authoritative content
	// length still rejects it.
	getter := &fakeGetter{body: "small", contentLength: aws.Int64(500)}
	r := testReader(t, getter, 100)

	_, err := r.Open(context.Background(), &UploadEvent{Bucket: "b", Key: "k", Size: 10})
	require.True(t, trace.IsLimitExceeded(err))
}

func TestObjectReaderGetFailure(t *testing.T) {
	getter := &fakeGetter{err: errors.New("no such key")}
	r := testReader(t, getter, 1024)

	_, err := r.Open(context.Background(), &UploadEvent{Bucket: "b", Key: "k", Size: 10})
	require.Error(t, err)
	require.False(t, trace.IsLimitExceeded(err))
}

func TestObjectReaderLineTooLong(t *testing.T) {
	getter := &fakeGetter{body: strings.Repeat("x", 2048) + "\nshort\n"}
	r, err := NewObjectReader(ObjectReaderConfig{Getter: getter, MaxObjectSize: 1 << 20, MaxLineBytes: 1024})
	require.NoError(t, err)

	seq, err := r.Open(context.Background(), &UploadEvent{Bucket: "b", Key: "k", Size: 2055})
	require.NoError(t, err)
	defer seq.Close()

	for seq.Next() {
	}
	require.Error(t, seq.Err())
}

func TestLineSequenceCloseIdempotent(t *testing.T) {
	getter := &fakeGetter{body: "a\nb\n"}
	r := testReader(t, getter, 1024)

	seq, err := r.Open(context.Background(), &UploadEvent{Bucket: "b", Key: "k", Size: 4})
	require.NoError(t, err)
	require.NoError(t, seq.Close())
	require.NoError(t, seq.Close())
	require.False(t, seq.Next())
}
