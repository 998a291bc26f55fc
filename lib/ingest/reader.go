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
	"bufio"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gravitational/trace"

	"github.com/airloc/airloc/lib/defaults"
)

type s3Getter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ObjectReaderConfig configures streaming of measurement uploads.
type ObjectReaderConfig struct {
	// Getter fetches upload objects (required).
	Getter s3Getter
	// MaxObjectSize rejects larger uploads before opening.
	MaxObjectSize int64
	// MaxLineBytes bounds a single upload line.
	MaxLineBytes int
}

// CheckAndSetDefaults checks and sets defaults.
func (cfg *ObjectReaderConfig) CheckAndSetDefaults() error {
	if cfg.Getter == nil {
		return trace.BadParameter("Getter is not specified")
	}
	if cfg.MaxObjectSize == 0 {
		cfg.MaxObjectSize = defaults.MaxObjectSize
	}
	if cfg.MaxLineBytes == 0 {
		cfg.MaxLineBytes = defaults.MaxLineBytes
	}
	return nil
}

// ObjectReader opens upload objects as bounded line sequences without
// buffering whole objects in memory.
type ObjectReader struct {
	cfg ObjectReaderConfig
}

// NewObjectReader returns an upload object reader.
func NewObjectReader(cfg ObjectReaderConfig) (*ObjectReader, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ObjectReader{cfg: cfg}, nil
}

// Open streams the object an upload event points to. Oversize uploads are
// rejected with a LimitExceeded error before the object is opened; the
// caller must Close the sequence on every exit path.
func (r *ObjectReader) Open(ctx context.Context, event *UploadEvent) (*LineSequence, error) {
	if event.Size > r.cfg.MaxObjectSize {
		return nil, trace.LimitExceeded("upload %s/%s of %v bytes exceeds the %v byte limit",
			event.Bucket, event.Key, event.Size, r.cfg.MaxObjectSize)
	}
	out, err := r.cfg.Getter.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(event.Bucket),
		Key:    aws.String(event.Key),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// The notification size can lie, the store is authoritative.
	if out.ContentLength != nil && *out.ContentLength > r.cfg.MaxObjectSize {
		out.Body.Close()
		return nil, trace.LimitExceeded("upload %s/%s of %v bytes exceeds the %v byte limit",
			event.Bucket, event.Key, *out.ContentLength, r.cfg.MaxObjectSize)
	}

	initial := 64 * 1024
	if initial > r.cfg.MaxLineBytes {
		// Scanner treats the larger of the two as the line bound.
		initial = r.cfg.MaxLineBytes
	}
	scanner := bufio.NewScanner(out.Body)
	scanner.Buffer(make([]byte, initial), r.cfg.MaxLineBytes)
	return &LineSequence{body: out.Body, scanner: scanner}, nil
}

// LineSequence is a lazy line iterator over an upload object. Not safe for
// concurrent use.
type LineSequence struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	closed  bool
}

// Next advances to the next line, returning false at the end of the
// object or on a transport error (distinguished via Err).
func (l *LineSequence) Next() bool {
	if l.closed {
		return false
	}
	return l.scanner.Scan()
}

// Line returns the current line. Valid until the next call to Next.
func (l *LineSequence) Line() []byte {
	return l.scanner.Bytes()
}

// Err returns the error that terminated iteration, nil on clean EOF.
func (l *LineSequence) Err() error {
	return trace.Wrap(l.scanner.Err())
}

// Close releases the underlying object body. Safe to call multiple times.
func (l *LineSequence) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return trace.Wrap(l.body.Close())
}
