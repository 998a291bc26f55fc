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

package locate

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gravitational/trace"

	"github.com/airloc/airloc/lib/defaults"
)

// Store resolves a normalized MAC address to a reference access point.
// Implementations must be safe for concurrent readers.
type Store interface {
	// Lookup returns the access point for mac, or false when unknown.
	Lookup(mac string) (APRecord, bool)
	// Len returns the number of known access points.
	Len() int
}

// SnapshotStore is an in-memory AP store backed by an immutable snapshot.
// Readers are lock-free; a reload swaps the whole snapshot atomically.
type SnapshotStore struct {
	snapshot atomic.Pointer[map[string]APRecord]
}

// NewSnapshotStore returns a store holding the given records.
func NewSnapshotStore(records []APRecord) *SnapshotStore {
	s := &SnapshotStore{}
	s.Replace(records)
	return s
}

// Lookup returns the access point for mac, or false when unknown.
func (s *SnapshotStore) Lookup(mac string) (APRecord, bool) {
	m := s.snapshot.Load()
	if m == nil {
		return APRecord{}, false
	}
	ap, ok := (*m)[mac]
	return ap, ok
}

// Len returns the number of known access points.
func (s *SnapshotStore) Len() int {
	m := s.snapshot.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

// Replace swaps in a new immutable snapshot built from records.
// Concurrent readers keep observing the previous snapshot until the swap.
func (s *SnapshotStore) Replace(records []APRecord) {
	m := make(map[string]APRecord, len(records))
	for _, r := range records {
		m[r.MAC] = r
	}
	s.snapshot.Store(&m)
}

type s3downloader interface {
	Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*manager.Downloader)) (n int64, err error)
}

// SnapshotLoaderConfig configures loading of AP snapshots from S3.
type SnapshotLoaderConfig struct {
	// Bucket is the snapshot bucket (required).
	Bucket string
	// Key is the snapshot object key (required).
	Key string
	// Downloader fetches the snapshot object (required).
	Downloader s3downloader
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (cfg *SnapshotLoaderConfig) CheckAndSetDefaults() error {
	if cfg.Bucket == "" {
		return trace.BadParameter("Bucket is not specified")
	}
	if cfg.Key == "" {
		return trace.BadParameter("Key is not specified")
	}
	if cfg.Downloader == nil {
		return trace.BadParameter("Downloader is not specified")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.With(defaults.ComponentKey, defaults.ComponentLocate)
	}
	return nil
}

// LoadSnapshotFromS3 downloads a CSV snapshot of the AP reference database
// and replaces the store contents with it. The snapshot format is one AP per
// line: mac,lat,lon,alt,h_acc,v_acc,status,confidence with an empty alt
// meaning unknown. Malformed lines are logged and skipped.
func (s *SnapshotStore) LoadSnapshotFromS3(ctx context.Context, cfg SnapshotLoaderConfig) error {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	buf := manager.NewWriteAtBuffer([]byte{})
	if _, err := cfg.Downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(cfg.Key),
	}); err != nil {
		return trace.Wrap(err)
	}

	records, skipped, err := parseSnapshotCSV(buf.Bytes())
	if err != nil {
		return trace.Wrap(err)
	}
	if skipped > 0 {
		cfg.Logger.WarnContext(ctx, "Skipped malformed AP snapshot lines", "skipped", skipped)
	}
	s.Replace(records)
	cfg.Logger.InfoContext(ctx, "Loaded AP snapshot", "bucket", cfg.Bucket, "key", cfg.Key, "count", len(records))
	return nil
}

func parseSnapshotCSV(data []byte) (records []APRecord, skipped int, err error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = 8
	r.ReuseRecord = true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		ap, ok := apFromRow(row)
		if !ok {
			skipped++
			continue
		}
		records = append(records, ap)
	}
	return records, skipped, nil
}

func apFromRow(row []string) (APRecord, bool) {
	lat, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return APRecord{}, false
	}
	lon, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return APRecord{}, false
	}
	var alt *float64
	if row[3] != "" {
		v, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return APRecord{}, false
		}
		alt = &v
	}
	hAcc, err := strconv.ParseFloat(row[4], 64)
	if err != nil {
		return APRecord{}, false
	}
	vAcc, err := strconv.ParseFloat(row[5], 64)
	if err != nil {
		return APRecord{}, false
	}
	conf, err := strconv.ParseFloat(row[7], 64)
	if err != nil {
		return APRecord{}, false
	}
	if row[0] == "" {
		return APRecord{}, false
	}
	return APRecord{
		MAC:                row[0],
		Latitude:           lat,
		Longitude:          lon,
		Altitude:           alt,
		HorizontalAccuracy: hAcc,
		VerticalAccuracy:   vAcc,
		Status:             APStatus(row[6]),
		Confidence:         conf,
	}, true
}
