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
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/airloc/airloc/lib/defaults"
)

// UploadEvent is a validated notification of a measurement upload. It is
// immutable after parsing and dies when its queue message is acked.
type UploadEvent struct {
	// ID is the notification id when the wire shape carries one.
	ID string
	// Time is the object creation time.
	Time time.Time
	// Region is the bucket region.
	Region string
	// Bucket is the bucket holding the upload.
	Bucket string
	// Key is the object key, URL-decoded.
	Key string
	// Size is the object size in bytes as reported by the notification.
	Size int64
	// ETag and Sequencer are carried through when present.
	ETag      string
	Sequencer string
	// StreamName is the path component preceding the filename, used to
	// route the upload to a feed processor. "unknown" when the key has no
	// usable path.
	StreamName string
}

// unknownStream is the stream routed to the default feed processor.
const unknownStream = "unknown"

const (
	maxKeyLength    = 1024
	maxBucketLength = 63
	// eventMaxAge rejects notifications older than a year, they are
	// replays of something long expired from the queue.
	eventMaxAge = 365 * 24 * time.Hour
	// eventMaxSkew tolerates producer clock skew into the future.
	eventMaxSkew = 24 * time.Hour
)

// https://docs.aws.amazon.com/AmazonS3/latest/userguide/bucketnamingrules.html
var bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]+[a-z0-9]$`)

// EventParserConfig configures which notification wire shapes are accepted.
type EventParserConfig struct {
	// AcceptQueueNotifications accepts the queue notification wrapper with
	// a Records array (default true).
	AcceptQueueNotifications *bool
	// AcceptEventBridge accepts the event-bridge Object Created shape
	// (default true).
	AcceptEventBridge *bool
	// MaxSize caps the size field of a notification.
	MaxSize int64
	// Clock overrides time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (cfg *EventParserConfig) CheckAndSetDefaults() error {
	boolTrue := true
	if cfg.AcceptQueueNotifications == nil {
		cfg.AcceptQueueNotifications = &boolTrue
	}
	if cfg.AcceptEventBridge == nil {
		cfg.AcceptEventBridge = &boolTrue
	}
	if !*cfg.AcceptQueueNotifications && !*cfg.AcceptEventBridge {
		return trace.BadParameter("at least one notification shape must be accepted")
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = defaults.MaxUploadEventSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// EventParser decodes queue message bodies into UploadEvents. No partial
// events: any validation failure rejects the whole notification.
type EventParser struct {
	cfg EventParserConfig
}

// NewEventParser returns an upload notification parser.
func NewEventParser(cfg EventParserConfig) (*EventParser, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &EventParser{cfg: cfg}, nil
}

// queue notification wrapper, shape (a)
type s3Notification struct {
	Records []struct {
		EventSource string `json:"eventSource"`
		EventTime   string `json:"eventTime"`
		AWSRegion   string `json:"awsRegion"`
		S3          struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key       string `json:"key"`
				Size      int64  `json:"size"`
				ETag      string `json:"eTag"`
				Sequencer string `json:"sequencer"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// event-bridge Object Created, shape (b)
type eventBridgeNotification struct {
	DetailType string `json:"detail-type"`
	Source     string `json:"source"`
	ID         string `json:"id"`
	Time       string `json:"time"`
	Region     string `json:"region"`
	Detail     struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
			ETag string `json:"etag"`
		} `json:"object"`
	} `json:"detail"`
}

// Parse decodes a queue message body into an UploadEvent. It tries the
// enabled wire shapes in order and validates the result; errors carry
// enough context for the caller to log and count.
func (p *EventParser) Parse(body []byte) (*UploadEvent, error) {
	if *p.cfg.AcceptQueueNotifications {
		var n s3Notification
		if err := json.Unmarshal(body, &n); err == nil && len(n.Records) > 0 {
			rec := n.Records[0]
			if rec.EventSource != "aws:s3" {
				return nil, trace.BadParameter("unsupported event source %q", rec.EventSource)
			}
			event := &UploadEvent{
				Time:      parseEventTime(rec.EventTime),
				Region:    rec.AWSRegion,
				Bucket:    rec.S3.Bucket.Name,
				Key:       decodeKey(rec.S3.Object.Key),
				Size:      rec.S3.Object.Size,
				ETag:      rec.S3.Object.ETag,
				Sequencer: rec.S3.Object.Sequencer,
			}
			return p.validate(event)
		}
	}
	if *p.cfg.AcceptEventBridge {
		var n eventBridgeNotification
		if err := json.Unmarshal(body, &n); err == nil && n.DetailType != "" {
			if n.DetailType != "Object Created" || n.Source != "aws.s3" {
				return nil, trace.BadParameter("unsupported notification %q from %q", n.DetailType, n.Source)
			}
			event := &UploadEvent{
				ID:     n.ID,
				Time:   parseEventTime(n.Time),
				Region: n.Region,
				Bucket: n.Detail.Bucket.Name,
				Key:    decodeKey(n.Detail.Object.Key),
				Size:   n.Detail.Object.Size,
				ETag:   n.Detail.Object.ETag,
			}
			return p.validate(event)
		}
	}
	return nil, trace.BadParameter("message body matches no accepted notification shape")
}

func (p *EventParser) validate(event *UploadEvent) (*UploadEvent, error) {
	if event.Bucket == "" {
		return nil, trace.BadParameter("notification without bucket name")
	}
	if len(event.Bucket) > maxBucketLength || !bucketNameRe.MatchString(event.Bucket) {
		return nil, trace.BadParameter("bucket name %q is not DNS-safe", event.Bucket)
	}
	if event.Key == "" {
		return nil, trace.BadParameter("notification without object key")
	}
	if len(event.Key) > maxKeyLength {
		return nil, trace.BadParameter("object key exceeds %v bytes", maxKeyLength)
	}
	if strings.Contains(event.Key, "..") || strings.Contains(event.Key, "//") {
		return nil, trace.BadParameter("object key %q contains a forbidden path sequence", event.Key)
	}
	if event.Size < 0 || event.Size > p.cfg.MaxSize {
		return nil, trace.BadParameter("object size %v outside [0, %v]", event.Size, p.cfg.MaxSize)
	}
	if event.Time.IsZero() {
		return nil, trace.BadParameter("notification without a valid RFC-3339 timestamp")
	}
	now := p.cfg.Clock.Now()
	if event.Time.Before(now.Add(-eventMaxAge)) || event.Time.After(now.Add(eventMaxSkew)) {
		return nil, trace.BadParameter("notification timestamp %v outside the accepted window", event.Time)
	}
	event.StreamName = streamNameFromKey(event.Key)
	return event, nil
}

func parseEventTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// decodeKey URL-decodes an object key. Notifications encode keys the way
// HTML forms do, spaces arrive as '+'. Decoding is applied once; a key
// without escapes passes through unchanged, which keeps stream name
// extraction idempotent for already-decoded input.
func decodeKey(key string) string {
	decoded, err := url.QueryUnescape(key)
	if err != nil {
		return key
	}
	return decoded
}

// streamNameFromKey extracts the path component immediately preceding the
// filename. Keys without a directory component route to the default
// processor via "unknown".
func streamNameFromKey(key string) string {
	parts := strings.Split(strings.Trim(key, "/"), "/")
	if len(parts) < 2 {
		return unknownStream
	}
	name := parts[len(parts)-2]
	if name == "" {
		return unknownStream
	}
	return name
}
