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
	"log/slog"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/airloc/airloc/lib/defaults"
)

// HotspotAction selects what the OUI filter does with an observation whose
// OUI prefix is blacklisted.
type HotspotAction string

const (
	// HotspotFlag sets the hotspot flag and keeps the record.
	HotspotFlag HotspotAction = "FLAG"
	// HotspotExclude drops the record.
	HotspotExclude HotspotAction = "EXCLUDE"
	// HotspotLogOnly counts the hit and keeps the record unmarked.
	HotspotLogOnly HotspotAction = "LOG_ONLY"
)

// Measurement is one normalized AP observation ready for delivery. The
// field set is the canonical delivery schema; optional fields serialize as
// null when absent.
type Measurement struct {
	DeviceID          string   `json:"device_id"`
	ObservedAt        string   `json:"observed_at"`
	Latitude          float64  `json:"latitude"`
	Longitude         float64  `json:"longitude"`
	LocationAccuracyM float64  `json:"location_accuracy_m"`
	MAC               string   `json:"mac"`
	RSSIdBm           float64  `json:"rssi_dbm"`
	SSID              *string  `json:"ssid"`
	FrequencyMHz      *int     `json:"frequency_mhz"`
	Connected         bool     `json:"connected"`
	LinkSpeedMbps     *float64 `json:"link_speed_mbps"`
	QualityWeight     float64  `json:"quality_weight"`
	HotspotFlag       bool     `json:"hotspot_flag"`
}

// TransformerConfig holds the stage-1 filtering thresholds.
type TransformerConfig struct {
	// MaxLocationAccuracy drops measurements with a worse GPS fix, meters.
	MaxLocationAccuracy float64
	// MinRSSI and MaxRSSI bound acceptable AP observations, dBm.
	MinRSSI float64
	MaxRSSI float64
	// ConnectedQualityWeight is assigned to observations of the AP the
	// device is associated with.
	ConnectedQualityWeight float64
	// ScanQualityWeight is assigned to passive scan observations.
	ScanQualityWeight float64
	// LowLinkSpeedQualityWeight is assigned to connected observations
	// below LowLinkSpeedThreshold.
	LowLinkSpeedQualityWeight float64
	// LowLinkSpeedThreshold is the link speed in Mbps below which a
	// connected observation is downgraded.
	LowLinkSpeedThreshold float64
	// HotspotFilterEnabled turns the OUI blacklist on.
	HotspotFilterEnabled bool
	// OUIBlacklist lists OUI prefixes of known mobile hotspot vendors,
	// any MAC-like formatting.
	OUIBlacklist []string
	// HotspotAction selects what to do on a blacklist hit.
	HotspotAction HotspotAction
	// Logger emits log messages.
	Logger *slog.Logger
	// metrics is set by the pipeline.
	metrics *ingestMetrics
}

// CheckAndSetDefaults checks and sets defaults.
func (cfg *TransformerConfig) CheckAndSetDefaults() error {
	if cfg.MaxLocationAccuracy == 0 {
		cfg.MaxLocationAccuracy = 200
	}
	if cfg.MaxLocationAccuracy < 1 || cfg.MaxLocationAccuracy > 1000 {
		return trace.BadParameter("MaxLocationAccuracy must be in [1, 1000]")
	}
	if cfg.MinRSSI == 0 {
		cfg.MinRSSI = -100
	}
	if cfg.MinRSSI < -100 || cfg.MinRSSI > -10 {
		return trace.BadParameter("MinRSSI must be in [-100, -10]")
	}
	if cfg.MaxRSSI == 0 {
		cfg.MaxRSSI = -10
	}
	if cfg.MaxRSSI < -10 || cfg.MaxRSSI > 0 {
		return trace.BadParameter("MaxRSSI must be in [-10, 0]")
	}
	if cfg.ConnectedQualityWeight == 0 {
		cfg.ConnectedQualityWeight = 2.0
	}
	if cfg.ScanQualityWeight == 0 {
		cfg.ScanQualityWeight = 1.0
	}
	if cfg.LowLinkSpeedQualityWeight == 0 {
		cfg.LowLinkSpeedQualityWeight = 0.5
	}
	for _, w := range []float64{cfg.ConnectedQualityWeight, cfg.ScanQualityWeight, cfg.LowLinkSpeedQualityWeight} {
		if w < 0.1 || w > 10.0 {
			return trace.BadParameter("quality weights must be in [0.1, 10.0]")
		}
	}
	if cfg.LowLinkSpeedThreshold == 0 {
		cfg.LowLinkSpeedThreshold = 10
	}
	if cfg.HotspotAction == "" {
		cfg.HotspotAction = HotspotFlag
	}
	switch cfg.HotspotAction {
	case HotspotFlag, HotspotExclude, HotspotLogOnly:
	default:
		return trace.BadParameter("unknown hotspot action %q", cfg.HotspotAction)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.With(defaults.ComponentKey, defaults.ComponentIngest)
	}
	return nil
}

// Transformer parses measurement upload lines, applies the stage-1 sanity
// filters and the OUI hotspot policy, and serializes surviving records to
// the canonical delivery form. Transformer is stateless and safe for
// concurrent use.
type Transformer struct {
	cfg TransformerConfig
	oui map[string]struct{}
}

// NewTransformer returns a transformer with the given thresholds.
func NewTransformer(cfg TransformerConfig) (*Transformer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	t := &Transformer{cfg: cfg, oui: make(map[string]struct{}, len(cfg.OUIBlacklist))}
	for _, prefix := range cfg.OUIBlacklist {
		normalized, ok := normalizeOUI(prefix)
		if !ok {
			return nil, trace.BadParameter("malformed OUI prefix %q in blacklist", prefix)
		}
		t.oui[normalized] = struct{}{}
	}
	return t, nil
}

// measurement upload line, one JSON object per line. Unknown fields are
// ignored.
type uploadLine struct {
	DeviceID  string `json:"deviceId"`
	Timestamp string `json:"timestamp"`
	Location  struct {
		Lat      float64 `json:"lat"`
		Lon      float64 `json:"lon"`
		Accuracy float64 `json:"accuracy"`
	} `json:"location"`
	Scans []uploadScan `json:"scans"`
}

type uploadScan struct {
	MAC       string   `json:"mac"`
	RSSI      float64  `json:"rssi"`
	Freq      *int     `json:"freq"`
	SSID      *string  `json:"ssid"`
	Connected bool     `json:"connected"`
	LinkSpeed *float64 `json:"linkSpeed"`
}

// TransformLine parses one upload line and returns the serialized
// measurements it yields, newline-terminated. A syntactic failure returns
// an error; a measurement rejected by the sanity filter returns no records
// and no error. Both are counted, neither fails the containing message.
func (t *Transformer) TransformLine(line []byte) ([][]byte, error) {
	var parsed uploadLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		t.count(func(m *ingestMetrics) { m.parseFailures.Inc() })
		return nil, trace.BadParameter("malformed measurement line: %v", err)
	}
	if !t.passesSanityFilter(parsed) {
		t.count(func(m *ingestMetrics) { m.sanityFilterDrops.Inc() })
		return nil, nil
	}

	observedAt, err := time.Parse(time.RFC3339, parsed.Timestamp)
	if err != nil {
		t.count(func(m *ingestMetrics) { m.sanityFilterDrops.Inc() })
		return nil, nil
	}

	accuracy := parsed.Location.Accuracy
	if accuracy < 1 {
		accuracy = 1
	}

	var records [][]byte
	for _, scan := range parsed.Scans {
		if scan.RSSI < t.cfg.MinRSSI || scan.RSSI > t.cfg.MaxRSSI {
			t.count(func(m *ingestMetrics) { m.rssiFilterDrops.Inc() })
			continue
		}
		mac, ok := normalizeMAC(scan.MAC)
		if !ok {
			t.count(func(m *ingestMetrics) { m.rssiFilterDrops.Inc() })
			continue
		}

		hotspot, keep := t.applyHotspotPolicy(mac)
		if !keep {
			continue
		}

		m := Measurement{
			DeviceID:          parsed.DeviceID,
			ObservedAt:        observedAt.UTC().Format(time.RFC3339),
			Latitude:          parsed.Location.Lat,
			Longitude:         parsed.Location.Lon,
			LocationAccuracyM: accuracy,
			MAC:               mac,
			RSSIdBm:           scan.RSSI,
			SSID:              scan.SSID,
			FrequencyMHz:      scan.Freq,
			Connected:         scan.Connected,
			LinkSpeedMbps:     scan.LinkSpeed,
			QualityWeight:     t.qualityWeight(scan),
			HotspotFlag:       hotspot,
		}
		data, err := json.Marshal(m)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		records = append(records, append(data, '\n'))
		t.count(func(im *ingestMetrics) { im.recordsEmitted.Inc() })
	}
	return records, nil
}

func (t *Transformer) passesSanityFilter(parsed uploadLine) bool {
	switch {
	case parsed.Location.Accuracy > t.cfg.MaxLocationAccuracy:
		return false
	case parsed.Location.Lat < -90 || parsed.Location.Lat > 90:
		return false
	case parsed.Location.Lon < -180 || parsed.Location.Lon > 180:
		return false
	case parsed.Timestamp == "":
		return false
	case len(parsed.Scans) == 0:
		return false
	}
	return true
}

func (t *Transformer) qualityWeight(scan uploadScan) float64 {
	if !scan.Connected {
		return t.cfg.ScanQualityWeight
	}
	if scan.LinkSpeed != nil && *scan.LinkSpeed < t.cfg.LowLinkSpeedThreshold {
		return t.cfg.LowLinkSpeedQualityWeight
	}
	return t.cfg.ConnectedQualityWeight
}

// applyHotspotPolicy returns whether the record carries the hotspot flag
// and whether it survives at all.
func (t *Transformer) applyHotspotPolicy(mac string) (hotspot, keep bool) {
	if !t.cfg.HotspotFilterEnabled {
		return false, true
	}
	if _, blacklisted := t.oui[mac[:8]]; !blacklisted {
		return false, true
	}
	switch t.cfg.HotspotAction {
	case HotspotExclude:
		t.count(func(m *ingestMetrics) { m.hotspotExcluded.Inc() })
		return false, false
	case HotspotLogOnly:
		t.count(func(m *ingestMetrics) { m.hotspotLogged.Inc() })
		return false, true
	default:
		t.count(func(m *ingestMetrics) { m.hotspotFlagged.Inc() })
		return true, true
	}
}

func (t *Transformer) count(fn func(*ingestMetrics)) {
	if t.cfg.metrics != nil {
		fn(t.cfg.metrics)
	}
}

// normalizeMAC canonicalizes a hardware address to lowercase
// colon-separated form. Accepts colon, dash and dot separated input.
func normalizeMAC(s string) (string, bool) {
	var digits [12]byte
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
			c += 'a' - 'A'
		case c == ':' || c == '-' || c == '.':
			continue
		default:
			return "", false
		}
		if n == len(digits) {
			return "", false
		}
		digits[n] = c
		n++
	}
	if n != len(digits) {
		return "", false
	}
	var b strings.Builder
	b.Grow(17)
	for i, c := range digits {
		if i > 0 && i%2 == 0 {
			b.WriteByte(':')
		}
		b.WriteByte(c)
	}
	return b.String(), true
}

// normalizeOUI canonicalizes a 3-octet OUI prefix to "aa:bb:cc".
func normalizeOUI(s string) (string, bool) {
	padded, ok := normalizeMAC(s + ":00:00:00")
	if !ok {
		return "", false
	}
	return padded[:8], true
}
