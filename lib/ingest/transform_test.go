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
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func testTransformer(t *testing.T, cfg TransformerConfig) *Transformer {
	t.Helper()
	tr, err := NewTransformer(cfg)
	require.NoError(t, err)
	return tr
}

// uploadLineJSON is a single line so pipeline tests can stream it.
func uploadLineJSON(accuracy float64, rssi float64) []byte {
	return []byte(fmt.Sprintf(`{"deviceId":"device-1","timestamp":"2024-06-01T11:58:00Z","location":{"lat":59.3293,"lon":18.0686,"accuracy":%v},"scans":[{"mac":"AA:BB:CC:DD:EE:01","rssi":%v,"freq":2437,"ssid":"office"}]}`, accuracy, rssi))
}

func TestTransformLine(t *testing.T) {
	tr := testTransformer(t, TransformerConfig{})

	records, err := tr.TransformLine(uploadLineJSON(15, -65))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, bytes.HasSuffix(records[0], []byte("\n")))

	var m Measurement
	require.NoError(t, json.Unmarshal(records[0], &m))
	require.Equal(t, "device-1", m.DeviceID)
	require.Equal(t, "2024-06-01T11:58:00Z", m.ObservedAt)
	require.Equal(t, "aa:bb:cc:dd:ee:01", m.MAC)
	require.Equal(t, -65.0, m.RSSIdBm)
	require.Equal(t, 15.0, m.LocationAccuracyM)
	require.NotNil(t, m.SSID)
	require.Equal(t, "office", *m.SSID)
	require.NotNil(t, m.FrequencyMHz)
	require.Equal(t, 2437, *m.FrequencyMHz)
	require.False(t, m.Connected)
	require.Nil(t, m.LinkSpeedMbps)
	require.Equal(t, 1.0, m.QualityWeight)
	require.False(t, m.HotspotFlag)
}

// A mixed upload of ten lines: two malformed, one with a hopeless GPS fix,
// one whose only scan is below the RSSI floor, six clean. Exactly the six
// clean lines produce records and nothing fails the batch.
func TestTransformMixedUpload(t *testing.T) {
	tr := testTransformer(t, TransformerConfig{})

	lines := [][]byte{
		uploadLineJSON(10, -50),
		[]byte(`{"deviceId": truncated`),
		uploadLineJSON(20, -60),
		uploadLineJSON(500, -60), // accuracy above the 200m default
		uploadLineJSON(30, -70),
		[]byte(`not json at all`),
		uploadLineJSON(40, -120), // below the -100 dBm floor
		uploadLineJSON(50, -80),
		uploadLineJSON(60, -90),
		uploadLineJSON(70, -99),
	}

	var records, parseFailures int
	for _, line := range lines {
		recs, err := tr.TransformLine(line)
		if err != nil {
			parseFailures++
			continue
		}
		records += len(recs)
	}
	require.Equal(t, 2, parseFailures)
	require.Equal(t, 6, records)
}

func TestTransformSanityFilter(t *testing.T) {
	tr := testTransformer(t, TransformerConfig{})

	tests := []struct {
		name string
		line string
	}{
		{name: "latitude out of range", line: `{"deviceId":"d","timestamp":"2024-06-01T11:58:00Z","location":{"lat":91,"lon":0,"accuracy":10},"scans":[{"mac":"aa:bb:cc:dd:ee:01","rssi":-50}]}`},
		{name: "longitude out of range", line: `{"deviceId":"d","timestamp":"2024-06-01T11:58:00Z","location":{"lat":0,"lon":-181,"accuracy":10},"scans":[{"mac":"aa:bb:cc:dd:ee:01","rssi":-50}]}`},
		{name: "missing timestamp", line: `{"deviceId":"d","location":{"lat":0,"lon":0,"accuracy":10},"scans":[{"mac":"aa:bb:cc:dd:ee:01","rssi":-50}]}`},
		{name: "unparseable timestamp", line: `{"deviceId":"d","timestamp":"last tuesday","location":{"lat":0,"lon":0,"accuracy":10},"scans":[{"mac":"aa:bb:cc:dd:ee:01","rssi":-50}]}`},
		{name: "no scans", line: `{"deviceId":"d","timestamp":"2024-06-01T11:58:00Z","location":{"lat":0,"lon":0,"accuracy":10},"scans":[]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recs, err := tr.TransformLine([]byte(tc.line))
			require.NoError(t, err)
			require.Empty(t, recs)
		})
	}
}

func TestTransformAccuracyFloor(t *testing.T) {
	tr := testTransformer(t, TransformerConfig{})

	recs, err := tr.TransformLine(uploadLineJSON(0.2, -50))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	var m Measurement
	require.NoError(t, json.Unmarshal(recs[0], &m))
	require.Equal(t, 1.0, m.LocationAccuracyM)
}

// Tightening a threshold must only remove records, never add or change
// survivors.
func TestTransformThresholdMonotone(t *testing.T) {
	loose := testTransformer(t, TransformerConfig{MaxLocationAccuracy: 200, MinRSSI: -100})
	tight := testTransformer(t, TransformerConfig{MaxLocationAccuracy: 50, MinRSSI: -75})

	lines := [][]byte{
		uploadLineJSON(10, -50),
		uploadLineJSON(40, -74),
		uploadLineJSON(60, -60),
		uploadLineJSON(100, -90),
		uploadLineJSON(150, -80),
	}

	looseOut := map[string]struct{}{}
	for _, line := range lines {
		recs, err := loose.TransformLine(line)
		require.NoError(t, err)
		for _, r := range recs {
			looseOut[string(r)] = struct{}{}
		}
	}
	var tightCount int
	for _, line := range lines {
		recs, err := tight.TransformLine(line)
		require.NoError(t, err)
		for _, r := range recs {
			tightCount++
			_, ok := looseOut[string(r)]
			require.True(t, ok, "tightened thresholds produced a record the loose config did not")
		}
	}
	require.Equal(t, 5, len(looseOut))
	require.Equal(t, 2, tightCount)
}

// Canonical serialization is a fixed point: parsing an emitted record and
// re-serializing it reproduces the exact bytes, null optionals and the
// newline terminator included.
func TestTransformRoundTripFixedPoint(t *testing.T) {
	tr := testTransformer(t, TransformerConfig{})

	lines := [][]byte{
		// all optionals set, connected with link speed
		[]byte(`{"deviceId":"device-1","timestamp":"2024-06-01T11:58:00Z","location":{"lat":59.3293,"lon":18.0686,"accuracy":15},"scans":[{"mac":"aa:bb:cc:dd:ee:01","rssi":-65,"freq":5180,"ssid":"office","connected":true,"linkSpeed":54.5}]}`),
		// bare scan, optionals absent and serialized as null
		[]byte(`{"deviceId":"device-2","timestamp":"2024-06-01T12:00:00Z","location":{"lat":-33.8688,"lon":151.2093,"accuracy":42.5},"scans":[{"mac":"aa:bb:cc:dd:ee:02","rssi":-88}]}`),
	}
	for _, line := range lines {
		recs, err := tr.TransformLine(line)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		record := recs[0]
		require.True(t, bytes.HasSuffix(record, []byte("\n")))

		var m Measurement
		require.NoError(t, json.Unmarshal(record, &m))
		reserialized, err := json.Marshal(m)
		require.NoError(t, err)
		require.Equal(t, record, append(reserialized, '\n'))
	}
}

func TestQualityWeight(t *testing.T) {
	tr := testTransformer(t, TransformerConfig{})
	speed := func(v float64) *float64 { return &v }

	tests := []struct {
		name string
		scan uploadScan
		want float64
	}{
		{name: "passive scan", scan: uploadScan{}, want: 1.0},
		{name: "connected", scan: uploadScan{Connected: true}, want: 2.0},
		{name: "connected fast link", scan: uploadScan{Connected: true, LinkSpeed: speed(54)}, want: 2.0},
		{name: "connected slow link", scan: uploadScan{Connected: true, LinkSpeed: speed(2)}, want: 0.5},
		{name: "disconnected slow link", scan: uploadScan{LinkSpeed: speed(2)}, want: 1.0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tr.qualityWeight(tc.scan))
		})
	}
}

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "aa:bb:cc:dd:ee:ff", want: "aa:bb:cc:dd:ee:ff", ok: true},
		{in: "AA:BB:CC:DD:EE:FF", want: "aa:bb:cc:dd:ee:ff", ok: true},
		{in: "aa-bb-cc-dd-ee-ff", want: "aa:bb:cc:dd:ee:ff", ok: true},
		{in: "aabb.ccdd.eeff", want: "aa:bb:cc:dd:ee:ff", ok: true},
		{in: "aabbccddeeff", want: "aa:bb:cc:dd:ee:ff", ok: true},
		{in: "aa:bb:cc:dd:ee", ok: false},
		{in: "aa:bb:cc:dd:ee:ff:00", ok: false},
		{in: "gg:bb:cc:dd:ee:ff", ok: false},
		{in: "", ok: false},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := normalizeMAC(tc.in)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.Equal(t, tc.want, got)
			}
		})
	}
}

func hotspotLine(macs ...string) []byte {
	scans := make([]map[string]any, len(macs))
	for i, mac := range macs {
		scans[i] = map[string]any{"mac": mac, "rssi": -60}
	}
	line, _ := json.Marshal(map[string]any{
		"deviceId":  "device-1",
		"timestamp": "2024-06-01T11:58:00Z",
		"location":  map[string]any{"lat": 59.3, "lon": 18.0, "accuracy": 10},
		"scans":     scans,
	})
	return line
}

func TestHotspotPolicy(t *testing.T) {
	blacklist := []string{"02:1A:11"} // common Android hotspot prefix
	line := hotspotLine("02:1a:11:00:00:01", "aa:bb:cc:dd:ee:01")

	flag := testTransformer(t, TransformerConfig{HotspotFilterEnabled: true, OUIBlacklist: blacklist, HotspotAction: HotspotFlag})
	recs, err := flag.TransformLine(line)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	var m Measurement
	require.NoError(t, json.Unmarshal(recs[0], &m))
	require.True(t, m.HotspotFlag)
	require.NoError(t, json.Unmarshal(recs[1], &m))
	require.False(t, m.HotspotFlag)

	exclude := testTransformer(t, TransformerConfig{HotspotFilterEnabled: true, OUIBlacklist: blacklist, HotspotAction: HotspotExclude})
	recs, err = exclude.TransformLine(line)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NoError(t, json.Unmarshal(recs[0], &m))
	require.Equal(t, "aa:bb:cc:dd:ee:01", m.MAC)

	logOnly := testTransformer(t, TransformerConfig{HotspotFilterEnabled: true, OUIBlacklist: blacklist, HotspotAction: HotspotLogOnly})
	recs, err = logOnly.TransformLine(line)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		require.NoError(t, json.Unmarshal(r, &m))
		require.False(t, m.HotspotFlag)
	}

	disabled := testTransformer(t, TransformerConfig{HotspotFilterEnabled: false, OUIBlacklist: blacklist, HotspotAction: HotspotExclude})
	recs, err = disabled.TransformLine(line)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

// Excluding hotspots must only remove records relative to flagging them,
// and the survivors must be identical apart from the flag.
func TestHotspotExcludeSubset(t *testing.T) {
	blacklist := []string{"02:1a:11", "da:a1:19"}
	lines := [][]byte{
		hotspotLine("02:1a:11:00:00:01"),
		hotspotLine("da:a1:19:22:33:44", "aa:bb:cc:dd:ee:01"),
		hotspotLine("aa:bb:cc:dd:ee:02", "aa:bb:cc:dd:ee:03"),
	}

	logOnly := testTransformer(t, TransformerConfig{HotspotFilterEnabled: true, OUIBlacklist: blacklist, HotspotAction: HotspotLogOnly})
	exclude := testTransformer(t, TransformerConfig{HotspotFilterEnabled: true, OUIBlacklist: blacklist, HotspotAction: HotspotExclude})

	kept := map[string]struct{}{}
	var total int
	for _, line := range lines {
		recs, err := logOnly.TransformLine(line)
		require.NoError(t, err)
		total += len(recs)
		for _, r := range recs {
			kept[string(r)] = struct{}{}
		}
	}
	var excluded int
	for _, line := range lines {
		recs, err := exclude.TransformLine(line)
		require.NoError(t, err)
		excluded += len(recs)
		for _, r := range recs {
			_, ok := kept[string(r)]
			require.True(t, ok, "exclude mode emitted a record log-only mode did not")
		}
	}
	require.Equal(t, 5, total)
	require.Equal(t, 3, excluded)
}

func TestTransformerConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  TransformerConfig
	}{
		{name: "accuracy too large", cfg: TransformerConfig{MaxLocationAccuracy: 2000}},
		{name: "min rssi positive", cfg: TransformerConfig{MinRSSI: 50}},
		{name: "max rssi too low", cfg: TransformerConfig{MaxRSSI: -50}},
		{name: "quality weight out of range", cfg: TransformerConfig{ConnectedQualityWeight: 50}},
		{name: "unknown hotspot action", cfg: TransformerConfig{HotspotAction: "DROP_TABLE"}},
		{name: "malformed blacklist entry", cfg: TransformerConfig{OUIBlacklist: []string{"zz:zz:zz"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTransformer(tc.cfg)
			require.Error(t, err)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}
