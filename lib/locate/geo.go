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

import "math"

const (
	// metersPerDegree is the length of one degree of latitude.
	metersPerDegree = 111320.0

	// referenceRSSI is the expected signal strength in dBm at one meter
	// from the transmitter under the log-distance path loss model.
	referenceRSSI = -40.0

	// defaultAPAccuracy is assumed for AP records without a surveyed
	// horizontal accuracy.
	defaultAPAccuracy = 15.0
)

// planeOrigin is a local tangent plane anchored at a reference coordinate.
// Within the few hundred meters a WiFi scan spans, an equirectangular
// projection is accurate to well under a meter.
type planeOrigin struct {
	lat, lon float64
	lonScale float64
}

func newPlaneOrigin(lat, lon float64) planeOrigin {
	return planeOrigin{lat: lat, lon: lon, lonScale: math.Cos(lat * math.Pi / 180)}
}

// toPlane projects a coordinate to meters east/north of the origin.
func (o planeOrigin) toPlane(lat, lon float64) (x, y float64) {
	x = (lon - o.lon) * o.lonScale * metersPerDegree
	y = (lat - o.lat) * metersPerDegree
	return x, y
}

// fromPlane converts meters east/north of the origin back to a coordinate.
func (o planeOrigin) fromPlane(x, y float64) (lat, lon float64) {
	lat = o.lat + y/metersPerDegree
	if o.lonScale != 0 {
		lon = o.lon + x/(o.lonScale*metersPerDegree)
	} else {
		lon = o.lon
	}
	return lat, lon
}

// pathLossDistance estimates the transmitter distance in meters from an
// RSSI sample using the log-distance path loss model with the given
// coefficient (10 times the path loss exponent).
func pathLossDistance(rssi, pathLossCoeff float64) float64 {
	d := math.Pow(10, (referenceRSSI-rssi)/pathLossCoeff)
	// Below one meter the model has no resolution.
	return math.Max(d, 1.0)
}

// expectedRSSI is the inverse of pathLossDistance.
func expectedRSSI(distance, pathLossCoeff float64) float64 {
	return referenceRSSI - pathLossCoeff*math.Log10(math.Max(distance, 1.0))
}

// apAccuracy returns the surveyed horizontal accuracy of an AP record,
// falling back to the default when not surveyed.
func apAccuracy(ap APRecord) float64 {
	if ap.HorizontalAccuracy > 0 {
		return ap.HorizontalAccuracy
	}
	return defaultAPAccuracy
}

// matchEligible pairs scan observations with known, positioning-eligible
// access points. Order follows the scan order.
func matchEligible(scans []ScanObservation, aps Store) []MatchedAP {
	matched := make([]MatchedAP, 0, len(scans))
	for _, scan := range scans {
		ap, ok := aps.Lookup(scan.MAC)
		if !ok || !ap.Status.EligibleForPositioning() {
			continue
		}
		matched = append(matched, MatchedAP{Scan: scan, AP: ap})
	}
	return matched
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
