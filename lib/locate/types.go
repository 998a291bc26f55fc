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

// Package locate implements the WiFi positioning engine: a rule-driven
// selection over five position estimation algorithms and a weighted fusion
// of their outputs.
package locate

// APStatus is the lifecycle status of an access point record.
type APStatus string

const (
	// APStatusActive marks an access point in good standing.
	APStatusActive APStatus = "active"
	// APStatusWarning marks an access point with degraded confidence.
	APStatusWarning APStatus = "warning"
	// APStatusError marks an access point with conflicting observations.
	APStatusError APStatus = "error"
	// APStatusExpired marks an access point not observed recently.
	APStatusExpired APStatus = "expired"
	// APStatusHotspot marks a suspected mobile hotspot.
	APStatusHotspot APStatus = "wifi-hotspot"
)

// EligibleForPositioning reports whether an access point with this status
// may contribute to a position estimate.
func (s APStatus) EligibleForPositioning() bool {
	switch s {
	case APStatusActive, APStatusWarning, APStatusHotspot:
		return true
	}
	return false
}

// APRecord is a reference access point from the AP store.
type APRecord struct {
	// MAC is the normalized lowercase colon-separated hardware address.
	MAC string
	// Latitude and Longitude are the surveyed position in WGS-84 degrees.
	Latitude  float64
	Longitude float64
	// Altitude is the surveyed altitude in meters, nil when unknown.
	Altitude *float64
	// HorizontalAccuracy is the survey accuracy in meters, 0 when unknown.
	HorizontalAccuracy float64
	// VerticalAccuracy is the altitude accuracy in meters, 0 when unknown.
	VerticalAccuracy float64
	// Status gates eligibility for positioning.
	Status APStatus
	// Confidence is the survey confidence in [0,1].
	Confidence float64
}

// ScanObservation is a single observed access point in a WiFi scan.
type ScanObservation struct {
	// MAC is the normalized hardware address of the observed AP.
	MAC string
	// RSSI is the received signal strength in dBm.
	RSSI float64
	// Frequency is the channel frequency in MHz, 0 when unknown.
	Frequency int
	// SSID is the advertised network name, may be empty.
	SSID string
}

// Position is the immutable result of a position estimate.
type Position struct {
	// Latitude and Longitude in WGS-84 degrees.
	Latitude  float64
	Longitude float64
	// Altitude in meters, nil when the estimate carries no altitude.
	Altitude *float64
	// Accuracy is the estimated error radius in meters.
	Accuracy float64
	// Confidence is the estimate confidence in [0,1].
	Confidence float64
}

// MatchedAP pairs a scan observation with its known access point record.
type MatchedAP struct {
	Scan ScanObservation
	AP   APRecord
}

// APCountFactor classifies a scan context by the number of observations
// matched to known, positioning-eligible access points.
type APCountFactor int

const (
	SingleAP APCountFactor = iota
	TwoAPs
	ThreeAPs
	FourPlusAPs
)

// String returns the factor name.
func (f APCountFactor) String() string {
	switch f {
	case SingleAP:
		return "SINGLE"
	case TwoAPs:
		return "TWO"
	case ThreeAPs:
		return "THREE"
	case FourPlusAPs:
		return "FOUR_PLUS"
	}
	return "UNKNOWN"
}

// SignalQualityFactor classifies a scan context by mean RSSI.
type SignalQualityFactor int

const (
	SignalStrong SignalQualityFactor = iota
	SignalMedium
	SignalWeak
	SignalVeryWeak
)

// String returns the factor name.
func (f SignalQualityFactor) String() string {
	switch f {
	case SignalStrong:
		return "STRONG"
	case SignalMedium:
		return "MEDIUM"
	case SignalWeak:
		return "WEAK"
	case SignalVeryWeak:
		return "VERY_WEAK"
	}
	return "UNKNOWN"
}

// DistributionFactor classifies a scan context by the spread of its RSSI
// samples.
type DistributionFactor int

const (
	DistributionUniform DistributionFactor = iota
	DistributionMixed
	DistributionOutliers
)

// String returns the factor name.
func (f DistributionFactor) String() string {
	switch f {
	case DistributionUniform:
		return "UNIFORM"
	case DistributionMixed:
		return "MIXED"
	case DistributionOutliers:
		return "OUTLIERS"
	}
	return "UNKNOWN"
}

// GeometryFactor classifies a scan context by the geometric quality of the
// matched access point constellation.
type GeometryFactor int

const (
	GeometryExcellent GeometryFactor = iota
	GeometryGood
	GeometryFair
	GeometryPoor
	GeometryCollinear
)

// String returns the factor name.
func (f GeometryFactor) String() string {
	switch f {
	case GeometryExcellent:
		return "EXCELLENT"
	case GeometryGood:
		return "GOOD"
	case GeometryFair:
		return "FAIR"
	case GeometryPoor:
		return "POOR"
	case GeometryCollinear:
		return "COLLINEAR"
	}
	return "UNKNOWN"
}

// FactorSet is the full classification of one scan context.
type FactorSet struct {
	APCount      APCountFactor
	Quality      SignalQualityFactor
	Distribution DistributionFactor
	Geometry     GeometryFactor
}
