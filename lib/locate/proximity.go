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

// proximityAlgorithm places the device at the position of the AP with the
// strongest signal. It is the only algorithm that works with a single AP
// and the fallback of last resort in every other context.
type proximityAlgorithm struct{}

// NewProximity returns the proximity algorithm.
func NewProximity() Algorithm {
	return proximityAlgorithm{}
}

func (proximityAlgorithm) Name() string { return "proximity" }

func (proximityAlgorithm) BaseWeight(f APCountFactor) float64 {
	switch f {
	case SingleAP:
		return 1.0
	case TwoAPs:
		return 0.1
	case ThreeAPs:
		return 0.3
	case FourPlusAPs:
		return 0.7
	}
	return 0
}

func (proximityAlgorithm) QualityMultiplier(f SignalQualityFactor) float64 {
	switch f {
	case SignalStrong, SignalMedium:
		return 1.0
	case SignalWeak:
		return 0.9
	case SignalVeryWeak:
		// Proximity degrades gracefully and is the only algorithm left
		// standing on very weak scans.
		return 0.8
	}
	return 0
}

func (proximityAlgorithm) GeometryMultiplier(f GeometryFactor) float64 {
	// Proximity uses a single AP, constellation geometry is irrelevant.
	return 1.0
}

func (proximityAlgorithm) DistributionMultiplier(f DistributionFactor) float64 {
	if f == DistributionOutliers {
		// An outlier is usually one much closer AP, which is exactly
		// the signal proximity keys on.
		return 1.1
	}
	return 1.0
}

// Calculate returns the position of the strongest-signal AP. If the
// strongest observation is of an unknown or ineligible AP the algorithm
// produces no estimate, it does not fall through to the runner-up.
func (proximityAlgorithm) Calculate(scans []ScanObservation, aps Store) (*Position, error) {
	if len(scans) == 0 {
		return nil, nil
	}
	strongest := scans[0]
	for _, s := range scans[1:] {
		if s.RSSI > strongest.RSSI {
			strongest = s
		}
	}
	ap, ok := aps.Lookup(strongest.MAC)
	if !ok || !ap.Status.EligibleForPositioning() {
		return nil, nil
	}

	var alt *float64
	if ap.Altitude != nil {
		v := *ap.Altitude
		alt = &v
	}
	return &Position{
		Latitude:  ap.Latitude,
		Longitude: ap.Longitude,
		Altitude:  alt,
		Accuracy:  apAccuracy(ap),
		// RSSI -89 dBm or worse carries no proximity information,
		// -35 dBm or better pins the device to the AP; never fully
		// certain, so the confidence is capped at 0.85.
		Confidence: clamp((strongest.RSSI+89)/54, 0, 0.85),
	}, nil
}
