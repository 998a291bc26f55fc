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

// weightedCentroidAlgorithm averages matched AP positions with weights
// derived from signal strength: RSSI is normalized into [0,1] over the
// [-100,-30] dBm band and the weight is 10 raised to that value, so the
// strongest AP counts up to ten times the weakest.
type weightedCentroidAlgorithm struct{}

// NewWeightedCentroid returns the weighted centroid algorithm.
func NewWeightedCentroid() Algorithm {
	return weightedCentroidAlgorithm{}
}

func (weightedCentroidAlgorithm) Name() string { return "weighted-centroid" }

func (weightedCentroidAlgorithm) BaseWeight(f APCountFactor) float64 {
	switch f {
	case ThreeAPs:
		return 0.8
	case FourPlusAPs:
		return 1.2
	}
	return 0
}

func (weightedCentroidAlgorithm) QualityMultiplier(f SignalQualityFactor) float64 {
	switch f {
	case SignalStrong:
		return 1.1
	case SignalMedium:
		return 1.0
	case SignalWeak:
		return 0.8
	}
	return 0
}

func (weightedCentroidAlgorithm) GeometryMultiplier(f GeometryFactor) float64 {
	switch f {
	case GeometryExcellent:
		return 1.1
	case GeometryGood:
		return 1.0
	case GeometryFair:
		return 0.9
	case GeometryPoor:
		return 0.8
	case GeometryCollinear:
		// The centroid stays meaningful on a line, which makes this the
		// workhorse for collinear constellations.
		return 1.0
	}
	return 0
}

func (weightedCentroidAlgorithm) DistributionMultiplier(f DistributionFactor) float64 {
	switch f {
	case DistributionUniform:
		return 1.1
	case DistributionMixed:
		return 1.0
	case DistributionOutliers:
		return 0.8
	}
	return 0
}

func (weightedCentroidAlgorithm) Calculate(scans []ScanObservation, aps Store) (*Position, error) {
	matched := matchEligible(scans, aps)
	if len(matched) == 0 {
		return nil, nil
	}

	var lat, lon, sumW float64
	var altSum, altW float64
	for _, m := range matched {
		w := math.Pow(10, clamp((m.Scan.RSSI+100)/70, 0, 1))
		lat += w * m.AP.Latitude
		lon += w * m.AP.Longitude
		sumW += w
		if m.AP.Altitude != nil {
			altSum += w * *m.AP.Altitude
			altW += w
		}
	}
	lat /= sumW
	lon /= sumW

	var alt *float64
	if altW > 0 {
		v := altSum / altW
		alt = &v
	}
	return &Position{
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   alt,
		Accuracy:   meanAccuracy(matched),
		Confidence: math.Min(0.8, float64(len(matched))/float64(len(scans))*0.7),
	}, nil
}
