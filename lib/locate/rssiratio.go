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

// rssiRatioAlgorithm positions the device on the segment between AP pairs,
// splitting each segment by the pairwise signal ratio
//
//	r = 10^((RSSI_i − RSSI_j) / pathLossCoeff)
//	P = (P_i + r·P_j) / (1 + r)
//
// and averaging the per-pair points. It needs at least two matched APs and
// is the designated estimator for two-AP scans.
type rssiRatioAlgorithm struct {
	pathLossCoeff float64
}

// NewRSSIRatio returns the RSSI-ratio algorithm with the given path loss
// coefficient (10 times the path loss exponent, 20 for free space).
func NewRSSIRatio(pathLossCoeff float64) Algorithm {
	if pathLossCoeff == 0 {
		pathLossCoeff = 20
	}
	return rssiRatioAlgorithm{pathLossCoeff: pathLossCoeff}
}

func (rssiRatioAlgorithm) Name() string { return "rssi-ratio" }

func (rssiRatioAlgorithm) BaseWeight(f APCountFactor) float64 {
	switch f {
	case TwoAPs:
		return 2.0
	case ThreeAPs:
		return 0.5
	case FourPlusAPs:
		return 0.3
	}
	return 0
}

func (rssiRatioAlgorithm) QualityMultiplier(f SignalQualityFactor) float64 {
	switch f {
	case SignalStrong:
		return 1.2
	case SignalMedium:
		return 1.0
	case SignalWeak:
		return 0.6
	}
	return 0
}

func (rssiRatioAlgorithm) GeometryMultiplier(f GeometryFactor) float64 {
	switch f {
	case GeometryExcellent, GeometryGood, GeometryFair:
		return 1.0
	case GeometryPoor:
		return 0.9
	case GeometryCollinear:
		// Pair interpolation on a long collinear run smears the estimate
		// along the whole line.
		return 0.2
	}
	return 0
}

func (rssiRatioAlgorithm) DistributionMultiplier(f DistributionFactor) float64 {
	switch f {
	case DistributionUniform:
		return 1.1
	case DistributionMixed:
		return 1.0
	case DistributionOutliers:
		return 0.7
	}
	return 0
}

func (a rssiRatioAlgorithm) Calculate(scans []ScanObservation, aps Store) (*Position, error) {
	matched := matchEligible(scans, aps)
	if len(matched) < 2 {
		return nil, nil
	}

	var lat, lon float64
	var pairs int
	for i := 0; i < len(matched); i++ {
		for j := i + 1; j < len(matched); j++ {
			r := math.Pow(10, (matched[i].Scan.RSSI-matched[j].Scan.RSSI)/a.pathLossCoeff)
			lat += (matched[i].AP.Latitude + r*matched[j].AP.Latitude) / (1 + r)
			lon += (matched[i].AP.Longitude + r*matched[j].AP.Longitude) / (1 + r)
			pairs++
		}
	}
	lat /= float64(pairs)
	lon /= float64(pairs)

	mean := meanRSSI(matched)
	// Each pairwise split inherits the AP survey error; a weak scan
	// stretches the distance model on top of that.
	accuracy := meanAccuracy(matched)
	if mean < -70 {
		accuracy += (-70 - mean)
	}
	return &Position{
		Latitude:   lat,
		Longitude:  lon,
		Accuracy:   accuracy,
		Confidence: clamp((mean+100)/70, 0.1, 1) * 0.7,
	}, nil
}

func meanAccuracy(matched []MatchedAP) float64 {
	var sum float64
	for _, m := range matched {
		sum += apAccuracy(m.AP)
	}
	return sum / float64(len(matched))
}
