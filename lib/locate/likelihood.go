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
	// mlSigmaDB is the assumed standard deviation of RSSI shadowing noise.
	mlSigmaDB = 6.0
	// mlMaxIterations bounds the gradient ascent.
	mlMaxIterations = 50
	// mlConvergence declares convergence once the gradient norm falls
	// below this value (dB per meter scale).
	mlConvergence = 1e-6
	// mlInitialStep is the initial ascent step in meters per unit
	// gradient; halved whenever a step would lower the likelihood.
	mlInitialStep = 2.0
)

// maxLikelihoodAlgorithm refines a weighted centroid seed by gradient
// ascent on the log-likelihood of the observed RSSI vector under the
// log-distance path loss model with Gaussian noise in dBm.
type maxLikelihoodAlgorithm struct {
	pathLossCoeff float64
}

// NewMaxLikelihood returns the maximum likelihood algorithm with the given
// path loss coefficient.
func NewMaxLikelihood(pathLossCoeff float64) Algorithm {
	if pathLossCoeff == 0 {
		pathLossCoeff = 20
	}
	return maxLikelihoodAlgorithm{pathLossCoeff: pathLossCoeff}
}

func (maxLikelihoodAlgorithm) Name() string { return "max-likelihood" }

func (maxLikelihoodAlgorithm) BaseWeight(f APCountFactor) float64 {
	switch f {
	case ThreeAPs:
		return 0.8
	case FourPlusAPs:
		return 1.2
	}
	return 0
}

func (maxLikelihoodAlgorithm) QualityMultiplier(f SignalQualityFactor) float64 {
	switch f {
	case SignalStrong:
		return 1.3
	case SignalMedium:
		return 1.1
	case SignalWeak:
		return 0.6
	}
	return 0
}

func (maxLikelihoodAlgorithm) GeometryMultiplier(f GeometryFactor) float64 {
	switch f {
	case GeometryExcellent:
		return 1.4
	case GeometryGood:
		return 1.2
	case GeometryFair:
		return 0.9
	case GeometryPoor:
		return 0.5
	}
	// The likelihood surface over a collinear constellation has a ridge,
	// ascent converges to an arbitrary point on it.
	return 0
}

func (maxLikelihoodAlgorithm) DistributionMultiplier(f DistributionFactor) float64 {
	switch f {
	case DistributionUniform:
		return 1.2
	case DistributionMixed:
		return 1.0
	case DistributionOutliers:
		return 0.7
	}
	return 0
}

func (a maxLikelihoodAlgorithm) Calculate(scans []ScanObservation, aps Store) (*Position, error) {
	matched := matchEligible(scans, aps)
	if len(matched) < 3 {
		return nil, nil
	}

	// Seed at the signal-weighted centroid.
	seedLat, seedLon := weightedCentroid(matched)
	origin := newPlaneOrigin(seedLat, seedLon)
	xs := make([]float64, len(matched))
	ys := make([]float64, len(matched))
	rssi := make([]float64, len(matched))
	for i, m := range matched {
		xs[i], ys[i] = origin.toPlane(m.AP.Latitude, m.AP.Longitude)
		rssi[i] = m.Scan.RSSI
	}

	x, y, converged := a.ascend(xs, ys, rssi, 0, 0)
	lat, lon := origin.fromPlane(x, y)

	mean := meanRSSI(matched)
	confidence := clamp((mean+100)/70, 0, 1)
	if converged {
		confidence *= 0.8
	} else {
		confidence *= 0.5
	}
	return &Position{
		Latitude:   lat,
		Longitude:  lon,
		Accuracy:   math.Max(8, 0.5*meanAccuracy(matched)+a.rmsRange(xs, ys, rssi, x, y)),
		Confidence: confidence,
	}, nil
}

// ascend climbs the log-likelihood with a backtracking step size. Returns
// the final position and whether the gradient converged within the
// iteration budget.
func (a maxLikelihoodAlgorithm) ascend(xs, ys, rssi []float64, x, y float64) (float64, float64, bool) {
	step := mlInitialStep
	best := a.logLikelihood(xs, ys, rssi, x, y)
	for iter := 0; iter < mlMaxIterations; iter++ {
		gx, gy := a.gradient(xs, ys, rssi, x, y)
		norm := math.Hypot(gx, gy)
		if norm < mlConvergence {
			return x, y, true
		}
		nx, ny := x+step*gx, y+step*gy
		ll := a.logLikelihood(xs, ys, rssi, nx, ny)
		if ll <= best {
			step /= 2
			if step < 1e-6 {
				return x, y, true
			}
			continue
		}
		x, y, best = nx, ny, ll
	}
	return x, y, false
}

func (a maxLikelihoodAlgorithm) logLikelihood(xs, ys, rssi []float64, x, y float64) float64 {
	var ll float64
	for i := range xs {
		d := math.Hypot(x-xs[i], y-ys[i])
		diff := rssi[i] - expectedRSSI(d, a.pathLossCoeff)
		ll -= diff * diff / (2 * mlSigmaDB * mlSigmaDB)
	}
	return ll
}

// gradient is the analytic gradient of logLikelihood:
//
//	∂L/∂x = Σ (rssi_i − μ(d_i))/σ² · (−coeff/(d_i ln10)) · (x−x_i)/d_i
func (a maxLikelihoodAlgorithm) gradient(xs, ys, rssi []float64, x, y float64) (gx, gy float64) {
	for i := range xs {
		dx, dy := x-xs[i], y-ys[i]
		d := math.Hypot(dx, dy)
		if d < 1.0 {
			// Inside the model's resolution the expected RSSI is flat.
			continue
		}
		diff := rssi[i] - expectedRSSI(d, a.pathLossCoeff)
		common := diff / (mlSigmaDB * mlSigmaDB) * (-a.pathLossCoeff / (d * math.Ln10))
		gx += common * dx / d
		gy += common * dy / d
	}
	return gx, gy
}

func (a maxLikelihoodAlgorithm) rmsRange(xs, ys, rssi []float64, x, y float64) float64 {
	var sum float64
	for i := range xs {
		d := math.Hypot(x-xs[i], y-ys[i])
		r := d - pathLossDistance(rssi[i], a.pathLossCoeff)
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(xs)))
}
