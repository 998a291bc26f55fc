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
	"math"

	"github.com/gravitational/trace"
	"gonum.org/v1/gonum/mat"
)

const (
	// trilatMaxIterations bounds the Gauss-Newton refinement.
	trilatMaxIterations = 10
	// trilatConvergence stops refinement once a step is below this many
	// meters.
	trilatConvergence = 1e-3
)

// trilaterationAlgorithm estimates distances to each AP with the
// log-distance path loss model and solves the resulting range equations by
// non-linear least squares: a linearized seed solve followed by
// Gauss-Newton refinement, both in a local tangent plane. It requires at
// least three matched APs spanning a plane; singular geometry yields no
// estimate.
type trilaterationAlgorithm struct {
	pathLossCoeff float64
}

// NewTrilateration returns the trilateration algorithm with the given path
// loss coefficient.
func NewTrilateration(pathLossCoeff float64) Algorithm {
	if pathLossCoeff == 0 {
		pathLossCoeff = 20
	}
	return trilaterationAlgorithm{pathLossCoeff: pathLossCoeff}
}

func (trilaterationAlgorithm) Name() string { return "trilateration" }

func (trilaterationAlgorithm) BaseWeight(f APCountFactor) float64 {
	switch f {
	case ThreeAPs:
		return 1.2
	case FourPlusAPs:
		return 1.5
	}
	return 0
}

func (trilaterationAlgorithm) QualityMultiplier(f SignalQualityFactor) float64 {
	switch f {
	case SignalStrong:
		return 1.3
	case SignalMedium:
		return 1.0
	case SignalWeak:
		return 0.5
	}
	return 0
}

func (trilaterationAlgorithm) GeometryMultiplier(f GeometryFactor) float64 {
	switch f {
	case GeometryExcellent:
		return 1.5
	case GeometryGood:
		return 1.2
	case GeometryFair:
		return 0.8
	case GeometryPoor:
		return 0.3
	}
	// Collinear constellations leave the normal equations singular.
	return 0
}

func (trilaterationAlgorithm) DistributionMultiplier(f DistributionFactor) float64 {
	switch f {
	case DistributionUniform:
		return 1.2
	case DistributionMixed:
		return 1.0
	case DistributionOutliers:
		return 0.6
	}
	return 0
}

func (a trilaterationAlgorithm) Calculate(scans []ScanObservation, aps Store) (*Position, error) {
	matched := matchEligible(scans, aps)
	if len(matched) < 3 {
		return nil, nil
	}

	origin := newPlaneOrigin(matched[0].AP.Latitude, matched[0].AP.Longitude)
	xs := make([]float64, len(matched))
	ys := make([]float64, len(matched))
	ds := make([]float64, len(matched))
	for i, m := range matched {
		xs[i], ys[i] = origin.toPlane(m.AP.Latitude, m.AP.Longitude)
		ds[i] = pathLossDistance(m.Scan.RSSI, a.pathLossCoeff)
	}

	x, y, err := solveLinearized(xs, ys, ds)
	if err != nil {
		// Singular geometry, no estimate.
		return nil, nil
	}
	x, y = refineGaussNewton(xs, ys, ds, x, y)

	rms := rangeResidualRMS(xs, ys, ds, x, y)
	lat, lon := origin.fromPlane(x, y)
	return &Position{
		Latitude:   lat,
		Longitude:  lon,
		Accuracy:   math.Max(5, rms+0.5*meanAccuracy(matched)),
		Confidence: clamp(0.9-rms/50, 0.2, 0.9),
	}, nil
}

// solveLinearized subtracts the first range equation from the others,
// leaving a linear system in the unknown position, and solves it by least
// squares.
func solveLinearized(xs, ys, ds []float64) (x, y float64, err error) {
	n := len(xs)
	A := mat.NewDense(n-1, 2, nil)
	b := mat.NewVecDense(n-1, nil)
	for i := 1; i < n; i++ {
		A.Set(i-1, 0, 2*(xs[i]-xs[0]))
		A.Set(i-1, 1, 2*(ys[i]-ys[0]))
		b.SetVec(i-1, ds[0]*ds[0]-ds[i]*ds[i]+
			xs[i]*xs[i]-xs[0]*xs[0]+
			ys[i]*ys[i]-ys[0]*ys[0])
	}
	var sol mat.VecDense
	if err := sol.SolveVec(A, b); err != nil {
		return 0, 0, trace.Wrap(err)
	}
	x, y = sol.AtVec(0), sol.AtVec(1)
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return 0, 0, trace.BadParameter("linearized solve diverged")
	}
	return x, y, nil
}

// refineGaussNewton iterates on the full non-linear range residuals. If a
// step fails to solve the refinement stops and the current estimate stands.
func refineGaussNewton(xs, ys, ds []float64, x, y float64) (float64, float64) {
	n := len(xs)
	J := mat.NewDense(n, 2, nil)
	r := mat.NewVecDense(n, nil)
	for iter := 0; iter < trilatMaxIterations; iter++ {
		for i := 0; i < n; i++ {
			dx, dy := x-xs[i], y-ys[i]
			rho := math.Hypot(dx, dy)
			if rho < 1e-9 {
				rho = 1e-9
			}
			J.Set(i, 0, dx/rho)
			J.Set(i, 1, dy/rho)
			r.SetVec(i, -(rho - ds[i]))
		}
		var step mat.VecDense
		if err := step.SolveVec(J, r); err != nil {
			return x, y
		}
		x += step.AtVec(0)
		y += step.AtVec(1)
		if math.Hypot(step.AtVec(0), step.AtVec(1)) < trilatConvergence {
			break
		}
	}
	return x, y
}

func rangeResidualRMS(xs, ys, ds []float64, x, y float64) float64 {
	var sum float64
	for i := range xs {
		r := math.Hypot(x-xs[i], y-ys[i]) - ds[i]
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(xs)))
}
