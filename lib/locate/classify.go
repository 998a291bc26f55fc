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

// ClassifierConfig holds the thresholds of the context classifier.
type ClassifierConfig struct {
	// RSSIStrong is the mean RSSI above which signal quality is STRONG.
	RSSIStrong float64
	// RSSIMedium is the mean RSSI above which signal quality is MEDIUM.
	RSSIMedium float64
	// RSSIWeak is the mean RSSI above which signal quality is WEAK,
	// at or below it is VERY_WEAK.
	RSSIWeak float64
	// GDOPExcellent, GDOPGood, GDOPFair are the upper bounds of the
	// corresponding geometry classes.
	GDOPExcellent float64
	GDOPGood      float64
	GDOPFair      float64
	// UniformStdDev is the RSSI standard deviation in dB below which a
	// distribution with no outliers is UNIFORM.
	UniformStdDev float64
	// CollinearityEpsilon is the PCA minor-axis variance (squared degrees)
	// below which a constellation of three or more APs is COLLINEAR.
	CollinearityEpsilon float64
}

// CheckAndSetDefaults checks and sets defaults.
func (cfg *ClassifierConfig) CheckAndSetDefaults() error {
	if cfg.RSSIStrong == 0 {
		cfg.RSSIStrong = -70
	}
	if cfg.RSSIMedium == 0 {
		cfg.RSSIMedium = -85
	}
	if cfg.RSSIWeak == 0 {
		cfg.RSSIWeak = -95
	}
	if !(cfg.RSSIStrong > cfg.RSSIMedium && cfg.RSSIMedium > cfg.RSSIWeak) {
		return trace.BadParameter("rssi thresholds must be ordered strong > medium > weak")
	}
	if cfg.GDOPExcellent == 0 {
		cfg.GDOPExcellent = 2.0
	}
	if cfg.GDOPGood == 0 {
		cfg.GDOPGood = 4.0
	}
	if cfg.GDOPFair == 0 {
		cfg.GDOPFair = 6.0
	}
	if !(cfg.GDOPExcellent < cfg.GDOPGood && cfg.GDOPGood < cfg.GDOPFair) {
		return trace.BadParameter("gdop thresholds must be ordered excellent < good < fair")
	}
	if cfg.UniformStdDev == 0 {
		cfg.UniformStdDev = 5.0
	}
	if cfg.CollinearityEpsilon == 0 {
		cfg.CollinearityEpsilon = 1e-8
	}
	return nil
}

// Classifier maps a matched scan context to the four orthogonal factors
// driving algorithm selection. Classifier is stateless and safe for
// concurrent use.
type Classifier struct {
	cfg ClassifierConfig
}

// NewClassifier returns a classifier with the given thresholds.
func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Classifier{cfg: cfg}, nil
}

// Classify returns the factor set of the matched scan context.
// The matched slice must be non-empty.
func (c *Classifier) Classify(matched []MatchedAP) FactorSet {
	return FactorSet{
		APCount:      classifyAPCount(len(matched)),
		Quality:      c.classifyQuality(matched),
		Distribution: c.classifyDistribution(matched),
		Geometry:     c.classifyGeometry(matched),
	}
}

func classifyAPCount(n int) APCountFactor {
	switch {
	case n <= 1:
		return SingleAP
	case n == 2:
		return TwoAPs
	case n == 3:
		return ThreeAPs
	default:
		return FourPlusAPs
	}
}

func (c *Classifier) classifyQuality(matched []MatchedAP) SignalQualityFactor {
	mean := meanRSSI(matched)
	switch {
	case mean > c.cfg.RSSIStrong:
		return SignalStrong
	case mean > c.cfg.RSSIMedium:
		return SignalMedium
	case mean > c.cfg.RSSIWeak:
		return SignalWeak
	default:
		return SignalVeryWeak
	}
}

func (c *Classifier) classifyDistribution(matched []MatchedAP) DistributionFactor {
	if len(matched) < 2 {
		return DistributionUniform
	}
	mean := meanRSSI(matched)
	var sumSq float64
	for _, m := range matched {
		d := m.Scan.RSSI - mean
		sumSq += d * d
	}
	stddev := math.Sqrt(sumSq / float64(len(matched)))
	if stddev == 0 {
		return DistributionUniform
	}
	for _, m := range matched {
		if math.Abs((m.Scan.RSSI-mean)/stddev) > 2 {
			return DistributionOutliers
		}
	}
	if stddev < c.cfg.UniformStdDev {
		return DistributionUniform
	}
	return DistributionMixed
}

// classifyGeometry grades the AP constellation. One or two APs cannot span
// a plane and are graded POOR outright; the COLLINEAR grade is reserved for
// three or more APs lying on a line, which is the configuration that breaks
// multilateration solvers.
func (c *Classifier) classifyGeometry(matched []MatchedAP) GeometryFactor {
	if len(matched) < 3 {
		return GeometryPoor
	}
	if collinear(matched, c.cfg.CollinearityEpsilon) {
		return GeometryCollinear
	}

	gdop, ok := computeGDOP(matched)
	if !ok {
		return GeometryPoor
	}
	switch {
	case gdop < c.cfg.GDOPExcellent:
		return GeometryExcellent
	case gdop < c.cfg.GDOPGood:
		return GeometryGood
	case gdop < c.cfg.GDOPFair:
		return GeometryFair
	default:
		return GeometryPoor
	}
}

// computeGDOP builds the geometry matrix H of unit vectors from the
// signal-weighted centroid to each AP and returns √trace((HᵀH)⁻¹).
func computeGDOP(matched []MatchedAP) (float64, bool) {
	cLat, cLon := weightedCentroid(matched)

	h := mat.NewDense(len(matched), 2, nil)
	scale := math.Cos(cLat * math.Pi / 180)
	for i, m := range matched {
		dLat := m.AP.Latitude - cLat
		dLon := (m.AP.Longitude - cLon) * scale
		norm := math.Hypot(dLat, dLon)
		if norm == 0 {
			// AP at the centroid contributes no direction.
			continue
		}
		h.Set(i, 0, dLat/norm)
		h.Set(i, 1, dLon/norm)
	}

	var hth mat.Dense
	hth.Mul(h.T(), h)
	var inv mat.Dense
	if err := inv.Inverse(&hth); err != nil {
		return 0, false
	}
	tr := inv.At(0, 0) + inv.At(1, 1)
	if tr <= 0 || math.IsInf(tr, 0) || math.IsNaN(tr) {
		return 0, false
	}
	return math.Sqrt(tr), true
}

// weightedCentroid returns the centroid of the matched AP positions with
// each AP weighted by its linear signal power 10^(rssi/10).
func weightedCentroid(matched []MatchedAP) (lat, lon float64) {
	var sumW float64
	for _, m := range matched {
		w := math.Pow(10, m.Scan.RSSI/10)
		lat += w * m.AP.Latitude
		lon += w * m.AP.Longitude
		sumW += w
	}
	if sumW == 0 {
		// All weights underflowed, fall back to the plain mean.
		for _, m := range matched {
			lat += m.AP.Latitude
			lon += m.AP.Longitude
		}
		n := float64(len(matched))
		return lat / n, lon / n
	}
	return lat / sumW, lon / sumW
}

// collinear reports whether the AP positions are approximately collinear:
// the variance along the minor principal axis is below epsilon.
func collinear(matched []MatchedAP, epsilon float64) bool {
	n := float64(len(matched))
	var meanLat, meanLon float64
	for _, m := range matched {
		meanLat += m.AP.Latitude
		meanLon += m.AP.Longitude
	}
	meanLat /= n
	meanLon /= n

	var cLatLat, cLonLon, cLatLon float64
	for _, m := range matched {
		dLat := m.AP.Latitude - meanLat
		dLon := m.AP.Longitude - meanLon
		cLatLat += dLat * dLat
		cLonLon += dLon * dLon
		cLatLon += dLat * dLon
	}
	cov := mat.NewSymDense(2, []float64{
		cLatLat / n, cLatLon / n,
		cLatLon / n, cLonLon / n,
	})

	var eig mat.EigenSym
	if !eig.Factorize(cov, false) {
		return false
	}
	values := eig.Values(nil)
	// Eigenvalues are in ascending order, the first is the minor-axis
	// variance.
	return values[0] < epsilon
}

func meanRSSI(matched []MatchedAP) float64 {
	var sum float64
	for _, m := range matched {
		sum += m.Scan.RSSI
	}
	return sum / float64(len(matched))
}
