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

// Algorithm is one member of the closed set of position estimators.
// Implementations are stateless and safe for concurrent use.
//
// An algorithm exposes its base weight per AP-count class and a multiplier
// in [0,2] per remaining factor; a multiplier of zero disables the
// algorithm in that context. Calculate returns nil (with nil error) when
// the algorithm cannot produce an estimate for the given scans.
type Algorithm interface {
	Name() string
	BaseWeight(APCountFactor) float64
	QualityMultiplier(SignalQualityFactor) float64
	GeometryMultiplier(GeometryFactor) float64
	DistributionMultiplier(DistributionFactor) float64
	Calculate(scans []ScanObservation, aps Store) (*Position, error)
}

// Weight is the combined selection weight of one algorithm in one context:
//
//	W = base(apCount) × mult(quality) × mult(geometry) × mult(distribution)
func Weight(a Algorithm, f FactorSet) float64 {
	return a.BaseWeight(f.APCount) *
		a.QualityMultiplier(f.Quality) *
		a.GeometryMultiplier(f.Geometry) *
		a.DistributionMultiplier(f.Distribution)
}
