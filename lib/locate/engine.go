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
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/gravitational/trace"

	"github.com/airloc/airloc/lib/defaults"
)

// ErrNoPosition is returned by Engine.Locate when no algorithm is eligible
// for the scan context or none produced an estimate.
var ErrNoPosition = errors.New("no position could be determined for scan context")

// EngineConfig configures the positioning engine.
type EngineConfig struct {
	// APs is the access point reference store (required).
	APs Store
	// Classifier holds the context classification thresholds.
	Classifier ClassifierConfig
	// PathLossCoeff is 10 times the path loss exponent used by the
	// distance-based algorithms (default 20, free space).
	PathLossCoeff float64
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (cfg *EngineConfig) CheckAndSetDefaults() error {
	if cfg.APs == nil {
		return trace.BadParameter("APs store is not specified")
	}
	if cfg.PathLossCoeff == 0 {
		cfg.PathLossCoeff = 20
	}
	if cfg.PathLossCoeff < 0 {
		return trace.BadParameter("PathLossCoeff must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.With(defaults.ComponentKey, defaults.ComponentLocate)
	}
	return nil
}

// Engine classifies a scan context, selects among the closed set of five
// algorithms and fuses their outputs into a single position. Engine is
// stateless apart from the AP store and safe for concurrent use.
type Engine struct {
	cfg        EngineConfig
	classifier *Classifier
	algorithms []Algorithm
}

// NewEngine returns a positioning engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	classifier, err := NewClassifier(cfg.Classifier)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		cfg:        cfg,
		classifier: classifier,
		algorithms: []Algorithm{
			NewProximity(),
			NewRSSIRatio(cfg.PathLossCoeff),
			NewWeightedCentroid(),
			NewTrilateration(cfg.PathLossCoeff),
			NewMaxLikelihood(cfg.PathLossCoeff),
		},
	}, nil
}

// Selection is one eligible algorithm with its fused weight.
type Selection struct {
	Algorithm Algorithm
	// Weight is the raw combined weight W(A).
	Weight float64
	// Normalized is W(A)/ΣW over all eligible algorithms.
	Normalized float64
}

// Select returns the eligible algorithms and their normalized weights for
// a factor set. Algorithms with zero weight are dropped.
func (e *Engine) Select(factors FactorSet) []Selection {
	var selections []Selection
	var total float64
	for _, a := range e.algorithms {
		w := Weight(a, factors)
		if w <= 0 {
			continue
		}
		selections = append(selections, Selection{Algorithm: a, Weight: w})
		total += w
	}
	for i := range selections {
		selections[i].Normalized = selections[i].Weight / total
	}
	return selections
}

// Classify exposes the context classification of a scan against the AP
// store.
func (e *Engine) Classify(scans []ScanObservation) ([]MatchedAP, FactorSet, error) {
	matched := matchEligible(scans, e.cfg.APs)
	if len(matched) == 0 {
		return nil, FactorSet{}, trace.Wrap(ErrNoPosition, "no scan matched a known access point")
	}
	return matched, e.classifier.Classify(matched), nil
}

// Locate estimates the device position from a WiFi scan. It returns
// ErrNoPosition when no algorithm is eligible or none produced an
// estimate.
func (e *Engine) Locate(ctx context.Context, scans []ScanObservation) (*Position, error) {
	if len(scans) == 0 {
		return nil, trace.Wrap(ErrNoPosition, "empty scan")
	}
	_, factors, err := e.Classify(scans)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	selections := e.Select(factors)
	if len(selections) == 0 {
		return nil, trace.Wrap(ErrNoPosition, "all algorithm weights are zero for context %v", factors)
	}

	type candidate struct {
		weight   float64
		position *Position
	}
	var candidates []candidate
	for _, sel := range selections {
		pos, err := sel.Algorithm.Calculate(scans, e.cfg.APs)
		if err != nil {
			e.cfg.Logger.DebugContext(ctx, "Algorithm failed",
				"algorithm", sel.Algorithm.Name(), "error", err)
			continue
		}
		if pos == nil {
			continue
		}
		candidates = append(candidates, candidate{weight: sel.Weight, position: pos})
	}
	if len(candidates) == 0 {
		return nil, trace.Wrap(ErrNoPosition, "no algorithm produced an estimate")
	}

	// Fuse by weight, renormalized over the algorithms that actually
	// produced an estimate.
	var sumW, lat, lon, accuracy, confidence float64
	var altSum, altW float64
	for _, c := range candidates {
		sumW += c.weight
		lat += c.weight * c.position.Latitude
		lon += c.weight * c.position.Longitude
		accuracy += c.weight * c.position.Accuracy
		confidence += c.weight * c.position.Confidence
		if c.position.Altitude != nil {
			altSum += c.weight * *c.position.Altitude
			altW += c.weight
		}
	}
	fused := &Position{
		Latitude:   lat / sumW,
		Longitude:  lon / sumW,
		Accuracy:   accuracy / sumW,
		Confidence: math.Min(1, confidence/sumW),
	}
	if altW > 0 {
		v := altSum / altW
		fused.Altitude = &v
	}
	return fused, nil
}
