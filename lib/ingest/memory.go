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

package ingest

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/airloc/airloc/lib/defaults"
)

// MemorySample is one observation of heap state.
type MemorySample struct {
	// HeapUsed is the currently allocated heap in bytes.
	HeapUsed uint64
	// HeapLimit is the heap budget the process runs against.
	HeapLimit uint64
}

// MemorySampler reads heap state. Tests inject deterministic samplers.
type MemorySampler interface {
	Sample() MemorySample
}

// runtimeSampler samples the live heap against the process memory limit,
// falling back to memory obtained from the OS when no limit is set.
type runtimeSampler struct{}

func (runtimeSampler) Sample() MemorySample {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return MemorySample{HeapUsed: stats.HeapAlloc, HeapLimit: stats.HeapSys}
	}
	return MemorySample{HeapUsed: stats.HeapAlloc, HeapLimit: uint64(limit)}
}

// MemoryGovernorConfig configures heap pressure tracking.
type MemoryGovernorConfig struct {
	// Enabled turns the governor on; a disabled governor reports no
	// pressure and never throttles.
	Enabled bool
	// PressureThreshold is the heap usage ratio above which the pressure
	// flag is raised, in [0.5, 0.95].
	PressureThreshold float64
	// Hysteresis is subtracted from the threshold before the flag clears.
	Hysteresis float64
	// CheckInterval is the sampling period, in [1s, 60s].
	CheckInterval time.Duration
	// EnableBatchThrottling lets the governor shrink batch sizes under
	// pressure.
	EnableBatchThrottling bool
	// MinThrottledBatchSize floors the throttled batch size, in [1, 100].
	MinThrottledBatchSize int
	// SuggestGCOnPressure runs a collection when the flag is raised.
	SuggestGCOnPressure bool
	// Sampler overrides heap sampling in tests.
	Sampler MemorySampler
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger
	// metrics is set by the pipeline.
	metrics *ingestMetrics
}

// CheckAndSetDefaults checks and sets defaults.
func (cfg *MemoryGovernorConfig) CheckAndSetDefaults() error {
	if cfg.PressureThreshold == 0 {
		cfg.PressureThreshold = defaults.MemoryPressureThreshold
	}
	if cfg.PressureThreshold < 0.5 || cfg.PressureThreshold > 0.95 {
		return trace.BadParameter("PressureThreshold must be in [0.5, 0.95]")
	}
	if cfg.Hysteresis == 0 {
		cfg.Hysteresis = defaults.MemoryPressureHysteresis
	}
	if cfg.Hysteresis < 0 || cfg.Hysteresis >= cfg.PressureThreshold {
		return trace.BadParameter("Hysteresis must be in [0, PressureThreshold)")
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = defaults.MemoryCheckInterval
	}
	if cfg.CheckInterval < time.Second || cfg.CheckInterval > time.Minute {
		return trace.BadParameter("CheckInterval must be in [1s, 60s]")
	}
	if cfg.MinThrottledBatchSize == 0 {
		cfg.MinThrottledBatchSize = defaults.MinThrottledBatchSize
	}
	if cfg.MinThrottledBatchSize < 1 || cfg.MinThrottledBatchSize > 100 {
		return trace.BadParameter("MinThrottledBatchSize must be in [1, 100]")
	}
	if cfg.Sampler == nil {
		cfg.Sampler = runtimeSampler{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.With(defaults.ComponentKey, defaults.ComponentIngest)
	}
	return nil
}

// MemoryGovernor samples heap usage on a fixed interval, maintains the
// pressure flag with hysteresis, and suggests throttled batch sizes. The
// pressure flag and the last sampled ratio are guarded by the mutex;
// samplers and readers both take it.
type MemoryGovernor struct {
	cfg MemoryGovernorConfig

	mu        sync.Mutex
	pressured bool
	usage     float64
}

// NewMemoryGovernor returns a memory governor.
func NewMemoryGovernor(cfg MemoryGovernorConfig) (*MemoryGovernor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &MemoryGovernor{cfg: cfg}, nil
}

// Run samples until the context is canceled.
func (g *MemoryGovernor) Run(ctx context.Context) {
	if !g.cfg.Enabled {
		return
	}
	ticker := g.cfg.Clock.NewTicker(g.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			g.sample(ctx)
		}
	}
}

func (g *MemoryGovernor) sample(ctx context.Context) {
	s := g.cfg.Sampler.Sample()
	var usage float64
	if s.HeapLimit > 0 {
		usage = float64(s.HeapUsed) / float64(s.HeapLimit)
	}

	g.mu.Lock()
	g.usage = usage
	wasPressured := g.pressured
	switch {
	case !wasPressured && usage > g.cfg.PressureThreshold:
		g.pressured = true
	case wasPressured && usage < g.cfg.PressureThreshold-g.cfg.Hysteresis:
		g.pressured = false
	}
	nowPressured := g.pressured
	g.mu.Unlock()

	if g.cfg.metrics != nil {
		g.cfg.metrics.heapUsageRatio.Set(usage)
		if nowPressured {
			g.cfg.metrics.memoryPressure.Set(1)
		} else {
			g.cfg.metrics.memoryPressure.Set(0)
		}
	}
	if nowPressured == wasPressured {
		return
	}
	if nowPressured {
		g.cfg.Logger.WarnContext(ctx, "Memory pressure raised", "heap_usage", usage, "threshold", g.cfg.PressureThreshold)
		if g.cfg.SuggestGCOnPressure {
			runtime.GC()
		}
	} else {
		g.cfg.Logger.InfoContext(ctx, "Memory pressure cleared", "heap_usage", usage)
	}
}

// UnderPressure reports the current state of the pressure flag.
func (g *MemoryGovernor) UnderPressure() bool {
	if !g.cfg.Enabled {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pressured
}

func (g *MemoryGovernor) usageRatio() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usage
}

// GetOptimalBatchSize returns the batch record bound the publisher should
// use. Without pressure it is defaultSize; under pressure it shrinks
// proportionally to how far past the threshold the heap is, floored at the
// configured minimum.
func (g *MemoryGovernor) GetOptimalBatchSize(defaultSize int) int {
	if !g.cfg.Enabled || !g.cfg.EnableBatchThrottling || !g.UnderPressure() {
		return defaultSize
	}
	usage := g.usageRatio()
	if usage <= 0 {
		return defaultSize
	}
	factor := g.cfg.PressureThreshold / usage
	if factor > 1 {
		factor = 1
	}
	size := int(float64(defaultSize) * factor)
	if size < g.cfg.MinThrottledBatchSize {
		size = g.cfg.MinThrottledBatchSize
	}
	if size > defaultSize {
		size = defaultSize
	}
	if g.cfg.metrics != nil {
		g.cfg.metrics.throttledBatchSize.Set(float64(size))
	}
	return size
}
