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

// Package retryutils provides jitter and backoff helpers used by the
// ingestion pipeline retry paths.
package retryutils

import (
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Jitter is a function which applies random jitter to a duration.
// Used to randomize backoff values. Must be safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// NewQuarterJitter returns a new jitter on the range [3n/4, 5n/4).
// Spreading retries a quarter either side of the nominal delay breaks
// synchronized retry cycles without materially changing the schedule.
func NewQuarterJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		// values less than 1 cause rng to panic, and some logic
		// relies on treating zero duration as non-blocking case.
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (3 * d / 4) + time.Duration(rng.Int63n(int64(d))/2)
	}
}

// NewHalfJitter returns a new jitter on the range [n/2,n). This is a large
// range and most suitable for jittering things like backoff operations where
// breaking cycles quickly is a priority.
func NewHalfJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (d / 2) + time.Duration(rng.Int63n(int64(d))/2)
	}
}

// Retry is an interface that provides retry logic.
type Retry interface {
	// Reset resets retry state.
	Reset()
	// Inc increments retry attempt.
	Inc()
	// Attempt returns the current attempt number, starting at zero.
	Attempt() int
	// Duration returns the current retry delay, could be 0.
	Duration() time.Duration
	// After returns a channel that fires after Duration delay,
	// could fire right away if Duration is 0.
	After() <-chan time.Time
	// Clone creates a copy of this retry in a reset state.
	Clone() Retry
}

// ExponentialConfig sets up an exponential backoff progression.
type ExponentialConfig struct {
	// Base is the delay of the first retry attempt, can't be 0.
	Base time.Duration
	// Max caps a single delay, can't be 0.
	Max time.Duration
	// Jitter is an optional jitter function applied to each delay.
	// Supplying a jitter means successive calls to Duration may return
	// different results.
	Jitter Jitter
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ExponentialConfig) CheckAndSetDefaults() error {
	if c.Base <= 0 {
		return trace.BadParameter("missing parameter Base")
	}
	if c.Max <= 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewExponential returns a new instance of exponential retry.
func NewExponential(cfg ExponentialConfig) (*Exponential, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newExponential(cfg), nil
}

func newExponential(cfg ExponentialConfig) *Exponential {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Exponential{ExponentialConfig: cfg, closedChan: closedChan}
}

// Exponential doubles the delay on every attempt, capped at Max:
// Base, 2*Base, 4*Base, ... Max.
type Exponential struct {
	// ExponentialConfig is the exponential retry config.
	ExponentialConfig
	attempt    int
	closedChan chan time.Time
}

// Reset resets the retry period to the initial state.
func (r *Exponential) Reset() {
	r.attempt = 0
}

// Inc increments the attempt counter.
func (r *Exponential) Inc() {
	r.attempt++
}

// Attempt returns the current attempt number.
func (r *Exponential) Attempt() int {
	return r.attempt
}

// Clone creates an identical copy of Exponential with fresh state.
func (r *Exponential) Clone() Retry {
	return newExponential(r.ExponentialConfig)
}

// Duration returns the delay of the current attempt.
func (r *Exponential) Duration() time.Duration {
	d := r.Base
	// Shifting beyond 62 bits would overflow, and any realistic Max is
	// reached long before that.
	for i := 0; i < r.attempt && d < r.Max; i++ {
		d *= 2
	}
	if d > r.Max {
		d = r.Max
	}
	if r.Jitter != nil {
		d = r.Jitter(d)
	}
	return d
}

// After returns a channel that fires with the timeout defined by Duration,
// as a special case if Duration is 0 returns a closed channel.
func (r *Exponential) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}
