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

package retryutils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialProgression(t *testing.T) {
	r, err := NewExponential(ExponentialConfig{
		Base: 200 * time.Millisecond,
		Max:  30 * time.Second,
	})
	require.NoError(t, err)

	expected := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
	}
	for i, want := range expected {
		require.Equal(t, want, r.Duration(), "attempt %d", i)
		r.Inc()
	}

	// Way past the cap.
	for i := 0; i < 20; i++ {
		r.Inc()
	}
	require.Equal(t, 30*time.Second, r.Duration())

	r.Reset()
	require.Equal(t, 200*time.Millisecond, r.Duration())
	require.Equal(t, 0, r.Attempt())
}

func TestExponentialJitterBounds(t *testing.T) {
	r, err := NewExponential(ExponentialConfig{
		Base:   100 * time.Millisecond,
		Max:    30 * time.Second,
		Jitter: NewQuarterJitter(),
	})
	require.NoError(t, err)

	for attempt := 0; attempt < 12; attempt++ {
		nominal := min(100*time.Millisecond<<uint(attempt), 30*time.Second)
		for i := 0; i < 100; i++ {
			d := r.Duration()
			require.GreaterOrEqual(t, d, 3*nominal/4)
			require.Less(t, d, 5*nominal/4)
		}
		r.Inc()
	}
}

func TestExponentialConfig(t *testing.T) {
	_, err := NewExponential(ExponentialConfig{Max: time.Second})
	require.Error(t, err)
	_, err = NewExponential(ExponentialConfig{Base: time.Second})
	require.Error(t, err)
}

func TestQuarterJitterZero(t *testing.T) {
	j := NewQuarterJitter()
	require.Equal(t, time.Duration(0), j(0))
	require.Equal(t, time.Duration(0), j(-time.Second))
}
