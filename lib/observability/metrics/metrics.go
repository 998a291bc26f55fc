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

// Package metrics provides prometheus registration helpers.
package metrics

import (
	"errors"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPrometheusCollectors registers the given collectors with the
// default registerer. Double registration of an identical collector is not
// an error, which keeps package construction idempotent in tests.
func RegisterPrometheusCollectors(collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return trace.Wrap(err)
		}
	}
	return nil
}
