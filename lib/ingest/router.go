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
	"sort"

	"github.com/gravitational/trace"
)

// FeedProcessor transforms the upload lines of one measurement feed.
// Implementations are stateless and safe for concurrent use.
type FeedProcessor interface {
	// Name identifies the processor in logs.
	Name() string
	// Priority orders processors during routing, higher wins.
	Priority() int
	// CanProcess reports whether the processor handles uploads of the
	// given stream.
	CanProcess(streamName string) bool
	// ProcessLine transforms one upload line into zero or more serialized
	// delivery records.
	ProcessLine(line []byte) ([][]byte, error)
}

// StreamRouter routes uploads to the highest-priority feed processor that
// claims their stream, with a catch-all default.
type StreamRouter struct {
	processors []FeedProcessor
	fallback   FeedProcessor
}

// NewStreamRouter returns a router over the given processors. The fallback
// handles streams no processor claims.
func NewStreamRouter(fallback FeedProcessor, processors ...FeedProcessor) (*StreamRouter, error) {
	if fallback == nil {
		return nil, trace.BadParameter("fallback processor is not specified")
	}
	ordered := make([]FeedProcessor, len(processors))
	copy(ordered, processors)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() > ordered[j].Priority()
	})
	return &StreamRouter{processors: ordered, fallback: fallback}, nil
}

// GetProcessor returns the processor handling streamName.
func (r *StreamRouter) GetProcessor(streamName string) FeedProcessor {
	for _, p := range r.processors {
		if p.CanProcess(streamName) {
			return p
		}
	}
	return r.fallback
}

// defaultProcessor applies the standard transformer to any stream.
type defaultProcessor struct {
	transformer *Transformer
}

// NewDefaultProcessor wraps a transformer as the catch-all feed processor.
func NewDefaultProcessor(transformer *Transformer) FeedProcessor {
	return defaultProcessor{transformer: transformer}
}

func (defaultProcessor) Name() string { return "default" }

func (defaultProcessor) Priority() int { return 0 }

func (defaultProcessor) CanProcess(streamName string) bool { return true }

func (p defaultProcessor) ProcessLine(line []byte) ([][]byte, error) {
	records, err := p.transformer.TransformLine(line)
	return records, trace.Wrap(err)
}

// streamProcessor binds a transformer to a fixed set of stream names,
// letting feeds carry their own filtering thresholds.
type streamProcessor struct {
	name        string
	priority    int
	streams     map[string]struct{}
	transformer *Transformer
}

// NewStreamProcessor returns a processor handling exactly the named
// streams with its own transformer.
func NewStreamProcessor(name string, priority int, streams []string, transformer *Transformer) (FeedProcessor, error) {
	if name == "" {
		return nil, trace.BadParameter("processor name is not specified")
	}
	if len(streams) == 0 {
		return nil, trace.BadParameter("processor %q claims no streams", name)
	}
	set := make(map[string]struct{}, len(streams))
	for _, s := range streams {
		set[s] = struct{}{}
	}
	return streamProcessor{name: name, priority: priority, streams: set, transformer: transformer}, nil
}

func (p streamProcessor) Name() string  { return p.name }
func (p streamProcessor) Priority() int { return p.priority }

func (p streamProcessor) CanProcess(streamName string) bool {
	_, ok := p.streams[streamName]
	return ok
}

func (p streamProcessor) ProcessLine(line []byte) ([][]byte, error) {
	records, err := p.transformer.TransformLine(line)
	return records, trace.Wrap(err)
}
