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

// Package config loads the YAML file configuration of the ingestion daemon
// and maps it onto component configs. Unknown keys are rejected so typos
// surface at startup instead of silently running with defaults.
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/airloc/airloc/lib/ingest"
	"github.com/airloc/airloc/lib/locate"
)

// FileConfig is the top-level YAML document.
type FileConfig struct {
	Queue            Queue            `yaml:"queue"`
	Sources          Sources          `yaml:"sources"`
	Filtering        Filtering        `yaml:"filtering"`
	MemoryManagement MemoryManagement `yaml:"memoryManagement"`
	Delivery         Delivery         `yaml:"delivery"`
	Object           Object           `yaml:"object"`
	Positioning      Positioning      `yaml:"positioning"`
	Diag             Diag             `yaml:"diag"`
}

// Queue configures work queue consumption.
type Queue struct {
	URL                 string `yaml:"url"`
	Region              string `yaml:"region"`
	MaxMessagesPerPoll  int    `yaml:"maxMessagesPerPoll"`
	WaitTimeMs          int    `yaml:"waitTimeMs"`
	VisibilityTimeoutMs int    `yaml:"visibilityTimeoutMs"`
	Concurrency         int    `yaml:"concurrency"`
}

// Sources toggles the accepted notification wire shapes.
type Sources struct {
	S3Notifications *bool `yaml:"s3Notifications"`
	EventBridge     *bool `yaml:"eventBridge"`
}

// Filtering holds the stage-1 measurement thresholds.
type Filtering struct {
	MaxLocationAccuracy       float64       `yaml:"maxLocationAccuracy"`
	MinRSSI                   float64       `yaml:"minRssi"`
	MaxRSSI                   float64       `yaml:"maxRssi"`
	ConnectedQualityWeight    float64       `yaml:"connectedQualityWeight"`
	ScanQualityWeight         float64       `yaml:"scanQualityWeight"`
	LowLinkSpeedQualityWeight float64       `yaml:"lowLinkSpeedQualityWeight"`
	LowLinkSpeedThreshold     float64       `yaml:"lowLinkSpeedThreshold"`
	MobileHotspot             MobileHotspot `yaml:"mobileHotspot"`
}

// MobileHotspot configures the OUI blacklist filter.
type MobileHotspot struct {
	Enabled      bool     `yaml:"enabled"`
	OUIBlacklist []string `yaml:"ouiBlacklist"`
	Action       string   `yaml:"action"`
}

// MemoryManagement configures the heap pressure governor.
type MemoryManagement struct {
	Enabled                 bool           `yaml:"enabled"`
	MemoryPressureThreshold float64        `yaml:"memoryPressureThreshold"`
	MemoryCheckIntervalMs   int            `yaml:"memoryCheckIntervalMs"`
	EnableBatchThrottling   bool           `yaml:"enableBatchThrottling"`
	MinThrottledBatchSize   int            `yaml:"minThrottledBatchSize"`
	GCOptimization          GCOptimization `yaml:"gcOptimization"`
}

// GCOptimization configures collection hints under pressure.
type GCOptimization struct {
	Enabled             bool `yaml:"enabled"`
	SuggestGCOnPressure bool `yaml:"suggestGcOnPressure"`
}

// Delivery configures batching and the delivery stream.
type Delivery struct {
	DeliveryStreamName string `yaml:"deliveryStreamName"`
	Region             string `yaml:"region"`
	MaxRetries         int    `yaml:"maxRetries"`
	RetryBackoffMs     int    `yaml:"retryBackoffMs"`
	MaxBatchRecords    int    `yaml:"maxBatchRecords"`
	MaxBatchBytes      int    `yaml:"maxBatchBytes"`
	MaxBatchAgeMs      int    `yaml:"maxBatchAgeMs"`
	MaxInFlightBatches int    `yaml:"maxInFlightBatches"`
}

// Object bounds upload objects.
type Object struct {
	MaxFileSize int64 `yaml:"maxFileSize"`
}

// Positioning holds the context classification thresholds and the path
// loss model coefficient.
type Positioning struct {
	RSSI                RSSIThresholds `yaml:"rssi"`
	GDOP                GDOPThresholds `yaml:"gdop"`
	PathLossCoeff       float64        `yaml:"pathLossCoeff"`
	UniformStdDev       float64        `yaml:"uniformStdDev"`
	CollinearityEpsilon float64        `yaml:"collinearityEpsilon"`
}

// RSSIThresholds splits signal quality classes, dBm.
type RSSIThresholds struct {
	Strong float64 `yaml:"strong"`
	Medium float64 `yaml:"medium"`
	Weak   float64 `yaml:"weak"`
}

// GDOPThresholds splits geometry classes.
type GDOPThresholds struct {
	Excellent float64 `yaml:"excellent"`
	Good      float64 `yaml:"good"`
	Fair      float64 `yaml:"fair"`
}

// Diag configures the metrics and health listener.
type Diag struct {
	Addr string `yaml:"addr"`
}

// ReadFromFile loads and validates a YAML configuration file.
func ReadFromFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	fc, err := ReadConfig(data)
	if err != nil {
		return nil, trace.Wrap(err, "failed parsing %v", path)
	}
	return fc, nil
}

// ReadConfig parses and validates YAML configuration bytes.
func ReadConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&fc); err != nil {
		return nil, trace.BadParameter("failed to parse configuration: %v", err)
	}
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fc, nil
}

// CheckAndSetDefaults checks and sets defaults. Range validation of the
// component-level values is delegated to the component configs, which are
// the single source of truth for bounds; only cross-field and file-level
// constraints are checked here.
func (fc *FileConfig) CheckAndSetDefaults() error {
	if fc.Queue.URL == "" {
		return trace.BadParameter("queue.url is required")
	}
	if fc.Delivery.DeliveryStreamName == "" {
		return trace.BadParameter("delivery.deliveryStreamName is required")
	}
	for _, ms := range []struct {
		name  string
		value int
	}{
		{name: "queue.waitTimeMs", value: fc.Queue.WaitTimeMs},
		{name: "queue.visibilityTimeoutMs", value: fc.Queue.VisibilityTimeoutMs},
		{name: "memoryManagement.memoryCheckIntervalMs", value: fc.MemoryManagement.MemoryCheckIntervalMs},
		{name: "delivery.retryBackoffMs", value: fc.Delivery.RetryBackoffMs},
		{name: "delivery.maxBatchAgeMs", value: fc.Delivery.MaxBatchAgeMs},
	} {
		if ms.value < 0 {
			return trace.BadParameter("%v must not be negative", ms.name)
		}
	}
	if fc.Filtering.MinRSSI != 0 && fc.Filtering.MaxRSSI != 0 && fc.Filtering.MinRSSI > fc.Filtering.MaxRSSI {
		return trace.BadParameter("filtering.minRssi must not exceed filtering.maxRssi")
	}
	return nil
}

// PipelineConfig maps the file configuration onto the ingestion pipeline
// config. The AWS clients are injected separately by the caller.
func (fc *FileConfig) PipelineConfig() ingest.PipelineConfig {
	return ingest.PipelineConfig{
		Queue: ingest.QueueConsumerConfig{
			QueueURL:           fc.Queue.URL,
			MaxMessagesPerPoll: fc.Queue.MaxMessagesPerPoll,
			WaitTime:           time.Duration(fc.Queue.WaitTimeMs) * time.Millisecond,
			VisibilityTimeout:  time.Duration(fc.Queue.VisibilityTimeoutMs) * time.Millisecond,
		},
		Ack: ingest.AckCoordinatorConfig{
			QueueURL: fc.Queue.URL,
		},
		Parser: ingest.EventParserConfig{
			AcceptQueueNotifications: fc.Sources.S3Notifications,
			AcceptEventBridge:        fc.Sources.EventBridge,
			MaxSize:                  fc.Object.MaxFileSize,
		},
		Reader: ingest.ObjectReaderConfig{
			MaxObjectSize: fc.Object.MaxFileSize,
		},
		Transformer: ingest.TransformerConfig{
			MaxLocationAccuracy:       fc.Filtering.MaxLocationAccuracy,
			MinRSSI:                   fc.Filtering.MinRSSI,
			MaxRSSI:                   fc.Filtering.MaxRSSI,
			ConnectedQualityWeight:    fc.Filtering.ConnectedQualityWeight,
			ScanQualityWeight:         fc.Filtering.ScanQualityWeight,
			LowLinkSpeedQualityWeight: fc.Filtering.LowLinkSpeedQualityWeight,
			LowLinkSpeedThreshold:     fc.Filtering.LowLinkSpeedThreshold,
			HotspotFilterEnabled:      fc.Filtering.MobileHotspot.Enabled,
			OUIBlacklist:              fc.Filtering.MobileHotspot.OUIBlacklist,
			HotspotAction:             ingest.HotspotAction(fc.Filtering.MobileHotspot.Action),
		},
		Batcher: ingest.BatchPublisherConfig{
			MaxBatchRecords: fc.Delivery.MaxBatchRecords,
			MaxBatchBytes:   fc.Delivery.MaxBatchBytes,
			MaxBatchAge:     time.Duration(fc.Delivery.MaxBatchAgeMs) * time.Millisecond,
		},
		Sink: ingest.DeliverySinkConfig{
			StreamName:  fc.Delivery.DeliveryStreamName,
			MaxRetries:  fc.Delivery.MaxRetries,
			BaseBackoff: time.Duration(fc.Delivery.RetryBackoffMs) * time.Millisecond,
			MaxInFlight: fc.Delivery.MaxInFlightBatches,
		},
		Memory: ingest.MemoryGovernorConfig{
			Enabled:               fc.MemoryManagement.Enabled,
			PressureThreshold:     fc.MemoryManagement.MemoryPressureThreshold,
			CheckInterval:         time.Duration(fc.MemoryManagement.MemoryCheckIntervalMs) * time.Millisecond,
			EnableBatchThrottling: fc.MemoryManagement.EnableBatchThrottling,
			MinThrottledBatchSize: fc.MemoryManagement.MinThrottledBatchSize,
			SuggestGCOnPressure:   fc.MemoryManagement.GCOptimization.Enabled && fc.MemoryManagement.GCOptimization.SuggestGCOnPressure,
		},
		Concurrency: fc.Queue.Concurrency,
	}
}

// ClassifierConfig maps the positioning thresholds onto the context
// classifier config.
func (fc *FileConfig) ClassifierConfig() locate.ClassifierConfig {
	return locate.ClassifierConfig{
		RSSIStrong:    fc.Positioning.RSSI.Strong,
		RSSIMedium:    fc.Positioning.RSSI.Medium,
		RSSIWeak:      fc.Positioning.RSSI.Weak,
		GDOPExcellent: fc.Positioning.GDOP.Excellent,
		GDOPGood:      fc.Positioning.GDOP.Good,
		GDOPFair:      fc.Positioning.GDOP.Fair,

		UniformStdDev:       fc.Positioning.UniformStdDev,
		CollinearityEpsilon: fc.Positioning.CollinearityEpsilon,
	}
}

// EngineConfig maps the positioning section onto the engine config. The AP
// store and the logger are supplied by the caller.
func (fc *FileConfig) EngineConfig() locate.EngineConfig {
	return locate.EngineConfig{
		Classifier:    fc.ClassifierConfig(),
		PathLossCoeff: fc.Positioning.PathLossCoeff,
	}
}
