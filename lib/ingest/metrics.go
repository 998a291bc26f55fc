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
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/airloc/airloc/lib/defaults"
	"github.com/airloc/airloc/lib/observability/metrics"
)

type ingestMetrics struct {
	messagesReceived  prometheus.Counter
	messagesAcked     prometheus.Counter
	messagesAbandoned prometheus.Counter
	queueReceiveFails prometheus.Counter

	parseFailures     prometheus.Counter
	sanityFilterDrops prometheus.Counter
	rssiFilterDrops   prometheus.Counter
	hotspotFlagged    prometheus.Counter
	hotspotExcluded   prometheus.Counter
	hotspotLogged     prometheus.Counter

	recordsEmitted   prometheus.Counter
	recordsDelivered prometheus.Counter
	recordsLost      prometheus.Counter

	batchesSubmitted     prometheus.Counter
	batchRetries         prometheus.Counter
	partialResubmissions prometheus.Counter
	batchRecords         prometheus.Histogram
	batchBytes           prometheus.Histogram
	batchAssemblyLatency prometheus.Histogram
	deliveryLatency      prometheus.Histogram

	memoryPressure     prometheus.Gauge
	heapUsageRatio     prometheus.Gauge
	throttledBatchSize prometheus.Gauge

	lastProcessedTimestamp prometheus.Gauge
}

func newIngestMetrics() (*ingestMetrics, error) {
	m := &ingestMetrics{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "messages_received_total",
			Help:      "Number of upload notifications received from the work queue",
		}),
		messagesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "messages_acked_total",
			Help:      "Number of queue messages deleted after all derived records reached a terminal state",
		}),
		messagesAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "messages_abandoned_total",
			Help:      "Number of queue messages left for redelivery after a processing failure",
		}),
		queueReceiveFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "queue_receive_failures_total",
			Help:      "Number of failed work queue receive calls",
		}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "parse_failures_total",
			Help:      "Number of lines or message bodies dropped on syntactic failure",
		}),
		sanityFilterDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "sanity_filter_drops_total",
			Help:      "Number of measurements dropped by the stage-1 sanity filter",
		}),
		rssiFilterDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "rssi_filter_drops_total",
			Help:      "Number of AP observations dropped for RSSI out of configured bounds",
		}),
		hotspotFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "hotspot_flagged_total",
			Help:      "Number of observations flagged as mobile hotspots by the OUI filter",
		}),
		hotspotExcluded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "hotspot_excluded_total",
			Help:      "Number of observations excluded as mobile hotspots by the OUI filter",
		}),
		hotspotLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "hotspot_logged_total",
			Help:      "Number of blacklisted-OUI observations counted but included",
		}),
		recordsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "records_emitted_total",
			Help:      "Number of normalized measurement records emitted by the transformer",
		}),
		recordsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "records_delivered_total",
			Help:      "Number of records accepted by the delivery stream",
		}),
		recordsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "records_lost_total",
			Help:      "Number of records discarded after permanent errors or exhausted retries",
		}),
		batchesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "batches_submitted_total",
			Help:      "Number of batches submitted to the delivery stream",
		}),
		batchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "batch_retries_total",
			Help:      "Number of whole-batch delivery retries",
		}),
		partialResubmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "partial_resubmissions_total",
			Help:      "Number of batches resubmitted for records that failed inside an accepted batch",
		}),
		batchRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "batch_records",
			Help:      "Number of records in a submitted batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		batchBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "batch_bytes",
			Help:      "Approximate byte size of a submitted batch",
			Buckets:   prometheus.ExponentialBucketsRange(1024, float64(defaults.MaxBatchBytes), 10),
		}),
		batchAssemblyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "batch_assembly_seconds",
			Help:      "Time from batch creation to submission",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "delivery_seconds",
			Help:      "Duration of a delivery stream submission including retries",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		memoryPressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "memory_pressure",
			Help:      "1 when heap usage is above the pressure threshold, 0 otherwise",
		}),
		heapUsageRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "heap_usage_ratio",
			Help:      "Last sampled heap used to heap limit ratio",
		}),
		throttledBatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "throttled_batch_size",
			Help:      "Effective batch record bound after memory throttling",
		}),
		lastProcessedTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: defaults.MetricNamespace,
			Subsystem: defaults.ComponentIngest,
			Name:      "last_processed_timestamp",
			Help:      "Timestamp of the last fully processed queue message",
		}),
	}

	return m, trace.Wrap(metrics.RegisterPrometheusCollectors(
		m.messagesReceived,
		m.messagesAcked,
		m.messagesAbandoned,
		m.queueReceiveFails,
		m.parseFailures,
		m.sanityFilterDrops,
		m.rssiFilterDrops,
		m.hotspotFlagged,
		m.hotspotExcluded,
		m.hotspotLogged,
		m.recordsEmitted,
		m.recordsDelivered,
		m.recordsLost,
		m.batchesSubmitted,
		m.batchRetries,
		m.partialResubmissions,
		m.batchRecords,
		m.batchBytes,
		m.batchAssemblyLatency,
		m.deliveryLatency,
		m.memoryPressure,
		m.heapUsageRatio,
		m.throttledBatchSize,
		m.lastProcessedTimestamp,
	))
}
