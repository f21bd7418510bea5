package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricCommitsTotal      = "codefang.scan.commits.total"
	metricFilesChangedTotal = "codefang.scan.files_changed.total"
	metricScanDuration      = "codefang.scan.duration.seconds"
	metricQueueDepth        = "codefang.queue.depth"
	metricQueueBytes        = "codefang.queue.bytes"
	metricQueuePressure     = "codefang.queue.pressure_transitions.total"
	metricNotifyDropped     = "codefang.notify.dropped.total"
	metricPluginTransitions = "codefang.plugin.lifecycle_transitions.total"

	attrPressure = "pressure"
	attrPluginID = "plugin_id"
	attrState    = "state"
)

// PipelineMetrics holds OTel instruments for the scanner, queue, notify,
// and plugin subsystems.
type PipelineMetrics struct {
	commitsTotal      metric.Int64Counter
	filesChangedTotal metric.Int64Counter
	scanDuration      metric.Float64Histogram
	queueDepth        metric.Int64Counter // cumulative: each queue sample adds its depth
	queueBytes        metric.Int64Counter
	queuePressure     metric.Int64Counter
	notifyDropped     metric.Int64Counter
	pluginTransitions metric.Int64Counter
}

// ScanStats summarises one completed repository scan for metric recording.
type ScanStats struct {
	Commits      int64
	FilesChanged int64
	Duration     time.Duration
	Warnings     int64
}

// NewPipelineMetrics creates pipeline metric instruments from the given meter.
func NewPipelineMetrics(mt metric.Meter) (*PipelineMetrics, error) {
	b := newMetricBuilder(mt)

	pm := &PipelineMetrics{
		commitsTotal:      b.counter(metricCommitsTotal, "Total commits visited by the scanner", "{commit}"),
		filesChangedTotal: b.counter(metricFilesChangedTotal, "Total file changes emitted by the scanner", "{change}"),
		scanDuration:      b.histogram(metricScanDuration, "Full-scan wall-clock duration in seconds", "s", durationBucketBoundaries...),
		queueDepth:        b.counter(metricQueueDepth, "Queue depth samples", "{message}"),
		queueBytes:        b.counter(metricQueueBytes, "Queue byte-estimate samples", "By"),
		queuePressure:     b.counter(metricQueuePressure, "Queue pressure-level transitions by level", "{transition}"),
		notifyDropped:     b.counter(metricNotifyDropped, "Notification events dropped by subscriber overflow", "{event}"),
		pluginTransitions: b.counter(metricPluginTransitions, "Plugin lifecycle state transitions by resulting state", "{transition}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return pm, nil
}

// RecordScan records scanner statistics for a completed scan.
// Safe to call on a nil receiver (no-op).
func (pm *PipelineMetrics) RecordScan(ctx context.Context, stats ScanStats) {
	if pm == nil {
		return
	}

	pm.commitsTotal.Add(ctx, stats.Commits)
	pm.filesChangedTotal.Add(ctx, stats.FilesChanged)
	pm.scanDuration.Record(ctx, stats.Duration.Seconds())
}

// RecordQueueSample records one depth/byte sample taken at a queue update.
// Safe to call on a nil receiver (no-op).
func (pm *PipelineMetrics) RecordQueueSample(ctx context.Context, depth int, bytes int64, level string) {
	if pm == nil {
		return
	}

	pm.queueDepth.Add(ctx, int64(depth))
	pm.queueBytes.Add(ctx, bytes)
	pm.queuePressure.Add(ctx, 1, metric.WithAttributes(attribute.String(attrPressure, level)))
}

// RecordNotifyDrop records one dropped notification event for a subscriber.
// Safe to call on a nil receiver (no-op).
func (pm *PipelineMetrics) RecordNotifyDrop(ctx context.Context, subscriberID string) {
	if pm == nil {
		return
	}

	pm.notifyDropped.Add(ctx, 1, metric.WithAttributes(attribute.String(attrPluginID, subscriberID)))
}

// RecordPluginTransition records one plugin lifecycle state transition.
// Safe to call on a nil receiver (no-op).
func (pm *PipelineMetrics) RecordPluginTransition(ctx context.Context, pluginID, state string) {
	if pm == nil {
		return
	}

	pm.pluginTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrPluginID, pluginID),
		attribute.String(attrState, state),
	))
}
