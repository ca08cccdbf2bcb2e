package updatemanager

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics counts update pipeline outcomes.
type Metrics struct {
	checks        metric.Int64Counter
	downloads     metric.Int64Counter
	installs      metric.Int64Counter
	downloadBytes metric.Int64Histogram
}

// NewMetrics registers the instruments on meter. A nil meter records nothing.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}

	checks, err := meter.Int64Counter("update_checks_total")
	if err != nil {
		return nil, err
	}

	downloads, err := meter.Int64Counter("update_downloads_total")
	if err != nil {
		return nil, err
	}

	installs, err := meter.Int64Counter("update_installs_total")
	if err != nil {
		return nil, err
	}

	downloadBytes, err := meter.Int64Histogram("update_download_bytes",
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(getPackageSizeBoundaries()...))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		checks:        checks,
		downloads:     downloads,
		installs:      installs,
		downloadBytes: downloadBytes,
	}, nil
}

func getPackageSizeBoundaries() []float64 {
	return []float64{
		1 << 20,
		5 << 20,
		10 << 20,
		25 << 20,
		50 << 20,
		100 << 20,
		250 << 20,
	}
}

func (m *Metrics) CountCheck(ctx context.Context, result string) {
	m.checks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) CountDownload(ctx context.Context, result string) {
	m.downloads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) CountInstall(ctx context.Context, result string) {
	m.installs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordDownloadSize(ctx context.Context, bytes int64) {
	m.downloadBytes.Record(ctx, bytes)
}
