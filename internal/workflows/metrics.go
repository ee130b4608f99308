package workflows

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/workflows"

var (
	metricsOnce          sync.Once
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
)

// initMetrics creates the activity instruments on the global meter
// provider. Instrument errors go to the OpenTelemetry error handler.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error
	activityDuration, err = meter.Float64Histogram(
		"taskd.workflows.activity.duration",
		metric.WithDescription("Duration of task workflow activities"),
		metric.WithUnit("s"),
	)
	if err != nil {
		otel.Handle(err)
	}

	activityErrorCounter, err = meter.Int64Counter(
		"taskd.workflows.activity.errors",
		metric.WithDescription("Task workflow activities that returned an error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		otel.Handle(err)
	}
}

func recordActivity(ctx context.Context, name string, d time.Duration, err error) {
	metricsOnce.Do(initMetrics)
	attrs := metric.WithAttributes(attribute.String("activity", name))
	if activityDuration != nil {
		activityDuration.Record(ctx, d.Seconds(), attrs)
	}
	if err != nil && activityErrorCounter != nil {
		activityErrorCounter.Add(ctx, 1, attrs)
	}
}
