package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/multiplayar/worldsync/internal/dispatcher"

// metrics are the dispatcher instruments. They are no-ops unless a meter
// provider has been registered globally.
type metrics struct {
	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter
	duration  metric.Float64Histogram
}

// newMetrics creates the instruments. queued is observed for the queue
// size gauge and must report the length of every buffered route.
func newMetrics(queued func(observe func(command string, n int))) (*metrics, error) {
	m := otel.Meter(instrumentationName)
	out := &metrics{}

	var err error
	out.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Commands waiting in a buffered route"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			queued(func(command string, n int) {
				o.ObserveInt64(out.queueSize, int64(n), metric.WithAttributes(commandAttr(command)))
			})
			return nil
		},
		out.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	if out.processed, err = m.Int64Counter(
		"dispatcher.events.processed",
		metric.WithDescription("Commands handled"),
	); err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	if out.dropped, err = m.Int64Counter(
		"dispatcher.events.dropped",
		metric.WithDescription("Commands rejected because their queue was full"),
	); err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	if out.duration, err = m.Float64Histogram(
		"dispatcher.event.duration",
		metric.WithDescription("Handler run time"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	return out, nil
}

func commandAttr(command string) attribute.KeyValue {
	return attribute.String("command", command)
}

func (m *metrics) handled(command string, took time.Duration) {
	attrs := metric.WithAttributes(commandAttr(command))
	m.processed.Add(context.Background(), 1, attrs)
	m.duration.Record(context.Background(), float64(took.Microseconds())/1000, attrs)
}

func (m *metrics) drop(command string) {
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(commandAttr(command)))
}
