package session

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/multiplayar/worldsync/internal/session"

type metrics struct {
	pulls       metric.Int64Counter
	pullErrors  metric.Int64Counter
	pushes      metric.Int64Counter
	pushErrors  metric.Int64Counter
	created     metric.Int64Counter
	passLatency metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	m := otel.Meter(instrumentationName)
	var (
		out metrics
		err error
	)

	out.pulls, err = m.Int64Counter("session.sync.pulls",
		metric.WithDescription("Sync pulls applied"))
	if err != nil {
		return nil, fmt.Errorf("creating pulls counter: %w", err)
	}
	out.pullErrors, err = m.Int64Counter("session.sync.failures",
		metric.WithDescription("Sync pulls that failed or returned a malformed body"))
	if err != nil {
		return nil, fmt.Errorf("creating pull failures counter: %w", err)
	}
	out.pushes, err = m.Int64Counter("session.object.pushes",
		metric.WithDescription("Object pushes acknowledged by the server"))
	if err != nil {
		return nil, fmt.Errorf("creating pushes counter: %w", err)
	}
	out.pushErrors, err = m.Int64Counter("session.object.failures",
		metric.WithDescription("Object pushes that failed"))
	if err != nil {
		return nil, fmt.Errorf("creating push failures counter: %w", err)
	}
	out.created, err = m.Int64Counter("session.objects.created",
		metric.WithDescription("Remote objects created by reconciliation"))
	if err != nil {
		return nil, fmt.Errorf("creating created counter: %w", err)
	}
	out.passLatency, err = m.Float64Histogram("session.sync.duration",
		metric.WithDescription("Time from issuing a pull to applying it"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("creating pass latency histogram: %w", err)
	}
	return &out, nil
}
