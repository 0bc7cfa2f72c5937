// Package telemetry holds the OpenTelemetry instruments shared by the
// decision engine. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const meterName = "dispatchwatch"

// Metrics groups the engine's counters and histograms.
type Metrics struct {
	decisions   metric.Int64Counter
	executions  metric.Int64Counter
	execLatency metric.Float64Histogram
	assignments metric.Int64Counter
	offers      metric.Int64Counter
	escalations metric.Int64Counter
	cycles      metric.Int64Counter
	cycleTime   metric.Float64Histogram
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.decisions, err = meter.Int64Counter("dispatchwatch.gate.decisions",
		metric.WithDescription("Authorization decisions by action, tier and outcome"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, err
	}
	if m.executions, err = meter.Int64Counter("dispatchwatch.gate.executions",
		metric.WithDescription("Recorded action executions"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, err
	}
	if m.execLatency, err = meter.Float64Histogram("dispatchwatch.gate.execution.duration",
		metric.WithDescription("Action execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.assignments, err = meter.Int64Counter("dispatchwatch.dispatch.assignments",
		metric.WithDescription("Order assignments by kind"),
		metric.WithUnit("{assignment}"),
	); err != nil {
		return nil, err
	}
	if m.offers, err = meter.Int64Counter("dispatchwatch.dispatch.offers",
		metric.WithDescription("Offer outcomes"),
		metric.WithUnit("{offer}"),
	); err != nil {
		return nil, err
	}
	if m.escalations, err = meter.Int64Counter("dispatchwatch.escalation.records",
		metric.WithDescription("Escalation remedies by problem and severity"),
		metric.WithUnit("{escalation}"),
	); err != nil {
		return nil, err
	}
	if m.cycles, err = meter.Int64Counter("dispatchwatch.orchestrator.cycles",
		metric.WithDescription("Completed orchestration cycles by situation severity"),
		metric.WithUnit("{cycle}"),
	); err != nil {
		return nil, err
	}
	if m.cycleTime, err = meter.Float64Histogram("dispatchwatch.orchestrator.cycle.duration",
		metric.WithDescription("Orchestration cycle duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) Decision(ctx context.Context, action, tier string, allowed bool) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("tier", tier),
		attribute.Bool("allowed", allowed),
	))
}

func (m *Metrics) Execution(ctx context.Context, action string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("action", action), attribute.Bool("success", success))
	m.executions.Add(ctx, 1, attrs)
	m.execLatency.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) Assignment(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.assignments.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) Offer(ctx context.Context, response string) {
	if m == nil {
		return
	}
	m.offers.Add(ctx, 1, metric.WithAttributes(attribute.String("response", response)))
}

func (m *Metrics) Escalation(ctx context.Context, problem, severity string) {
	if m == nil {
		return
	}
	m.escalations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("problem", problem),
		attribute.String("severity", severity),
	))
}

func (m *Metrics) Cycle(ctx context.Context, severity string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("severity", severity))
	m.cycles.Add(ctx, 1, attrs)
	m.cycleTime.Record(ctx, d.Seconds(), attrs)
}

// Provider owns an in-process meter provider whose readings are pulled
// on demand by the ops API and CLI.
type Provider struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
	Metrics  *Metrics
}

// NewProvider builds a meter provider backed by a manual reader.
func NewProvider() (*Provider, error) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(mp.Meter(meterName))
	if err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}
	return &Provider{reader: reader, provider: mp, Metrics: m}, nil
}

// Sample is one flattened data point.
type Sample struct {
	Name  string  `json:"name"`
	Attrs string  `json:"attrs,omitempty"`
	Value float64 `json:"value"`
}

// Snapshot collects the current readings. Histograms report their count
// and sum as two samples.
func (p *Provider) Snapshot(ctx context.Context) ([]Sample, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}

	var out []Sample
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch data := md.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out = append(out, Sample{Name: md.Name, Attrs: dp.Attributes.Encoded(attribute.DefaultEncoder()), Value: float64(dp.Value)})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					attrs := dp.Attributes.Encoded(attribute.DefaultEncoder())
					out = append(out,
						Sample{Name: md.Name + ".count", Attrs: attrs, Value: float64(dp.Count)},
						Sample{Name: md.Name + ".sum", Attrs: attrs, Value: dp.Sum},
					)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Attrs < out[j].Attrs
	})
	return out, nil
}

// Shutdown releases the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}
