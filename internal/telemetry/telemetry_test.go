package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.Decision(ctx, "send_offer", "always_allowed", true)
	m.Execution(ctx, "send_offer", true, time.Second)
	m.Assignment(ctx, "accepted")
	m.Offer(ctx, "expired")
	m.Escalation(ctx, "sla_risk", "critical")
	m.Cycle(ctx, "normal", time.Second)
}

func TestSnapshotReportsCounters(t *testing.T) {
	p, err := NewProvider()
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	p.Metrics.Assignment(ctx, "forced")
	p.Metrics.Assignment(ctx, "forced")
	p.Metrics.Cycle(ctx, "critical", 250*time.Millisecond)

	samples, err := p.Snapshot(ctx)
	require.NoError(t, err)

	var forced, cycleCount float64
	for _, s := range samples {
		switch {
		case s.Name == "dispatchwatch.dispatch.assignments" && strings.Contains(s.Attrs, "forced"):
			forced = s.Value
		case s.Name == "dispatchwatch.orchestrator.cycle.duration.count":
			cycleCount = s.Value
		}
	}
	assert.Equal(t, 2.0, forced)
	assert.Equal(t, 1.0, cycleCount)
}
