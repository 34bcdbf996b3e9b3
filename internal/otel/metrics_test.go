package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.TaskDuration == nil || m.TasksTimedOut == nil || m.CacheRefreshes == nil ||
		m.GatewayCallDuration == nil || m.RecoveredTasks == nil {
		t.Fatal("missing instrument")
	}

	// Instruments must accept recordings without panicking.
	m.TaskDuration.Record(context.Background(), 1.5)
	m.TasksResolved.Add(context.Background(), 1)
	m.ActiveSupervisors.Add(context.Background(), 1)
	m.ActiveSupervisors.Add(context.Background(), -1)
}
