package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mxn2020/geenius-sub000/scheduler"
)

func TestMetricsRegisterAndObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionStarted("change-request")
	m.SessionFinished("change-request", "completed")
	m.PhaseObserved("implement", 30*time.Millisecond)
	m.PipelineRetried()
	m.TaskStarted(scheduler.TypeImplement)
	m.TaskFinished(scheduler.TypeImplement, false, 10*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered metric families")
	}
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.SessionStarted("change-request")
	m.SessionFinished("change-request", "failed")
	m.PhaseObserved("analyze", time.Millisecond)
	m.PipelineRetried()
	m.TaskStarted(scheduler.TypeAnalyze)
	m.TaskFinished(scheduler.TypeAnalyze, true, time.Millisecond)
}
