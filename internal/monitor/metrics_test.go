package monitor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RecordRun(t *testing.T) {
	m := NewMetrics()

	m.RecordRun("success", 2)
	m.RecordRun("success", 1)
	m.RecordRun("exhausted", 3)

	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("success")); got != 2 {
		t.Errorf("runs_total{success} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("exhausted")); got != 1 {
		t.Errorf("runs_total{exhausted} = %v, want 1", got)
	}
}

func TestMetrics_ExecutionStarted(t *testing.T) {
	m := NewMetrics()

	done := m.ExecutionStarted()
	if got := testutil.ToFloat64(m.ActiveExecutions); got != 1 {
		t.Errorf("active_executions = %v, want 1", got)
	}
	done()
	if got := testutil.ToFloat64(m.ActiveExecutions); got != 0 {
		t.Errorf("active_executions = %v, want 0", got)
	}
}

func TestMetrics_RecordAttemptAndExecution(t *testing.T) {
	m := NewMetrics()

	m.RecordAttempt("NAME_ERROR")
	m.RecordAttempt("NAME_ERROR")
	m.RecordExecution("python", "failure", 0.2, 40, 0)

	if got := testutil.ToFloat64(m.AttemptClasses.WithLabelValues("NAME_ERROR")); got != 2 {
		t.Errorf("attempt_classes_total{NAME_ERROR} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("python", "failure")); got != 1 {
		t.Errorf("executions_total = %v, want 1", got)
	}
}

func TestMetrics_Gather(t *testing.T) {
	m := NewMetrics()
	m.RecordGeneration("ok", 0.5)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordRun("success", 1)
	m.RecordAttempt("SUCCESS")
	m.RecordExecution("python", "success", 0.1, 10, 10)
	m.RecordError("spawn")
	m.RecordSecurityEvent("timeout")
	m.RecordGeneration("ok", 0.1)
	m.ExecutionStarted()()
}
