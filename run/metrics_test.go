package run

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skeinworks/skein/run/state"
)

func TestMetrics_NilReceiverIsNoOp(t *testing.T) {
	var m *Metrics
	m.recordStepLatency("a", time.Millisecond, "success")
	m.setInflight(3)
	m.setQueueDepth(5)
	m.incNodeFault("a", CodeNodeFailure)
	m.incSuspension()
	m.incCheckpoint(StatusRunning)
}

func TestMetrics_RecordedDuringRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	g, err := NewBuilder("wf").
		AddNode("draft", say("drafted", Follow())).
		AddNode("gate", HumanNode(nil)).
		AddNode("done", say("done", Stop())).
		StartAt("draft").
		Connect("draft", "gate", nil).
		Connect("gate", "done", nil).
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	e, _, _ := newTestEngine(t, g, WithMetrics(m))

	if _, status, err := e.Start(context.Background(), "s1", nil); err != nil || status != StatusSuspended {
		t.Fatalf("expected suspension, got %q %v", status, err)
	}

	if got := testutil.ToFloat64(m.suspensions); got != 1 {
		t.Errorf("expected 1 suspension, got %v", got)
	}
	if got := testutil.ToFloat64(m.checkpoints.WithLabelValues(string(StatusSuspended))); got != 1 {
		t.Errorf("expected 1 suspended checkpoint, got %v", got)
	}
	if got := testutil.ToFloat64(m.checkpoints.WithLabelValues(string(StatusRunning))); got != 1 {
		t.Errorf("expected 1 running checkpoint, got %v", got)
	}
	if count := testutil.CollectAndCount(m.stepLatency); count == 0 {
		t.Error("expected step latency observations")
	}
}

func TestMetrics_FaultCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	bad := NodeFunc(func(_ context.Context, _ *state.RunState, _ *RunContext) NodeResult {
		return NodeResult{Err: errors.New("boom")}
	})
	g, err := NewBuilder("wf").AddNode("bad", bad).StartAt("bad").Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	e, _, _ := newTestEngine(t, g, WithMetrics(m))

	if _, status, _ := e.Start(context.Background(), "s1", nil); status != StatusFailed {
		t.Fatalf("expected failed run, got %q", status)
	}

	got := testutil.ToFloat64(m.nodeFaults.WithLabelValues("bad", string(CodeNodeFailure)))
	if got != 1 {
		t.Errorf("expected 1 recorded fault, got %v", got)
	}
}
