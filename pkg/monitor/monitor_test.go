package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/omoios/orchestrator/internal/config"
	"github.com/omoios/orchestrator/pkg/anomaly"
	"github.com/omoios/orchestrator/pkg/baseline"
	"github.com/omoios/orchestrator/pkg/domain"
	"github.com/omoios/orchestrator/pkg/eventbus"
	"github.com/omoios/orchestrator/pkg/store/memstore"
)

func testConfig() config.MonitorConfig {
	return config.MonitorConfig{
		TickInterval:            30 * time.Second,
		WindowCapacity:          100,
		MinSamples:              10,
		SigmaWarning:            2.0,
		SigmaError:              2.5,
		SigmaCritical:           3.0,
		AnomalyThreshold:        0.8,
		ConsecutiveToQuarantine: 3,
	}
}

func newTestMonitor() (*Monitor, *memstore.Store) {
	st := memstore.New()
	bus := eventbus.New(zap.NewNop())
	learner := baseline.New(st)
	scorer := anomaly.New(st, learner)
	m := New(st, bus, scorer, learner, testConfig(), prometheus.NewRegistry())
	return m, st
}

func TestDetectAnomaliesRequiresMinSamples(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMonitor()

	for i := 0; i < 9; i++ {
		detected, err := m.DetectAnomalies(ctx, []Sample{{MetricName: "x", Value: 10}}, 2.0)
		if err != nil {
			t.Fatalf("DetectAnomalies: %v", err)
		}
		if len(detected) != 0 {
			t.Fatalf("expected no anomalies before min samples, got %d", len(detected))
		}
	}
}

func TestDetectAnomaliesFlagsOutlierPastSensitivity(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMonitor()

	for i := 0; i < 10; i++ {
		if _, err := m.DetectAnomalies(ctx, []Sample{{MetricName: "latency", Value: 100}}, 2.0); err != nil {
			t.Fatalf("seed sample %d: %v", i, err)
		}
	}
	// stddev of a constant series is 0, so it never flags.
	detected, err := m.DetectAnomalies(ctx, []Sample{{MetricName: "latency", Value: 100}}, 2.0)
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if len(detected) != 0 {
		t.Fatalf("constant series should never anomaly (stddev=0), got %d", len(detected))
	}

	// Alternating 90/110 gives mean 100, stddev 10: no seed is past 2 stddevs.
	for i := 0; i < 10; i++ {
		v := 90.0
		if i%2 == 1 {
			v = 110.0
		}
		seeded, err := m.DetectAnomalies(ctx, []Sample{{MetricName: "varied", Value: v}}, 2.0)
		if err != nil {
			t.Fatalf("seed varied sample %d: %v", i, err)
		}
		if len(seeded) != 0 {
			t.Fatalf("seed varied sample %d flagged, want none", i)
		}
	}

	// With 200 added the window mean is ~109.1 and stddev ~30.3, so 200 is
	// ~90.9 away, past 2 stddevs (~60.6).
	varied, err := m.DetectAnomalies(ctx, []Sample{{MetricName: "varied", Value: 200}}, 2.0)
	if err != nil {
		t.Fatalf("DetectAnomalies varied: %v", err)
	}
	if len(varied) != 1 {
		t.Fatalf("outlier 200 against a 90/110 window: got %d anomalies, want 1", len(varied))
	}
}

func TestComputeAgentAnomalyScoresTracksConsecutiveReadings(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMonitor()

	if err := st.Agents().Create(ctx, &domain.Agent{ID: "a1", Type: "worker", Status: domain.AgentStatusBusy}); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	results, err := m.ComputeAgentAnomalyScores(ctx, nil)
	if err != nil {
		t.Fatalf("ComputeAgentAnomalyScores: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].ConsecutiveReadings != 0 {
		t.Fatalf("expected 0 consecutive readings with no baseline deviation, got %d", results[0].ConsecutiveReadings)
	}
	if results[0].ShouldQuarantine {
		t.Fatal("should not quarantine on first low reading")
	}
}

func TestComputeAgentAnomalyScoresSkipsQuarantinedAgents(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMonitor()

	if err := st.Agents().Create(ctx, &domain.Agent{ID: "a1", Type: "worker", Status: domain.AgentStatusQuarantined}); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	results, err := m.ComputeAgentAnomalyScores(ctx, nil)
	if err != nil {
		t.Fatalf("ComputeAgentAnomalyScores: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected quarantined agent to be skipped, got %d results", len(results))
	}
}

func TestAcknowledgeAnomalySetsFields(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMonitor()

	a := &domain.MonitorAnomaly{ID: "anom1", MetricName: "x", Severity: domain.AnomalySeverityWarning}
	if err := st.Anomalies().Create(ctx, a); err != nil {
		t.Fatalf("create anomaly: %v", err)
	}

	if err := m.AcknowledgeAnomaly(ctx, "anom1", "operator1"); err != nil {
		t.Fatalf("AcknowledgeAnomaly: %v", err)
	}

	got, err := st.Anomalies().Get(ctx, "anom1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Acknowledged || got.AcknowledgedBy != "operator1" || got.AcknowledgedAt == nil {
		t.Fatalf("anomaly not fully acknowledged: %+v", got)
	}
}

func TestCollectTaskMetricsCountsQueueDepthByPhase(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMonitor()

	if err := st.Tasks().Create(ctx, &domain.Task{ID: "t1", Phase: "build", Status: domain.TaskStatusPending}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := st.Tasks().Create(ctx, &domain.Task{ID: "t2", Phase: "build", Status: domain.TaskStatusPending}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	samples, err := m.CollectTaskMetrics(ctx, "")
	if err != nil {
		t.Fatalf("CollectTaskMetrics: %v", err)
	}

	found := false
	for _, s := range samples {
		if s.MetricName == "tasks_queued_total" && s.Labels["phase_id"] == "build" {
			found = true
			if s.Value != 2 {
				t.Fatalf("queue depth = %v, want 2", s.Value)
			}
		}
	}
	if !found {
		t.Fatal("expected a tasks_queued_total sample for phase build")
	}
}
