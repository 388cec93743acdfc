// Package monitor collects system metrics, flags rolling-window
// statistical anomalies, and drives agent-level composite anomaly scoring
// into Guardian's quarantine decision.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/omoios/orchestrator/internal/config"
	"github.com/omoios/orchestrator/pkg/anomaly"
	"github.com/omoios/orchestrator/pkg/baseline"
	"github.com/omoios/orchestrator/pkg/domain"
	"github.com/omoios/orchestrator/pkg/eventbus"
	"github.com/omoios/orchestrator/pkg/shared/math"
	"github.com/omoios/orchestrator/pkg/store"
)

var tracer = otel.Tracer("github.com/omoios/orchestrator/pkg/monitor")

// Sample is a single observed reading of a named metric.
type Sample struct {
	MetricName string
	Value      float64
	Labels     map[string]string
}

// Monitor collects metrics, detects rolling-window statistical anomalies,
// and computes per-agent composite anomaly scores.
type Monitor struct {
	store   store.Store
	bus     *eventbus.Bus
	scorer  *anomaly.Scorer
	learner *baseline.Learner
	cfg     config.MonitorConfig

	mu      sync.Mutex
	history map[string][]float64

	anomaliesDetected prometheus.Counter
	agentAnomalyGauge *prometheus.GaugeVec
}

// New creates a Monitor. registry may be nil, in which case Prometheus
// metrics are created but never registered (useful in tests).
func New(st store.Store, bus *eventbus.Bus, scorer *anomaly.Scorer, learner *baseline.Learner, cfg config.MonitorConfig, registry prometheus.Registerer) *Monitor {
	m := &Monitor{
		store:   st,
		bus:     bus,
		scorer:  scorer,
		learner: learner,
		cfg:     cfg,
		history: make(map[string][]float64),
		anomaliesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_monitor_anomalies_detected_total",
			Help: "Total rolling-window metric anomalies detected.",
		}),
		agentAnomalyGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_agent_anomaly_score",
			Help: "Most recent composite anomaly score per agent.",
		}, []string{"agent_id", "agent_type"}),
	}
	if registry != nil {
		registry.MustRegister(m.anomaliesDetected, m.agentAnomalyGauge)
	}
	return m
}

// CollectTaskMetrics returns queue-depth-by-phase and recent
// completed-task-duration samples, optionally scoped to a single phase.
func (m *Monitor) CollectTaskMetrics(ctx context.Context, phaseID string) ([]Sample, error) {
	pending, err := m.store.Tasks().ListByStatus(ctx, domain.TaskStatusPending)
	if err != nil {
		return nil, err
	}
	completed, err := m.store.Tasks().ListByStatus(ctx, domain.TaskStatusCompleted)
	if err != nil {
		return nil, err
	}

	queueDepth := make(map[string]float64)
	for _, t := range pending {
		if phaseID != "" && t.Phase != phaseID {
			continue
		}
		queueDepth[t.Phase]++
	}

	completedCount := make(map[string]float64)
	durationTotal := make(map[string]float64)
	durationCount := make(map[string]int)
	cutoff := time.Now().Add(-time.Hour)
	for _, t := range completed {
		if phaseID != "" && t.Phase != phaseID {
			continue
		}
		completedCount[t.Phase]++
		if t.StartedAt != nil && t.CompletedAt != nil && !t.CompletedAt.Before(cutoff) {
			durationTotal[t.Phase] += t.CompletedAt.Sub(*t.StartedAt).Seconds()
			durationCount[t.Phase]++
		}
	}

	samples := make([]Sample, 0, len(queueDepth)+len(completedCount)+len(durationTotal))
	for phase, count := range queueDepth {
		samples = append(samples, Sample{
			MetricName: "tasks_queued_total",
			Value:      count,
			Labels:     map[string]string{"phase_id": phase},
		})
	}
	for phase, count := range completedCount {
		samples = append(samples, Sample{
			MetricName: "tasks_completed_total",
			Value:      count,
			Labels:     map[string]string{"phase_id": phase},
		})
	}
	for phase, total := range durationTotal {
		samples = append(samples, Sample{
			MetricName: "task_duration_seconds",
			Value:      total / float64(durationCount[phase]),
			Labels:     map[string]string{"phase_id": phase},
		})
	}
	return samples, nil
}

// CollectAgentMetrics returns active-agent-count-by-type and
// heartbeat-age-per-agent samples.
func (m *Monitor) CollectAgentMetrics(ctx context.Context) ([]Sample, error) {
	agents, err := m.store.Agents().List(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	activeByType := make(map[string]float64)
	samples := make([]Sample, 0, len(agents)*2)

	for _, a := range agents {
		if a.Status == domain.AgentStatusIdle || a.Status == domain.AgentStatusBusy {
			activeByType[a.Type]++
		}
		if !a.LastHeartbeat.IsZero() {
			samples = append(samples, Sample{
				MetricName: "agent_heartbeat_age_seconds",
				Value:      now.Sub(a.LastHeartbeat).Seconds(),
				Labels:     map[string]string{"agent_id": string(a.ID), "agent_type": a.Type},
			})
		}
	}
	for agentType, count := range activeByType {
		samples = append(samples, Sample{
			MetricName: "agents_active",
			Value:      count,
			Labels:     map[string]string{"agent_type": agentType},
		})
	}
	return samples, nil
}

// CollectLockMetrics returns active-lock-count samples.
func (m *Monitor) CollectLockMetrics(ctx context.Context) ([]Sample, error) {
	locks, err := m.store.Locks().ListActive(ctx)
	if err != nil {
		return nil, err
	}
	byType := make(map[domain.LockType]float64)
	for _, l := range locks {
		byType[l.Type]++
	}
	samples := make([]Sample, 0, len(byType))
	for lockType, count := range byType {
		samples = append(samples, Sample{
			MetricName: "resource_locks_active",
			Value:      count,
			Labels:     map[string]string{"lock_mode": string(lockType)},
		})
	}
	return samples, nil
}

func sampleKey(s Sample) string {
	key := s.MetricName
	for k, v := range s.Labels {
		key += ":" + k + "=" + v
	}
	return key
}

// DetectAnomalies folds each sample into its rolling history (capped at
// WindowCapacity) and flags any reading more than sensitivity standard
// deviations from the window's mean, once at least MinSamples have
// accumulated. Flagged anomalies are persisted and published on the bus.
func (m *Monitor) DetectAnomalies(ctx context.Context, samples []Sample, sensitivity float64) ([]*domain.MonitorAnomaly, error) {
	var detected []*domain.MonitorAnomaly

	for _, sample := range samples {
		key := sampleKey(sample)

		m.mu.Lock()
		hist := append(m.history[key], sample.Value)
		if len(hist) > m.cfg.WindowCapacity {
			hist = hist[len(hist)-m.cfg.WindowCapacity:]
		}
		m.history[key] = hist
		historyCopy := append([]float64(nil), hist...)
		m.mu.Unlock()

		if len(historyCopy) < m.cfg.MinSamples {
			continue
		}

		mean := math.Mean(historyCopy)
		stdDev := math.StandardDeviation(historyCopy)
		deviation := absf(sample.Value - mean)

		if stdDev <= 0 || deviation <= sensitivity*stdDev {
			continue
		}

		severity := m.severityFor(deviation, stdDev)

		a := &domain.MonitorAnomaly{
			ID:             domain.LockID(uuid.NewString()),
			MetricName:     sample.MetricName,
			Value:          sample.Value,
			BaselineValue:  mean,
			CompositeScore: deviation / stdDev,
			Severity:       severity,
			DetectedAt:     time.Now(),
		}
		if err := m.store.Anomalies().Create(ctx, a); err != nil {
			return nil, err
		}
		m.anomaliesDetected.Inc()

		if m.bus != nil {
			m.bus.Publish(domain.Event{
				Type:       domain.EventMonitorMetricAnomaly,
				EntityType: "anomaly",
				EntityID:   string(a.ID),
				Payload: map[string]any{
					"metric_name": sample.MetricName,
					"severity":    string(severity),
					"value":       sample.Value,
					"baseline":    mean,
				},
				Timestamp: a.DetectedAt,
			})
		}

		detected = append(detected, a)
	}

	return detected, nil
}

func (m *Monitor) severityFor(deviation, stdDev float64) domain.AnomalySeverity {
	switch {
	case deviation > m.cfg.SigmaCritical*stdDev:
		return domain.AnomalySeverityCritical
	case deviation > m.cfg.SigmaError*stdDev:
		return domain.AnomalySeverityError
	case deviation > m.cfg.SigmaWarning*stdDev:
		return domain.AnomalySeverityWarning
	default:
		return domain.AnomalySeverityInfo
	}
}

// AgentAnomalyResult is the per-agent outcome of a composite scoring pass.
type AgentAnomalyResult struct {
	AgentID              domain.AgentID
	AnomalyScore         float64
	ConsecutiveReadings  int
	ShouldQuarantine     bool
}

// ComputeAgentAnomalyScores scores every idle or busy agent (or the subset
// named in agentIDs), persists the updated AnomalyScore and
// ConsecutiveAnomalousReadings on each Agent, feeds the same metrics back
// into the baseline learner, and emits monitor.agent.anomaly for every
// agent at or above the threshold.
func (m *Monitor) ComputeAgentAnomalyScores(ctx context.Context, agentIDs []domain.AgentID) ([]AgentAnomalyResult, error) {
	want := make(map[domain.AgentID]struct{}, len(agentIDs))
	for _, id := range agentIDs {
		want[id] = struct{}{}
	}

	all, err := m.store.Agents().List(ctx)
	if err != nil {
		return nil, err
	}

	var results []AgentAnomalyResult
	for _, a := range all {
		if a.Status != domain.AgentStatusIdle && a.Status != domain.AgentStatusBusy {
			continue
		}
		if len(want) > 0 {
			if _, ok := want[a.ID]; !ok {
				continue
			}
		}

		score, err := m.scorer.Score(ctx, a.ID, anomaly.Inputs{})
		if err != nil {
			return nil, err
		}

		a.AnomalyScore = score
		if score >= m.cfg.AnomalyThreshold {
			a.ConsecutiveAnomalousReadings++
		} else {
			a.ConsecutiveAnomalousReadings = 0
		}

		if err := m.relearnBaseline(ctx, a); err != nil {
			return nil, err
		}

		shouldQuarantine := a.ConsecutiveAnomalousReadings >= m.cfg.ConsecutiveToQuarantine

		if err := m.store.Agents().Update(ctx, a); err != nil {
			return nil, err
		}

		m.agentAnomalyGauge.WithLabelValues(string(a.ID), a.Type).Set(score)

		result := AgentAnomalyResult{
			AgentID:             a.ID,
			AnomalyScore:        score,
			ConsecutiveReadings: a.ConsecutiveAnomalousReadings,
			ShouldQuarantine:    shouldQuarantine,
		}
		results = append(results, result)

		if score >= m.cfg.AnomalyThreshold && m.bus != nil {
			m.bus.Publish(domain.Event{
				Type:       domain.EventMonitorAgentAnomaly,
				EntityType: "agent",
				EntityID:   string(a.ID),
				Payload: map[string]any{
					"anomaly_score":         score,
					"consecutive_readings":  a.ConsecutiveAnomalousReadings,
					"should_quarantine":     shouldQuarantine,
				},
				Timestamp: time.Now(),
			})
		}
	}

	return results, nil
}

func (m *Monitor) relearnBaseline(ctx context.Context, a *domain.Agent) error {
	phaseID := ""
	if len(a.RunningTaskIDs) > 0 {
		if t, err := m.store.Tasks().Get(ctx, a.RunningTaskIDs[0]); err == nil {
			phaseID = t.Phase
		}
	}

	metrics := make(map[string]float64)
	cutoff := time.Now().Add(-time.Hour)

	tasks, err := m.store.Tasks().ListByAgent(ctx, a.ID, true)
	if err != nil {
		return err
	}

	var latencies []float64
	var total, failed int
	for _, t := range tasks {
		if t.CompletedAt == nil || t.CompletedAt.Before(cutoff) {
			continue
		}
		if t.Status == domain.TaskStatusCompleted {
			total++
			if t.StartedAt != nil {
				latencies = append(latencies, float64(t.CompletedAt.Sub(*t.StartedAt).Milliseconds()))
			}
		} else if t.Status == domain.TaskStatusFailed {
			total++
			failed++
		}
	}

	if len(latencies) > 0 {
		metrics["latency_ms"] = math.Mean(latencies)
		metrics["latency_std"] = math.StandardDeviation(latencies)
	}
	if total > 0 {
		metrics["error_rate"] = float64(failed) / float64(total)
	}

	if len(metrics) == 0 {
		return nil
	}

	_, err = m.learner.Learn(ctx, a.Type, phaseID, metrics)
	return err
}

// Tick runs one full collection + detection + agent-scoring pass, traced
// as a single OpenTelemetry span.
func (m *Monitor) Tick(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "monitor.tick")
	defer span.End()

	taskSamples, err := m.CollectTaskMetrics(ctx, "")
	if err != nil {
		return fmt.Errorf("collect task metrics: %w", err)
	}
	agentSamples, err := m.CollectAgentMetrics(ctx)
	if err != nil {
		return fmt.Errorf("collect agent metrics: %w", err)
	}
	lockSamples, err := m.CollectLockMetrics(ctx)
	if err != nil {
		return fmt.Errorf("collect lock metrics: %w", err)
	}

	all := make([]Sample, 0, len(taskSamples)+len(agentSamples)+len(lockSamples))
	all = append(all, taskSamples...)
	all = append(all, agentSamples...)
	all = append(all, lockSamples...)

	detected, err := m.DetectAnomalies(ctx, all, m.cfg.SigmaWarning)
	if err != nil {
		return fmt.Errorf("detect anomalies: %w", err)
	}

	results, err := m.ComputeAgentAnomalyScores(ctx, nil)
	if err != nil {
		return fmt.Errorf("compute agent anomaly scores: %w", err)
	}

	span.SetAttributes(
		attribute.Int("monitor.metric_anomalies", len(detected)),
		attribute.Int("monitor.agents_scored", len(results)),
	)
	return nil
}

// AcknowledgeAnomaly marks a in-store anomaly as acknowledged by who. It
// returns store.ErrNotFound if no such anomaly exists.
func (m *Monitor) AcknowledgeAnomaly(ctx context.Context, id domain.LockID, who string) error {
	a, err := m.store.Anomalies().Get(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	a.Acknowledged = true
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = who
	return m.store.Anomalies().Update(ctx, a)
}

// Run drives Tick on cfg.TickInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
