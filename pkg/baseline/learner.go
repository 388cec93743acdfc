// Package baseline learns per-(agent-type, phase) behavioral baselines via
// exponential moving average, for use as the AnomalyScorer's normalization
// reference.
package baseline

import (
	"context"
	"errors"
	"time"

	"github.com/omoios/orchestrator/pkg/domain"
	"github.com/omoios/orchestrator/pkg/store"
)

const (
	// learningRate is the EMA alpha applied to every new observation.
	learningRate = 0.1
	// decayFactor scales every baseline metric down after an agent is
	// resurrected, letting the baseline re-learn post-restart behavior
	// instead of anchoring to pre-restart conditions.
	decayFactor = 0.9
)

var coreMetricKeys = map[string]struct{}{
	"latency_ms":        {},
	"latency_std":       {},
	"error_rate":        {},
	"cpu_usage_percent": {},
	"memory_usage_mb":   {},
}

// Learner updates and retrieves AgentBaselines.
type Learner struct {
	store store.Store
}

// New creates a Learner backed by st.
func New(st store.Store) *Learner {
	return &Learner{store: st}
}

func ema(newValue, current float64) float64 {
	return learningRate*newValue + (1-learningRate)*current
}

// Learn folds metrics into the baseline for (agentType, phaseID) via EMA,
// creating the baseline on its first observation. metrics may contain the
// five core keys (latency_ms, latency_std, error_rate, cpu_usage_percent,
// memory_usage_mb) plus arbitrary additional keys, each independently
// EMA-tracked in AdditionalMetrics.
func (l *Learner) Learn(ctx context.Context, agentType, phaseID string, metrics map[string]float64) (*domain.AgentBaseline, error) {
	existing, err := l.store.Baselines().Get(ctx, agentType, phaseID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now()

	if existing == nil {
		b := &domain.AgentBaseline{
			AgentType:         agentType,
			PhaseID:           phaseID,
			LatencyMs:         metrics["latency_ms"],
			LatencyStd:        valueOrDefault(metrics, "latency_std", 1.0),
			ErrorRate:         metrics["error_rate"],
			CPUUsagePercent:   metrics["cpu_usage_percent"],
			MemoryUsageMB:     metrics["memory_usage_mb"],
			AdditionalMetrics: additionalOf(metrics),
			SampleCount:       1,
			LastUpdated:       now,
			CreatedAt:         now,
		}
		if err := l.store.Baselines().Upsert(ctx, b); err != nil {
			return nil, err
		}
		return b, nil
	}

	if v, ok := metrics["latency_ms"]; ok {
		existing.LatencyMs = ema(v, existing.LatencyMs)
	}
	if v, ok := metrics["latency_std"]; ok {
		existing.LatencyStd = ema(v, existing.LatencyStd)
	}
	if v, ok := metrics["error_rate"]; ok {
		existing.ErrorRate = ema(v, existing.ErrorRate)
	}
	if v, ok := metrics["cpu_usage_percent"]; ok {
		existing.CPUUsagePercent = ema(v, existing.CPUUsagePercent)
	}
	if v, ok := metrics["memory_usage_mb"]; ok {
		existing.MemoryUsageMB = ema(v, existing.MemoryUsageMB)
	}

	if existing.AdditionalMetrics == nil {
		existing.AdditionalMetrics = map[string]float64{}
	}
	for key, value := range additionalOf(metrics) {
		if current, ok := existing.AdditionalMetrics[key]; ok {
			existing.AdditionalMetrics[key] = ema(value, current)
		} else {
			existing.AdditionalMetrics[key] = value
		}
	}

	existing.SampleCount++
	existing.LastUpdated = now

	if err := l.store.Baselines().Upsert(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// Get returns the baseline for (agentType, phaseID), or nil if none has
// been learned yet.
func (l *Learner) Get(ctx context.Context, agentType, phaseID string) (*domain.AgentBaseline, error) {
	b, err := l.store.Baselines().Get(ctx, agentType, phaseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// Decay scales every metric in the baseline for (agentType, phaseID) down
// by decayFactor, called after an agent is resurrected so its baseline
// adapts rather than anchoring to pre-restart behavior. A no-op if no
// baseline exists yet.
func (l *Learner) Decay(ctx context.Context, agentType, phaseID string) error {
	b, err := l.store.Baselines().Get(ctx, agentType, phaseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	b.LatencyMs *= decayFactor
	b.LatencyStd *= decayFactor
	b.ErrorRate *= decayFactor
	b.CPUUsagePercent *= decayFactor
	b.MemoryUsageMB *= decayFactor
	for k, v := range b.AdditionalMetrics {
		b.AdditionalMetrics[k] = v * decayFactor
	}
	b.LastUpdated = time.Now()

	return l.store.Baselines().Upsert(ctx, b)
}

func valueOrDefault(metrics map[string]float64, key string, def float64) float64 {
	if v, ok := metrics[key]; ok {
		return v
	}
	return def
}

func additionalOf(metrics map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	for k, v := range metrics {
		if _, core := coreMetricKeys[k]; !core {
			out[k] = v
		}
	}
	return out
}
