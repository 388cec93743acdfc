package domain

import "time"

// AgentBaseline is the learned EMA baseline of an agent type's behavior
// within an optional phase, used by the anomaly scorer as a normalization
// reference.
type AgentBaseline struct {
	ID                LockID
	AgentType         string
	PhaseID           string
	LatencyMs         float64
	LatencyStd        float64
	ErrorRate         float64
	CPUUsagePercent   float64
	MemoryUsageMB     float64
	AdditionalMetrics map[string]float64
	SampleCount       int
	LastUpdated       time.Time
	CreatedAt         time.Time
}

// Key identifies the (agent_type, phase_id) bucket this baseline belongs
// to.
func (b *AgentBaseline) Key() string {
	if b.PhaseID == "" {
		return b.AgentType
	}
	return b.AgentType + ":" + b.PhaseID
}
