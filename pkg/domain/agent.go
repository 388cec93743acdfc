package domain

import "time"

// AgentStatus is the lifecycle state of an Agent as tracked by the
// orchestrator and Guardian.
type AgentStatus string

const (
	AgentStatusIdle        AgentStatus = "idle"
	AgentStatusBusy        AgentStatus = "busy"
	AgentStatusQuarantined AgentStatus = "quarantined"
	AgentStatusDead        AgentStatus = "dead"
)

// Valid reports whether s is one of the defined agent statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusQuarantined, AgentStatusDead:
		return true
	}
	return false
}

// Schedulable reports whether an agent in status s may be assigned new
// work by the orchestrator.
func (s AgentStatus) Schedulable() bool {
	return s == AgentStatusIdle
}

// Agent is a worker capable of executing tasks matching its declared
// capabilities.
type Agent struct {
	ID              AgentID
	Type            string
	PhaseID         string
	Capabilities    []string
	Status          AgentStatus
	AssignedTaskIDs []TaskID
	RunningTaskIDs  []TaskID
	LastHeartbeat   time.Time
	QuarantinedAt   *time.Time

	// AnomalyScore is the agent's most recently computed composite
	// anomaly score (0-1), refreshed every Monitor tick.
	AnomalyScore float64
	// ConsecutiveAnomalousReadings counts consecutive Monitor ticks
	// where AnomalyScore met or exceeded the anomaly threshold, reset to
	// 0 on any sub-threshold reading. Guardian quarantines once this
	// reaches its configured consecutive-readings threshold.
	ConsecutiveAnomalousReadings int
	// QuarantineEvents records the timestamp of each quarantine
	// transition, oldest first, trimmed to Guardian's dead-promotion
	// window. A count past the configured threshold promotes the agent
	// to dead instead of letting it resurrect again.
	QuarantineEvents []time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasCapability reports whether the agent declares capability.
func (a *Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
