// Package config loads and validates the orchestrator daemon's
// configuration from a YAML file, with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the orchestrator's inbound HTTP surfaces.
type ServerConfig struct {
	WebhookPort string `yaml:"webhook_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// AgentRuntimeConfig configures the default AgentRuntime adapter used to
// drive an agent's underlying model.
type AgentRuntimeConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	RetryCount  int           `yaml:"retry_count"`
	Provider    string        `yaml:"provider"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
}

// OrchestrationConfig configures the multi-tenant namespace the
// orchestrator instance serves.
type OrchestrationConfig struct {
	Context   string `yaml:"context"`
	Namespace string `yaml:"namespace"`
}

// SchedulerConfig configures the orchestrator's tick behavior.
type SchedulerConfig struct {
	DryRun         bool          `yaml:"dry_run"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	CooldownPeriod time.Duration `yaml:"cooldown_period"`
	TickInterval   time.Duration `yaml:"tick_interval"`
}

// FilterConfig scopes ticket intake by labeled condition sets.
type FilterConfig struct {
	Name       string              `yaml:"name"`
	Conditions map[string][]string `yaml:"conditions"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WebhookConfig configures the inbound webhook listener.
type WebhookConfig struct {
	Port string `yaml:"port"`
	Path string `yaml:"path"`
}

// GuardianConfig configures agent-lifecycle policy thresholds. The
// cooldown/dead-promotion fields are the Rego policy module's compiled-in
// starting point, not its final word: PolicyPath may point at an operator
// override module that changes the thresholds without a redeploy.
type GuardianConfig struct {
	SweepInterval           time.Duration `yaml:"sweep_interval"`
	CooldownPeriod          time.Duration `yaml:"cooldown_period"`
	DeadPromotionWindow     time.Duration `yaml:"dead_promotion_window"`
	DeadPromotionThreshold  int           `yaml:"dead_promotion_threshold"`
	ConsecutiveToQuarantine int           `yaml:"consecutive_to_quarantine"`
	PolicyPath              string        `yaml:"policy_path"`
}

// SlackConfig configures Guardian's optional ops-channel notification on
// agent.dead.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

// MonitorConfig configures the rolling-window anomaly detector and the
// agent-level composite anomaly scoring cadence.
type MonitorConfig struct {
	TickInterval            time.Duration `yaml:"tick_interval"`
	WindowCapacity          int           `yaml:"window_capacity"`
	MinSamples              int           `yaml:"min_samples"`
	SigmaWarning            float64       `yaml:"sigma_warning"`
	SigmaError              float64       `yaml:"sigma_error"`
	SigmaCritical           float64       `yaml:"sigma_critical"`
	AnomalyThreshold        float64       `yaml:"anomaly_threshold"`
	ConsecutiveToQuarantine int           `yaml:"consecutive_to_quarantine"`
	RedisAddr               string        `yaml:"redis_addr"`
}

// PriorityConfig configures the priority scorer's composite weights and
// the thresholds its age/deadline/blocker components normalize against.
type PriorityConfig struct {
	BaseWeight      float64       `yaml:"base_weight"`
	AgeWeight       float64       `yaml:"age_weight"`
	DeadlineWeight  float64       `yaml:"deadline_weight"`
	BlockerWeight   float64       `yaml:"blocker_weight"`
	RetryWeight     float64       `yaml:"retry_weight"`
	SLABoost        float64       `yaml:"sla_boost"`
	StarvationAge   time.Duration `yaml:"starvation_age"`
	StarvationFloor float64       `yaml:"starvation_floor"`
	AgeCeiling      time.Duration `yaml:"age_ceiling"`
	SLAUrgencyWindow time.Duration `yaml:"sla_urgency_window"`
	BlockerCeiling  int           `yaml:"blocker_ceiling"`
}

// LockConfig configures the resource lock manager.
type LockConfig struct {
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// DispatcherConfig configures per-task-type deadlines and the circuit
// breaker guarding calls to the injected AgentRuntime.
type DispatcherConfig struct {
	// DefaultTimeout applies to any task_type not listed in TypeTimeouts.
	DefaultTimeout time.Duration            `yaml:"default_timeout"`
	TypeTimeouts   map[string]time.Duration `yaml:"type_timeouts"`
	// GracePeriod is how long Dispatcher waits after requesting
	// agent-side cancellation before forcibly reporting heartbeat
	// timeout to the Orchestrator.
	GracePeriod time.Duration `yaml:"grace_period"`

	// BreakerMaxRequests is the number of calls gobreaker allows through
	// while half-open before deciding whether to close again.
	BreakerMaxRequests uint32 `yaml:"breaker_max_requests"`
	// BreakerInterval is how often the closed-state failure counters
	// reset to zero.
	BreakerInterval time.Duration `yaml:"breaker_interval"`
	// BreakerTimeout is how long the breaker stays open before allowing
	// a half-open probe.
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`
	// BreakerFailureThreshold is the consecutive-failure count that
	// trips the breaker open.
	BreakerFailureThreshold uint32 `yaml:"breaker_failure_threshold"`
}

// Config is the orchestrator daemon's full configuration tree.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	AgentRuntime  AgentRuntimeConfig  `yaml:"agent_runtime"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Filters       []FilterConfig      `yaml:"filters"`
	Logging       LoggingConfig       `yaml:"logging"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Guardian      GuardianConfig      `yaml:"guardian"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Priority      PriorityConfig      `yaml:"priority"`
	Lock          LockConfig          `yaml:"lock"`
	Slack         SlackConfig         `yaml:"slack"`
	Dispatcher    DispatcherConfig    `yaml:"dispatcher"`
}

// Load reads, parses, defaults, and validates the config file at path,
// then layers environment-variable overrides on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(config)

	if err := loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func applyDefaults(config *Config) {
	if config.Orchestration.Namespace == "" {
		config.Orchestration.Namespace = "default"
	}
	if config.Scheduler.MaxConcurrent == 0 {
		config.Scheduler.MaxConcurrent = 5
	}
	if config.Scheduler.TickInterval == 0 {
		config.Scheduler.TickInterval = 2 * time.Second
	}
	if config.AgentRuntime.Provider == "" {
		config.AgentRuntime.Provider = "localai"
	}
	if config.AgentRuntime.MaxTokens == 0 {
		config.AgentRuntime.MaxTokens = 500
	}
	if config.Guardian.CooldownPeriod == 0 {
		config.Guardian.CooldownPeriod = 5 * time.Minute
	}
	if config.Guardian.DeadPromotionWindow == 0 {
		config.Guardian.DeadPromotionWindow = 30 * time.Minute
	}
	if config.Guardian.DeadPromotionThreshold == 0 {
		config.Guardian.DeadPromotionThreshold = 3
	}
	if config.Guardian.SweepInterval == 0 {
		config.Guardian.SweepInterval = time.Minute
	}
	if config.Guardian.ConsecutiveToQuarantine == 0 {
		config.Guardian.ConsecutiveToQuarantine = 3
	}
	if config.Monitor.TickInterval == 0 {
		config.Monitor.TickInterval = 30 * time.Second
	}
	if config.Monitor.WindowCapacity == 0 {
		config.Monitor.WindowCapacity = 100
	}
	if config.Monitor.MinSamples == 0 {
		config.Monitor.MinSamples = 10
	}
	if config.Monitor.SigmaWarning == 0 {
		config.Monitor.SigmaWarning = 2.0
	}
	if config.Monitor.SigmaError == 0 {
		config.Monitor.SigmaError = 2.5
	}
	if config.Monitor.SigmaCritical == 0 {
		config.Monitor.SigmaCritical = 3.0
	}
	if config.Monitor.AnomalyThreshold == 0 {
		config.Monitor.AnomalyThreshold = 0.8
	}
	if config.Monitor.ConsecutiveToQuarantine == 0 {
		config.Monitor.ConsecutiveToQuarantine = 3
	}
	if config.Priority.BaseWeight == 0 && config.Priority.AgeWeight == 0 {
		config.Priority.BaseWeight = 0.45
		config.Priority.AgeWeight = 0.20
		config.Priority.DeadlineWeight = 0.15
		config.Priority.BlockerWeight = 0.15
		config.Priority.RetryWeight = 0.05
		config.Priority.SLABoost = 1.25
		config.Priority.StarvationAge = 7200 * time.Second
		config.Priority.StarvationFloor = 0.6
	}
	if config.Priority.AgeCeiling == 0 {
		config.Priority.AgeCeiling = 3600 * time.Second
	}
	if config.Priority.SLAUrgencyWindow == 0 {
		config.Priority.SLAUrgencyWindow = 900 * time.Second
	}
	if config.Priority.BlockerCeiling == 0 {
		config.Priority.BlockerCeiling = 10
	}
	if config.Lock.DefaultTTL == 0 {
		config.Lock.DefaultTTL = 5 * time.Minute
	}
	if config.Lock.SweepInterval == 0 {
		config.Lock.SweepInterval = 30 * time.Second
	}
	if config.Dispatcher.DefaultTimeout == 0 {
		config.Dispatcher.DefaultTimeout = 30 * time.Minute
	}
	if config.Dispatcher.GracePeriod == 0 {
		config.Dispatcher.GracePeriod = time.Minute
	}
	if config.Dispatcher.BreakerMaxRequests == 0 {
		config.Dispatcher.BreakerMaxRequests = 1
	}
	if config.Dispatcher.BreakerInterval == 0 {
		config.Dispatcher.BreakerInterval = time.Minute
	}
	if config.Dispatcher.BreakerTimeout == 0 {
		config.Dispatcher.BreakerTimeout = 30 * time.Second
	}
	if config.Dispatcher.BreakerFailureThreshold == 0 {
		config.Dispatcher.BreakerFailureThreshold = 5
	}
}

func validate(config *Config) error {
	switch config.AgentRuntime.Provider {
	case "localai", "anthropic", "bedrock":
	default:
		return fmt.Errorf("unsupported agent runtime provider: %s", config.AgentRuntime.Provider)
	}

	if config.AgentRuntime.Endpoint == "" {
		config.AgentRuntime.Endpoint = "http://localhost:8080"
	}

	if config.AgentRuntime.Provider == "localai" && config.AgentRuntime.Model == "" {
		return fmt.Errorf("agent runtime model is required for LocalAI provider")
	}

	if config.AgentRuntime.Temperature < 0.0 || config.AgentRuntime.Temperature > 1.0 {
		return fmt.Errorf("agent runtime temperature must be between 0.0 and 1.0")
	}

	if config.AgentRuntime.MaxTokens <= 0 {
		return fmt.Errorf("agent runtime max tokens must be greater than 0")
	}

	if config.Orchestration.Namespace == "" {
		return fmt.Errorf("orchestration namespace is required")
	}

	if config.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent actions must be greater than 0")
	}

	return nil
}

func loadFromEnv(config *Config) error {
	if v := os.Getenv("AGENT_RUNTIME_ENDPOINT"); v != "" {
		config.AgentRuntime.Endpoint = v
	}
	if v := os.Getenv("AGENT_RUNTIME_MODEL"); v != "" {
		config.AgentRuntime.Model = v
	}
	if v := os.Getenv("AGENT_RUNTIME_PROVIDER"); v != "" {
		config.AgentRuntime.Provider = v
	}
	if v := os.Getenv("WEBHOOK_PORT"); v != "" {
		config.Server.WebhookPort = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		config.Server.MetricsPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		config.Scheduler.DryRun = v == "true"
	}
	return nil
}
