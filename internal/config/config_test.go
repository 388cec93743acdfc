package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				validConfig := `
server:
  webhook_port: "8080"
  metrics_port: "9090"

agent_runtime:
  endpoint: "http://localhost:11434"
  model: "llama2"
  timeout: "30s"
  retry_count: 3
  provider: "localai"
  temperature: 0.3
  max_tokens: 500

orchestration:
  context: "test-context"
  namespace: "default"

scheduler:
  dry_run: false
  max_concurrent: 5
  cooldown_period: "5m"

filters:
  - name: "production-filter"
    conditions:
      namespace:
        - "production"
        - "staging"
      severity:
        - "critical"
        - "warning"

logging:
  level: "info"
  format: "json"

webhook:
  port: "8080"
  path: "/webhook"
`
				err := os.WriteFile(configFile, []byte(validConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load configuration successfully", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(config).NotTo(BeNil())

				Expect(config.Server.WebhookPort).To(Equal("8080"))
				Expect(config.Server.MetricsPort).To(Equal("9090"))

				Expect(config.AgentRuntime.Endpoint).To(Equal("http://localhost:11434"))
				Expect(config.AgentRuntime.Model).To(Equal("llama2"))
				Expect(config.AgentRuntime.Timeout).To(Equal(30 * time.Second))
				Expect(config.AgentRuntime.RetryCount).To(Equal(3))
				Expect(config.AgentRuntime.Provider).To(Equal("localai"))
				Expect(config.AgentRuntime.Temperature).To(Equal(float32(0.3)))
				Expect(config.AgentRuntime.MaxTokens).To(Equal(500))

				Expect(config.Orchestration.Context).To(Equal("test-context"))
				Expect(config.Orchestration.Namespace).To(Equal("default"))

				Expect(config.Scheduler.DryRun).To(BeFalse())
				Expect(config.Scheduler.MaxConcurrent).To(Equal(5))
				Expect(config.Scheduler.CooldownPeriod).To(Equal(5 * time.Minute))

				Expect(config.Filters).To(HaveLen(1))
				Expect(config.Filters[0].Name).To(Equal("production-filter"))
				Expect(config.Filters[0].Conditions["namespace"]).To(ContainElements("production", "staging"))
				Expect(config.Filters[0].Conditions["severity"]).To(ContainElements("critical", "warning"))

				Expect(config.Logging.Level).To(Equal("info"))
				Expect(config.Logging.Format).To(Equal("json"))

				Expect(config.Webhook.Port).To(Equal("8080"))
				Expect(config.Webhook.Path).To(Equal("/webhook"))
			})
		})

		Context("when config file has minimal content", func() {
			BeforeEach(func() {
				minimalConfig := `
server:
  webhook_port: "3000"

agent_runtime:
  endpoint: "http://localhost:8080"
  model: "test-model"
  provider: "localai"
`
				err := os.WriteFile(configFile, []byte(minimalConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load with defaults for missing values", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.Server.WebhookPort).To(Equal("3000"))
				Expect(config.AgentRuntime.Endpoint).To(Equal("http://localhost:8080"))
				Expect(config.AgentRuntime.Model).To(Equal("test-model"))

				Expect(config.Orchestration.Namespace).To(Equal("default"))
				Expect(config.Scheduler.MaxConcurrent).To(Equal(5))
				Expect(config.AgentRuntime.Provider).To(Equal("localai"))
			})
		})

		Context("when config file does not exist", func() {
			It("should return an error", func() {
				_, err := Load("/nonexistent/config.yaml")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when config file has invalid YAML", func() {
			BeforeEach(func() {
				invalidConfig := `
server:
  webhook_port: "8080"
  invalid_yaml: [
agent_runtime:
  endpoint: "test"
`
				err := os.WriteFile(configFile, []byte(invalidConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})

		Context("when config has invalid duration formats", func() {
			BeforeEach(func() {
				invalidDurationConfig := `
server:
  webhook_port: "8080"

agent_runtime:
  endpoint: "http://localhost:11434"
  model: "test"
  timeout: "invalid-duration"
  provider: "localai"

scheduler:
  cooldown_period: "not-a-duration"
`
				err := os.WriteFile(configFile, []byte(invalidDurationConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})
	})

	Describe("validate", func() {
		var config *Config

		BeforeEach(func() {
			config = &Config{
				Server: ServerConfig{
					WebhookPort: "8080",
					MetricsPort: "9090",
				},
				AgentRuntime: AgentRuntimeConfig{
					Endpoint:    "http://localhost:11434",
					Model:       "llama2",
					Timeout:     30 * time.Second,
					RetryCount:  3,
					Provider:    "localai",
					Temperature: 0.3,
					MaxTokens:   500,
				},
				Orchestration: OrchestrationConfig{
					Context:   "test-context",
					Namespace: "default",
				},
				Scheduler: SchedulerConfig{
					DryRun:         false,
					MaxConcurrent:  5,
					CooldownPeriod: 5 * time.Minute,
				},
				Logging: LoggingConfig{
					Level:  "info",
					Format: "json",
				},
			}
		})

		Context("when config is valid", func() {
			It("should pass validation", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when agent runtime provider is invalid", func() {
			BeforeEach(func() {
				config.AgentRuntime.Provider = "invalid"
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("unsupported agent runtime provider"))
			})
		})

		Context("when agent runtime endpoint is missing", func() {
			BeforeEach(func() {
				config.AgentRuntime.Endpoint = ""
			})

			It("should set default endpoint", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(config.AgentRuntime.Endpoint).To(Equal("http://localhost:8080"))
			})
		})

		Context("when agent runtime model is missing", func() {
			BeforeEach(func() {
				config.AgentRuntime.Model = ""
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("agent runtime model is required for LocalAI provider"))
			})
		})

		Context("when agent runtime temperature is out of range", func() {
			BeforeEach(func() {
				config.AgentRuntime.Temperature = 1.5
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("agent runtime temperature must be between 0.0 and 1.0"))
			})
		})

		Context("when agent runtime max tokens is invalid", func() {
			BeforeEach(func() {
				config.AgentRuntime.MaxTokens = 0
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("agent runtime max tokens must be greater than 0"))
			})
		})

		Context("when orchestration namespace is empty", func() {
			BeforeEach(func() {
				config.Orchestration.Namespace = ""
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("orchestration namespace is required"))
			})
		})

		Context("when max concurrent actions is invalid", func() {
			BeforeEach(func() {
				config.Scheduler.MaxConcurrent = 0
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("max concurrent actions must be greater than 0"))
			})
		})

		Context("when max concurrent actions is negative", func() {
			BeforeEach(func() {
				config.Scheduler.MaxConcurrent = -1
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("max concurrent actions must be greater than 0"))
			})
		})

		Context("when agent runtime retry count is negative", func() {
			BeforeEach(func() {
				config.AgentRuntime.RetryCount = -1
			})

			It("should pass validation", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when cooldown period is negative", func() {
			BeforeEach(func() {
				config.Scheduler.CooldownPeriod = -1 * time.Minute
			})

			It("should pass validation", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when agent runtime timeout is negative", func() {
			BeforeEach(func() {
				config.AgentRuntime.Timeout = -1 * time.Second
			})

			It("should pass validation", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})

	Describe("loadFromEnv", func() {
		var config *Config

		BeforeEach(func() {
			config = &Config{}
			os.Clearenv()
		})

		Context("when environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("AGENT_RUNTIME_ENDPOINT", "http://test:8080")
				os.Setenv("AGENT_RUNTIME_MODEL", "test-model")
				os.Setenv("AGENT_RUNTIME_PROVIDER", "localai")
				os.Setenv("WEBHOOK_PORT", "3000")
				os.Setenv("METRICS_PORT", "9999")
				os.Setenv("LOG_LEVEL", "debug")
				os.Setenv("DRY_RUN", "true")
			})

			AfterEach(func() {
				os.Clearenv()
			})

			It("should load values from environment", func() {
				err := loadFromEnv(config)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.AgentRuntime.Endpoint).To(Equal("http://test:8080"))
				Expect(config.AgentRuntime.Model).To(Equal("test-model"))
				Expect(config.AgentRuntime.Provider).To(Equal("localai"))
				Expect(config.Server.WebhookPort).To(Equal("3000"))
				Expect(config.Server.MetricsPort).To(Equal("9999"))
				Expect(config.Logging.Level).To(Equal("debug"))
				Expect(config.Scheduler.DryRun).To(BeTrue())
			})
		})

		Context("when no environment variables are set", func() {
			It("should not modify config", func() {
				originalConfig := *config
				err := loadFromEnv(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(*config).To(Equal(originalConfig))
			})
		})
	})
})
