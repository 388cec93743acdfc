// Package http builds pre-configured http.Client instances for the
// orchestrator's outbound callers (sandbox delivery, Slack notifications,
// Prometheus remote calls, LLM provider HTTP fallbacks).
package http

import (
	"crypto/tls"
	"net/http"
	"time"
)

// ClientConfig controls the transport settings of a constructed
// http.Client. MaxRetries is carried in the config but NewClient does not
// apply it: the returned client makes a single attempt per request.
type ClientConfig struct {
	Timeout                 time.Duration
	MaxRetries              int
	DisableSSLVerification  bool
	MaxIdleConns            int
	IdleConnTimeout         time.Duration
	TLSHandshakeTimeout     time.Duration
	ResponseHeaderTimeout   time.Duration
}

// DefaultClientConfig returns the orchestrator's baseline outbound HTTP
// settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:                30 * time.Second,
		MaxRetries:             3,
		DisableSSLVerification: false,
		MaxIdleConns:           10,
		IdleConnTimeout:        90 * time.Second,
		TLSHandshakeTimeout:    10 * time.Second,
		ResponseHeaderTimeout:  10 * time.Second,
	}
}

// NewClient builds an http.Client from config.
func NewClient(config ClientConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          config.MaxIdleConns,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
	}
	if config.DisableSSLVerification {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 - opt-in for local/dev use
	}
	return &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	}
}

// NewClientWithTimeout builds an http.Client from the default config with
// timeout overridden.
func NewClientWithTimeout(timeout time.Duration) *http.Client {
	config := DefaultClientConfig()
	config.Timeout = timeout
	return NewClient(config)
}

// NewDefaultClient builds an http.Client using DefaultClientConfig.
func NewDefaultClient() *http.Client {
	return NewClient(DefaultClientConfig())
}

// SlackClientConfig returns settings tuned for Guardian's Slack
// notification webhook calls: short timeout, MaxRetries 2.
func SlackClientConfig() ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = 10 * time.Second
	config.MaxRetries = 2
	return config
}

// PrometheusClientConfig returns settings tuned for scraping/remote-write
// calls against the metrics backend.
func PrometheusClientConfig(timeout time.Duration) ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = timeout
	config.ResponseHeaderTimeout = timeout / 2
	return config
}

// LLMClientConfig returns settings tuned for AgentRuntime HTTP adapters,
// which tolerate longer response latency than other outbound calls.
func LLMClientConfig(timeout time.Duration) ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = timeout
	config.ResponseHeaderTimeout = timeout / 3
	return config
}

// CollabClientConfig returns settings tuned for best-effort sandbox message
// delivery from the collaboration bus: no retries, since a stale sandbox
// should fail fast and fall back to durable message storage.
func CollabClientConfig() ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = 30 * time.Second
	config.MaxRetries = 0
	return config
}
