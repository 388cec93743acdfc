// Package localai adapts a LocalAI (or any OpenAI-chat-compatible) HTTP
// endpoint to the agentruntime contract, for the default no-cloud-account
// deployment path. Like the anthropic and bedrock adapters, it treats the
// model as opaque: one Start is one chat-completion turn.
package localai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omoios/orchestrator/internal/config"
	"github.com/omoios/orchestrator/pkg/agentruntime"
	"github.com/omoios/orchestrator/pkg/domain"
	sharedhttp "github.com/omoios/orchestrator/pkg/shared/http"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type outcome struct {
	result *agentruntime.Result
	err    error
}

type session struct {
	cancel context.CancelFunc
	done   chan outcome
}

// Runtime is an agentruntime.AgentRuntime backed by an OpenAI-chat-style
// HTTP endpoint.
type Runtime struct {
	client      *http.Client
	endpoint    string
	model       string
	temperature float32
	maxTokens   int
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a Runtime from cfg. cfg.Endpoint is the LocalAI base URL
// (e.g. "http://localhost:8080"); requests go to
// "<endpoint>/v1/chat/completions".
func New(cfg config.AgentRuntimeConfig, logger *zap.Logger) *Runtime {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &Runtime{
		client:      sharedhttp.NewClient(sharedhttp.LLMClientConfig(timeout)),
		endpoint:    cfg.Endpoint,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger,
		sessions:    make(map[string]*session),
	}
}

// Start begins one chat-completion turn for task.
func (r *Runtime) Start(ctx context.Context, task *domain.Task, agent *domain.Agent) (*agentruntime.Session, error) {
	sessionID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	sess := &session{cancel: cancel, done: make(chan outcome, 1)}

	r.mu.Lock()
	r.sessions[sessionID] = sess
	r.mu.Unlock()

	go r.run(runCtx, sessionID, sess, task)

	return &agentruntime.Session{ID: sessionID, AgentID: agent.ID, TaskID: task.ID}, nil
}

func (r *Runtime) run(ctx context.Context, sessionID string, sess *session, task *domain.Task) {
	spec, err := json.Marshal(task)
	if err != nil {
		sess.done <- outcome{err: fmt.Errorf("marshal task spec: %w", err)}
		return
	}

	resp, err := r.complete(ctx, string(spec))
	if err != nil {
		sess.done <- outcome{err: err}
		return
	}

	var text, finish string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}
	sess.done <- outcome{result: &agentruntime.Result{Output: map[string]any{
		"response":      text,
		"finish_reason": finish,
	}}}
}

func (r *Runtime) complete(ctx context.Context, content string) (*chatResponse, error) {
	body, err := json.Marshal(chatRequest{
		Model:       r.model,
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
		Messages:    []chatMessage{{Role: "user", Content: content}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("chat completion request: unexpected status %s", resp.Status)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	return &out, nil
}

// InjectMessage sends content as a standalone follow-up turn, best-effort:
// the response is logged and discarded.
func (r *Runtime) InjectMessage(ctx context.Context, sessionID string, content string) error {
	r.mu.Lock()
	_, active := r.sessions[sessionID]
	r.mu.Unlock()
	if !active {
		return nil
	}
	if _, err := r.complete(ctx, content); err != nil && r.logger != nil {
		r.logger.Warn("localai inject message failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

// Cancel aborts sessionID's in-flight call, if any.
func (r *Runtime) Cancel(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	sess.cancel()
	return nil
}

// Wait blocks until sessionID's single turn completes or ctx is done.
func (r *Runtime) Wait(ctx context.Context, sessionID string) (*agentruntime.Result, error) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("localai: unknown session %q", sessionID)
	}

	select {
	case o := <-sess.done:
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ agentruntime.AgentRuntime = (*Runtime)(nil)
