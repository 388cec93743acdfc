// Package anthropic adapts the Claude Messages API to the agentruntime
// contract. It treats the model as opaque: Start sends the task as a
// single prompt and Wait blocks for that one turn's response, since the
// agent's own internal reasoning loop is out of scope here.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omoios/orchestrator/internal/config"
	"github.com/omoios/orchestrator/pkg/agentruntime"
	"github.com/omoios/orchestrator/pkg/domain"
)

type outcome struct {
	result *agentruntime.Result
	err    error
}

type session struct {
	cancel context.CancelFunc
	done   chan outcome
}

// Runtime is an agentruntime.AgentRuntime backed by the Claude Messages
// API.
type Runtime struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a Runtime from cfg. cfg.Endpoint, if set, overrides the
// default API base URL (used for proxies/gateways in front of Anthropic);
// the API key itself is resolved by the SDK from ANTHROPIC_API_KEY, never
// read from config so it never round-trips through YAML or logs.
func New(cfg config.AgentRuntimeConfig, logger *zap.Logger) *Runtime {
	opts := []option.RequestOption{}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}

	return &Runtime{
		client:      anthropic.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   int64(cfg.MaxTokens),
		temperature: float64(cfg.Temperature),
		logger:      logger,
		sessions:    make(map[string]*session),
	}
}

// Start begins one Messages.New turn for task, running asynchronously so
// the caller's Wait can be bounded by the task's own deadline rather than
// the model call's.
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

	resp, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(r.model),
		MaxTokens:   r.maxTokens,
		Temperature: anthropic.Float(r.temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(string(spec))),
		},
	})
	if err != nil {
		sess.done <- outcome{err: err}
		return
	}

	var text string
	if len(resp.Content) > 0 {
		text = resp.Content[0].Text
	}
	sess.done <- outcome{result: &agentruntime.Result{Output: map[string]any{
		"response":    text,
		"stop_reason": string(resp.StopReason),
	}}}
}

// InjectMessage sends content as a standalone follow-up turn, best-effort:
// its response is logged and discarded rather than fed back into Wait,
// matching the contract's "best effort, not a hard error" framing for
// mid-run delivery.
func (r *Runtime) InjectMessage(ctx context.Context, sessionID string, content string) error {
	r.mu.Lock()
	_, active := r.sessions[sessionID]
	r.mu.Unlock()
	if !active {
		return nil
	}

	_, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(r.model),
		MaxTokens: r.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(content)),
		},
	})
	if err != nil && r.logger != nil {
		r.logger.Warn("anthropic inject message failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

// Cancel aborts sessionID's in-flight call, if any. Unknown sessions are
// not an error: they may have already completed.
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

// Wait blocks until sessionID's single turn completes or ctx is done. The
// session entry is removed once its outcome is consumed; Cancel remains
// valid to call concurrently since it only reads the map, never deletes.
func (r *Runtime) Wait(ctx context.Context, sessionID string) (*agentruntime.Result, error) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("anthropic: unknown session %q", sessionID)
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
