// Package bedrock adapts Amazon Bedrock's InvokeModel API to the
// agentruntime contract, targeting Bedrock's Claude message schema. Like
// pkg/agentruntime/anthropic, it treats the model as opaque: one Start
// call is one InvokeModel turn.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omoios/orchestrator/internal/config"
	"github.com/omoios/orchestrator/pkg/agentruntime"
	"github.com/omoios/orchestrator/pkg/domain"
)

// anthropicVersion is the Bedrock-side Claude message schema version this
// adapter speaks.
const anthropicVersion = "bedrock-2023-05-31"

type invokeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      float32         `json:"temperature,omitempty"`
	Messages         []invokeMessage `json:"messages"`
}

type invokeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type invokeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type outcome struct {
	result *agentruntime.Result
	err    error
}

type session struct {
	cancel context.CancelFunc
	done   chan outcome
}

// Runtime is an agentruntime.AgentRuntime backed by Bedrock's
// InvokeModel.
type Runtime struct {
	client      *bedrockruntime.Client
	modelID     string
	maxTokens   int
	temperature float32
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a Runtime from cfg and the ambient AWS credential chain
// (environment, shared config, or instance role — never a config field,
// so credentials never round-trip through YAML). cfg.Model is the
// Bedrock model ID (e.g. "anthropic.claude-3-5-sonnet-20241022-v2:0").
func New(ctx context.Context, cfg config.AgentRuntimeConfig, logger *zap.Logger) (*Runtime, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Runtime{
		client:      bedrockruntime.NewFromConfig(awsCfg),
		modelID:     cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      logger,
		sessions:    make(map[string]*session),
	}, nil
}

// Start begins one InvokeModel turn for task.
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

	body, err := json.Marshal(invokeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        r.maxTokens,
		Temperature:      r.temperature,
		Messages:         []invokeMessage{{Role: "user", Content: string(spec)}},
	})
	if err != nil {
		sess.done <- outcome{err: fmt.Errorf("marshal invoke request: %w", err)}
		return
	}

	out, err := r.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &r.modelID,
		ContentType: strPtr("application/json"),
		Accept:      strPtr("application/json"),
		Body:        body,
	})
	if err != nil {
		sess.done <- outcome{err: err}
		return
	}

	var resp invokeResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		sess.done <- outcome{err: fmt.Errorf("unmarshal invoke response: %w", err)}
		return
	}

	var text string
	if len(resp.Content) > 0 {
		text = resp.Content[0].Text
	}
	sess.done <- outcome{result: &agentruntime.Result{Output: map[string]any{
		"response":    text,
		"stop_reason": resp.StopReason,
	}}}
}

// InjectMessage sends content as a standalone follow-up InvokeModel call,
// best-effort: the response is logged and discarded.
func (r *Runtime) InjectMessage(ctx context.Context, sessionID string, content string) error {
	r.mu.Lock()
	_, active := r.sessions[sessionID]
	r.mu.Unlock()
	if !active {
		return nil
	}

	body, err := json.Marshal(invokeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        r.maxTokens,
		Messages:         []invokeMessage{{Role: "user", Content: content}},
	})
	if err != nil {
		return nil
	}

	_, err = r.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &r.modelID,
		ContentType: strPtr("application/json"),
		Accept:      strPtr("application/json"),
		Body:        body,
	})
	if err != nil && r.logger != nil {
		r.logger.Warn("bedrock inject message failed", zap.String("session_id", sessionID), zap.Error(err))
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
		return nil, fmt.Errorf("bedrock: unknown session %q", sessionID)
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

func strPtr(s string) *string { return &s }

var _ agentruntime.AgentRuntime = (*Runtime)(nil)
