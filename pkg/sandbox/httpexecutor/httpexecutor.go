// Package httpexecutor implements sandbox.SandboxExecutor against an
// external sandbox-control HTTP API.
package httpexecutor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	sharedhttp "github.com/omoios/orchestrator/pkg/shared/http"
)

// Executor drives sandboxes through a REST API exposing spawn, exec,
// preview-url, and message-injection endpoints under baseURL.
type Executor struct {
	baseURL string
	client  *http.Client
}

// New creates an Executor pointed at baseURL (e.g. an MCP server's sandbox
// control plane).
func New(baseURL string) *Executor {
	return &Executor{
		baseURL: baseURL,
		client:  sharedhttp.NewClient(sharedhttp.CollabClientConfig()),
	}
}

func (e *Executor) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// Spawn provisions a new sandbox and returns its ID.
func (e *Executor) Spawn(ctx context.Context, agentID string) (string, error) {
	resp, err := e.do(ctx, http.MethodPost, "/api/v1/sandboxes", map[string]string{"agent_id": agentID})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("spawn sandbox: status %d", resp.StatusCode)
	}

	var out struct {
		SandboxID string `json:"sandbox_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode spawn response: %w", err)
	}
	return out.SandboxID, nil
}

// Exec runs command inside the sandbox identified by handle.
func (e *Executor) Exec(ctx context.Context, handle string, command string) (string, error) {
	resp, err := e.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/sandboxes/%s/exec", handle), map[string]string{"command": command})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("exec in sandbox %s: status %d", handle, resp.StatusCode)
	}

	var out struct {
		Output string `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode exec response: %w", err)
	}
	return out.Output, nil
}

// GetPreviewURL fetches the sandbox's live-preview URL.
func (e *Executor) GetPreviewURL(ctx context.Context, handle string) (string, error) {
	resp, err := e.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/sandboxes/%s/preview", handle), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get preview url for sandbox %s: status %d", handle, resp.StatusCode)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode preview response: %w", err)
	}
	return out.URL, nil
}

// InjectMessage posts content into the sandbox's message stream.
func (e *Executor) InjectMessage(ctx context.Context, handle string, content string) error {
	resp, err := e.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/sandboxes/%s/messages", handle), map[string]string{"message": content})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("inject message to sandbox %s: status %d: %s", handle, resp.StatusCode, string(body))
	}
	return nil
}
