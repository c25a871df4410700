package gatekeeper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HTTPAgentBackend is an AgentBackend that POSTs to each agent's configured
// HTTP endpoint: marshal -> POST -> status check -> decode, with
// Retry-After parsed off non-2xx responses for the Retry Executor.
type HTTPAgentBackend struct {
	endpoints map[string]string // agent_id -> base URL
	client    *http.Client
}

// invokeTimeout is the default per-attempt cap when the caller passes a nil
// client; a Workflow Engine per-task timeout or caller deadline still wins
// when it fires earlier.
const invokeTimeout = 90 * time.Second

// NewHTTPAgentBackend constructs a backend dispatching to the given
// agent_id -> endpoint URL map.
func NewHTTPAgentBackend(endpoints map[string]string, client *http.Client) *HTTPAgentBackend {
	if client == nil {
		client = &http.Client{Timeout: invokeTimeout}
	}
	return &HTTPAgentBackend{endpoints: endpoints, client: client}
}

type agentCallBody struct {
	Prompt              string   `json:"prompt"`
	ConversationHistory []string `json:"conversation_history,omitempty"`
	ProjectID           string   `json:"project_id,omitempty"`
	RequestID           string   `json:"request_id,omitempty"`
}

type agentCallResponse struct {
	Content string `json:"content"`
	Tokens  struct {
		Input  int `json:"input"`
		Output int `json:"output"`
	} `json:"tokens"`
}

// Invoke implements AgentBackend.
func (b *HTTPAgentBackend) Invoke(ctx context.Context, agentID string, req Request) (Result, *BackendError) {
	endpoint, ok := b.endpoints[agentID]
	if !ok {
		return Result{}, &BackendError{Status: 404, Message: "no endpoint configured for agent " + agentID}
	}

	payload, err := json.Marshal(agentCallBody{
		Prompt:              req.Prompt,
		ConversationHistory: req.ConversationHistory,
		ProjectID:           req.ProjectID,
		RequestID:           req.RequestID,
	})
	if err != nil {
		return Result{}, &BackendError{Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, &BackendError{Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, &BackendError{Timeout: true, Message: err.Error()}
		}
		return Result{}, &BackendError{Connection: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, httpBackendErr(resp)
	}

	var body agentCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, &BackendError{Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}

	return Result{
		AgentID: agentID,
		Content: body.Content,
		Tokens:  Usage{InputTokens: body.Tokens.Input, OutputTokens: body.Tokens.Output},
	}, nil
}

// httpBackendErr classifies a non-200 response, parsing Retry-After when
// present (429/503 responses) the same way the Retry Executor expects.
func httpBackendErr(resp *http.Response) *BackendError {
	be := &BackendError{Status: resp.StatusCode, Message: "agent backend returned " + resp.Status}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			be.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return be
}
