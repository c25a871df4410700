package gatekeeper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPAgentBackendInvokeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var body agentCallBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Prompt != "hello" {
			t.Errorf("expected prompt 'hello', got %q", body.Prompt)
		}
		json.NewEncoder(w).Encode(agentCallResponse{
			Content: "hi there",
			Tokens: struct {
				Input  int `json:"input"`
				Output int `json:"output"`
			}{Input: 3, Output: 5},
		})
	}))
	defer srv.Close()

	backend := NewHTTPAgentBackend(map[string]string{"a1": srv.URL}, nil)
	res, err := backend.Invoke(context.Background(), "a1", Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "hi there" {
		t.Errorf("unexpected content: %q", res.Content)
	}
	if res.Tokens.InputTokens != 3 || res.Tokens.OutputTokens != 5 {
		t.Errorf("unexpected tokens: %+v", res.Tokens)
	}
}

func TestHTTPAgentBackendUnknownAgent(t *testing.T) {
	backend := NewHTTPAgentBackend(map[string]string{}, nil)
	_, err := backend.Invoke(context.Background(), "missing", Request{Prompt: "hi"})
	if err == nil || err.Status != 404 {
		t.Fatalf("expected 404 BackendError, got %+v", err)
	}
}

func TestHTTPAgentBackendUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	backend := NewHTTPAgentBackend(map[string]string{"a1": srv.URL}, nil)
	_, err := backend.Invoke(context.Background(), "a1", Request{Prompt: "hi"})
	if err == nil || err.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 BackendError, got %+v", err)
	}
}
