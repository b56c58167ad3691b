package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIAdapterReturnsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("model = %q", req.Model)
		}
		if len(req.Messages) == 0 || req.Messages[0].Role != "system" {
			t.Errorf("expected leading system message, got %+v", req.Messages)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Happy to help."},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(Config{APIKey: "test-key", BaseURL: srv.URL})
	resp, err := a.Complete(context.Background(), Request{
		System:   "You are a receptionist.",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "Happy to help." {
		t.Fatalf("Text = %q", resp.Text)
	}
	if resp.ToolCall != nil {
		t.Fatalf("ToolCall = %+v, want nil", resp.ToolCall)
	}
}

func TestOpenAIAdapterReturnsToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "create_appointment" {
			t.Errorf("tools = %+v", req.Tools)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"create_appointment","arguments":"{\"time\":\"Tuesday 2pm\"}"}}]},"finish_reason":"tool_calls"}]}`))
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(Config{APIKey: "test-key", BaseURL: srv.URL})
	resp, err := a.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "book me Tuesday at 2"}},
		Tools:    []Tool{{Name: "create_appointment", Description: "Create an appointment", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.ToolCall == nil || resp.ToolCall.Name != "create_appointment" {
		t.Fatalf("ToolCall = %+v", resp.ToolCall)
	}
	if resp.ToolCall.Arguments != `{"time":"Tuesday 2pm"}` {
		t.Fatalf("Arguments = %q", resp.ToolCall.Arguments)
	}
}

func TestOpenAIAdapterClassifiesRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(Config{APIKey: "test-key", BaseURL: srv.URL})
	_, err := a.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	var compErr *CompletionError
	if !errors.As(err, &compErr) {
		t.Fatalf("error type = %T, want *CompletionError", err)
	}
	if !compErr.Retryable {
		t.Fatalf("503 should classify as retryable")
	}
}

func TestNewAdapterModes(t *testing.T) {
	if _, err := NewAdapter(Config{Mode: "openai"}); err == nil {
		t.Fatalf("openai mode without key should fail")
	}
	a, err := NewAdapter(Config{Mode: "auto"})
	if err != nil {
		t.Fatalf("NewAdapter(auto) error = %v", err)
	}
	if _, ok := a.(*MockAdapter); !ok {
		t.Fatalf("auto without key = %T, want *MockAdapter", a)
	}
	a, err = NewAdapter(Config{Mode: "auto", APIKey: "k"})
	if err != nil {
		t.Fatalf("NewAdapter(auto with key) error = %v", err)
	}
	if _, ok := a.(*OpenAIAdapter); !ok {
		t.Fatalf("auto with key = %T, want *OpenAIAdapter", a)
	}
	if _, err := NewAdapter(Config{Mode: "wat"}); err == nil {
		t.Fatalf("unknown mode should fail")
	}
}

func TestMockAdapterScript(t *testing.T) {
	a := NewMockAdapter()
	a.Enqueue(Response{Text: "scripted"})
	a.EnqueueError(errors.New("boom"))

	resp, err := a.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "scripted" {
		t.Fatalf("Text = %q", resp.Text)
	}
	if _, err := a.Complete(context.Background(), Request{}); err == nil {
		t.Fatalf("expected scripted error")
	}
	resp, err = a.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "I heard you: hi" {
		t.Fatalf("Text = %q", resp.Text)
	}
}
