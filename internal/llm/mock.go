package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockAdapter provides deterministic local replies when no provider key is
// configured. Tests script it with Enqueue.
type MockAdapter struct {
	mu       sync.Mutex
	script   []Response
	errs     []error
	Requests []Request
}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

// Enqueue schedules the next canned response.
func (a *MockAdapter) Enqueue(resp Response) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = append(a.script, resp)
}

// EnqueueError schedules the next call to fail.
func (a *MockAdapter) EnqueueError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, err)
}

func (a *MockAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.Requests = append(a.Requests, req)

	if len(a.script) > 0 {
		resp := a.script[0]
		a.script = a.script[1:]
		return resp, nil
	}
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		return Response{}, err
	}
	return Response{Text: buildMockReply(req)}, nil
}

func buildMockReply(req Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			text := strings.TrimSpace(req.Messages[i].Content)
			if text != "" {
				return fmt.Sprintf("I heard you: %s", text)
			}
			break
		}
	}
	return "I am listening."
}
