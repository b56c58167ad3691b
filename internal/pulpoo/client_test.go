package pulpoo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestCreateTaskSendsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/external/tasks/create" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "pk-test" {
			t.Errorf("X-API-Key = %q", got)
		}
		var req TaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Title != "Appointment: John" || req.AssignedEmail != "desk@example.com" {
			t.Errorf("unexpected payload: %+v", req)
		}
		if req.Importance != "HIGH" {
			t.Errorf("Importance = %q, want default HIGH", req.Importance)
		}
		if _, err := time.Parse(time.RFC3339, req.Deadline); err != nil {
			t.Errorf("Deadline = %q, want RFC3339 default", req.Deadline)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"task-42","status":"created"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "pk-test", time.Second)
	result, err := c.CreateTask(context.Background(), TaskRequest{
		Title:         "Appointment: John",
		Description:   "Cracked iPhone screen",
		AssignedEmail: "desk@example.com",
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if result.ID != "task-42" {
		t.Fatalf("ID = %q, want task-42", result.ID)
	}
}

func TestCreateTaskRetriesOnceOnRetryableStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id":"task-7"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "pk-test", time.Second)
	result, err := c.CreateTask(context.Background(), TaskRequest{Title: "t"})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if result.ID != "task-7" {
		t.Fatalf("ID = %q", result.ID)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestCreateTaskDoesNotRetryClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad payload", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "pk-test", time.Second)
	if _, err := c.CreateTask(context.Background(), TaskRequest{Title: "t"}); err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestCreateTaskGivesUpAfterSecondFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "pk-test", time.Second)
	if _, err := c.CreateTask(context.Background(), TaskRequest{Title: "t"}); err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want exactly one retry", got)
	}
}
