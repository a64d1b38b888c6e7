package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/bgdownload/internal/notification/types"
	"github.com/slipstream/bgdownload/internal/retry"
)

func TestNotifier_Send(t *testing.T) {
	var received Payload
	var method, contentType, auth, custom string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		contentType = r.Header.Get("Content-Type")
		auth = r.Header.Get("Authorization")
		custom = r.Header.Get("X-Custom")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := New("test", Settings{
		URL:      server.URL,
		Username: "user",
		Password: "pass",
		Headers:  map[string]string{"X-Custom": "value"},
	}, server.Client(), zerolog.Nop())

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	err := n.Send(context.Background(), types.Message{Title: "Download complete", Body: "Saved 42 bytes", Timestamp: ts})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if method != http.MethodPost {
		t.Errorf("method = %q, want POST", method)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", contentType)
	}
	if auth != "Basic dXNlcjpwYXNz" {
		t.Errorf("Authorization = %q", auth)
	}
	if custom != "value" {
		t.Errorf("X-Custom = %q, want value", custom)
	}
	if received.EventType != "notification" {
		t.Errorf("EventType = %q, want notification", received.EventType)
	}
	if received.Title != "Download complete" || received.Message != "Saved 42 bytes" {
		t.Errorf("payload = %+v", received)
	}
	if !received.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", received.Timestamp, ts)
	}
}

func TestNotifier_CustomMethod(t *testing.T) {
	var method string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New("test", Settings{URL: server.URL, Method: http.MethodPut}, server.Client(), zerolog.Nop())
	if err := n.Test(context.Background()); err != nil {
		t.Fatalf("Test() error = %v", err)
	}
	if method != http.MethodPut {
		t.Errorf("method = %q, want PUT", method)
	}
}

func TestNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	n := New("test", Settings{URL: server.URL}, server.Client(), zerolog.Nop())
	if err := n.Send(context.Background(), types.Message{Title: "x"}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestNotifier_Metadata(t *testing.T) {
	n := New("hook", Settings{URL: "http://example.com"}, nil, zerolog.Nop())
	if n.Type() != types.NotifierWebhook {
		t.Errorf("Type() = %q", n.Type())
	}
	if n.Name() != "hook" {
		t.Errorf("Name() = %q", n.Name())
	}
}

func TestNotifier_RetriesDroppedConnection(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("response writer does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack: %v", err)
			}
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New("test", Settings{URL: server.URL}, server.Client(), zerolog.Nop())
	n.SetRetry(retry.Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3})

	if err := n.Send(context.Background(), types.Message{Title: "x"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestNotifier_DoesNotRetryErrorStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := New("test", Settings{URL: server.URL}, server.Client(), zerolog.Nop())
	n.SetRetry(retry.Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3})

	if err := n.Send(context.Background(), types.Message{Title: "x"}); err == nil {
		t.Fatal("expected error for 500 response")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}
