package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nantic/servctl/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "")
	event := history.Event{
		Type:       history.EventKill,
		OccurredAt: time.Date(2026, 3, 14, 9, 0, 0, 42, time.UTC),
		Project:    "Acme ERP",
		Worker:     "nginx",
		PID:        4242,
		Detail:     "terminated",
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if receivedMethod != http.MethodPut {
		t.Errorf("Expected PUT, got %s", receivedMethod)
	}
	want := "/servctl-acme-erp-2026.03.14/_create/" + DocID(event)
	if receivedURL != want {
		t.Errorf("Expected %s, got %s", want, receivedURL)
	}
	var m map[string]any
	if err := json.Unmarshal(receivedBody, &m); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if m["type"] != "kill" || m["worker"] != "nginx" || m["project"] != "Acme ERP" {
		t.Errorf("unexpected payload: %v", m)
	}
}

func TestIndexFor(t *testing.T) {
	at := time.Date(2026, 1, 2, 23, 30, 0, 0, time.FixedZone("x", -3600))
	tests := []struct {
		pattern string
		event   history.Event
		want    string
	}{
		{"", history.Event{Type: history.EventStart, OccurredAt: at, Project: "shop"}, "servctl-shop-2026.01.03"},
		{"audit-{type}", history.Event{Type: history.EventRestart, OccurredAt: at}, "audit-restart"},
		{"{project}", history.Event{Type: history.EventStop, OccurredAt: at}, "default"},
		{"_{project}", history.Event{Project: "A/B:c", OccurredAt: at}, "a-b-c"},
	}
	for _, tt := range tests {
		if got := New("http://x", tt.pattern).IndexFor(tt.event); got != tt.want {
			t.Errorf("%q: got %q, want %q", tt.pattern, got, tt.want)
		}
	}
}

func TestOpenSearchSink_ConflictIsAlreadyIndexed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	e := history.Event{Type: history.EventStart, OccurredAt: time.Now()}
	if err := New(server.URL, "idx").Send(context.Background(), e); err != nil {
		t.Fatalf("conflict must count as sent: %v", err)
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventStart})
	if err == nil {
		t.Fatal("expected error on 400 response")
	}
	if got := err.Error(); !strings.Contains(got, "mapper_parsing_exception") {
		t.Fatalf("response body missing from error: %s", got)
	}
}

func TestOpenSearchSink_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(server.URL, "idx").Send(ctx, history.Event{Type: history.EventStart}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
