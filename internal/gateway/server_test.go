package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestManagementHealth(t *testing.T) {
	s, err := NewServer(testConfig(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Gateway().Close()

	rr := httptest.NewRecorder()
	s.managementHandler().ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Status string                     `json:"status"`
		Checks map[string]json.RawMessage `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("expected ok, got %s", body.Status)
	}
	if _, ok := body.Checks["cache"]; !ok {
		t.Error("health is missing cache stats")
	}
}

func TestManagementMetrics(t *testing.T) {
	s, err := NewServer(testConfig(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Gateway().Close()

	rr := httptest.NewRecorder()
	s.managementHandler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "annon_apis_indexed 0") {
		t.Error("expected annon_apis_indexed in exposition")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Listener.Address = "127.0.0.1:0"
	cfg.Listener.ShutdownTimeout = time.Second
	s, err := NewServer(cfg, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
