package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"codegen-autofix/internal/config"
	"codegen-autofix/internal/fixloop"
	"codegen-autofix/internal/monitor"
	"codegen-autofix/internal/sandbox"
)

func newTestServer(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Security.AllowedKeys = []string{"test-key"}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewMetrics()
	}
	s := NewServer(cfg, deps)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s.Handler()
}

func TestServer_Routes(t *testing.T) {
	handler := newTestServer(t, Deps{
		Executor: &fakeExecutor{healthy: true, result: sandbox.ExecutionResult{Succeeded: true, Stdout: "1\n"}},
		Fixer:    &fakeFixer{res: &fixloop.FixResult{FinalAnswer: "1", Iterations: 1, Succeeded: true}},
	})

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		key        string
		wantStatus int
	}{
		{"health without key", http.MethodGet, "/health", "", "", http.StatusOK},
		{"metrics without key", http.MethodGet, "/metrics", "", "", http.StatusOK},
		{"execute needs key", http.MethodPost, "/execute", `{"code":"print(1)"}`, "", http.StatusUnauthorized},
		{"execute", http.MethodPost, "/execute", `{"code":"print(1)"}`, "test-key", http.StatusOK},
		{"generate", http.MethodPost, "/generate", `{"prompt":"one"}`, "test-key", http.StatusOK},
		{"runs without database", http.MethodGet, "/runs", "", "test-key", http.StatusServiceUnavailable},
		{"wrong method", http.MethodGet, "/execute", "", "test-key", http.StatusMethodNotAllowed},
		{"unknown path", http.MethodGet, "/nope", "", "test-key", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.RemoteAddr = "198.51.100.7:1234"
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("missing X-Request-ID")
			}
		})
	}
}

func TestServer_Health(t *testing.T) {
	tests := []struct {
		name       string
		exec       Executor
		store      RunStore
		wantStatus int
		wantDB     string
	}{
		{"healthy without database", &fakeExecutor{healthy: true}, nil, http.StatusOK, "disabled"},
		{"healthy with database", &fakeExecutor{healthy: true}, &fakeStore{healthy: true}, http.StatusOK, "ok"},
		{"database down", &fakeExecutor{healthy: true}, &fakeStore{}, http.StatusServiceUnavailable, "down"},
		{"sandbox down", &fakeExecutor{}, nil, http.StatusServiceUnavailable, "disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestServer(t, Deps{Executor: tt.exec, Store: tt.store})
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			resp := decode[HealthResponse](t, rec)
			if resp.Database != tt.wantDB || resp.Backend != "fake" {
				t.Errorf("health = %+v", resp)
			}
		})
	}
}

func TestServer_BodyLimit(t *testing.T) {
	handler := newTestServer(t, Deps{Executor: &fakeExecutor{healthy: true}})

	big := bytes.Repeat([]byte("a"), 2<<20)
	body := append([]byte(`{"code":"`), big...)
	body = append(body, []byte(`"}`)...)
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}
