package generator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"codegen-autofix/internal/config"
)

type capturedRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

func newTestGenerator(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewOpenAI(config.GeneratorConfig{
		BaseURL:        srv.URL + "/v1",
		APIKey:         "sk-test",
		Model:          "qwen3-coder",
		RequestTimeout: 5 * time.Second,
		MaxRetries:     0,
	}, nil, nil)
}

func completionJSON(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "qwen3-coder",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 42, "completion_tokens": 17, "total_tokens": 59},
	})
	return string(body)
}

func TestOpenAI_Generate(t *testing.T) {
	var got capturedRequest
	var auth, path string
	g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionJSON("  print(1)\n"))
	})

	resp, err := g.Generate(context.Background(), Request{
		Messages:    Prompt("", "print one"),
		MaxTokens:   300,
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if resp.Text != "print(1)" {
		t.Errorf("Text = %q, want %q", resp.Text, "print(1)")
	}
	if resp.PromptTokens != 42 || resp.CompletionTokens != 17 {
		t.Errorf("usage = %d/%d, want 42/17", resp.PromptTokens, resp.CompletionTokens)
	}
	if path != "/v1/chat/completions" {
		t.Errorf("path = %q, want /v1/chat/completions", path)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.Model != "qwen3-coder" || got.MaxTokens != 300 || got.Temperature != 0.7 {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "print one" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.Messages[0].Content != DefaultSystemPrompt {
		t.Error("system message should default to DefaultSystemPrompt")
	}
}

func TestOpenAI_BackendErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind Kind
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit","code":"rate_limit"}}`, KindRateLimited},
		{"server error", http.StatusBadGateway, `{"error":{"message":"upstream down","type":"server_error","code":"x"}}`, KindUnavailable},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"auth","code":"invalid_api_key"}}`, KindNotReady},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"bad model","type":"invalid_request_error","code":"x"}}`, KindMalformed},
		{"undecodable body", http.StatusOK, `{"choices": [`, KindMalformed},
		{"no choices", http.StatusOK, `{"id":"x","object":"chat.completion","model":"m","choices":[]}`, KindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := g.Generate(context.Background(), Request{Messages: Prompt("", "x"), MaxTokens: 10})
			if err == nil {
				t.Fatal("expected error")
			}
			be, ok := AsBackendError(err)
			if !ok {
				t.Fatalf("error %T (%v) is not a *BackendError", err, err)
			}
			if be.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q (err: %v)", be.Kind, tt.wantKind, err)
			}
		})
	}
}

func TestOpenAI_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g := NewOpenAI(config.GeneratorConfig{BaseURL: url + "/v1", Model: "m", MaxRetries: 0}, nil, nil)
	_, err := g.Generate(context.Background(), Request{Messages: Prompt("", "x")})
	be, ok := AsBackendError(err)
	if !ok {
		t.Fatalf("error %v is not a *BackendError", err)
	}
	if be.Kind != KindUnavailable {
		t.Errorf("Kind = %q, want unavailable", be.Kind)
	}
}

func TestOpenAI_NotReady(t *testing.T) {
	g := NewOpenAI(config.GeneratorConfig{Model: "m"}, nil, nil)
	_, err := g.Generate(context.Background(), Request{Messages: Prompt("", "x")})
	be, ok := AsBackendError(err)
	if !ok || be.Kind != KindNotReady {
		t.Fatalf("err = %v, want not_ready BackendError", err)
	}
}

func TestOpenAI_Closed(t *testing.T) {
	g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("closed generator must not send requests")
	})
	_ = g.Close()

	_, err := g.Generate(context.Background(), Request{Messages: Prompt("", "x")})
	be, ok := AsBackendError(err)
	if !ok || be.Kind != KindNotReady {
		t.Fatalf("err = %v, want not_ready BackendError", err)
	}
}

func TestOpenAI_CallerCancellation(t *testing.T) {
	g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Generate(ctx, Request{Messages: Prompt("", "x")})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if _, ok := AsBackendError(err); ok {
		t.Error("caller cancellation should not be reported as a backend fault")
	}
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{429, KindRateLimited},
		{500, KindUnavailable},
		{503, KindUnavailable},
		{401, KindNotReady},
		{403, KindNotReady},
		{404, KindMalformed},
		{422, KindMalformed},
	}
	for _, tt := range tests {
		if got := mapStatus(tt.status, "", nil); got.Kind != tt.want {
			t.Errorf("mapStatus(%d) = %q, want %q", tt.status, got.Kind, tt.want)
		}
	}
}

func TestBackendError_Error(t *testing.T) {
	err := &BackendError{Kind: KindRateLimited, StatusCode: 429, Message: "slow down"}
	if got := err.Error(); got != "generator rate_limited (HTTP 429): slow down" {
		t.Errorf("Error() = %q", got)
	}
	wrapped := errors.New("dial tcp: refused")
	err = &BackendError{Kind: KindUnavailable, Message: "connection error", Err: wrapped}
	if !errors.Is(err, wrapped) {
		t.Error("BackendError should unwrap to its cause")
	}
}
