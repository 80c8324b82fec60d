package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OpenAudit/internal/audit"
	xerrors "OpenAudit/internal/errors"
	"OpenAudit/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestDecideSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": ` {"type":"search","query":"acme lawsuit"} `,
					},
				},
			},
			"usage": map[string]any{"prompt_tokens": 2000, "completion_tokens": 500},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		APIKey:               "test",
		BaseURL:              srv.URL,
		Timeout:              time.Second,
		PricePer1KPrompt:     0.01,
		PricePer1KCompletion: 0.04,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Decide(context.Background(), llm.Request{
		Subject:    audit.Subject{ID: "biz-1", Name: "Acme"},
		Evidence:   json.RawMessage(`[{"source":"bbb"}]`),
		Catalog:    []llm.ActionSpec{{Type: "search", Description: "ad hoc search"}},
		Iteration:  1,
		Correction: "fix your output",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != `{"type":"search","query":"acme lawsuit"}` {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if resp.Usage.PromptTokens != 2000 || resp.Usage.CompletionTokens != 500 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if diff := resp.Cost - 0.04; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("unexpected cost: %v", resp.Cost)
	}

	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	messages, _ := captured.Body["messages"].([]any)
	if len(messages) != 3 {
		t.Fatalf("expected system, user and correction messages, got %d", len(messages))
	}
	if format, _ := captured.Body["response_format"].(map[string]any); format["type"] != "json_object" {
		t.Fatalf("json response format missing: %v", captured.Body["response_format"])
	}
}

func TestDecideClassifiesHTTPErrors(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", tc.status)
		}))

		client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		client.httpClient = srv.Client()

		_, err = client.Decide(context.Background(), llm.Request{})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := xerrors.RetryableError(err); got != tc.retryable {
			t.Fatalf("status %d: retryable=%v, want %v", tc.status, got, tc.retryable)
		}
	}
}
