package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateSuccess(t *testing.T) {
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
			"choices": []map[string]any{{"message": map[string]any{"content": ` {"type":"single"} `}}},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{Command: "what's my next meeting", History: []string{"find Q4"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != `{"type":"single"}` {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if captured.Authorization != "Bearer test" {
		t.Fatalf("unexpected authorization header: %s", captured.Authorization)
	}
	messages, _ := captured.Body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %v", captured.Body["messages"])
	}
	user := messages[1].(map[string]any)["content"].(string)
	if !strings.Contains(user, "what's my next meeting") || !strings.Contains(user, "find Q4") {
		t.Fatalf("user prompt missing context: %s", user)
	}
}

func TestGenerateMapsStatusCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	client.httpClient = srv.Client()
	_, err := client.Generate(context.Background(), llm.Request{Command: "x"})
	if xerrors.CodeOf(err) != xerrors.CodeRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
}
