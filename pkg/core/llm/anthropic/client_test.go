package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/callwise/callwise/pkg/core/types"
)

func TestCreateMessage(t *testing.T) {
	var gotReq apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-test" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") != APIVersion {
			t.Errorf("version header = %q", r.Header.Get("anthropic-version"))
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]any{{"type": "text", "text": "Sure, go ahead."}},
			"model":       "claude-haiku-4-5",
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 42, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	c := New("sk-test", "claude-haiku-4-5", WithBaseURL(srv.URL))
	resp, err := c.CreateMessage(context.Background(), &types.MessageRequest{
		System:   "You are a phone agent.",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if resp.Content != "Sure, go ahead." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 42 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if gotReq.Model != "claude-haiku-4-5" {
		t.Errorf("default model not applied: %q", gotReq.Model)
	}
	if gotReq.MaxTokens != DefaultMaxTokens {
		t.Errorf("max tokens = %d, want default %d", gotReq.MaxTokens, DefaultMaxTokens)
	}
}

func TestCreateMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "rate_limit_error", "message": "slow down"},
		})
	}))
	defer srv.Close()

	c := New("sk-test", "m", WithBaseURL(srv.URL))
	_, err := c.CreateMessage(context.Background(), &types.MessageRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}
