package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/callwise/callwise/pkg/call/session"
	"github.com/callwise/callwise/pkg/core/types"
)

type fakeLLM struct {
	content string
	err     error

	lastReq *types.MessageRequest
}

func (f *fakeLLM) CreateMessage(ctx context.Context, req *types.MessageRequest) (*types.MessageResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &types.MessageResponse{Content: f.content}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNodeGenerator_StructuredOutput(t *testing.T) {
	llm := &fakeLLM{content: `{"reply": "Sure, I can explain.", "condition": "caller agrees"}`}
	gen := NewNodeGenerator(llm, "test-model", discardLogger())

	res, err := gen.Generate(context.Background(), session.GenerateRequest{
		NodeContent: "Ask whether now is a good time.",
		Conditions:  []string{"caller agrees", "caller declines"},
		History: []types.Message{
			{Role: types.RoleAssistant, Content: "Is now a good time?"},
			{Role: types.RoleUser, Content: "Sure, go ahead."},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Reply != "Sure, I can explain." {
		t.Errorf("Reply = %q", res.Reply)
	}
	if res.Condition != "caller agrees" {
		t.Errorf("Condition = %q", res.Condition)
	}

	if llm.lastReq.Model != "test-model" {
		t.Errorf("Model = %q", llm.lastReq.Model)
	}
	if !strings.Contains(llm.lastReq.System, "Ask whether now is a good time.") {
		t.Error("system prompt missing the node content")
	}
	if !strings.Contains(llm.lastReq.System, "caller declines") {
		t.Error("system prompt missing the condition labels")
	}
	if len(llm.lastReq.Messages) != 2 {
		t.Errorf("history length = %d, want 2", len(llm.lastReq.Messages))
	}
}

func TestNodeGenerator_KnowledgeInPrompt(t *testing.T) {
	llm := &fakeLLM{content: `{"reply": "About forty dollars.", "condition": ""}`}
	gen := NewNodeGenerator(llm, "test-model", discardLogger())

	_, err := gen.Generate(context.Background(), session.GenerateRequest{
		NodeContent: "Answer pricing questions.",
		Knowledge:   "The average saving is forty dollars per month.",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(llm.lastReq.System, "forty dollars per month") {
		t.Error("system prompt missing the retrieved knowledge")
	}
}

func TestNodeGenerator_Error(t *testing.T) {
	llm := &fakeLLM{err: errors.New("upstream down")}
	gen := NewNodeGenerator(llm, "test-model", discardLogger())

	if _, err := gen.Generate(context.Background(), session.GenerateRequest{NodeContent: "x"}); err == nil {
		t.Fatal("provider error must propagate")
	}
}

func TestNodeGenerator_EmptyOutput(t *testing.T) {
	llm := &fakeLLM{content: `{"reply": "", "condition": ""}`}
	gen := NewNodeGenerator(llm, "test-model", discardLogger())

	if _, err := gen.Generate(context.Background(), session.GenerateRequest{NodeContent: "x"}); err == nil {
		t.Fatal("empty model output must be an error")
	}
}

func TestParseGeneratorOutput(t *testing.T) {
	cases := []struct {
		name      string
		content   string
		reply     string
		condition string
	}{
		{
			name:      "plain json",
			content:   `{"reply": "Okay.", "condition": "caller agrees"}`,
			reply:     "Okay.",
			condition: "caller agrees",
		},
		{
			name:      "fenced json",
			content:   "```json\n{\"reply\": \"Okay.\", \"condition\": \"\"}\n```",
			reply:     "Okay.",
			condition: "",
		},
		{
			name:      "bare fence",
			content:   "```\n{\"reply\": \"Fine.\", \"condition\": \"caller declines\"}\n```",
			reply:     "Fine.",
			condition: "caller declines",
		},
		{
			name:      "prose fallback",
			content:   "I understand, let me explain the program.",
			reply:     "I understand, let me explain the program.",
			condition: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseGeneratorOutput(tc.content)
			if got.Reply != tc.reply {
				t.Errorf("Reply = %q, want %q", got.Reply, tc.reply)
			}
			if got.Condition != tc.condition {
				t.Errorf("Condition = %q, want %q", got.Condition, tc.condition)
			}
		})
	}
}
