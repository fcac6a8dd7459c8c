package fastpath

import (
	"context"
	"fmt"
	"strings"

	"github.com/callwise/callwise/pkg/core/llm"
	"github.com/callwise/callwise/pkg/core/types"
)

// Two-stage processing trades one extra network round trip for a large
// reduction in tokens per turn: a minimal classification call buckets the
// utterance, then a category-specific short-context call produces the reply
// from a compact template instead of the full node content.

// Stage sizing constants.
const (
	// ClassifyMaxTokens bounds the stage-1 call to a handful of output tokens.
	ClassifyMaxTokens = 8
	// RespondMaxTokens bounds the stage-2 reply.
	RespondMaxTokens = 120
)

// The fixed category buckets for stage 1. Anything outside this set abandons
// the two-stage path and falls through to the full generator.
var categories = []string{
	"interested",
	"not_interested",
	"pricing_question",
	"timing_question",
	"needs_clarification",
}

// Stage-2 compact templates, one per category. Deliberately much smaller than
// any node's full content.
var categoryTemplates = map[string]string{
	"interested":          "The caller sounds interested. In one or two short sentences, acknowledge their interest and ask the single next qualifying question.",
	"not_interested":      "The caller is hesitant but has not hung up. In one or two short sentences, politely acknowledge and offer one concrete reason to stay on the line.",
	"pricing_question":    "The caller asked about price. In one or two short sentences, explain that the quote is free and ask permission to collect the one detail needed.",
	"timing_question":     "The caller asked about timing or scheduling. In one or two short sentences, explain it takes about a minute now, or offer a callback.",
	"needs_clarification": "The caller did not understand. In one or two short sentences, restate the purpose of the call more simply.",
}

// TwoStage runs classify-then-respond over an llm.Client. Engaged only for
// nodes flagged expensive.
type TwoStage struct {
	client llm.Client
	model  string
}

// NewTwoStage creates a two-stage classifier. model may be empty to use the
// client's default.
func NewTwoStage(client llm.Client, model string) *TwoStage {
	return &TwoStage{client: client, model: model}
}

// Categories returns the fixed stage-1 bucket set.
func Categories() []string {
	out := make([]string, len(categories))
	copy(out, categories)
	return out
}

// Resolve classifies the utterance and, when it lands in a known bucket,
// produces the spoken reply from that bucket's compact template. ok=false
// with a nil error means the utterance fell outside the bucket set and the
// caller should use the full generator.
func (t *TwoStage) Resolve(ctx context.Context, utterance string) (reply string, category string, ok bool, err error) {
	category, err = t.classify(ctx, utterance)
	if err != nil {
		return "", "", false, err
	}
	tmpl, known := categoryTemplates[category]
	if !known {
		return "", "", false, nil
	}

	resp, err := t.client.CreateMessage(ctx, &types.MessageRequest{
		Model:     t.model,
		System:    tmpl,
		MaxTokens: RespondMaxTokens,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: utterance},
		},
	})
	if err != nil {
		return "", "", false, fmt.Errorf("two-stage respond: %w", err)
	}
	reply = strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", "", false, nil
	}
	return reply, category, true, nil
}

func (t *TwoStage) classify(ctx context.Context, utterance string) (string, error) {
	system := "Classify the caller's utterance into exactly one category. Reply with only the category name.\nCategories: " +
		strings.Join(categories, ", ")
	resp, err := t.client.CreateMessage(ctx, &types.MessageRequest{
		Model:     t.model,
		System:    system,
		MaxTokens: ClassifyMaxTokens,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: utterance},
		},
	})
	if err != nil {
		return "", fmt.Errorf("two-stage classify: %w", err)
	}
	return normalizeCategory(resp.Content), nil
}

func normalizeCategory(raw string) string {
	c := strings.ToLower(strings.TrimSpace(raw))
	c = strings.Trim(c, `"'.`)
	c = strings.ReplaceAll(c, " ", "_")
	return c
}
