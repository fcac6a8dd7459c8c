package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/callwise/callwise/pkg/call/session"
	"github.com/callwise/callwise/pkg/core/llm"
	"github.com/callwise/callwise/pkg/core/types"
)

const generatorSystemPrompt = `You are a live phone agent. You are mid-call; the conversation so far is in the message history. Stay on script for the current step, be brief and natural, one or two short sentences. Never mention being an AI.

Current step instructions:
%s
%s
Respond with a single JSON object and nothing else:
{"reply": "<what to say next>", "condition": "<one condition label, or empty>"}

Pick "condition" from this list only when the caller's last utterance clearly satisfies it; otherwise leave it empty and re-engage the caller on the current step:
%s`

const generatorMaxTokens = 300

// NodeGenerator produces replies and transition decisions with a language
// model. It implements the session's Generator capability.
type NodeGenerator struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

func NewNodeGenerator(client llm.Client, model string, logger *slog.Logger) *NodeGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeGenerator{
		client: client,
		model:  model,
		logger: logger.With("component", "generator"),
	}
}

func (g *NodeGenerator) Generate(ctx context.Context, req session.GenerateRequest) (*session.GenerateResult, error) {
	knowledge := ""
	if req.Knowledge != "" {
		knowledge = "\nBackground knowledge you may draw on:\n" + req.Knowledge + "\n"
	}
	conditions := "(none: this step has no transitions)"
	if len(req.Conditions) > 0 {
		conditions = "- " + strings.Join(req.Conditions, "\n- ")
	}

	resp, err := g.client.CreateMessage(ctx, &types.MessageRequest{
		Model:       g.model,
		System:      fmt.Sprintf(generatorSystemPrompt, req.NodeContent, knowledge, conditions),
		Messages:    req.History,
		MaxTokens:   generatorMaxTokens,
		Temperature: types.Temp(0.7),
	})
	if err != nil {
		return nil, fmt.Errorf("generate reply: %w", err)
	}

	result := parseGeneratorOutput(resp.Content)
	if result.Reply == "" && result.Condition == "" {
		return nil, fmt.Errorf("generate reply: model returned empty output")
	}
	g.logger.Debug("generated",
		"condition", result.Condition,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
	return result, nil
}

// parseGeneratorOutput reads the structured reply. Models occasionally wrap
// JSON in a code fence or fall back to plain prose; both are tolerated, with
// prose treated as a reply and no transition decision.
func parseGeneratorOutput(content string) *session.GenerateResult {
	text := strings.TrimSpace(content)
	if fenced := strings.TrimPrefix(text, "```json"); fenced != text {
		text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(fenced), "```"))
	} else if fenced := strings.TrimPrefix(text, "```"); fenced != text {
		text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(fenced), "```"))
	}

	var out struct {
		Reply     string `json:"reply"`
		Condition string `json:"condition"`
	}
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return &session.GenerateResult{
			Reply:     strings.TrimSpace(out.Reply),
			Condition: strings.TrimSpace(out.Condition),
		}
	}
	return &session.GenerateResult{Reply: text}
}
