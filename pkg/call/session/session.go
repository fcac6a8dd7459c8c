// Package session implements the per-call conversation session: the turn
// engine that walks the conversation graph, consults the detector and the
// fast-path resolvers, and falls back to the external answer generator.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/callwise/callwise/pkg/call/detect"
	"github.com/callwise/callwise/pkg/call/fastpath"
	"github.com/callwise/callwise/pkg/call/graph"
	"github.com/callwise/callwise/pkg/core/types"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Resolver attribution values recorded per turn.
const (
	ResolvedByCache     = "cache"
	ResolvedByPattern   = "pattern"
	ResolvedByTwoStage  = "twostage"
	ResolvedByGenerator = "generator"
	ResolvedByDetector  = "detector"
	ResolvedByFiller    = "filler"
	ResolvedByCheckin   = "checkin"
)

// FillerReply is spoken when the answer generator fails: a graceful retry
// beats dead air.
const FillerReply = "Sorry, could you repeat that?"

// DefaultGenerateTimeout bounds a single answer-generator call.
const DefaultGenerateTimeout = 4 * time.Second

// Turn is one entry of the ordered turn history.
type Turn struct {
	Index      int    `json:"index"`
	Role       Role   `json:"role"`
	Text       string `json:"text"`
	NodeID     string `json:"node_id"`
	ResolvedBy string `json:"resolved_by,omitempty"`
	LatencyMS  int64  `json:"latency_ms,omitempty"`
}

// Generator is the external answer-generation capability. Given the current
// node's content, the accumulated history and optional knowledge context, it
// produces the reply and the chosen transition condition.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// GenerateRequest carries everything the generator may use.
type GenerateRequest struct {
	NodeContent string
	Conditions  []string
	History     []types.Message
	Knowledge   string
}

// GenerateResult is the generator's structured output.
type GenerateResult struct {
	// Reply is the text to speak.
	Reply string
	// Condition is the transition condition the generator chose, matched
	// against the node's transitions. Empty means no decision.
	Condition string
}

// Knowledge is the black-box retrieval capability: given a query, return
// relevant text. May be nil.
type Knowledge interface {
	Retrieve(ctx context.Context, query string) (string, error)
}

// FunctionHandler implements a function node. Returned variables are merged
// into the session's variable map before the node content is rendered.
type FunctionHandler func(ctx context.Context, vars map[string]string) (map[string]string, error)

// Config wires a session.
type Config struct {
	CallID    string
	AccountID string
	Graph     *graph.Graph
	Generator Generator
	// TwoStage is optional; engaged only on nodes flagged expensive.
	TwoStage *fastpath.TwoStage
	// Knowledge is optional retrieval context for the generator.
	Knowledge Knowledge
	// Functions maps function-node names to handlers.
	Functions map[string]FunctionHandler
	// Style selects objection response variants.
	Style fastpath.Style
	// Variables seeds the session variable map (lead name etc).
	Variables map[string]string
	// GenerateTimeout bounds generator calls. Zero means the default.
	GenerateTimeout time.Duration
	Logger          *slog.Logger
}

// TurnResult is what ProcessTurn returns to the streaming bridge.
type TurnResult struct {
	// Reply is the text to synthesize. May be empty when the turn resolved
	// to a DTMF side effect or a silent hangup.
	Reply string
	// DTMF, when set, is a digit to send instead of speech.
	DTMF string
	// EndCall reports that the call should terminate after any reply.
	EndCall bool
	// ResolvedBy attributes the turn to a resolver.
	ResolvedBy string
	// NodeID is the node after the turn.
	NodeID string
}

// Session is the top-level per-call object. All mutation goes through the
// turn-processing path and the health monitor; ProcessTurn is serialized so
// node-position updates never interleave.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	currentNodeID string
	turns         []Turn
	vars          map[string]string
	nodePath      []string
	detector      *detect.Detector
	startTime     time.Time
	checkinCount  int
	checkinCursor int
	genFailures   int
	terminated    bool
	dtmfSent      bool
	detection     detect.Result

	// Idempotence: turn processing is keyed by a monotonically increasing
	// per-call index assigned by the bridge.
	lastTurnIndex int
	lastResult    *TurnResult

	agentSpeaking bool
	userSpeaking  bool
}

// New creates a session positioned at the graph's entry node.
func New(cfg Config) (*Session, error) {
	if cfg.Graph == nil {
		return nil, fmt.Errorf("session %q: graph is required", cfg.CallID)
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("session %q: generator is required", cfg.CallID)
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = DefaultGenerateTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	now := time.Now()
	s := &Session{
		cfg:           cfg,
		logger:        cfg.Logger.With("component", "session", "call_id", cfg.CallID),
		currentNodeID: cfg.Graph.Entry,
		vars:          make(map[string]string),
		nodePath:      []string{cfg.Graph.Entry},
		detector:      detect.NewDetector(now),
		startTime:     now,
	}
	for k, v := range cfg.Variables {
		s.vars[k] = v
	}
	return s, nil
}

// CallID returns the call identifier.
func (s *Session) CallID() string { return s.cfg.CallID }

// Greeting renders the entry node and appends it to history. Called once,
// when the call is answered.
func (s *Session) Greeting() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.cfg.Graph.EntryNode()
	text := node.Render(s.vars)
	s.appendTurn(RoleAgent, text, node.ID, "", 0)
	return text
}

// ProcessTurn runs one user utterance through the turn engine. turnIndex is
// the bridge-assigned per-call index; replaying an already-processed index
// returns the prior result without touching history.
func (s *Session) ProcessTurn(ctx context.Context, turnIndex int, userText string) (*TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return &TurnResult{EndCall: true, NodeID: s.currentNodeID}, nil
	}
	if turnIndex <= s.lastTurnIndex && s.lastResult != nil {
		return s.lastResult, nil
	}

	started := time.Now()
	node, ok := s.cfg.Graph.Node(s.currentNodeID)
	if !ok {
		return nil, fmt.Errorf("session %q: current node %q missing from graph", s.cfg.CallID, s.currentNodeID)
	}

	s.appendTurn(RoleUser, userText, node.ID, "", 0)

	res := s.resolve(ctx, node, userText)

	if res.Reply != "" {
		s.appendTurnLatency(RoleAgent, res.Reply, res.NodeID, res.ResolvedBy, time.Since(started))
	}
	if res.EndCall {
		s.terminated = true
	}
	s.lastTurnIndex = turnIndex
	s.lastResult = res
	return res, nil
}

// resolve implements the ordered decision ladder: detector, transition
// cache, pattern matcher, two-stage classifier, full generator.
func (s *Session) resolve(ctx context.Context, node *graph.Node, userText string) *TurnResult {
	// Machine-on-the-line detection runs before anything conversational.
	det := s.detector.Observe(userText, time.Now())
	switch {
	case det.Kind == detect.KindGatekeeper:
		// The connect digit is pressed once. The locked decision keeps
		// coming back on later observations; by then the line has been
		// handed to a human, so those turns resolve normally.
		if !s.dtmfSent {
			s.dtmfSent = true
			s.detection = det
			s.logger.Info("gatekeeper detected", "digit", det.Digit)
			return &TurnResult{DTMF: det.Digit, ResolvedBy: ResolvedByDetector, NodeID: node.ID}
		}
	case det.Disconnect:
		s.detection = det
		s.logger.Info("machine detected, disconnecting", "kind", det.Kind, "confidence", det.Confidence)
		return &TurnResult{EndCall: true, ResolvedBy: ResolvedByDetector, NodeID: node.ID}
	case det.Kind != detect.KindNone:
		// Below the disconnect threshold: log only, keep talking.
		s.logger.Debug("ambiguous machine signal", "kind", det.Kind, "confidence", det.Confidence)
	}

	// Collect nodes store the utterance before any routing decision.
	if node.Kind == graph.KindCollect && node.Variable != "" {
		s.vars[node.Variable] = userText
	}

	// Fast path 1: transition cache.
	switch fastpath.Classify(userText) {
	case fastpath.Affirmative:
		if tr, ok := node.AgreeTransition(); ok {
			return s.advance(ctx, tr.Target, "", ResolvedByCache)
		}
	case fastpath.Negative:
		if tr, ok := node.DeclineTransition(); ok {
			return s.advance(ctx, tr.Target, "", ResolvedByCache)
		}
	}

	// Fast path 2: objection pattern matcher. Answers in place; the graph
	// position is deliberately unchanged.
	if m, ok := fastpath.MatchObjection(userText, s.cfg.Style); ok {
		s.logger.Debug("objection matched", "category", m.Category, "confidence", m.Confidence)
		return &TurnResult{Reply: m.Reply, ResolvedBy: ResolvedByPattern, NodeID: node.ID}
	}

	// Fast path 3: two-stage classification, expensive nodes only.
	if node.Expensive && s.cfg.TwoStage != nil {
		reply, category, ok, err := s.cfg.TwoStage.Resolve(ctx, userText)
		if err != nil {
			s.logger.Warn("two-stage failed, falling back to generator", "error", err)
		} else if ok {
			s.logger.Debug("two-stage resolved", "category", category)
			return &TurnResult{Reply: reply, ResolvedBy: ResolvedByTwoStage, NodeID: node.ID}
		}
	}

	// Full generator.
	return s.generate(ctx, node, userText)
}

func (s *Session) generate(ctx context.Context, node *graph.Node, userText string) *TurnResult {
	gctx, cancel := context.WithTimeout(ctx, s.cfg.GenerateTimeout)
	defer cancel()

	req := GenerateRequest{
		NodeContent: node.Render(s.vars),
		Conditions:  node.ConditionLabels(),
		History:     s.historyMessages(),
	}
	if s.cfg.Knowledge != nil {
		kb, err := s.cfg.Knowledge.Retrieve(gctx, userText)
		if err != nil {
			s.logger.Warn("knowledge retrieval failed", "error", err)
		} else {
			req.Knowledge = kb
		}
	}

	result, err := s.cfg.Generator.Generate(gctx, req)
	if err != nil {
		// Graceful retry, node position unchanged. Counted, not fatal.
		s.genFailures++
		s.logger.Warn("generator failed, using filler", "error", err, "failures", s.genFailures)
		return &TurnResult{Reply: FillerReply, ResolvedBy: ResolvedByFiller, NodeID: node.ID}
	}

	if tr, ok := node.MatchTransition(result.Condition); ok {
		return s.advance(ctx, tr.Target, result.Reply, ResolvedByGenerator)
	}
	// No condition matched: re-ask on the current node rather than guessing.
	reply := result.Reply
	if reply == "" {
		reply = node.Render(s.vars)
	}
	return &TurnResult{Reply: reply, ResolvedBy: ResolvedByGenerator, NodeID: node.ID}
}

// advance moves to target and runs its entry side effects. reply overrides
// the target's rendered content when the generator already produced one.
func (s *Session) advance(ctx context.Context, target, reply, resolvedBy string) *TurnResult {
	node, ok := s.cfg.Graph.Node(target)
	if !ok {
		// Validated graphs cannot reach this; stay put if one does.
		s.logger.Error("transition to unknown node", "target", target)
		return &TurnResult{Reply: FillerReply, ResolvedBy: resolvedBy, NodeID: s.currentNodeID}
	}
	s.currentNodeID = node.ID
	s.nodePath = append(s.nodePath, node.ID)

	if node.Kind == graph.KindFunction {
		if handler, ok := s.cfg.Functions[node.Function]; ok {
			out, err := handler(ctx, s.copyVars())
			if err != nil {
				s.logger.Warn("function node failed", "function", node.Function, "error", err)
			}
			for k, v := range out {
				s.vars[k] = v
			}
		} else {
			s.logger.Warn("function node has no handler", "function", node.Function)
		}
	}

	if reply == "" {
		reply = node.Render(s.vars)
	}
	return &TurnResult{
		Reply:      reply,
		EndCall:    node.Kind == graph.KindEnd,
		ResolvedBy: resolvedBy,
		NodeID:     node.ID,
	}
}

func (s *Session) historyMessages() []types.Message {
	msgs := make([]types.Message, 0, len(s.turns))
	for _, t := range s.turns {
		role := types.RoleUser
		if t.Role == RoleAgent {
			role = types.RoleAssistant
		}
		msgs = append(msgs, types.Message{Role: role, Content: t.Text})
	}
	return msgs
}

func (s *Session) appendTurn(role Role, text, nodeID, resolvedBy string, latency time.Duration) {
	s.appendTurnLatency(role, text, nodeID, resolvedBy, latency)
}

func (s *Session) appendTurnLatency(role Role, text, nodeID, resolvedBy string, latency time.Duration) {
	s.turns = append(s.turns, Turn{
		Index:      len(s.turns),
		Role:       role,
		Text:       text,
		NodeID:     nodeID,
		ResolvedBy: resolvedBy,
		LatencyMS:  latency.Milliseconds(),
	})
}

func (s *Session) copyVars() map[string]string {
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}
