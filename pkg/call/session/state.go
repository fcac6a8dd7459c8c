package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/callwise/callwise/pkg/call/detect"
)

// Check-in messages rotate through this list as silence persists.
var checkinMessages = []string{
	"Are you still there?",
	"Hello? Can you hear me okay?",
	"I'm still here whenever you're ready.",
}

// SetAgentSpeaking flips the agent-speaking flag.
func (s *Session) SetAgentSpeaking(v bool) {
	s.mu.Lock()
	s.agentSpeaking = v
	s.mu.Unlock()
}

// SetUserSpeaking flips the user-speaking flag.
func (s *Session) SetUserSpeaking(v bool) {
	s.mu.Lock()
	s.userSpeaking = v
	s.mu.Unlock()
}

// Speaking returns the agent and user speaking flags.
func (s *Session) Speaking() (agent, user bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentSpeaking, s.userSpeaking
}

// StartTime returns when the session was created.
func (s *Session) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// Terminated reports whether the call has ended.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Terminate marks the session ended.
func (s *Session) Terminate() {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()
}

// CheckinCount returns how many check-ins have been sent.
func (s *Session) CheckinCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkinCount
}

// NextCheckin returns the next check-in utterance, advances the cursor and
// counter, and appends the utterance to history.
func (s *Session) NextCheckin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := checkinMessages[s.checkinCursor%len(checkinMessages)]
	s.checkinCursor++
	s.checkinCount++
	s.appendTurn(RoleAgent, msg, s.currentNodeID, ResolvedByCheckin, 0)
	return msg
}

// CurrentNodeID returns the session's graph position.
func (s *Session) CurrentNodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentNodeID
}

// History returns a copy of the turn history.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Variables returns a copy of the collected variables.
func (s *Session) Variables() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyVars()
}

// LastAgentText returns the most recent agent utterance, for the bridge's
// echo filter.
func (s *Session) LastAgentText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Role == RoleAgent {
			return s.turns[i].Text
		}
	}
	return ""
}

// Snapshot is the serialized form of a session, written on call end and
// reloadable for inspection or resumption.
type Snapshot struct {
	CallID        string            `json:"call_id"`
	AccountID     string            `json:"account_id"`
	GraphID       string            `json:"graph_id"`
	CurrentNodeID string            `json:"current_node_id"`
	Turns         []Turn            `json:"turns"`
	Variables     map[string]string `json:"variables"`
	NodePath      []string          `json:"node_path"`
	StartTime     time.Time         `json:"start_time"`
	CheckinCount  int               `json:"checkin_count"`
	Terminated    bool              `json:"terminated"`
	DTMFSent      bool              `json:"dtmf_sent,omitempty"`
	LastTurnIndex int               `json:"last_turn_index"`
}

// Snapshot serializes the session's durable state.
func (s *Session) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		CallID:        s.cfg.CallID,
		AccountID:     s.cfg.AccountID,
		GraphID:       s.cfg.Graph.ID,
		CurrentNodeID: s.currentNodeID,
		Turns:         s.turns,
		Variables:     s.copyVars(),
		NodePath:      s.nodePath,
		StartTime:     s.startTime,
		CheckinCount:  s.checkinCount,
		Terminated:    s.terminated,
		DTMFSent:      s.dtmfSent,
		LastTurnIndex: s.lastTurnIndex,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("snapshot session %q: %w", s.cfg.CallID, err)
	}
	return data, nil
}

// Restore rebuilds a session from a snapshot. cfg supplies the live
// collaborators (graph, generator); the snapshot supplies state.
func Restore(cfg Config, data []byte) (*Session, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("restore session: %w", err)
	}
	if cfg.Graph != nil && cfg.Graph.ID != snap.GraphID {
		return nil, fmt.Errorf("restore session %q: graph %q does not match snapshot graph %q",
			snap.CallID, cfg.Graph.ID, snap.GraphID)
	}
	cfg.CallID = snap.CallID
	cfg.AccountID = snap.AccountID
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.currentNodeID = snap.CurrentNodeID
	s.turns = snap.Turns
	s.nodePath = snap.NodePath
	s.startTime = snap.StartTime
	s.checkinCount = snap.CheckinCount
	s.terminated = snap.Terminated
	s.dtmfSent = snap.DTMFSent
	s.lastTurnIndex = snap.LastTurnIndex
	for k, v := range snap.Variables {
		s.vars[k] = v
	}
	s.mu.Unlock()
	return s, nil
}

// Record is the transcript record written when a call completes.
type Record struct {
	CallID     string            `json:"call_id"`
	AccountID  string            `json:"account_id"`
	GraphID    string            `json:"graph_id"`
	NodePath   []string          `json:"node_path"`
	Turns      []Turn            `json:"turns"`
	Variables  map[string]string `json:"variables"`
	Detection  detect.Kind       `json:"detection,omitempty"`
	Confidence float64           `json:"detection_confidence,omitempty"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time"`
}

// Record builds the completed-call transcript record.
func (s *Session) Record() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Record{
		CallID:     s.cfg.CallID,
		AccountID:  s.cfg.AccountID,
		GraphID:    s.cfg.Graph.ID,
		NodePath:   append([]string(nil), s.nodePath...),
		Turns:      append([]Turn(nil), s.turns...),
		Variables:  s.copyVars(),
		Detection:  s.detection.Kind,
		Confidence: s.detection.Confidence,
		StartTime:  s.startTime,
		EndTime:    time.Now(),
	}
}
