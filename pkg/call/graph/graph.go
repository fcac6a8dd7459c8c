// Package graph models the conversation-graph document a call walks through:
// a closed set of node kinds, condition-guarded transitions, and content
// templates that reference variables collected during the call. The document
// is loaded once per call and treated as read-only.
package graph

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the closed set of node kinds.
type Kind string

const (
	// KindResponse speaks rendered content and waits for the caller.
	KindResponse Kind = "response"
	// KindCollect stores the caller's answer into a named variable.
	KindCollect Kind = "collect"
	// KindFunction invokes a registered handler and speaks its result.
	KindFunction Kind = "function"
	// KindEnd speaks rendered content and terminates the call.
	KindEnd Kind = "end"
)

// Transition is a condition-guarded edge to another node. Condition is
// natural-language text the answer generator matches intents against.
type Transition struct {
	Condition string `json:"condition"`
	Target    string `json:"target"`
}

// Node is one entry in the graph. Immutable once a call starts; sessions
// reference nodes by identifier only.
type Node struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Content string `json:"content"`
	// Variable names the slot a collect node fills.
	Variable string `json:"variable,omitempty"`
	// Function names the handler a function node invokes.
	Function string `json:"function,omitempty"`
	// Expensive marks nodes whose turns route through the two-stage
	// classifier before falling back to the full generator.
	Expensive   bool         `json:"expensive,omitempty"`
	Transitions []Transition `json:"transitions,omitempty"`
}

// Graph is a validated conversation graph.
type Graph struct {
	ID    string `json:"id"`
	Entry string `json:"entry"`
	Nodes []Node `json:"nodes"`

	byID map[string]*Node
}

// Load parses and validates a graph document.
func Load(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse graph document: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks structural invariants: a resolvable entry node, unique
// identifiers, resolvable transition targets, and at least one transition on
// every non-end node.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph %q has no nodes", g.ID)
	}
	g.byID = make(map[string]*Node, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("graph %q: node %d has no id", g.ID, i)
		}
		if _, dup := g.byID[n.ID]; dup {
			return fmt.Errorf("graph %q: duplicate node id %q", g.ID, n.ID)
		}
		switch n.Kind {
		case KindResponse, KindCollect, KindFunction, KindEnd:
		default:
			return fmt.Errorf("graph %q: node %q has unknown kind %q", g.ID, n.ID, n.Kind)
		}
		if n.Kind == KindCollect && n.Variable == "" {
			return fmt.Errorf("graph %q: collect node %q has no variable", g.ID, n.ID)
		}
		if n.Kind == KindFunction && n.Function == "" {
			return fmt.Errorf("graph %q: function node %q has no function", g.ID, n.ID)
		}
		g.byID[n.ID] = n
	}
	if g.Entry == "" {
		g.Entry = g.Nodes[0].ID
	}
	if _, ok := g.byID[g.Entry]; !ok {
		return fmt.Errorf("graph %q: entry node %q not found", g.ID, g.Entry)
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Kind != KindEnd && len(n.Transitions) == 0 {
			return fmt.Errorf("graph %q: non-end node %q has no transitions", g.ID, n.ID)
		}
		for _, tr := range n.Transitions {
			if _, ok := g.byID[tr.Target]; !ok {
				return fmt.Errorf("graph %q: node %q transition targets unknown node %q", g.ID, n.ID, tr.Target)
			}
		}
	}
	return nil
}

// Node returns the node with the given identifier.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// EntryNode returns the graph's entry node.
func (g *Graph) EntryNode() *Node {
	return g.byID[g.Entry]
}

// Render substitutes {name} references in the node's content with collected
// variables. Unknown references are left intact rather than erased, so a
// missing variable is audible in review instead of silently dropped.
func (n *Node) Render(vars map[string]string) string {
	if !strings.Contains(n.Content, "{") {
		return n.Content
	}
	out := n.Content
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// AgreeTransition returns the transition whose condition reads as agreement,
// used by the fast-path transition cache. Falls back to the first transition.
func (n *Node) AgreeTransition() (Transition, bool) {
	if len(n.Transitions) == 0 {
		return Transition{}, false
	}
	if tr, ok := n.findCondition("agree", "yes", "affirm", "interest", "positive"); ok {
		return tr, true
	}
	return n.Transitions[0], true
}

// DeclineTransition returns the transition whose condition reads as refusal.
func (n *Node) DeclineTransition() (Transition, bool) {
	return n.findCondition("decline", "no", "refus", "not interested", "negative", "reject")
}

func (n *Node) findCondition(keywords ...string) (Transition, bool) {
	for _, tr := range n.Transitions {
		cond := strings.ToLower(tr.Condition)
		for _, kw := range keywords {
			if strings.Contains(cond, kw) {
				return tr, true
			}
		}
	}
	return Transition{}, false
}

// MatchTransition evaluates the generator's chosen condition against the
// node's transitions. Matching is total by construction: an empty or
// unrecognized choice returns ok=false and the session stays on the current
// node and re-asks, never deadlocks.
func (n *Node) MatchTransition(chosen string) (Transition, bool) {
	chosen = strings.ToLower(strings.TrimSpace(chosen))
	if chosen == "" {
		return Transition{}, false
	}
	for _, tr := range n.Transitions {
		if strings.ToLower(tr.Condition) == chosen {
			return tr, true
		}
	}
	// Tolerate generators that echo a paraphrase instead of the exact label.
	for _, tr := range n.Transitions {
		cond := strings.ToLower(tr.Condition)
		if strings.Contains(cond, chosen) || strings.Contains(chosen, cond) {
			return tr, true
		}
	}
	return Transition{}, false
}

// ConditionLabels returns the node's transition conditions in order, for
// prompting the generator with the closed choice set.
func (n *Node) ConditionLabels() []string {
	labels := make([]string, len(n.Transitions))
	for i, tr := range n.Transitions {
		labels[i] = tr.Condition
	}
	return labels
}
