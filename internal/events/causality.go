package events

import (
	"errors"
	"sync"
)

// CausalGraph indexes envelopes by causation so a chain of reactions can be
// walked in either direction.
type CausalGraph struct {
	mu       sync.RWMutex
	order    []string
	nodes    map[string]Envelope
	children map[string][]string
}

func NewCausalGraph() *CausalGraph {
	return &CausalGraph{
		nodes:    make(map[string]Envelope),
		children: make(map[string][]string),
	}
}

func (g *CausalGraph) Add(env Envelope) error {
	if env.EventID == "" {
		return errors.New("envelope without event id cannot join a causal graph")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, seen := g.nodes[env.EventID]; seen {
		return nil
	}
	g.nodes[env.EventID] = env
	g.order = append(g.order, env.EventID)
	if env.CausationID != "" {
		g.children[env.CausationID] = append(g.children[env.CausationID], env.EventID)
	}
	return nil
}

func (g *CausalGraph) Get(eventID string) (Envelope, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	env, ok := g.nodes[eventID]
	return env, ok
}

// Children returns the direct consequences of eventID in insertion order.
func (g *CausalGraph) Children(eventID string) []Envelope {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := g.children[eventID]
	out := make([]Envelope, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id])
	}
	return out
}

// Ancestors walks causation links from eventID towards the root, nearest
// first. Missing links end the walk.
func (g *CausalGraph) Ancestors(eventID string) []Envelope {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Envelope
	visited := map[string]bool{eventID: true}
	cur, ok := g.nodes[eventID]
	for ok && cur.CausationID != "" && !visited[cur.CausationID] {
		visited[cur.CausationID] = true
		cur, ok = g.nodes[cur.CausationID]
		if ok {
			out = append(out, cur)
		}
	}
	return out
}

// Roots returns envelopes whose cause is absent from the graph.
func (g *CausalGraph) Roots() []Envelope {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Envelope
	for _, id := range g.order {
		env := g.nodes[id]
		if _, parentKnown := g.nodes[env.CausationID]; env.CausationID == "" || !parentKnown {
			out = append(out, env)
		}
	}
	return out
}

// Correlated returns every envelope sharing correlationID in insertion order.
func (g *CausalGraph) Correlated(correlationID string) []Envelope {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Envelope
	for _, id := range g.order {
		if env := g.nodes[id]; env.CorrelationID == correlationID {
			out = append(out, env)
		}
	}
	return out
}

func (g *CausalGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
