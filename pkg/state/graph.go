package state

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
)

// TransitionGraph is the set of declared edges between states, fixed when
// the operator is constructed. The engine consults it before following any
// transition; the deleted state is reachable from every state implicitly.
type TransitionGraph struct {
	edges map[string]sets.Set[string]
}

// NewTransitionGraph returns an empty graph.
func NewTransitionGraph() *TransitionGraph {
	return &TransitionGraph{edges: map[string]sets.Set[string]{}}
}

// Permit declares the edge from -> to. Returns the graph for chaining.
func (g *TransitionGraph) Permit(from, to string) *TransitionGraph {
	set, ok := g.edges[from]
	if !ok {
		set = sets.New[string]()
		g.edges[from] = set
	}
	set.Insert(to)
	return g
}

// Allowed reports whether the edge from -> to is declared.
func (g *TransitionGraph) Allowed(from, to string) bool {
	if g == nil {
		return false
	}
	set, ok := g.edges[from]
	return ok && set.Has(to)
}

// TransitionRejectedError reports an attempt to follow an undeclared edge.
type TransitionRejectedError struct {
	From string
	To   string
}

func (e *TransitionRejectedError) Error() string {
	return fmt.Sprintf("transition %s -> %s is not declared", e.From, e.To)
}
