package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/flotilla-dev/flotilla/pkg/models"
)

// ErrCycleDetected indicates a circular dependency in the issue set.
// Cycles are a fatal configuration error; nothing is dispatched.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed graph of issues. Edges point from an issue
// to the issues it is blocked by.
type DependencyGraph struct {
	// nodes maps issue ID to the issue itself.
	nodes map[string]*models.Issue
	// edges maps issue ID to the IDs of its blockers.
	edges map[string][]string
	// merged tracks which issues have reached the merged terminal state.
	merged map[string]bool
	// mu protects merged; the node and edge sets are immutable after Build.
	mu sync.RWMutex
}

// NewDependencyGraph creates an empty dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes:  make(map[string]*models.Issue),
		edges:  make(map[string][]string),
		merged: make(map[string]bool),
	}
}

// Build constructs the graph from the issue set. It fails on unresolvable
// blockers and on cycles; the cycle error names the members involved.
func (g *DependencyGraph) Build(issues []*models.Issue) error {
	for _, issue := range issues {
		g.nodes[issue.ID] = issue
		g.edges[issue.ID] = nil
	}

	for _, issue := range issues {
		for _, blockerID := range issue.BlockedBy {
			if _, exists := g.nodes[blockerID]; !exists {
				return fmt.Errorf("issue %s is blocked by unknown issue %s", issue.ID, blockerID)
			}
			g.edges[issue.ID] = append(g.edges[issue.ID], blockerID)
		}
	}

	if cycle := g.findCycle(); len(cycle) > 0 {
		return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(cycle, " -> "))
	}
	return nil
}

// findCycle runs a colored depth-first search and returns the members of the
// first cycle found, or nil when the graph is acyclic.
func (g *DependencyGraph) findCycle() []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		stack = append(stack, id)

		for _, blockerID := range g.edges[id] {
			switch colors[blockerID] {
			case gray:
				// Back edge: slice the DFS stack from the repeated member.
				for i, member := range stack {
					if member == blockerID {
						cycle = append(append([]string{}, stack[i:]...), blockerID)
						return true
					}
				}
			case white:
				if visit(blockerID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
		return false
	}

	for _, id := range sortedIDs(g.nodes) {
		if colors[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// Blockers returns the IDs of issues that block the given issue.
func (g *DependencyGraph) Blockers(issueID string) []string {
	return g.edges[issueID]
}

// Dependents returns the IDs of issues blocked by the given issue,
// directly or transitively.
func (g *DependencyGraph) Dependents(issueID string) []string {
	var result []string
	seen := map[string]bool{issueID: true}

	frontier := []string{issueID}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, id := range sortedIDs(g.nodes) {
			if seen[id] {
				continue
			}
			for _, blockerID := range g.edges[id] {
				if blockerID == next {
					seen[id] = true
					result = append(result, id)
					frontier = append(frontier, id)
					break
				}
			}
		}
	}
	return result
}

// MarkMerged records that an issue reached the merged terminal state.
func (g *DependencyGraph) MarkMerged(issueID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.merged[issueID] = true
}

// IsMerged returns true if the issue has been marked merged.
func (g *DependencyGraph) IsMerged(issueID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.merged[issueID]
}

// Issue returns the issue for a given ID, or nil.
func (g *DependencyGraph) Issue(issueID string) *models.Issue {
	return g.nodes[issueID]
}

// Size returns the number of issues in the graph.
func (g *DependencyGraph) Size() int {
	return len(g.nodes)
}

// sortedIDs returns map keys in sorted order for deterministic traversal.
func sortedIDs(m map[string]*models.Issue) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
