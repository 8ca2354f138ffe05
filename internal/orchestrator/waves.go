package orchestrator

import (
	"fmt"
	"sort"

	"github.com/flotilla-dev/flotilla/pkg/models"
)

// Wave is a batch of issues safe to dispatch together because none blocks
// another. Waves are computed once from the full graph before dispatch.
type Wave struct {
	// Issues are the wave members, ordered by priority then ID.
	Issues []*models.Issue
}

// IDs returns the member IDs in wave order.
func (w Wave) IDs() []string {
	ids := make([]string, len(w.Issues))
	for i, issue := range w.Issues {
		ids[i] = issue.ID
	}
	return ids
}

// BuildWaves layers the dependency graph into ordered execution waves by
// repeatedly removing issues whose blockers all sit in earlier waves. The
// graph must already have passed cycle detection in Build; a failure to
// place every issue here indicates a bug, not user input.
func BuildWaves(g *DependencyGraph) ([]Wave, error) {
	placed := make(map[string]bool, g.Size())
	var waves []Wave

	remaining := g.Size()
	for remaining > 0 {
		var members []*models.Issue
		for _, id := range sortedIDs(g.nodes) {
			if placed[id] {
				continue
			}
			ready := true
			for _, blockerID := range g.edges[id] {
				if !placed[blockerID] {
					ready = false
					break
				}
			}
			if ready {
				members = append(members, g.nodes[id])
			}
		}

		if len(members) == 0 {
			return nil, fmt.Errorf("wave layering stalled with %d issues unplaced", remaining)
		}

		sortWaveMembers(members)
		for _, issue := range members {
			placed[issue.ID] = true
		}
		remaining -= len(members)
		waves = append(waves, Wave{Issues: members})
	}

	return waves, nil
}

// sortWaveMembers orders issues by priority, then ID, for determinism.
func sortWaveMembers(members []*models.Issue) {
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].Priority != members[j].Priority {
			return members[i].Priority < members[j].Priority
		}
		return members[i].ID < members[j].ID
	})
}

// RefineForContention splits a wave into contention-free sub-waves using
// greedy coloring in priority order: each issue joins the first sub-wave
// with no overlapping member, else starts a new one. The refinement is pure
// and idempotent, and returns the wave unchanged when no hints overlap.
func RefineForContention(wave Wave, hints map[string]FileHints) []Wave {
	if len(wave.Issues) <= 1 {
		return []Wave{wave}
	}

	var subWaves []Wave
	for _, issue := range wave.Issues {
		assigned := false
		for i := range subWaves {
			if !overlapsAny(issue, subWaves[i].Issues, hints) {
				subWaves[i].Issues = append(subWaves[i].Issues, issue)
				assigned = true
				break
			}
		}
		if !assigned {
			subWaves = append(subWaves, Wave{Issues: []*models.Issue{issue}})
		}
	}

	return subWaves
}

// overlapsAny reports whether the issue's hints intersect any member's hints.
func overlapsAny(issue *models.Issue, members []*models.Issue, hints map[string]FileHints) bool {
	mine := hints[issue.ID]
	if mine.Empty() {
		return false
	}
	for _, member := range members {
		if mine.Overlaps(hints[member.ID]) {
			return true
		}
	}
	return false
}
