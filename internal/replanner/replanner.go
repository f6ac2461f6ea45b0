// Package replanner implements the Replanner (C7): given a running
// workflow's current DAG, its completed tasks, and a new requirement, it
// builds a sub-intent, re-runs discovery and pathfinding, rewires the new
// tasks' dependencies against completed work, and re-validates the result
// before handing it back to the Execution Scheduler.
package replanner

import (
	"context"
	"strings"

	"hypermcp/gateway/internal/graph"
	"hypermcp/gateway/internal/pathfinder"
	"hypermcp/gateway/internal/scoring"
)

// defaultTopK bounds how many candidates Active Search and the pathfinder
// consider for the sub-intent, mirroring C5's own default.
const defaultTopK = 5

// Replanner rewires a running workflow's DAG in response to a replan_dag
// command.
type Replanner struct {
	store   *graph.Store
	scoring *scoring.Engine
	topK    int
}

// New constructs a Replanner over store (for edge lookups and cycle
// validation) and scoring (for Active Search over the sub-intent).
func New(store *graph.Store, scoringEngine *scoring.Engine) *Replanner {
	return &Replanner{store: store, scoring: scoringEngine, topK: defaultTopK}
}

// buildSubIntent constructs the Active Search query from the caller's new
// requirement and a summary of the available context, per the spec's
// "newRequirement + summary(availableContext)" rule.
func buildSubIntent(newRequirement string, availableContext []string) string {
	if len(availableContext) == 0 {
		return newRequirement
	}
	return newRequirement + " given available context: " + strings.Join(availableContext, ", ")
}

// Replan builds new tasks for newRequirement, sets their dependsOn to
// completed tasks whose provides edges feed them, and appends them to
// currentDAG. It re-validates every new dependency edge against the
// store's DAG invariant before returning; on failure, the returned error
// names the offending edge and no tasks are appended.
func (r *Replanner) Replan(ctx context.Context, currentDAG pathfinder.DAG, completedTasks []string, newRequirement string, availableContext []string) (pathfinder.DAG, error) {
	subIntent := buildSubIntent(newRequirement, availableContext)

	candidates, err := r.scoring.ActiveSearch(ctx, subIntent, r.topK)
	if err != nil {
		return pathfinder.DAG{}, err
	}
	ranked := make([]pathfinder.RankedCandidate, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, pathfinder.RankedCandidate{ID: c.ID, Score: c.Score})
	}

	sn := r.store.Snapshot()
	built := pathfinder.Build(sn, ranked, r.topK)

	existing := make(map[string]bool, len(currentDAG.Tasks))
	for _, t := range currentDAG.Tasks {
		existing[t.ID] = true
	}

	var newTasks []pathfinder.Task
	for _, t := range built.Tasks {
		if existing[t.ID] {
			continue // already part of the running DAG; the replanner only appends
		}
		for _, completed := range completedTasks {
			if _, ok := sn.EdgeOf(completed, t.ID, graph.EdgeProvides); ok {
				t.DependsOn = appendUnique(t.DependsOn, completed)
			}
		}
		newTasks = append(newTasks, t)
	}

	for _, t := range newTasks {
		for _, dep := range t.DependsOn {
			if err := r.store.ValidateInsertion(dep, t.ID, graph.EdgeDependency); err != nil {
				return pathfinder.DAG{}, err
			}
		}
	}

	merged := pathfinder.DAG{Tasks: append(append([]pathfinder.Task{}, currentDAG.Tasks...), newTasks...)}
	return merged, nil
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
