// Package depgraph expands a project's bill-of-materials graph: for a set of
// target components it computes the induced subgraph of every path from the
// project root to each target. The graph is a rooted DAG; shared subtrees are
// visited once and their reachability is memoized, so expansion stays linear
// in the number of edges even when many paths revisit the same node.
package depgraph

import (
	"context"

	"github.com/google/uuid"

	"github.com/deptrail/deptrail/pkg/errors"
	"github.com/deptrail/deptrail/pkg/model"
)

// EdgeSource supplies the stored graph for a project.
type EdgeSource interface {
	// Project returns the project record, or a not-found error.
	Project(ctx context.Context, projectUUID uuid.UUID) (*model.Project, error)

	// DependencyEdges returns every edge of the project's BOM snapshot.
	DependencyEdges(ctx context.Context, projectUUID uuid.UUID) ([]model.DependencyEdge, error)
}

// Subgraph is the induced subgraph connecting the project root to one target:
// every node and edge lying on some path from the root to the target.
type Subgraph struct {
	// Root is the project UUID anchoring the graph.
	Root uuid.UUID `json:"root"`

	// Target is the component the subgraph leads to.
	Target uuid.UUID `json:"target"`

	// Nodes lists every node on a root→target path, including root and target.
	Nodes []uuid.UUID `json:"nodes"`

	// Edges lists every edge on a root→target path. Multiple parents of a
	// shared dependency are all present, not collapsed.
	Edges []model.DependencyEdge `json:"edges"`
}

// TargetResult is the per-target outcome of an expansion. Exactly one of
// Subgraph and Err is set; Err distinguishes "this target is not in the
// project's graph" from a whole-request failure.
type TargetResult struct {
	Subgraph *Subgraph
	Err      error
}

// Expander computes dependency subgraphs on demand.
type Expander struct {
	src EdgeSource
}

// NewExpander creates an expander over the given edge source.
func NewExpander(src EdgeSource) *Expander {
	return &Expander{src: src}
}

// Expand returns, for each requested target, the subgraph of all paths from
// the project root to that target. A target that is not reachable in the
// project's graph gets a per-target not-found result; an unknown project is a
// whole-request error.
func (e *Expander) Expand(ctx context.Context, projectUUID uuid.UUID, targets []uuid.UUID) (map[uuid.UUID]TargetResult, error) {
	const op = "depgraph.Expand"

	if err := ValidateTargetCount(targets); err != nil {
		return nil, err
	}

	project, err := e.src.Project(ctx, projectUUID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if project == nil {
		return nil, errors.E(errors.KindNotFound, op, "project not found")
	}

	edges, err := e.src.DependencyEdges(ctx, projectUUID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	children := make(map[uuid.UUID][]model.DependencyEdge)
	for _, edge := range edges {
		children[edge.ParentUUID] = append(children[edge.ParentUUID], edge)
	}

	targetIndex := make(map[uuid.UUID]int, len(targets))
	for i, t := range targets {
		targetIndex[t] = i
	}

	// reach[node] is the bitset of targets reachable from node, computed once
	// per node and reused for every path that revisits it.
	reach := make(map[uuid.UUID]targetSet)
	e.reachable(projectUUID, children, targetIndex, reach)

	results := make(map[uuid.UUID]TargetResult, len(targets))
	for i, target := range targets {
		if !reach[projectUUID].has(i) {
			results[target] = TargetResult{
				Err: errors.E(errors.KindNotFound, "depgraph.Expand", "component not found in this project"),
			}
			continue
		}
		results[target] = TargetResult{Subgraph: e.induced(projectUUID, target, i, children, reach)}
	}

	return results, nil
}

// targetSet is a small bitset over the requested target indices.
type targetSet uint64

func (s targetSet) has(i int) bool { return s&(1<<uint(i)) != 0 }

func (s targetSet) with(i int) targetSet { return s | (1 << uint(i)) }

// maxTargets bounds one expansion request to the bitset width.
const maxTargets = 64

// reachable computes reach[node] for node and everything below it.
// The graph is acyclic by construction (the BOM importer never writes a back
// edge), so plain post-order memoization terminates.
func (e *Expander) reachable(node uuid.UUID, children map[uuid.UUID][]model.DependencyEdge, targetIndex map[uuid.UUID]int, reach map[uuid.UUID]targetSet) targetSet {
	if set, done := reach[node]; done {
		return set
	}

	var set targetSet
	if i, ok := targetIndex[node]; ok {
		set = set.with(i)
	}
	// Mark before descending so a malformed cyclic snapshot cannot hang the
	// traversal; the final value overwrites it below.
	reach[node] = set

	for _, edge := range children[node] {
		set |= e.reachable(edge.ChildUUID, children, targetIndex, reach)
	}

	reach[node] = set
	return set
}

// induced collects the nodes and edges lying on any root→target path: an edge
// parent→child is included exactly when the target is reachable from child
// (or child is the target) and the parent lies on a path from the root.
func (e *Expander) induced(root, target uuid.UUID, targetIdx int, children map[uuid.UUID][]model.DependencyEdge, reach map[uuid.UUID]targetSet) *Subgraph {
	sub := &Subgraph{Root: root, Target: target}

	seen := make(map[uuid.UUID]bool)
	queue := []uuid.UUID{root}
	seen[root] = true

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sub.Nodes = append(sub.Nodes, node)

		if node == target {
			continue
		}
		for _, edge := range children[node] {
			if !reach[edge.ChildUUID].has(targetIdx) && edge.ChildUUID != target {
				continue
			}
			sub.Edges = append(sub.Edges, edge)
			if !seen[edge.ChildUUID] {
				seen[edge.ChildUUID] = true
				queue = append(queue, edge.ChildUUID)
			}
		}
	}

	return sub
}

// ValidateTargetCount rejects requests larger than one expansion can carry.
func ValidateTargetCount(targets []uuid.UUID) error {
	if len(targets) == 0 {
		return errors.E(errors.KindValidation, "depgraph.Expand", "at least one target component is required")
	}
	if len(targets) > maxTargets {
		return errors.E(errors.KindValidation, "depgraph.Expand", "too many target components in one request")
	}
	return nil
}
