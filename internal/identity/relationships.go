// ABOUTME: Sub-agent relationship graph: edges, cycle rejection, chain queries
// ABOUTME: Adjacency is stored per agent; traversals are cycle-safe BFS

package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dubhe-im/dubhe/internal/storage"
)

// RegisterSubAgent records childID as a sub-agent of parentID. Both agents
// must exist. The edge is rejected with ErrCycleDetected when childID is
// already an ancestor of parentID at any chain length.
func (r *Registry) RegisterSubAgent(ctx context.Context, parentID, childID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if parentID == childID {
		return fmt.Errorf("%w: %s", ErrSelfRelation, parentID)
	}
	if _, err := r.getAgent(ctx, parentID); err != nil {
		return err
	}
	if _, err := r.getAgent(ctx, childID); err != nil {
		return err
	}

	// Walk the parent's ancestor chain. Finding the child there means the
	// new edge would close a loop.
	seen := map[string]bool{parentID: true}
	cursor := parentID
	for {
		rel, err := r.getRelation(ctx, cursor)
		if err != nil {
			return err
		}
		if rel.ParentID == "" {
			break
		}
		if rel.ParentID == childID {
			return fmt.Errorf("%w: %s is an ancestor of %s", ErrCycleDetected, childID, parentID)
		}
		if seen[rel.ParentID] {
			break // pre-existing loop; do not spin
		}
		seen[rel.ParentID] = true
		cursor = rel.ParentID
	}

	parentRel, err := r.getRelation(ctx, parentID)
	if err != nil {
		return err
	}
	if slices.Contains(parentRel.Children, childID) {
		return fmt.Errorf("%w: %s -> %s", ErrDuplicateSubAgent, parentID, childID)
	}

	childRel, err := r.getRelation(ctx, childID)
	if err != nil {
		return err
	}

	parentRel.Children = append(parentRel.Children, childID)
	slices.Sort(parentRel.Children)
	childRel.ParentID = parentID

	if err := r.putRelation(ctx, parentRel); err != nil {
		return err
	}
	if err := r.putRelation(ctx, childRel); err != nil {
		return err
	}

	r.logger.Info("sub-agent registered", "parent_id", parentID, "child_id", childID)
	return nil
}

// Relationships returns the full relationship view for one agent: current
// owner (empty when unbound), parent, direct children, and the collaboration
// chain (transitive sub-agent closure in BFS order).
func (r *Registry) Relationships(ctx context.Context, agentID string) (*Relationships, error) {
	if _, err := r.getAgent(ctx, agentID); err != nil {
		return nil, err
	}

	rel, err := r.getRelation(ctx, agentID)
	if err != nil {
		return nil, err
	}

	view := Relationships{
		AgentID:  agentID,
		ParentID: rel.ParentID,
		Children: append([]string{}, rel.Children...),
		Chain:    []string{},
	}

	binding, err := r.getBinding(ctx, agentID)
	if err == nil {
		view.OwnerID = binding.OwnerID
	} else if !errors.Is(err, ErrNoBinding) {
		return nil, err
	}

	// BFS over sub-agent edges; visited set guards against stored loops.
	visited := map[string]bool{agentID: true}
	queue := append([]string{}, rel.Children...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true
		view.Chain = append(view.Chain, current)

		next, err := r.getRelation(ctx, current)
		if err != nil {
			return nil, err
		}
		queue = append(queue, next.Children...)
	}

	return &view, nil
}

// ListRelationships returns the relationship view of every agent that has at
// least one sub-agent edge, sorted by agent id. The policy service pulls
// this to rebuild its permission graph.
func (r *Registry) ListRelationships(ctx context.Context) ([]Relationships, error) {
	keys, err := r.backend.Keys(ctx, bucketRelationships, "")
	if err != nil {
		return nil, fmt.Errorf("listing relationships: %w", err)
	}

	views := make([]Relationships, 0, len(keys))
	for _, agentID := range keys {
		view, err := r.Relationships(ctx, agentID)
		if errors.Is(err, ErrUnknownAgent) {
			continue
		}
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	return views, nil
}

// getRelation loads the adjacency record for an agent, defaulting to an
// empty record when none is stored yet.
func (r *Registry) getRelation(ctx context.Context, agentID string) (*relationRecord, error) {
	rec, err := r.backend.Get(ctx, bucketRelationships, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return &relationRecord{AgentID: agentID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading relationship: %w", err)
	}
	var rel relationRecord
	if err := storage.Decode(rec, &rel); err != nil {
		return nil, fmt.Errorf("decoding relationship: %w", err)
	}
	return &rel, nil
}

func (r *Registry) putRelation(ctx context.Context, rel *relationRecord) error {
	rec, err := storage.Encode(rel)
	if err != nil {
		return fmt.Errorf("encoding relationship: %w", err)
	}
	if err := r.backend.Put(ctx, bucketRelationships, rel.AgentID, rec); err != nil {
		return fmt.Errorf("storing relationship: %w", err)
	}
	return nil
}
