package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/pkg/composables"
)

// NodeDeleteService deletes nodes together with the subtrees hanging off
// them and schedules child-count recomputation on the vacated parents.
// Descendants are collected by path prefix before the delete so every
// removed node is announced downstream; the schema's FK cascade is only a
// backstop.
type NodeDeleteService struct {
	nodes       NodeRepository
	childCounts *ChildCountService
}

func NewNodeDeleteService(nodes NodeRepository, childCounts *ChildCountService) *NodeDeleteService {
	return &NodeDeleteService{nodes: nodes, childCounts: childCounts}
}

// Delete removes the nodes in one serializable transaction and recomputes
// the vacated parents' child counts.
func (s *NodeDeleteService) Delete(ctx context.Context, nodes []domain.Node, cs *domain.ChangeSet) error {
	if len(nodes) == 0 {
		return nil
	}
	parents := ParentSet{}
	err := composables.InSerializableTx(ctx, func(ctx context.Context) error {
		return s.DeleteWithin(ctx, nodes, parents, cs)
	})
	if err != nil {
		return fmt.Errorf("delete %d nodes: %w", len(nodes), err)
	}
	return s.childCounts.Recompute(ctx, parents)
}

// DeleteWithin deletes the nodes inside the caller's transaction and records
// the vacated parents. The caller recomputes child counts after commit.
func (s *NodeDeleteService) DeleteWithin(ctx context.Context, nodes []domain.Node, parents ParentSet, cs *domain.ChangeSet) error {
	if len(nodes) == 0 {
		return nil
	}
	seen := make(map[uuid.UUID]struct{}, len(nodes))
	doomed := make([]domain.Node, 0, len(nodes))
	add := func(n domain.Node) {
		if _, dup := seen[n.ID]; dup {
			return
		}
		seen[n.ID] = struct{}{}
		doomed = append(doomed, n)
	}
	for _, n := range nodes {
		add(n)
	}
	// Deleting a node takes its subtree with it; collect the descendants so
	// their removal is announced and their parents recounted too.
	for _, n := range nodes {
		descs, err := s.nodes.DescendantsByPath(ctx, n.HierarchyID, domain.ChildPath(n.Path, n.ID))
		if err != nil {
			return err
		}
		for _, d := range descs {
			add(d)
		}
	}

	ids := make([]uuid.UUID, 0, len(doomed))
	for _, n := range doomed {
		ids = append(ids, n.ID)
		parents.AddPtr(n.ParentID)
	}
	if err := s.nodes.Delete(ctx, ids); err != nil {
		return err
	}
	for _, n := range doomed {
		cs.Add(domain.ClassObj, domain.KindDeleted, n)
	}
	// A deleted parent must not be recomputed.
	for _, id := range ids {
		delete(parents, id)
	}
	return nil
}
