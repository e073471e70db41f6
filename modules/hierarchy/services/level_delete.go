package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/pkg/composables"
)

// LevelDeleteService deletes levels together with their transitive
// descendant levels and all nodes/node-data under them.
type LevelDeleteService struct {
	levels      LevelRepository
	nodes       NodeRepository
	childCounts *ChildCountService
	// Nodes and NodeData are streamed out in chunks of at most this many
	// rows (POSTGRES_ITEMS_LIMIT_IN_QUERY).
	chunkSize int
}

func NewLevelDeleteService(levels LevelRepository, nodes NodeRepository, childCounts *ChildCountService, chunkSize int) *LevelDeleteService {
	if chunkSize < 1 {
		chunkSize = 32000
	}
	return &LevelDeleteService{levels: levels, nodes: nodes, childCounts: childCounts, chunkSize: chunkSize}
}

func (s *LevelDeleteService) Delete(ctx context.Context, levels []domain.Level, cs *domain.ChangeSet) error {
	byHierarchy := map[int64][]domain.Level{}
	for _, l := range levels {
		byHierarchy[l.HierarchyID] = append(byHierarchy[l.HierarchyID], l)
	}

	recomputeParents := map[int64]struct{}{}
	for hierarchyID, group := range byHierarchy {
		sort.Slice(group, func(i, j int) bool { return group[i].Level < group[j].Level })

		all, err := s.levels.ListByHierarchy(ctx, hierarchyID)
		if err != nil {
			return err
		}
		children := map[int64][]domain.Level{}
		for _, l := range all {
			if l.ParentID != nil {
				children[*l.ParentID] = append(children[*l.ParentID], l)
			}
		}

		processed := map[int64]struct{}{}
		for _, l := range group {
			if _, done := processed[l.ID]; done {
				continue
			}
			subtree := collectDescendants(l, children)
			err := composables.InSerializableTx(ctx, func(ctx context.Context) error {
				return s.deleteSubtree(ctx, subtree, cs)
			})
			if err != nil {
				return fmt.Errorf("delete level %d subtree: %w", l.ID, err)
			}
			for _, d := range subtree {
				processed[d.ID] = struct{}{}
			}
			if l.ParentID != nil {
				recomputeParents[*l.ParentID] = struct{}{}
			}
		}
	}

	for parentLevelID := range recomputeParents {
		if err := s.childCounts.RecomputeLevel(ctx, parentLevelID); err != nil {
			return err
		}
	}
	return nil
}

// collectDescendants returns the level and its transitive descendants, BFS
// order, so reversing gives deepest-first.
func collectDescendants(root domain.Level, children map[int64][]domain.Level) []domain.Level {
	out := []domain.Level{root}
	for i := 0; i < len(out); i++ {
		out = append(out, children[out[i].ID]...)
	}
	return out
}

func (s *LevelDeleteService) deleteSubtree(ctx context.Context, subtree []domain.Level, cs *domain.ChangeSet) error {
	// Deepest first so no node ever dangles from a deleted level.
	for i := len(subtree) - 1; i >= 0; i-- {
		l := subtree[i]
		for {
			n, err := s.nodes.DeleteDataByLevel(ctx, l.ID, s.chunkSize)
			if err != nil {
				return err
			}
			if n < int64(s.chunkSize) {
				break
			}
		}
		for {
			ids, err := s.nodes.DeleteByLevel(ctx, l.ID, s.chunkSize)
			if err != nil {
				return err
			}
			for _, id := range ids {
				cs.Add(domain.ClassObj, domain.KindDeleted, domain.Node{ID: id, LevelID: l.ID, HierarchyID: l.HierarchyID})
			}
			if len(ids) < s.chunkSize {
				break
			}
		}
		if err := s.levels.Delete(ctx, []int64{l.ID}); err != nil {
			return err
		}
		cs.Add(domain.ClassLevel, domain.KindDeleted, l)
	}
	return nil
}
