package services

import (
	"context"
	"fmt"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/pkg/composables"
)

// HierarchyDeleteService removes a hierarchy row; the storage schema
// cascades levels, nodes and node-data.
type HierarchyDeleteService struct {
	hierarchies HierarchyRepository
}

func NewHierarchyDeleteService(hierarchies HierarchyRepository) *HierarchyDeleteService {
	return &HierarchyDeleteService{hierarchies: hierarchies}
}

func (s *HierarchyDeleteService) Delete(ctx context.Context, hierarchyID int64, cs *domain.ChangeSet) error {
	h, err := s.hierarchies.Get(ctx, hierarchyID)
	if err != nil {
		return err
	}
	if h == nil {
		return nil
	}
	err = composables.InSerializableTx(ctx, func(ctx context.Context) error {
		return s.hierarchies.Delete(ctx, hierarchyID)
	})
	if err != nil {
		return fmt.Errorf("delete hierarchy %d: %w", hierarchyID, err)
	}
	cs.Add(domain.ClassHierarchy, domain.KindDeleted, *h)
	return nil
}
