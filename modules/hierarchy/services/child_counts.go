package services

import (
	"context"
	"fmt"

	"github.com/invory/hierarchies/pkg/composables"
)

// ChildCountService recomputes child_count on parent nodes after structural
// mutations. Recomputation is idempotent and safe to rerun on retry.
type ChildCountService struct {
	nodes NodeRepository
	// Parents are recomputed in chunks of at most this many ids
	// (LIMIT_OF_POSTGRES_RESULTS_PER_STEP).
	chunkSize int
}

func NewChildCountService(nodes NodeRepository, chunkSize int) *ChildCountService {
	if chunkSize < 1 {
		chunkSize = 50000
	}
	return &ChildCountService{nodes: nodes, chunkSize: chunkSize}
}

// Recompute sets child_count = count of active direct children for every
// parent in the set, one serializable transaction per chunk.
func (s *ChildCountService) Recompute(ctx context.Context, parents ParentSet) error {
	ids := parents.IDs()
	for start := 0; start < len(ids); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		err := composables.InSerializableTx(ctx, func(ctx context.Context) error {
			return s.nodes.RecomputeChildCounts(ctx, chunk)
		})
		if err != nil {
			return fmt.Errorf("recompute child counts: %w", err)
		}
	}
	return nil
}

// RecomputeLevel recomputes child_count for every node of a level, used
// after whole levels of children appeared or disappeared.
func (s *ChildCountService) RecomputeLevel(ctx context.Context, levelID int64) error {
	err := composables.InSerializableTx(ctx, func(ctx context.Context) error {
		return s.nodes.RecomputeChildCountsForLevel(ctx, levelID)
	})
	if err != nil {
		return fmt.Errorf("recompute child counts for level %d: %w", levelID, err)
	}
	return nil
}
