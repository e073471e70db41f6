package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
)

type HierarchyRepository interface {
	Get(ctx context.Context, id int64) (*domain.Hierarchy, error)
	List(ctx context.Context) ([]domain.Hierarchy, error)
	UpdateStatus(ctx context.Context, id int64, status domain.Status) error
	Delete(ctx context.Context, id int64) error
}

type LevelRepository interface {
	Get(ctx context.Context, id int64) (*domain.Level, error)
	// ListByHierarchy returns the hierarchy's levels ordered by depth
	// ascending.
	ListByHierarchy(ctx context.Context, hierarchyID int64) ([]domain.Level, error)
	// ListByKeyAttrOverlap returns levels whose key_attrs overlap the given
	// attribute set (array-overlap predicate).
	ListByKeyAttrOverlap(ctx context.Context, hierarchyID int64, attrs []string) ([]domain.Level, error)
	ListByAttrAsParent(ctx context.Context, hierarchyID int64, tprmIDs []int64) ([]domain.Level, error)
	ListChildren(ctx context.Context, levelID int64) ([]domain.Level, error)
	UpdateKeyAttrs(ctx context.Context, id int64, keyAttrs []string) error
	UpdateParent(ctx context.Context, id int64, parentID *int64) error
	// ShiftDepth adds delta to the depth of every level of the hierarchy
	// deeper than the given depth.
	ShiftDepth(ctx context.Context, hierarchyID int64, deeperThan int, delta int) error
	Delete(ctx context.Context, ids []int64) error
}

type NodeRepository interface {
	Insert(ctx context.Context, n *domain.Node) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Node, error)
	// ByObject finds the node of a real level representing the given MO.
	ByObject(ctx context.Context, levelID int64, objectID int64) (*domain.Node, error)
	// ByCoords finds the node at (level_id, parent_id, key); the coalescing
	// coordinates of a virtual level.
	ByCoords(ctx context.Context, levelID int64, parentID *uuid.UUID, key string) (*domain.Node, error)
	// ByLevelAndMO finds the node at the level holding NodeData for the MO.
	ByLevelAndMO(ctx context.Context, levelID int64, moID int64) (*domain.Node, error)
	Children(ctx context.Context, parentID uuid.UUID) ([]domain.Node, error)
	// DescendantsByPath returns every node of the hierarchy whose path starts
	// with the given prefix, i.e. the subtree under the node the prefix was
	// derived from.
	DescendantsByPath(ctx context.Context, hierarchyID int64, pathPrefix string) ([]domain.Node, error)
	// ListByLevel pages nodes of a level by id keyset.
	ListByLevel(ctx context.Context, levelID int64, afterID uuid.UUID, limit int) ([]domain.Node, error)
	UpdateKey(ctx context.Context, id uuid.UUID, key string) error
	UpdateProjection(ctx context.Context, id uuid.UUID, key string, additionalParams *string, latitude, longitude *float64, active bool) error
	UpdateParent(ctx context.Context, id uuid.UUID, parentID *uuid.UUID, path string) error
	// RewritePathPrefix replaces oldPrefix with newPrefix on every node of
	// the hierarchy whose path starts with oldPrefix. Returns rows touched.
	RewritePathPrefix(ctx context.Context, hierarchyID int64, oldPrefix, newPrefix string) (int64, error)
	ShiftDepth(ctx context.Context, hierarchyID int64, deeperThan int, delta int) error
	Delete(ctx context.Context, ids []uuid.UUID) error
	// DeleteByLevel removes up to limit nodes of the level; returns the
	// deleted ids so callers can loop until drained.
	DeleteByLevel(ctx context.Context, levelID int64, limit int) ([]uuid.UUID, error)
	DeleteByHierarchy(ctx context.Context, hierarchyID int64) error
	RecomputeChildCounts(ctx context.Context, parentIDs []uuid.UUID) error
	RecomputeChildCountsForLevel(ctx context.Context, levelID int64) error
	CountByHierarchy(ctx context.Context, hierarchyID int64) (int64, error)
	// DistinctParentsOfLevel returns the distinct parent ids of the level's
	// nodes.
	DistinctParentsOfLevel(ctx context.Context, levelID int64) ([]uuid.UUID, error)

	InsertData(ctx context.Context, nd *domain.NodeData) error
	DataByMO(ctx context.Context, levelID int64, moID int64) (*domain.NodeData, error)
	DataByMOs(ctx context.Context, levelID int64, moIDs []int64) ([]domain.NodeData, error)
	ListDataByLevel(ctx context.Context, levelID int64, afterID int64, limit int) ([]domain.NodeData, error)
	// DeleteDataByMOs removes NodeData rows for the MOs on the given levels
	// and returns the ids of the nodes that lost data.
	DeleteDataByMOs(ctx context.Context, levelIDs []int64, moIDs []int64) ([]uuid.UUID, error)
	DeleteDataByLevel(ctx context.Context, levelID int64, limit int) (int64, error)
	MoveData(ctx context.Context, dataID int64, toNodeID uuid.UUID) error
	UpdateDataUnfoldedKey(ctx context.Context, dataID int64, unfolded map[string]any) error
	UpdateDataMOFields(ctx context.Context, dataID int64, mo domain.MO) error
	// StripDataKeyAttr drops the attribute from unfolded_key of every
	// NodeData row on the level.
	StripDataKeyAttr(ctx context.Context, levelID int64, attr string) error
	CountData(ctx context.Context, nodeID uuid.UUID) (int64, error)
}

type RebuildRepository interface {
	// Enqueue inserts a rebuild order for the hierarchy; a pending order per
	// hierarchy is unique, re-enqueueing is a no-op.
	Enqueue(ctx context.Context, hierarchyID int64) (*domain.RebuildOrder, error)
	// NextPending returns the oldest order with on_rebuild=false, or nil.
	NextPending(ctx context.Context) (*domain.RebuildOrder, error)
	MarkInProgress(ctx context.Context, id int64) error
	ListInProgress(ctx context.Context) ([]domain.RebuildOrder, error)
	Delete(ctx context.Context, id int64) error
}

// InventoryClient is the typed RPC surface of the embedding inventory
// service.
type InventoryClient interface {
	// StreamMOs streams MOs of the object type with the selected parameter
	// values, invoking fn per page.
	StreamMOs(ctx context.Context, tmoID int64, paramIDs []int64, fn func([]domain.MO) error) error
	MOParams(ctx context.Context, moID int64, paramIDs []int64) (map[int64]*string, error)
	TMO(ctx context.Context, id int64) (domain.TMO, error)
	TPRM(ctx context.Context, id int64) (domain.TPRM, error)
	// ResolveMOName resolves an mo_link value to the referenced MO's name.
	ResolveMOName(ctx context.Context, moID int64) (string, error)
	// FindMOs evaluates a free-form filter expression upstream.
	FindMOs(ctx context.Context, filter string) ([]domain.MO, error)
	// MOSeverity returns the severity aggregate of an MO's alarm state.
	MOSeverity(ctx context.Context, moID int64) (map[string]int64, error)
}

// ParentSet accumulates parent node ids whose child_count must be
// recomputed after a structural mutation.
type ParentSet map[uuid.UUID]struct{}

func (s ParentSet) Add(id uuid.UUID) {
	s[id] = struct{}{}
}

func (s ParentSet) AddPtr(id *uuid.UUID) {
	if id != nil {
		s[*id] = struct{}{}
	}
}

func (s ParentSet) IDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}
