package services

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/pkg/composables"
	"github.com/invory/hierarchies/pkg/eventbus"
)

// BuilderService materializes a hierarchy's tree from its level definitions
// and the streamed inventory. Rebuild is idempotent: it wipes the previous
// tree and rebuilds level by level, each level in one serializable
// transaction.
type BuilderService struct {
	hierarchies HierarchyRepository
	levels      LevelRepository
	nodes       NodeRepository
	inventory   InventoryClient
	childCounts *ChildCountService
	bus         eventbus.EventBus
	log         logrus.FieldLogger
}

func NewBuilderService(
	hierarchies HierarchyRepository,
	levels LevelRepository,
	nodes NodeRepository,
	inventory InventoryClient,
	childCounts *ChildCountService,
	bus eventbus.EventBus,
	log logrus.FieldLogger,
) *BuilderService {
	return &BuilderService{
		hierarchies: hierarchies,
		levels:      levels,
		nodes:       nodes,
		inventory:   inventory,
		childCounts: childCounts,
		bus:         bus,
		log:         log,
	}
}

func (s *BuilderService) Rebuild(ctx context.Context, hierarchyID int64) error {
	h, err := s.hierarchies.Get(ctx, hierarchyID)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("rebuild hierarchy %d: %w", hierarchyID, domain.ErrNotFound)
	}

	if err := s.setStatus(ctx, h, domain.StatusInProcess); err != nil {
		return err
	}
	if err := s.build(ctx, h); err != nil {
		if stErr := s.setStatus(ctx, h, domain.StatusError); stErr != nil {
			s.log.WithError(stErr).WithField("hierarchy_id", h.ID).Error("failed to mark hierarchy as errored")
		}
		return fmt.Errorf("rebuild hierarchy %d: %w", hierarchyID, err)
	}
	return s.setStatus(ctx, h, domain.StatusComplete)
}

func (s *BuilderService) build(ctx context.Context, h *domain.Hierarchy) error {
	levels, err := s.levels.ListByHierarchy(ctx, h.ID)
	if err != nil {
		return err
	}
	byID := make(map[int64]*domain.Level, len(levels))
	for i := range levels {
		byID[levels[i].ID] = &levels[i]
	}
	for _, l := range levels {
		var parent *domain.Level
		if l.ParentID != nil {
			parent = byID[*l.ParentID]
		}
		if err := l.ValidateParent(parent); err != nil {
			return err
		}
	}

	err = composables.InSerializableTx(ctx, func(ctx context.Context) error {
		return s.nodes.DeleteByHierarchy(ctx, h.ID)
	})
	if err != nil {
		return fmt.Errorf("wipe previous tree: %w", err)
	}

	tprms := map[int64]domain.TPRM{}
	names := map[int64]string{}
	var prev *levelIndex
	for i := range levels {
		l := levels[i]
		moLinks, err := s.moLinkAttrs(ctx, l, tprms)
		if err != nil {
			return err
		}
		var parentLevel *domain.Level
		if l.ParentID != nil {
			parentLevel = byID[*l.ParentID]
		}

		cur := newLevelIndex()
		cs := &domain.ChangeSet{HierarchyID: h.ID}
		err = composables.InSerializableTx(ctx, func(txCtx context.Context) error {
			return s.inventory.StreamMOs(ctx, l.ObjectTypeID, l.ParamIDs(), func(page []domain.MO) error {
				for _, mo := range page {
					if err := s.placeMO(txCtx, h, l, parentLevel, mo, moLinks, prev, cur, names, cs); err != nil {
						return err
					}
				}
				return nil
			})
		})
		if err != nil {
			return fmt.Errorf("build level %d (%s): %w", l.ID, l.Name, err)
		}
		s.publish(cs)

		if parentLevel != nil {
			if err := s.childCounts.RecomputeLevel(ctx, parentLevel.ID); err != nil {
				return err
			}
		}
		prev = cur
	}
	return nil
}

// levelIndex caches the nodes created for one level so parent lookups while
// building the next level avoid per-MO queries.
type levelIndex struct {
	byMO     map[int64]*domain.Node
	byObject map[int64]*domain.Node
	virtual  map[string]*domain.Node
}

func newLevelIndex() *levelIndex {
	return &levelIndex{
		byMO:     map[int64]*domain.Node{},
		byObject: map[int64]*domain.Node{},
		virtual:  map[string]*domain.Node{},
	}
}

func coalesceKey(parentID *uuid.UUID, key string) string {
	if parentID == nil {
		return "|" + key
	}
	return parentID.String() + "|" + key
}

func (s *BuilderService) placeMO(
	ctx context.Context,
	h *domain.Hierarchy,
	l domain.Level,
	parentLevel *domain.Level,
	mo domain.MO,
	moLinks map[string]struct{},
	prev *levelIndex,
	cur *levelIndex,
	names map[int64]string,
	cs *domain.ChangeSet,
) error {
	values := mo.AttrValues()
	kd, err := domain.BuildKey(l.KeyAttrs, values, moLinks, s.cachedResolver(ctx, names))
	if err != nil {
		return err
	}
	if kd.IsEmpty && !h.CreateEmptyNodes {
		return nil
	}

	parent, ok, err := s.findParent(ctx, l, parentLevel, mo, prev)
	if err != nil {
		return err
	}
	if !ok {
		s.log.WithFields(logrus.Fields{
			"hierarchy_id": h.ID,
			"level_id":     l.ID,
			"mo_id":        mo.ID,
		}).Warn("builder: parent node not found, skipping MO")
		return nil
	}

	if l.IsVirtual {
		var parentID *uuid.UUID
		if parent != nil {
			parentID = &parent.ID
		}
		node := cur.virtual[coalesceKey(parentID, kd.Key)]
		if node == nil {
			node, err = s.createNode(ctx, h, l, parent, kd.Key, mo, nil, cs)
			if err != nil {
				return err
			}
			cur.virtual[coalesceKey(parentID, kd.Key)] = node
		}
		if err := s.attachData(ctx, node, l, mo, values, cs); err != nil {
			return err
		}
		cur.byMO[mo.ID] = node
		return nil
	}

	node, err := s.createNode(ctx, h, l, parent, kd.Key, mo, &mo.ID, cs)
	if err != nil {
		return err
	}
	if err := s.attachData(ctx, node, l, mo, values, cs); err != nil {
		return err
	}
	cur.byMO[mo.ID] = node
	cur.byObject[mo.ID] = node
	return nil
}

// findParent determines the parent node for an MO at level l. The second
// return is false when the level requires a parent that does not exist.
func (s *BuilderService) findParent(ctx context.Context, l domain.Level, parentLevel *domain.Level, mo domain.MO, prev *levelIndex) (*domain.Node, bool, error) {
	if l.ParentID == nil || parentLevel == nil {
		return nil, true, nil
	}

	if l.AttrAsParent != nil {
		raw := mo.Params[*l.AttrAsParent]
		if raw == nil {
			// Link unset: the MO anchors a subtree at the level root.
			return nil, true, nil
		}
		linkedID, err := strconv.ParseInt(*raw, 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("mo %d: attr_as_parent value %q is not an MO id", mo.ID, *raw)
		}
		return s.parentByMO(ctx, parentLevel, linkedID, prev)
	}

	if parentLevel.ObjectTypeID == l.ObjectTypeID {
		// Virtual aggregation over the same object type: the parent is the
		// node the same MO coalesced into one level up.
		return s.parentByMO(ctx, parentLevel, mo.ID, prev)
	}

	if mo.PID == nil {
		return nil, false, nil
	}
	if !parentLevel.IsVirtual {
		if prev != nil {
			if n, ok := prev.byObject[*mo.PID]; ok {
				return n, true, nil
			}
		}
		n, err := s.nodes.ByObject(ctx, parentLevel.ID, *mo.PID)
		if err != nil {
			return nil, false, err
		}
		return n, n != nil, nil
	}
	return s.parentByMO(ctx, parentLevel, *mo.PID, prev)
}

func (s *BuilderService) parentByMO(ctx context.Context, parentLevel *domain.Level, moID int64, prev *levelIndex) (*domain.Node, bool, error) {
	if prev != nil {
		if n, ok := prev.byMO[moID]; ok {
			return n, true, nil
		}
	}
	n, err := s.nodes.ByLevelAndMO(ctx, parentLevel.ID, moID)
	if err != nil {
		return nil, false, err
	}
	return n, n != nil, nil
}

func (s *BuilderService) createNode(
	ctx context.Context,
	h *domain.Hierarchy,
	l domain.Level,
	parent *domain.Node,
	key string,
	mo domain.MO,
	objectID *int64,
	cs *domain.ChangeSet,
) (*domain.Node, error) {
	var parentID *uuid.UUID
	if parent != nil {
		parentID = &parent.ID
	}
	n := &domain.Node{
		ID:               uuid.New(),
		HierarchyID:      h.ID,
		LevelID:          l.ID,
		Level:            l.Level,
		ObjectTypeID:     l.ObjectTypeID,
		ObjectID:         objectID,
		Key:              key,
		AdditionalParams: paramValue(mo, l.AdditionalParamsID),
		Latitude:         paramFloat(mo, l.LatitudeID),
		Longitude:        paramFloat(mo, l.LongitudeID),
		ParentID:         parentID,
		Path:             domain.ChildPathOf(parent),
		// Virtual nodes are always active; real nodes mirror their MO.
		Active: objectID == nil || mo.Active,
	}
	if err := s.nodes.Insert(ctx, n); err != nil {
		return nil, err
	}
	cs.Add(domain.ClassObj, domain.KindCreated, *n)
	return n, nil
}

func (s *BuilderService) attachData(ctx context.Context, node *domain.Node, l domain.Level, mo domain.MO, values map[string]any, cs *domain.ChangeSet) error {
	unfolded := make(map[string]any, len(l.KeyAttrs))
	for _, attr := range l.KeyAttrs {
		unfolded[attr] = values[attr]
	}
	nd := &domain.NodeData{
		NodeID:      node.ID,
		LevelID:     l.ID,
		MOID:        mo.ID,
		MOName:      mo.Name,
		MOLatitude:  paramFloat(mo, l.LatitudeID),
		MOLongitude: paramFloat(mo, l.LongitudeID),
		MOStatus:    optString(mo.Status),
		MOTmoID:     mo.TmoID,
		MOPID:       mo.PID,
		MOActive:    mo.Active,
		UnfoldedKey: unfolded,
	}
	if err := s.nodes.InsertData(ctx, nd); err != nil {
		return err
	}
	cs.Add(domain.ClassNodeData, domain.KindCreated, *nd)
	return nil
}

// moLinkAttrs returns the level's key attributes whose parameter type is an
// mo_link, fetching TPRM metadata through the cache.
func (s *BuilderService) moLinkAttrs(ctx context.Context, l domain.Level, cache map[int64]domain.TPRM) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	for _, attr := range l.KeyAttrs {
		id, ok := domain.ParseParamAttr(attr)
		if !ok {
			continue
		}
		tprm, ok := cache[id]
		if !ok {
			var err error
			tprm, err = s.inventory.TPRM(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("fetch tprm %d: %w", id, err)
			}
			cache[id] = tprm
		}
		if tprm.Kind == domain.TPRMKindMOLink {
			out[attr] = struct{}{}
		}
	}
	return out, nil
}

func (s *BuilderService) cachedResolver(ctx context.Context, names map[int64]string) domain.MOLinkResolver {
	return func(moID int64) (string, error) {
		if name, ok := names[moID]; ok {
			return name, nil
		}
		name, err := s.inventory.ResolveMOName(ctx, moID)
		if err != nil {
			return "", err
		}
		names[moID] = name
		return name, nil
	}
}

func (s *BuilderService) setStatus(ctx context.Context, h *domain.Hierarchy, status domain.Status) error {
	if h.Status == status {
		return nil
	}
	if err := s.hierarchies.UpdateStatus(ctx, h.ID, status); err != nil {
		return err
	}
	h.Status = status
	cs := domain.ChangeSet{HierarchyID: h.ID}
	cs.Add(domain.ClassHierarchy, domain.KindUpdated, *h)
	s.publish(&cs)
	return nil
}

func (s *BuilderService) publish(cs *domain.ChangeSet) {
	if s.bus != nil && !cs.Empty() {
		s.bus.Publish(*cs)
	}
}

func paramValue(mo domain.MO, paramID *int64) *string {
	if paramID == nil {
		return nil
	}
	return mo.Params[*paramID]
}

func paramFloat(mo domain.MO, paramID *int64) *float64 {
	raw := paramValue(mo, paramID)
	if raw == nil {
		return nil
	}
	f, err := strconv.ParseFloat(*raw, 64)
	if err != nil {
		return nil
	}
	return &f
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
