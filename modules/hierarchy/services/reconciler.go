package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/pkg/composables"
)

// Reconciler ingests decoded upstream change events for one hierarchy and
// applies minimum-scope mutations to its persisted tree. One reconciler is
// active per hierarchy; events are applied strictly in delivery order.
type Reconciler struct {
	hierarchyID int64
	hierarchies HierarchyRepository
	levels      LevelRepository
	nodes       NodeRepository
	inventory   InventoryClient
	childCounts *ChildCountService
	nodeDelete  *NodeDeleteService
	levelDelete *LevelDeleteService
	rebuilds    RebuildRepository
	publish     func(domain.ChangeSet)
	log         logrus.FieldLogger

	tprmCache map[int64]domain.TPRM
}

type ReconcilerDeps struct {
	Hierarchies HierarchyRepository
	Levels      LevelRepository
	Nodes       NodeRepository
	Inventory   InventoryClient
	ChildCounts *ChildCountService
	NodeDelete  *NodeDeleteService
	LevelDelete *LevelDeleteService
	Rebuilds    RebuildRepository
	Publish     func(domain.ChangeSet)
	Log         logrus.FieldLogger
}

func NewReconciler(hierarchyID int64, deps ReconcilerDeps) *Reconciler {
	publish := deps.Publish
	if publish == nil {
		publish = func(domain.ChangeSet) {}
	}
	return &Reconciler{
		hierarchyID: hierarchyID,
		hierarchies: deps.Hierarchies,
		levels:      deps.Levels,
		nodes:       deps.Nodes,
		inventory:   deps.Inventory,
		childCounts: deps.ChildCounts,
		nodeDelete:  deps.NodeDelete,
		levelDelete: deps.LevelDelete,
		rebuilds:    deps.Rebuilds,
		publish:     publish,
		log:         deps.Log.WithField("hierarchy_id", hierarchyID),
		tprmCache:   map[int64]domain.TPRM{},
	}
}

// Apply dispatches one decoded event. Unrecognized class/kind combinations
// are no-ops. Structural inconsistencies mark the hierarchy as errored and
// enqueue a full rebuild instead of failing the event.
func (r *Reconciler) Apply(ctx context.Context, ev domain.InventoryEvent) error {
	cs := &domain.ChangeSet{HierarchyID: r.hierarchyID}

	var err error
	switch {
	case ev.Class == domain.ClassMO && (ev.Kind == domain.KindCreated || ev.Kind == domain.KindUpdated):
		err = r.applyMOUpsert(ctx, ev.MOs, cs)
	case ev.Class == domain.ClassMO && ev.Kind == domain.KindDeleted:
		err = r.applyMODeleted(ctx, ev.MOs, cs)
	case ev.Class == domain.ClassTMO && ev.Kind == domain.KindDeleted:
		err = r.applyTMODeleted(ctx, ev.TMOs, cs)
	case ev.Class == domain.ClassPRM:
		err = r.applyPRM(ctx, ev.PRMs, ev.Kind, cs)
	case ev.Class == domain.ClassTPRM && ev.Kind == domain.KindDeleted:
		err = r.applyTPRMDeleted(ctx, ev.TPRMs, cs)
	default:
		return nil
	}

	if err != nil {
		if errors.Is(err, domain.ErrInconsistent) {
			return r.quarantine(ctx, err)
		}
		return err
	}

	if !cs.Empty() {
		r.publish(*cs)
	}
	return nil
}

// quarantine routes a structurally inconsistent hierarchy to the rebuild
// queue; the event itself is considered handled.
func (r *Reconciler) quarantine(ctx context.Context, cause error) error {
	r.log.WithError(cause).Error("structural inconsistency, queueing full rebuild")
	if err := r.hierarchies.UpdateStatus(ctx, r.hierarchyID, domain.StatusError); err != nil {
		return err
	}
	if _, err := r.rebuilds.Enqueue(ctx, r.hierarchyID); err != nil {
		return err
	}
	h, err := r.hierarchies.Get(ctx, r.hierarchyID)
	if err == nil && h != nil {
		cs := domain.ChangeSet{HierarchyID: r.hierarchyID}
		cs.Add(domain.ClassHierarchy, domain.KindUpdated, *h)
		r.publish(cs)
	}
	return nil
}

// ---- MO created / updated ----

func (r *Reconciler) applyMOUpsert(ctx context.Context, mos []domain.MO, cs *domain.ChangeSet) error {
	h, err := r.hierarchies.Get(ctx, r.hierarchyID)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("hierarchy %d: %w", r.hierarchyID, domain.ErrNotFound)
	}
	levels, err := r.levels.ListByHierarchy(ctx, r.hierarchyID)
	if err != nil {
		return err
	}

	parents := ParentSet{}
	err = composables.InSerializableTx(ctx, func(ctx context.Context) error {
		for _, mo := range mos {
			if err := r.upsertMO(ctx, h, levels, mo, parents, cs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return r.childCounts.Recompute(ctx, parents)
}

func (r *Reconciler) upsertMO(ctx context.Context, h *domain.Hierarchy, levels []domain.Level, mo domain.MO, parents ParentSet, cs *domain.ChangeSet) error {
	byID := make(map[int64]*domain.Level, len(levels))
	for i := range levels {
		byID[levels[i].ID] = &levels[i]
	}

	var matching []domain.Level
	needed := map[int64]struct{}{}
	for _, l := range levels {
		if l.ObjectTypeID != mo.TmoID {
			continue
		}
		matching = append(matching, l)
		for _, id := range l.ParamIDs() {
			needed[id] = struct{}{}
		}
	}
	if len(matching) == 0 {
		return nil
	}
	if mo.Params == nil && len(needed) > 0 {
		ids := make([]int64, 0, len(needed))
		for id := range needed {
			ids = append(ids, id)
		}
		params, err := r.inventory.MOParams(ctx, mo.ID, ids)
		if err != nil {
			return fmt.Errorf("fetch params of mo %d: %w", mo.ID, err)
		}
		mo.Params = params
	}

	var parentNode *domain.Node
	for _, l := range matching {
		moLinks, err := r.moLinkAttrs(ctx, l)
		if err != nil {
			return err
		}
		values := mo.AttrValues()
		kd, err := domain.BuildKey(l.KeyAttrs, values, moLinks, r.resolver(ctx))
		if err != nil {
			return err
		}

		if kd.IsEmpty && !h.CreateEmptyNodes {
			if err := r.removeMOFromLevel(ctx, l, mo.ID, parents, cs); err != nil {
				return err
			}
			parentNode = nil
			continue
		}

		var parentLevel *domain.Level
		if l.ParentID != nil {
			parentLevel = byID[*l.ParentID]
		}
		parent, ok, err := r.findParent(ctx, l, parentLevel, mo, parentNode)
		if err != nil {
			return err
		}
		if !ok {
			r.log.WithFields(logrus.Fields{"level_id": l.ID, "mo_id": mo.ID}).
				Warn("reconciler: parent node not found, skipping MO at level")
			parentNode = nil
			continue
		}

		if l.IsVirtual {
			parentNode, err = r.upsertVirtual(ctx, h, l, parent, mo, values, kd.Key, parents, cs)
		} else {
			parentNode, err = r.upsertReal(ctx, h, l, parent, mo, values, kd.Key, parents, cs)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) upsertVirtual(
	ctx context.Context,
	h *domain.Hierarchy,
	l domain.Level,
	parent *domain.Node,
	mo domain.MO,
	values map[string]any,
	key string,
	parents ParentSet,
	cs *domain.ChangeSet,
) (*domain.Node, error) {
	parentID := nodeID(parent)

	nd, err := r.nodes.DataByMO(ctx, l.ID, mo.ID)
	if err != nil {
		return nil, err
	}
	if nd == nil {
		target, err := r.nodes.ByCoords(ctx, l.ID, parentID, key)
		if err != nil {
			return nil, err
		}
		if target == nil {
			target, err = r.createNode(ctx, h, l, parent, key, mo, nil, cs)
			if err != nil {
				return nil, err
			}
			parents.AddPtr(parentID)
		}
		if err := r.attachData(ctx, target, l, mo, values, cs); err != nil {
			return nil, err
		}
		return target, nil
	}

	cur, err := r.nodes.Get(ctx, nd.NodeID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("node_data %d references missing node %s: %w", nd.ID, nd.NodeID, domain.ErrInconsistent)
	}

	if err := r.refreshData(ctx, nd, l, mo, values, cs); err != nil {
		return nil, err
	}
	if cur.Key == key && sameParent(cur.ParentID, parentID) {
		return cur, nil
	}
	return r.recoalesce(ctx, h, l, cur, nd, parent, key, mo, parents, cs)
}

func (r *Reconciler) upsertReal(
	ctx context.Context,
	h *domain.Hierarchy,
	l domain.Level,
	parent *domain.Node,
	mo domain.MO,
	values map[string]any,
	key string,
	parents ParentSet,
	cs *domain.ChangeSet,
) (*domain.Node, error) {
	n, err := r.nodes.ByObject(ctx, l.ID, mo.ID)
	if err != nil {
		return nil, err
	}
	if n == nil {
		n, err = r.createNode(ctx, h, l, parent, key, mo, &mo.ID, cs)
		if err != nil {
			return nil, err
		}
		parents.AddPtr(nodeID(parent))
		if err := r.attachData(ctx, n, l, mo, values, cs); err != nil {
			return nil, err
		}
		return n, nil
	}

	additional := paramValue(mo, l.AdditionalParamsID)
	lat := paramFloat(mo, l.LatitudeID)
	lon := paramFloat(mo, l.LongitudeID)
	if err := r.nodes.UpdateProjection(ctx, n.ID, key, additional, lat, lon, mo.Active); err != nil {
		return nil, err
	}
	n.Key = key
	n.AdditionalParams = additional
	n.Latitude = lat
	n.Longitude = lon
	if n.Active != mo.Active {
		// Active children define child_count, so a flip changes the
		// parent's count.
		n.Active = mo.Active
		parents.AddPtr(n.ParentID)
	}

	nd, err := r.nodes.DataByMO(ctx, l.ID, mo.ID)
	if err != nil {
		return nil, err
	}
	if nd == nil {
		return nil, fmt.Errorf("real node %s has no node_data: %w", n.ID, domain.ErrInconsistent)
	}
	if err := r.refreshData(ctx, nd, l, mo, values, cs); err != nil {
		return nil, err
	}

	if !sameParent(n.ParentID, nodeID(parent)) {
		if err := r.reparent(ctx, n, parent, parents, cs); err != nil {
			return nil, err
		}
	} else {
		cs.Add(domain.ClassObj, domain.KindUpdated, *n)
	}
	return n, nil
}

// ---- MO deleted ----

func (r *Reconciler) applyMODeleted(ctx context.Context, mos []domain.MO, cs *domain.ChangeSet) error {
	levels, err := r.levels.ListByHierarchy(ctx, r.hierarchyID)
	if err != nil {
		return err
	}
	tmos := map[int64]struct{}{}
	moIDs := make([]int64, 0, len(mos))
	for _, mo := range mos {
		tmos[mo.TmoID] = struct{}{}
		moIDs = append(moIDs, mo.ID)
	}
	var levelIDs []int64
	for _, l := range levels {
		if _, ok := tmos[l.ObjectTypeID]; ok {
			levelIDs = append(levelIDs, l.ID)
		}
	}
	if len(levelIDs) == 0 {
		return nil
	}

	parents := ParentSet{}
	err = composables.InSerializableTx(ctx, func(ctx context.Context) error {
		touched, err := r.nodes.DeleteDataByMOs(ctx, levelIDs, moIDs)
		if err != nil {
			return err
		}
		var doomed []domain.Node
		for _, id := range touched {
			remaining, err := r.nodes.CountData(ctx, id)
			if err != nil {
				return err
			}
			if remaining > 0 {
				continue
			}
			n, err := r.nodes.Get(ctx, id)
			if err != nil {
				return err
			}
			if n != nil {
				doomed = append(doomed, *n)
			}
		}
		return r.nodeDelete.DeleteWithin(ctx, doomed, parents, cs)
	})
	if err != nil {
		return err
	}
	return r.childCounts.Recompute(ctx, parents)
}

// ---- TMO deleted ----

func (r *Reconciler) applyTMODeleted(ctx context.Context, tmos []domain.TMO, cs *domain.ChangeSet) error {
	levels, err := r.levels.ListByHierarchy(ctx, r.hierarchyID)
	if err != nil {
		return err
	}
	ids := map[int64]struct{}{}
	for _, t := range tmos {
		ids[t.ID] = struct{}{}
	}
	var doomed []domain.Level
	for _, l := range levels {
		if _, ok := ids[l.ObjectTypeID]; ok {
			doomed = append(doomed, l)
		}
	}
	if len(doomed) == 0 {
		return nil
	}
	return r.levelDelete.Delete(ctx, doomed, cs)
}

// ---- shared helpers ----

// recoalesce moves a NodeData to the node at the new coordinates
// (level, parent, key), creating, splitting or renaming nodes as needed.
func (r *Reconciler) recoalesce(
	ctx context.Context,
	h *domain.Hierarchy,
	l domain.Level,
	cur *domain.Node,
	nd *domain.NodeData,
	newParent *domain.Node,
	newKey string,
	mo domain.MO,
	parents ParentSet,
	cs *domain.ChangeSet,
) (*domain.Node, error) {
	newParentID := nodeID(newParent)

	target, err := r.nodes.ByCoords(ctx, l.ID, newParentID, newKey)
	if err != nil {
		return nil, err
	}
	if target != nil && target.ID != cur.ID {
		if err := r.moveData(ctx, cur, nd, target, parents, cs); err != nil {
			return nil, err
		}
		return target, nil
	}

	remaining, err := r.nodes.CountData(ctx, cur.ID)
	if err != nil {
		return nil, err
	}
	if remaining > 1 {
		// Other MOs still share the node: split this contribution off into
		// a fresh node at the new coordinates.
		fresh, err := r.createNode(ctx, h, l, newParent, newKey, mo, nil, cs)
		if err != nil {
			return nil, err
		}
		if err := r.moveData(ctx, cur, nd, fresh, parents, cs); err != nil {
			return nil, err
		}
		return fresh, nil
	}

	// Sole contributor: rename and re-parent the node in place.
	parents.AddPtr(cur.ParentID)
	oldChildPath := domain.ChildPath(cur.Path, cur.ID)
	cur.ParentID = newParentID
	cur.Path = domain.ChildPathOf(newParent)
	cur.Key = newKey
	if err := r.nodes.UpdateParent(ctx, cur.ID, cur.ParentID, cur.Path); err != nil {
		return nil, err
	}
	if err := r.nodes.UpdateKey(ctx, cur.ID, cur.Key); err != nil {
		return nil, err
	}
	if _, err := r.nodes.RewritePathPrefix(ctx, r.hierarchyID, oldChildPath, domain.ChildPath(cur.Path, cur.ID)); err != nil {
		return nil, err
	}
	parents.AddPtr(cur.ParentID)
	cs.Add(domain.ClassObj, domain.KindUpdated, *cur)
	return cur, nil
}

// moveData re-homes one NodeData onto target and deletes the source node if
// this was its last contribution.
func (r *Reconciler) moveData(ctx context.Context, from *domain.Node, nd *domain.NodeData, target *domain.Node, parents ParentSet, cs *domain.ChangeSet) error {
	if err := r.nodes.MoveData(ctx, nd.ID, target.ID); err != nil {
		return err
	}
	nd.NodeID = target.ID
	cs.Add(domain.ClassNodeData, domain.KindUpdated, *nd)
	parents.Add(target.ID)
	parents.AddPtr(target.ParentID)
	parents.AddPtr(from.ParentID)

	remaining, err := r.nodes.CountData(ctx, from.ID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return r.nodeDelete.DeleteWithin(ctx, []domain.Node{*from}, parents, cs)
	}
	return nil
}

// reparent updates a node's parent link, recomputes its path and rewrites
// every descendant's path by prefix replacement.
func (r *Reconciler) reparent(ctx context.Context, n *domain.Node, newParent *domain.Node, parents ParentSet, cs *domain.ChangeSet) error {
	parents.AddPtr(n.ParentID)
	oldChildPath := domain.ChildPath(n.Path, n.ID)

	n.ParentID = nodeID(newParent)
	n.Path = domain.ChildPathOf(newParent)
	if err := r.nodes.UpdateParent(ctx, n.ID, n.ParentID, n.Path); err != nil {
		return err
	}
	if _, err := r.nodes.RewritePathPrefix(ctx, r.hierarchyID, oldChildPath, domain.ChildPath(n.Path, n.ID)); err != nil {
		return err
	}
	parents.AddPtr(n.ParentID)
	cs.Add(domain.ClassObj, domain.KindUpdated, *n)
	return nil
}

// removeMOFromLevel drops an MO's contribution at a level, deleting nodes
// left without data.
func (r *Reconciler) removeMOFromLevel(ctx context.Context, l domain.Level, moID int64, parents ParentSet, cs *domain.ChangeSet) error {
	touched, err := r.nodes.DeleteDataByMOs(ctx, []int64{l.ID}, []int64{moID})
	if err != nil {
		return err
	}
	for _, id := range touched {
		remaining, err := r.nodes.CountData(ctx, id)
		if err != nil {
			return err
		}
		if remaining > 0 {
			continue
		}
		n, err := r.nodes.Get(ctx, id)
		if err != nil {
			return err
		}
		if n == nil {
			continue
		}
		if err := r.nodeDelete.DeleteWithin(ctx, []domain.Node{*n}, parents, cs); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) findParent(ctx context.Context, l domain.Level, parentLevel *domain.Level, mo domain.MO, sameMOParent *domain.Node) (*domain.Node, bool, error) {
	if l.ParentID == nil || parentLevel == nil {
		return nil, true, nil
	}

	if l.AttrAsParent != nil {
		raw := mo.Params[*l.AttrAsParent]
		if raw == nil {
			return nil, true, nil
		}
		linkedID, err := parseMOID(*raw)
		if err != nil {
			return nil, false, fmt.Errorf("mo %d: %w", mo.ID, err)
		}
		n, err := r.nodes.ByLevelAndMO(ctx, parentLevel.ID, linkedID)
		if err != nil {
			return nil, false, err
		}
		return n, n != nil, nil
	}

	if parentLevel.ObjectTypeID == l.ObjectTypeID {
		if sameMOParent != nil {
			return sameMOParent, true, nil
		}
		n, err := r.nodes.ByLevelAndMO(ctx, parentLevel.ID, mo.ID)
		if err != nil {
			return nil, false, err
		}
		return n, n != nil, nil
	}

	if mo.PID == nil {
		return nil, false, nil
	}
	if !parentLevel.IsVirtual {
		n, err := r.nodes.ByObject(ctx, parentLevel.ID, *mo.PID)
		if err != nil {
			return nil, false, err
		}
		return n, n != nil, nil
	}
	n, err := r.nodes.ByLevelAndMO(ctx, parentLevel.ID, *mo.PID)
	if err != nil {
		return nil, false, err
	}
	return n, n != nil, nil
}

func (r *Reconciler) createNode(
	ctx context.Context,
	h *domain.Hierarchy,
	l domain.Level,
	parent *domain.Node,
	key string,
	mo domain.MO,
	objectID *int64,
	cs *domain.ChangeSet,
) (*domain.Node, error) {
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
		ParentID:         nodeID(parent),
		Path:             domain.ChildPathOf(parent),
		// Virtual nodes are always active; real nodes mirror their MO.
		Active: objectID == nil || mo.Active,
	}
	if err := r.nodes.Insert(ctx, n); err != nil {
		return nil, err
	}
	cs.Add(domain.ClassObj, domain.KindCreated, *n)
	return n, nil
}

func (r *Reconciler) attachData(ctx context.Context, node *domain.Node, l domain.Level, mo domain.MO, values map[string]any, cs *domain.ChangeSet) error {
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
	if err := r.nodes.InsertData(ctx, nd); err != nil {
		return err
	}
	cs.Add(domain.ClassNodeData, domain.KindCreated, *nd)
	return nil
}

// refreshData re-projects the MO's denormalized fields and unfolded key.
func (r *Reconciler) refreshData(ctx context.Context, nd *domain.NodeData, l domain.Level, mo domain.MO, values map[string]any, cs *domain.ChangeSet) error {
	if err := r.nodes.UpdateDataMOFields(ctx, nd.ID, mo); err != nil {
		return err
	}
	unfolded := make(map[string]any, len(l.KeyAttrs))
	for _, attr := range l.KeyAttrs {
		unfolded[attr] = values[attr]
	}
	nd.UnfoldedKey = unfolded
	nd.MOName = mo.Name
	nd.MOPID = mo.PID
	nd.MOActive = mo.Active
	nd.MOStatus = optString(mo.Status)
	if err := r.nodes.UpdateDataUnfoldedKey(ctx, nd.ID, unfolded); err != nil {
		return err
	}
	cs.Add(domain.ClassNodeData, domain.KindUpdated, *nd)
	return nil
}

func (r *Reconciler) moLinkAttrs(ctx context.Context, l domain.Level) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	for _, attr := range l.KeyAttrs {
		id, ok := domain.ParseParamAttr(attr)
		if !ok {
			continue
		}
		tprm, ok := r.tprmCache[id]
		if !ok {
			var err error
			tprm, err = r.inventory.TPRM(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("fetch tprm %d: %w", id, err)
			}
			r.tprmCache[id] = tprm
		}
		if tprm.Kind == domain.TPRMKindMOLink {
			out[attr] = struct{}{}
		}
	}
	return out, nil
}

func (r *Reconciler) resolver(ctx context.Context) domain.MOLinkResolver {
	return func(moID int64) (string, error) {
		return r.inventory.ResolveMOName(ctx, moID)
	}
}

func nodeID(n *domain.Node) *uuid.UUID {
	if n == nil {
		return nil
	}
	return &n.ID
}

func sameParent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func parseMOID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value %q is not an MO id", raw)
	}
	return id, nil
}
