package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/pkg/composables"
)

// applyPRM folds parameter value changes into the unfolded keys of the
// affected NodeData rows and re-coalesces nodes whose composite key changed.
// Only the topmost level per object type that keys on a changed parameter is
// touched directly; deeper levels re-derive through the coalescing walk.
func (r *Reconciler) applyPRM(ctx context.Context, prms []domain.PRM, kind domain.Kind, cs *domain.ChangeSet) error {
	if len(prms) == 0 {
		return nil
	}

	attrSet := map[string]struct{}{}
	// Latest value per (mo, tprm); the payload is ordered, last write wins.
	values := map[int64]map[string]*string{}
	for _, p := range prms {
		attr := strconv.FormatInt(p.TprmID, 10)
		attrSet[attr] = struct{}{}
		v := p.Value
		if kind == domain.KindDeleted {
			v = nil
		}
		if values[p.MOID] == nil {
			values[p.MOID] = map[string]*string{}
		}
		values[p.MOID][attr] = v
	}
	attrs := make([]string, 0, len(attrSet))
	for a := range attrSet {
		attrs = append(attrs, a)
	}
	sort.Strings(attrs)

	levels, err := r.levels.ListByKeyAttrOverlap(ctx, r.hierarchyID, attrs)
	if err != nil {
		return err
	}
	targets := topmostPerObjectType(levels)
	if len(targets) == 0 {
		return nil
	}

	h, err := r.hierarchies.Get(ctx, r.hierarchyID)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("hierarchy %d: %w", r.hierarchyID, domain.ErrNotFound)
	}

	moIDs := make([]int64, 0, len(values))
	for id := range values {
		moIDs = append(moIDs, id)
	}

	parents := ParentSet{}
	for _, l := range targets {
		moLinks, err := r.moLinkAttrs(ctx, l)
		if err != nil {
			return err
		}
		err = composables.InSerializableTx(ctx, func(ctx context.Context) error {
			rows, err := r.nodes.DataByMOs(ctx, l.ID, moIDs)
			if err != nil {
				return err
			}
			for i := range rows {
				if err := r.rekeyData(ctx, h, l, &rows[i], values[rows[i].MOID], moLinks, parents, cs); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("apply prm change on level %d: %w", l.ID, err)
		}
	}
	return r.childCounts.Recompute(ctx, parents)
}

// rekeyData applies new values to one NodeData's unfolded key and moves it
// if the composite key changed.
func (r *Reconciler) rekeyData(
	ctx context.Context,
	h *domain.Hierarchy,
	l domain.Level,
	nd *domain.NodeData,
	changed map[string]*string,
	moLinks map[string]struct{},
	parents ParentSet,
	cs *domain.ChangeSet,
) error {
	touched := false
	for _, attr := range l.KeyAttrs {
		v, ok := changed[attr]
		if !ok {
			continue
		}
		if v == nil || *v == "None" {
			nd.UnfoldedKey[attr] = nil
		} else {
			nd.UnfoldedKey[attr] = *v
		}
		touched = true
	}
	if !touched {
		return nil
	}
	if err := r.nodes.UpdateDataUnfoldedKey(ctx, nd.ID, nd.UnfoldedKey); err != nil {
		return err
	}
	cs.Add(domain.ClassNodeData, domain.KindUpdated, *nd)
	return r.resettle(ctx, h, l, nd, moLinks, parents, cs)
}

// resettle recomputes the composite key of one NodeData from its unfolded
// key and re-coalesces the owning node when the key no longer matches.
func (r *Reconciler) resettle(
	ctx context.Context,
	h *domain.Hierarchy,
	l domain.Level,
	nd *domain.NodeData,
	moLinks map[string]struct{},
	parents ParentSet,
	cs *domain.ChangeSet,
) error {
	kd, err := domain.BuildKey(l.KeyAttrs, nd.UnfoldedKey, moLinks, r.resolver(ctx))
	if err != nil {
		return err
	}

	cur, err := r.nodes.Get(ctx, nd.NodeID)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("node_data %d references missing node %s: %w", nd.ID, nd.NodeID, domain.ErrInconsistent)
	}

	if kd.IsEmpty && !h.CreateEmptyNodes {
		return r.dropData(ctx, l, nd, cur, parents, cs)
	}
	if cur.Key == kd.Key {
		return nil
	}

	var parent *domain.Node
	if cur.ParentID != nil {
		parent, err = r.nodes.Get(ctx, *cur.ParentID)
		if err != nil {
			return err
		}
	}
	mo := moFromData(l, nd)
	_, err = r.recoalesce(ctx, h, l, cur, nd, parent, kd.Key, mo, parents, cs)
	return err
}

// dropData deletes one NodeData row and its node if that was the last
// contribution.
func (r *Reconciler) dropData(ctx context.Context, l domain.Level, nd *domain.NodeData, cur *domain.Node, parents ParentSet, cs *domain.ChangeSet) error {
	if _, err := r.nodes.DeleteDataByMOs(ctx, []int64{l.ID}, []int64{nd.MOID}); err != nil {
		return err
	}
	cs.Add(domain.ClassNodeData, domain.KindDeleted, *nd)
	remaining, err := r.nodes.CountData(ctx, cur.ID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	return r.nodeDelete.DeleteWithin(ctx, []domain.Node{*cur}, parents, cs)
}

// applyTPRMDeleted removes levels whose parent link derives from a deleted
// parameter type and prunes deleted parameter ids out of key specs.
func (r *Reconciler) applyTPRMDeleted(ctx context.Context, tprms []domain.TPRM, cs *domain.ChangeSet) error {
	if len(tprms) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(tprms))
	deletedAttrs := map[string]struct{}{}
	attrs := make([]string, 0, len(tprms))
	for _, t := range tprms {
		ids = append(ids, t.ID)
		attr := strconv.FormatInt(t.ID, 10)
		if _, dup := deletedAttrs[attr]; dup {
			continue
		}
		deletedAttrs[attr] = struct{}{}
		attrs = append(attrs, attr)
		delete(r.tprmCache, t.ID)
	}

	h, err := r.hierarchies.Get(ctx, r.hierarchyID)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("hierarchy %d: %w", r.hierarchyID, domain.ErrNotFound)
	}

	linked, err := r.levels.ListByAttrAsParent(ctx, r.hierarchyID, ids)
	if err != nil {
		return err
	}
	for _, l := range linked {
		if err := r.unlinkLevel(ctx, l, cs); err != nil {
			return fmt.Errorf("remove attr_as_parent level %d: %w", l.ID, err)
		}
	}

	keyed, err := r.levels.ListByKeyAttrOverlap(ctx, r.hierarchyID, attrs)
	if err != nil {
		return err
	}
	for _, l := range keyed {
		if err := r.pruneLevelKey(ctx, h, l, deletedAttrs, cs); err != nil {
			return fmt.Errorf("prune key_attrs of level %d: %w", l.ID, err)
		}
	}
	return nil
}

// unlinkLevel dissolves one attr_as_parent level: its children are re-homed
// to the level's own parent nodes, then the level and its nodes go away and
// deeper levels shift up one depth.
func (r *Reconciler) unlinkLevel(ctx context.Context, l domain.Level, cs *domain.ChangeSet) error {
	parents := ParentSet{}
	err := composables.InSerializableTx(ctx, func(ctx context.Context) error {
		for {
			n, err := r.nodes.DeleteDataByLevel(ctx, l.ID, r.levelDelete.chunkSize)
			if err != nil {
				return err
			}
			if n < int64(r.levelDelete.chunkSize) {
				break
			}
		}

		after := uuid.Nil
		for {
			page, err := r.nodes.ListByLevel(ctx, l.ID, after, r.levelDelete.chunkSize)
			if err != nil {
				return err
			}
			for i := range page {
				if err := r.rehomeChildren(ctx, &page[i], parents, cs); err != nil {
					return err
				}
			}
			if len(page) < r.levelDelete.chunkSize {
				break
			}
			after = page[len(page)-1].ID
		}

		for {
			ids, err := r.nodes.DeleteByLevel(ctx, l.ID, r.levelDelete.chunkSize)
			if err != nil {
				return err
			}
			for _, id := range ids {
				cs.Add(domain.ClassObj, domain.KindDeleted, domain.Node{ID: id, LevelID: l.ID, HierarchyID: l.HierarchyID})
			}
			if len(ids) < r.levelDelete.chunkSize {
				break
			}
		}

		children, err := r.levels.ListChildren(ctx, l.ID)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := r.levels.UpdateParent(ctx, c.ID, l.ParentID); err != nil {
				return err
			}
			c.ParentID = l.ParentID
			cs.Add(domain.ClassLevel, domain.KindUpdated, c)
		}

		if err := r.levels.Delete(ctx, []int64{l.ID}); err != nil {
			return err
		}
		cs.Add(domain.ClassLevel, domain.KindDeleted, l)

		// Close the depth gap so parent levels stay exactly one tier up.
		if err := r.levels.ShiftDepth(ctx, l.HierarchyID, l.Level, -1); err != nil {
			return err
		}
		return r.nodes.ShiftDepth(ctx, l.HierarchyID, l.Level, -1)
	})
	if err != nil {
		return err
	}
	return r.childCounts.Recompute(ctx, parents)
}

// rehomeChildren reattaches the children of a dissolving node to its parent
// and rewrites descendant paths by prefix replacement.
func (r *Reconciler) rehomeChildren(ctx context.Context, n *domain.Node, parents ParentSet, cs *domain.ChangeSet) error {
	oldPrefix := domain.ChildPath(n.Path, n.ID)
	if _, err := r.nodes.RewritePathPrefix(ctx, n.HierarchyID, oldPrefix, n.Path); err != nil {
		return err
	}
	children, err := r.nodes.Children(ctx, n.ID)
	if err != nil {
		return err
	}
	for i := range children {
		c := &children[i]
		if err := r.nodes.UpdateParent(ctx, c.ID, n.ParentID, n.Path); err != nil {
			return err
		}
		c.ParentID = n.ParentID
		c.Path = n.Path
		cs.Add(domain.ClassObj, domain.KindUpdated, *c)
	}
	parents.AddPtr(n.ParentID)
	return nil
}

// pruneLevelKey removes deleted parameter ids from a level's key spec,
// strips them out of every unfolded key, and re-coalesces the level's data.
func (r *Reconciler) pruneLevelKey(ctx context.Context, h *domain.Hierarchy, l domain.Level, deletedAttrs map[string]struct{}, cs *domain.ChangeSet) error {
	kept := make([]string, 0, len(l.KeyAttrs))
	var removed []string
	for _, attr := range l.KeyAttrs {
		if _, gone := deletedAttrs[attr]; gone {
			removed = append(removed, attr)
		} else {
			kept = append(kept, attr)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	l.KeyAttrs = kept

	moLinks, err := r.moLinkAttrs(ctx, l)
	if err != nil {
		return err
	}

	parents := ParentSet{}
	err = composables.InSerializableTx(ctx, func(ctx context.Context) error {
		if err := r.levels.UpdateKeyAttrs(ctx, l.ID, kept); err != nil {
			return err
		}
		cs.Add(domain.ClassLevel, domain.KindUpdated, l)
		for _, attr := range removed {
			if err := r.nodes.StripDataKeyAttr(ctx, l.ID, attr); err != nil {
				return err
			}
		}

		var after int64
		for {
			page, err := r.nodes.ListDataByLevel(ctx, l.ID, after, r.levelDelete.chunkSize)
			if err != nil {
				return err
			}
			for i := range page {
				nd := &page[i]
				for _, attr := range removed {
					delete(nd.UnfoldedKey, attr)
				}
				if err := r.resettle(ctx, h, l, nd, moLinks, parents, cs); err != nil {
					return err
				}
			}
			if len(page) < r.levelDelete.chunkSize {
				break
			}
			after = page[len(page)-1].ID
		}
		return nil
	})
	if err != nil {
		return err
	}
	return r.childCounts.Recompute(ctx, parents)
}

// topmostPerObjectType keeps, per object type, only the shallowest level.
func topmostPerObjectType(levels []domain.Level) []domain.Level {
	best := map[int64]domain.Level{}
	for _, l := range levels {
		cur, ok := best[l.ObjectTypeID]
		if !ok || l.Level < cur.Level {
			best[l.ObjectTypeID] = l
		}
	}
	out := make([]domain.Level, 0, len(best))
	for _, l := range best {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

// moFromData reconstructs the MO view a level needs from a NodeData row's
// denormalized fields.
func moFromData(l domain.Level, nd *domain.NodeData) domain.MO {
	mo := domain.MO{
		ID:     nd.MOID,
		Name:   nd.MOName,
		TmoID:  nd.MOTmoID,
		PID:    nd.MOPID,
		Active: nd.MOActive,
		Params: map[int64]*string{},
	}
	if nd.MOStatus != nil {
		mo.Status = *nd.MOStatus
	}
	if l.LatitudeID != nil && nd.MOLatitude != nil {
		s := strconv.FormatFloat(*nd.MOLatitude, 'f', -1, 64)
		mo.Params[*l.LatitudeID] = &s
	}
	if l.LongitudeID != nil && nd.MOLongitude != nil {
		s := strconv.FormatFloat(*nd.MOLongitude, 'f', -1, 64)
		mo.Params[*l.LongitudeID] = &s
	}
	return mo
}
