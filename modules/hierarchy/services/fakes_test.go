package services

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/pkg/composables"
)

// testCtx installs a pass-through transaction runner so services run
// against the in-memory store without a database pool.
func testCtx() context.Context {
	return composables.WithTxRunner(context.Background(),
		func(ctx context.Context, _ pgx.TxOptions, fn func(context.Context) error) error {
			return fn(ctx)
		})
}

// memStore is an in-memory stand-in for the four repositories, mimicking
// the schema's cascades.
type memStore struct {
	hierarchies map[int64]*domain.Hierarchy
	levels      map[int64]*domain.Level
	nodes       map[uuid.UUID]*domain.Node
	data        map[int64]*domain.NodeData
	orders      map[int64]*domain.RebuildOrder
	nextDataID  int64
	nextOrderID int64
}

func newMemStore() *memStore {
	return &memStore{
		hierarchies: map[int64]*domain.Hierarchy{},
		levels:      map[int64]*domain.Level{},
		nodes:       map[uuid.UUID]*domain.Node{},
		data:        map[int64]*domain.NodeData{},
		orders:      map[int64]*domain.RebuildOrder{},
	}
}

func (s *memStore) addHierarchy(h domain.Hierarchy) {
	cp := h
	s.hierarchies[h.ID] = &cp
}

func (s *memStore) addLevel(l domain.Level) {
	cp := l
	s.levels[l.ID] = &cp
}

// ---- HierarchyRepository ----

func (s *memStore) Get(_ context.Context, id int64) (*domain.Hierarchy, error) {
	h, ok := s.hierarchies[id]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (s *memStore) List(_ context.Context) ([]domain.Hierarchy, error) {
	var out []domain.Hierarchy
	for _, h := range s.hierarchies {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id int64, status domain.Status) error {
	h, ok := s.hierarchies[id]
	if !ok {
		return fmt.Errorf("hierarchy %d not found", id)
	}
	h.Status = status
	return nil
}

func (s *memStore) Delete(_ context.Context, id int64) error {
	delete(s.hierarchies, id)
	for lid, l := range s.levels {
		if l.HierarchyID == id {
			s.cascadeLevel(lid)
		}
	}
	return nil
}

// ---- LevelRepository ----

func (s *memStore) GetLevel(_ context.Context, id int64) (*domain.Level, error) {
	l, ok := s.levels[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *memStore) ListByHierarchy(_ context.Context, hierarchyID int64) ([]domain.Level, error) {
	var out []domain.Level
	for _, l := range s.levels {
		if l.HierarchyID == hierarchyID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) ListByKeyAttrOverlap(_ context.Context, hierarchyID int64, attrs []string) ([]domain.Level, error) {
	want := map[string]struct{}{}
	for _, a := range attrs {
		want[a] = struct{}{}
	}
	var out []domain.Level
	for _, l := range s.levels {
		if l.HierarchyID != hierarchyID {
			continue
		}
		for _, a := range l.KeyAttrs {
			if _, ok := want[a]; ok {
				out = append(out, *l)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (s *memStore) ListByAttrAsParent(_ context.Context, hierarchyID int64, tprmIDs []int64) ([]domain.Level, error) {
	want := map[int64]struct{}{}
	for _, id := range tprmIDs {
		want[id] = struct{}{}
	}
	var out []domain.Level
	for _, l := range s.levels {
		if l.HierarchyID != hierarchyID || l.AttrAsParent == nil {
			continue
		}
		if _, ok := want[*l.AttrAsParent]; ok {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (s *memStore) ListChildren(_ context.Context, levelID int64) ([]domain.Level, error) {
	var out []domain.Level
	for _, l := range s.levels {
		if l.ParentID != nil && *l.ParentID == levelID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpdateKeyAttrs(_ context.Context, id int64, keyAttrs []string) error {
	l, ok := s.levels[id]
	if !ok {
		return fmt.Errorf("level %d not found", id)
	}
	l.KeyAttrs = append([]string(nil), keyAttrs...)
	return nil
}

func (s *memStore) UpdateParent(_ context.Context, id int64, parentID *int64) error {
	l, ok := s.levels[id]
	if !ok {
		return fmt.Errorf("level %d not found", id)
	}
	l.ParentID = parentID
	return nil
}

func (s *memStore) ShiftDepth(_ context.Context, hierarchyID int64, deeperThan int, delta int) error {
	for _, l := range s.levels {
		if l.HierarchyID == hierarchyID && l.Level > deeperThan {
			l.Level += delta
		}
	}
	return nil
}

func (s *memStore) DeleteLevels(_ context.Context, ids []int64) error {
	for _, id := range ids {
		s.cascadeLevel(id)
	}
	return nil
}

func (s *memStore) cascadeLevel(id int64) {
	delete(s.levels, id)
	for nid, n := range s.nodes {
		if n.LevelID == id {
			s.cascadeNode(nid)
		}
	}
	for did, d := range s.data {
		if d.LevelID == id {
			delete(s.data, did)
		}
	}
}

// levelRepo / nodeRepo adapt memStore to the repository interfaces where
// method names collide.
type levelRepo struct{ *memStore }

func (r levelRepo) Get(ctx context.Context, id int64) (*domain.Level, error) {
	return r.GetLevel(ctx, id)
}

func (r levelRepo) Delete(ctx context.Context, ids []int64) error {
	return r.DeleteLevels(ctx, ids)
}

// ---- NodeRepository ----

type nodeRepo struct{ *memStore }

func (s *memStore) cascadeNode(id uuid.UUID) {
	delete(s.nodes, id)
	for did, d := range s.data {
		if d.NodeID == id {
			delete(s.data, did)
		}
	}
	for nid, n := range s.nodes {
		if n.ParentID != nil && *n.ParentID == id {
			s.cascadeNode(nid)
		}
	}
}

func (r nodeRepo) Insert(_ context.Context, n *domain.Node) error {
	cp := *n
	r.nodes[n.ID] = &cp
	return nil
}

func (r nodeRepo) Get(_ context.Context, id uuid.UUID) (*domain.Node, error) {
	n, ok := r.nodes[id]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (r nodeRepo) ByObject(_ context.Context, levelID int64, objectID int64) (*domain.Node, error) {
	for _, n := range r.nodes {
		if n.LevelID == levelID && n.ObjectID != nil && *n.ObjectID == objectID {
			cp := *n
			return &cp, nil
		}
	}
	return nil, nil
}

func sameUUIDPtr(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (r nodeRepo) ByCoords(_ context.Context, levelID int64, parentID *uuid.UUID, key string) (*domain.Node, error) {
	for _, n := range r.nodes {
		if n.LevelID == levelID && n.Key == key && sameUUIDPtr(n.ParentID, parentID) {
			cp := *n
			return &cp, nil
		}
	}
	return nil, nil
}

func (r nodeRepo) ByLevelAndMO(_ context.Context, levelID int64, moID int64) (*domain.Node, error) {
	for _, d := range r.data {
		if d.LevelID == levelID && d.MOID == moID {
			n, ok := r.nodes[d.NodeID]
			if !ok {
				return nil, nil
			}
			cp := *n
			return &cp, nil
		}
	}
	return nil, nil
}

func (r nodeRepo) Children(_ context.Context, parentID uuid.UUID) ([]domain.Node, error) {
	var out []domain.Node
	for _, n := range r.nodes {
		if n.ParentID != nil && *n.ParentID == parentID {
			out = append(out, *n)
		}
	}
	sortNodesByID(out)
	return out, nil
}

func sortNodesByID(ns []domain.Node) {
	sort.Slice(ns, func(i, j int) bool {
		return bytes.Compare(ns[i].ID[:], ns[j].ID[:]) < 0
	})
}

func (r nodeRepo) DescendantsByPath(_ context.Context, hierarchyID int64, pathPrefix string) ([]domain.Node, error) {
	var out []domain.Node
	for _, n := range r.nodes {
		if n.HierarchyID == hierarchyID && strings.HasPrefix(n.Path, pathPrefix) {
			out = append(out, *n)
		}
	}
	sortNodesByID(out)
	return out, nil
}

func (r nodeRepo) ListByLevel(_ context.Context, levelID int64, afterID uuid.UUID, limit int) ([]domain.Node, error) {
	var out []domain.Node
	for _, n := range r.nodes {
		if n.LevelID == levelID && bytes.Compare(n.ID[:], afterID[:]) > 0 {
			out = append(out, *n)
		}
	}
	sortNodesByID(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r nodeRepo) UpdateKey(_ context.Context, id uuid.UUID, key string) error {
	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("node %s not found", id)
	}
	n.Key = key
	return nil
}

func (r nodeRepo) UpdateProjection(_ context.Context, id uuid.UUID, key string, additionalParams *string, latitude, longitude *float64, active bool) error {
	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("node %s not found", id)
	}
	n.Key = key
	n.AdditionalParams = additionalParams
	n.Latitude = latitude
	n.Longitude = longitude
	n.Active = active
	return nil
}

func (r nodeRepo) UpdateParent(_ context.Context, id uuid.UUID, parentID *uuid.UUID, path string) error {
	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("node %s not found", id)
	}
	n.ParentID = parentID
	n.Path = path
	return nil
}

func (r nodeRepo) RewritePathPrefix(_ context.Context, hierarchyID int64, oldPrefix, newPrefix string) (int64, error) {
	var touched int64
	for _, n := range r.nodes {
		if n.HierarchyID == hierarchyID && strings.HasPrefix(n.Path, oldPrefix) {
			n.Path = newPrefix + n.Path[len(oldPrefix):]
			touched++
		}
	}
	return touched, nil
}

func (r nodeRepo) ShiftDepth(_ context.Context, hierarchyID int64, deeperThan int, delta int) error {
	for _, n := range r.nodes {
		if n.HierarchyID == hierarchyID && n.Level > deeperThan {
			n.Level += delta
		}
	}
	return nil
}

func (r nodeRepo) Delete(_ context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		r.cascadeNode(id)
	}
	return nil
}

func (r nodeRepo) DeleteByLevel(_ context.Context, levelID int64, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, n := range r.nodes {
		if n.LevelID == levelID {
			ids = append(ids, id)
			if len(ids) == limit {
				break
			}
		}
	}
	for _, id := range ids {
		r.cascadeNode(id)
	}
	return ids, nil
}

func (r nodeRepo) DeleteByHierarchy(_ context.Context, hierarchyID int64) error {
	for id, n := range r.nodes {
		if n.HierarchyID == hierarchyID {
			delete(r.nodes, id)
		}
	}
	for did, d := range r.data {
		if _, ok := r.nodes[d.NodeID]; !ok {
			delete(r.data, did)
		}
	}
	return nil
}

func (r nodeRepo) RecomputeChildCounts(_ context.Context, parentIDs []uuid.UUID) error {
	for _, id := range parentIDs {
		n, ok := r.nodes[id]
		if !ok {
			continue
		}
		var count int64
		for _, c := range r.nodes {
			if c.ParentID != nil && *c.ParentID == id && c.Active {
				count++
			}
		}
		n.ChildCount = count
	}
	return nil
}

func (r nodeRepo) RecomputeChildCountsForLevel(_ context.Context, levelID int64) error {
	for id, n := range r.nodes {
		if n.LevelID != levelID {
			continue
		}
		var count int64
		for _, c := range r.nodes {
			if c.ParentID != nil && *c.ParentID == id && c.Active {
				count++
			}
		}
		n.ChildCount = count
	}
	return nil
}

func (r nodeRepo) CountByHierarchy(_ context.Context, hierarchyID int64) (int64, error) {
	var count int64
	for _, n := range r.nodes {
		if n.HierarchyID == hierarchyID {
			count++
		}
	}
	return count, nil
}

func (r nodeRepo) DistinctParentsOfLevel(_ context.Context, levelID int64) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]struct{}{}
	var out []uuid.UUID
	for _, n := range r.nodes {
		if n.LevelID == levelID && n.ParentID != nil {
			if _, dup := seen[*n.ParentID]; !dup {
				seen[*n.ParentID] = struct{}{}
				out = append(out, *n.ParentID)
			}
		}
	}
	return out, nil
}

func (r nodeRepo) InsertData(_ context.Context, nd *domain.NodeData) error {
	r.nextDataID++
	nd.ID = r.nextDataID
	cp := *nd
	cp.UnfoldedKey = copyUnfolded(nd.UnfoldedKey)
	r.data[nd.ID] = &cp
	return nil
}

func copyUnfolded(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r nodeRepo) DataByMO(_ context.Context, levelID int64, moID int64) (*domain.NodeData, error) {
	for _, d := range r.data {
		if d.LevelID == levelID && d.MOID == moID {
			cp := *d
			cp.UnfoldedKey = copyUnfolded(d.UnfoldedKey)
			return &cp, nil
		}
	}
	return nil, nil
}

func (r nodeRepo) DataByMOs(_ context.Context, levelID int64, moIDs []int64) ([]domain.NodeData, error) {
	want := map[int64]struct{}{}
	for _, id := range moIDs {
		want[id] = struct{}{}
	}
	var out []domain.NodeData
	for _, d := range r.data {
		if d.LevelID != levelID {
			continue
		}
		if _, ok := want[d.MOID]; ok {
			cp := *d
			cp.UnfoldedKey = copyUnfolded(d.UnfoldedKey)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r nodeRepo) ListDataByLevel(_ context.Context, levelID int64, afterID int64, limit int) ([]domain.NodeData, error) {
	var out []domain.NodeData
	for _, d := range r.data {
		if d.LevelID == levelID && d.ID > afterID {
			cp := *d
			cp.UnfoldedKey = copyUnfolded(d.UnfoldedKey)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r nodeRepo) DeleteDataByMOs(_ context.Context, levelIDs []int64, moIDs []int64) ([]uuid.UUID, error) {
	wantLevel := map[int64]struct{}{}
	for _, id := range levelIDs {
		wantLevel[id] = struct{}{}
	}
	wantMO := map[int64]struct{}{}
	for _, id := range moIDs {
		wantMO[id] = struct{}{}
	}
	seen := map[uuid.UUID]struct{}{}
	var out []uuid.UUID
	for did, d := range r.data {
		if _, ok := wantLevel[d.LevelID]; !ok {
			continue
		}
		if _, ok := wantMO[d.MOID]; !ok {
			continue
		}
		if _, dup := seen[d.NodeID]; !dup {
			seen[d.NodeID] = struct{}{}
			out = append(out, d.NodeID)
		}
		delete(r.data, did)
	}
	return out, nil
}

func (r nodeRepo) DeleteDataByLevel(_ context.Context, levelID int64, limit int) (int64, error) {
	var deleted int64
	for did, d := range r.data {
		if d.LevelID == levelID {
			delete(r.data, did)
			deleted++
			if deleted == int64(limit) {
				break
			}
		}
	}
	return deleted, nil
}

func (r nodeRepo) MoveData(_ context.Context, dataID int64, toNodeID uuid.UUID) error {
	d, ok := r.data[dataID]
	if !ok {
		return fmt.Errorf("node_data %d not found", dataID)
	}
	d.NodeID = toNodeID
	return nil
}

func (r nodeRepo) UpdateDataUnfoldedKey(_ context.Context, dataID int64, unfolded map[string]any) error {
	d, ok := r.data[dataID]
	if !ok {
		return fmt.Errorf("node_data %d not found", dataID)
	}
	d.UnfoldedKey = copyUnfolded(unfolded)
	return nil
}

func (r nodeRepo) UpdateDataMOFields(_ context.Context, dataID int64, mo domain.MO) error {
	d, ok := r.data[dataID]
	if !ok {
		return fmt.Errorf("node_data %d not found", dataID)
	}
	d.MOName = mo.Name
	d.MOPID = mo.PID
	d.MOActive = mo.Active
	if mo.Status == "" {
		d.MOStatus = nil
	} else {
		st := mo.Status
		d.MOStatus = &st
	}
	return nil
}

func (r nodeRepo) StripDataKeyAttr(_ context.Context, levelID int64, attr string) error {
	for _, d := range r.data {
		if d.LevelID == levelID {
			delete(d.UnfoldedKey, attr)
		}
	}
	return nil
}

func (r nodeRepo) CountData(_ context.Context, nodeID uuid.UUID) (int64, error) {
	var count int64
	for _, d := range r.data {
		if d.NodeID == nodeID {
			count++
		}
	}
	return count, nil
}

// ---- RebuildRepository ----

type rebuildRepo struct{ *memStore }

func (r rebuildRepo) Enqueue(_ context.Context, hierarchyID int64) (*domain.RebuildOrder, error) {
	for _, o := range r.orders {
		if o.HierarchyID == hierarchyID && !o.OnRebuild {
			cp := *o
			return &cp, nil
		}
	}
	r.nextOrderID++
	o := &domain.RebuildOrder{ID: r.nextOrderID, HierarchyID: hierarchyID}
	r.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

func (r rebuildRepo) NextPending(_ context.Context) (*domain.RebuildOrder, error) {
	var best *domain.RebuildOrder
	for _, o := range r.orders {
		if o.OnRebuild {
			continue
		}
		if best == nil || o.ID < best.ID {
			best = o
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (r rebuildRepo) MarkInProgress(_ context.Context, id int64) error {
	o, ok := r.orders[id]
	if !ok {
		return fmt.Errorf("rebuild order %d not found", id)
	}
	o.OnRebuild = true
	return nil
}

func (r rebuildRepo) ListInProgress(_ context.Context) ([]domain.RebuildOrder, error) {
	var out []domain.RebuildOrder
	for _, o := range r.orders {
		if o.OnRebuild {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r rebuildRepo) Delete(_ context.Context, id int64) error {
	delete(r.orders, id)
	return nil
}

// ---- InventoryClient ----

type fakeInventory struct {
	mosByTmo map[int64][]domain.MO
	tprms    map[int64]domain.TPRM
	names    map[int64]string
	severity map[int64]map[string]int64
}

func newFakeInventory() *fakeInventory {
	return &fakeInventory{
		mosByTmo: map[int64][]domain.MO{},
		tprms:    map[int64]domain.TPRM{},
		names:    map[int64]string{},
		severity: map[int64]map[string]int64{},
	}
}

func (f *fakeInventory) StreamMOs(_ context.Context, tmoID int64, _ []int64, fn func([]domain.MO) error) error {
	mos := f.mosByTmo[tmoID]
	const pageSize = 2
	for start := 0; start < len(mos); start += pageSize {
		end := start + pageSize
		if end > len(mos) {
			end = len(mos)
		}
		if err := fn(mos[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeInventory) MOParams(_ context.Context, moID int64, _ []int64) (map[int64]*string, error) {
	for _, mos := range f.mosByTmo {
		for _, mo := range mos {
			if mo.ID == moID {
				return mo.Params, nil
			}
		}
	}
	return map[int64]*string{}, nil
}

func (f *fakeInventory) TMO(_ context.Context, id int64) (domain.TMO, error) {
	return domain.TMO{ID: id, Name: fmt.Sprintf("tmo-%d", id)}, nil
}

func (f *fakeInventory) TPRM(_ context.Context, id int64) (domain.TPRM, error) {
	if t, ok := f.tprms[id]; ok {
		return t, nil
	}
	return domain.TPRM{ID: id, Kind: "string"}, nil
}

func (f *fakeInventory) ResolveMOName(_ context.Context, moID int64) (string, error) {
	if name, ok := f.names[moID]; ok {
		return name, nil
	}
	return "", fmt.Errorf("mo %d not found", moID)
}

func (f *fakeInventory) FindMOs(_ context.Context, _ string) ([]domain.MO, error) {
	return nil, nil
}

func (f *fakeInventory) MOSeverity(_ context.Context, moID int64) (map[string]int64, error) {
	return f.severity[moID], nil
}
