package services

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
)

func TestApplyMOUpdatedRecoalescesAndReparents(t *testing.T) {
	f := newFixture(t)
	f.seedRegions()
	require.NoError(t, f.builder.Rebuild(f.ctx, 1))
	r := f.reconciler(1)

	// mo-2 moves from region "west" to region "east".
	err := r.Apply(f.ctx, domain.InventoryEvent{
		Class: domain.ClassMO, Kind: domain.KindUpdated,
		MOs: []domain.MO{{ID: 2, Name: "mo-2", Label: "east", TmoID: 100, Active: true}},
	})
	require.NoError(t, err)

	regions := f.levelNodes(t, 10)
	require.Len(t, regions, 2)
	require.Equal(t, []int64{1}, f.nodeMOs(regions["west"].ID))
	require.Equal(t, []int64{2, 3}, f.nodeMOs(regions["east"].ID))
	require.Equal(t, int64(1), regions["west"].ChildCount)
	require.Equal(t, int64(2), regions["east"].ChildCount)

	// The real node followed its MO under the new region, path included.
	d2 := f.levelNodes(t, 11)["mo-2"]
	require.Equal(t, regions["east"].ID, *d2.ParentID)
	require.Equal(t, regions["east"].ID.String()+"/", d2.Path)
	require.NotEmpty(t, f.published)
}

func TestApplyMOUpdatedKeepsSoleContributorNodeInPlace(t *testing.T) {
	f := newFixture(t)
	f.seedRegions()
	require.NoError(t, f.builder.Rebuild(f.ctx, 1))
	r := f.reconciler(1)
	east := f.levelNodes(t, 10)["east"]

	// mo-3 is east's only contributor: the node renames instead of moving.
	err := r.Apply(f.ctx, domain.InventoryEvent{
		Class: domain.ClassMO, Kind: domain.KindUpdated,
		MOs: []domain.MO{{ID: 3, Name: "mo-3", Label: "north", TmoID: 100, Active: true}},
	})
	require.NoError(t, err)

	regions := f.levelNodes(t, 10)
	require.Len(t, regions, 2)
	require.Equal(t, east.ID, regions["north"].ID)
	require.Equal(t, []int64{3}, f.nodeMOs(east.ID))
}

func TestApplyMOCreatedAttachesToExistingRegion(t *testing.T) {
	f := newFixture(t)
	f.seedRegions()
	require.NoError(t, f.builder.Rebuild(f.ctx, 1))
	r := f.reconciler(1)

	err := r.Apply(f.ctx, domain.InventoryEvent{
		Class: domain.ClassMO, Kind: domain.KindCreated,
		MOs: []domain.MO{{ID: 5, Name: "mo-5", Label: "east", TmoID: 100, Active: true}},
	})
	require.NoError(t, err)

	east := f.levelNodes(t, 10)["east"]
	require.Equal(t, []int64{3, 5}, f.nodeMOs(east.ID))
	require.Equal(t, int64(2), east.ChildCount)
	require.Equal(t, east.ID, *f.levelNodes(t, 11)["mo-5"].ParentID)
}

func TestApplyMOUpdatedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedRegions()
	require.NoError(t, f.builder.Rebuild(f.ctx, 1))
	r := f.reconciler(1)

	ev := domain.InventoryEvent{
		Class: domain.ClassMO, Kind: domain.KindUpdated,
		MOs: []domain.MO{{ID: 2, Name: "mo-2", Label: "east", TmoID: 100, Active: true}},
	}
	require.NoError(t, r.Apply(f.ctx, ev))
	first := f.levelNodes(t, 10)

	require.NoError(t, r.Apply(f.ctx, ev))
	second := f.levelNodes(t, 10)

	require.Equal(t, len(first), len(second))
	for key, n := range first {
		require.Equal(t, n.ID, second[key].ID)
		require.Equal(t, f.nodeMOs(n.ID), f.nodeMOs(second[key].ID))
	}
}

func TestApplyMODeletedRemovesEmptiedNodes(t *testing.T) {
	f := newFixture(t)
	f.seedRegions()
	require.NoError(t, f.builder.Rebuild(f.ctx, 1))
	r := f.reconciler(1)

	err := r.Apply(f.ctx, domain.InventoryEvent{
		Class: domain.ClassMO, Kind: domain.KindDeleted,
		MOs: []domain.MO{{ID: 1, TmoID: 100}, {ID: 2, TmoID: 100}},
	})
	require.NoError(t, err)

	regions := f.levelNodes(t, 10)
	require.Len(t, regions, 1)
	_, ok := regions["east"]
	require.True(t, ok)
	devices := f.levelNodes(t, 11)
	require.Len(t, devices, 1)
	_, ok = devices["mo-3"]
	require.True(t, ok)
}

func TestApplyMODeletedKeepsSharedNodes(t *testing.T) {
	f := newFixture(t)
	f.seedRegions()
	require.NoError(t, f.builder.Rebuild(f.ctx, 1))
	r := f.reconciler(1)
	west := f.levelNodes(t, 10)["west"]

	err := r.Apply(f.ctx, domain.InventoryEvent{
		Class: domain.ClassMO, Kind: domain.KindDeleted,
		MOs: []domain.MO{{ID: 1, TmoID: 100}},
	})
	require.NoError(t, err)

	require.Equal(t, []int64{2}, f.nodeMOs(west.ID))
	require.Equal(t, int64(1), f.store.nodes[west.ID].ChildCount)
}

func TestApplyEmptiedKeyRemovesMOFromLevel(t *testing.T) {
	f := newFixture(t)
	f.seedRegions()
	require.NoError(t, f.builder.Rebuild(f.ctx, 1))
	r := f.reconciler(1)

	// mo-3 loses its label; with create_empty_nodes off it leaves the region
	// level entirely, taking its node along.
	err := r.Apply(f.ctx, domain.InventoryEvent{
		Class: domain.ClassMO, Kind: domain.KindUpdated,
		MOs: []domain.MO{{ID: 3, Name: "mo-3", TmoID: 100, Active: true}},
	})
	require.NoError(t, err)

	regions := f.levelNodes(t, 10)
	require.Len(t, regions, 1)
	_, ok := regions["west"]
	require.True(t, ok)
}

func TestApplyTMODeletedDropsLevels(t *testing.T) {
	f := newFixture(t)
	f.seedRegions()
	require.NoError(t, f.builder.Rebuild(f.ctx, 1))
	r := f.reconciler(1)

	err := r.Apply(f.ctx, domain.InventoryEvent{
		Class: domain.ClassTMO, Kind: domain.KindDeleted,
		TMOs: []domain.TMO{{ID: 100}},
	})
	require.NoError(t, err)

	require.Empty(t, f.store.levels)
	require.Empty(t, f.store.nodes)
	require.Empty(t, f.store.data)
}

func TestApplyMODeletedAnnouncesSubtreeRemoval(t *testing.T) {
	f := newFixture(t)
	f.store.addHierarchy(domain.Hierarchy{ID: 7, Name: "ports", Status: domain.StatusComplete})
	f.store.addLevel(domain.Level{ID: 70, HierarchyID: 7, Level: 0, Name: "router", ObjectTypeID: 100, IsVirtual: true, KeyAttrs: []string{"label"}})
	f.store.addLevel(domain.Level{ID: 71, HierarchyID: 7, Level: 1, Name: "port", ObjectTypeID: 200, KeyAttrs: []string{"name"}, ParentID: i64(70)})
	f.inv.mosByTmo[100] = []domain.MO{{ID: 1, Name: "r1", Label: "edge", TmoID: 100, Active: true}}
	f.inv.mosByTmo[200] = []domain.MO{{ID: 2, Name: "p1", TmoID: 200, Active: true, PID: i64(1)}}
	require.NoError(t, f.builder.Rebuild(f.ctx, 7))
	router := f.levelNodes(t, 70)["edge"]
	port := f.levelNodes(t, 71)["p1"]

	// Deleting the router MO empties only the router node; the port node of
	// the other object type goes down with the subtree and must be announced
	// downstream, not just dropped by the FK cascade.
	err := f.reconciler(7).Apply(f.ctx, domain.InventoryEvent{
		Class: domain.ClassMO, Kind: domain.KindDeleted,
		MOs: []domain.MO{{ID: 1, TmoID: 100}},
	})
	require.NoError(t, err)

	require.Empty(t, f.store.nodes)
	require.Empty(t, f.store.data)

	deleted := map[uuid.UUID]bool{}
	for _, cs := range f.published {
		for _, ch := range cs.Changes {
			if ch.Class == domain.ClassObj && ch.Kind == domain.KindDeleted {
				deleted[ch.Entity.(domain.Node).ID] = true
			}
		}
	}
	require.True(t, deleted[router.ID])
	require.True(t, deleted[port.ID], "subtree node removal must be announced")
}

func TestApplyMODeactivationUpdatesChildCount(t *testing.T) {
	f := newFixture(t)
	f.seedRegions()
	require.NoError(t, f.builder.Rebuild(f.ctx, 1))
	r := f.reconciler(1)

	err := r.Apply(f.ctx, domain.InventoryEvent{
		Class: domain.ClassMO, Kind: domain.KindUpdated,
		MOs: []domain.MO{{ID: 2, Name: "mo-2", Label: "west", TmoID: 100, Active: false}},
	})
	require.NoError(t, err)

	devices := f.levelNodes(t, 11)
	require.False(t, devices["mo-2"].Active)
	require.Equal(t, int64(1), f.levelNodes(t, 10)["west"].ChildCount)

	// Reactivation counts it back in.
	err = r.Apply(f.ctx, domain.InventoryEvent{
		Class: domain.ClassMO, Kind: domain.KindUpdated,
		MOs: []domain.MO{{ID: 2, Name: "mo-2", Label: "west", TmoID: 100, Active: true}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), f.levelNodes(t, 10)["west"].ChildCount)
}

func TestApplyUnknownEventIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.seedRegions()
	require.NoError(t, f.builder.Rebuild(f.ctx, 1))
	r := f.reconciler(1)
	f.published = nil

	err := r.Apply(f.ctx, domain.InventoryEvent{Class: domain.ClassTMO, Kind: domain.KindUpdated})
	require.NoError(t, err)
	require.Empty(t, f.published)
}

func TestApplyQuarantinesInconsistentHierarchy(t *testing.T) {
	f := newFixture(t)
	f.seedRegions()
	require.NoError(t, f.builder.Rebuild(f.ctx, 1))
	r := f.reconciler(1)

	// A node_data row pointing at a vanished node is unrecoverable in-place.
	var dangling *domain.NodeData
	for _, d := range f.store.data {
		if d.LevelID == 10 && d.MOID == 2 {
			dangling = d
		}
	}
	require.NotNil(t, dangling)
	dangling.NodeID = uuid.New()

	err := r.Apply(f.ctx, domain.InventoryEvent{
		Class: domain.ClassMO, Kind: domain.KindUpdated,
		MOs: []domain.MO{{ID: 2, Name: "mo-2", Label: "east", TmoID: 100, Active: true}},
	})
	require.NoError(t, err)

	h, err := f.store.Get(f.ctx, 1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusError, h.Status)

	pending, err := rebuildRepo{f.store}.NextPending(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, pending)
	require.Equal(t, int64(1), pending.HierarchyID)
}

func TestApplyMOOfForeignTypeIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.seedRegions()
	require.NoError(t, f.builder.Rebuild(f.ctx, 1))
	r := f.reconciler(1)
	before := len(f.store.nodes)

	err := r.Apply(f.ctx, domain.InventoryEvent{
		Class: domain.ClassMO, Kind: domain.KindCreated,
		MOs: []domain.MO{{ID: 50, Name: "other", TmoID: 999, Active: true}},
	})
	require.NoError(t, err)
	require.Len(t, f.store.nodes, before)
}
