package services

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
)

func TestHierarchyDeleteCascades(t *testing.T) {
	f := newFixture(t)
	f.seedRegions()
	require.NoError(t, f.builder.Rebuild(f.ctx, 1))

	svc := NewHierarchyDeleteService(f.store)
	var cs domain.ChangeSet
	require.NoError(t, svc.Delete(f.ctx, 1, &cs))

	require.Empty(t, f.store.hierarchies)
	require.Empty(t, f.store.levels)
	require.Empty(t, f.store.nodes)
	require.Empty(t, f.store.data)
	require.Len(t, cs.Changes, 1)
	require.Equal(t, domain.ClassHierarchy, cs.Changes[0].Class)
	require.Equal(t, domain.KindDeleted, cs.Changes[0].Kind)
}

func TestHierarchyDeleteMissingIsNoOp(t *testing.T) {
	f := newFixture(t)
	svc := NewHierarchyDeleteService(f.store)
	var cs domain.ChangeSet
	require.NoError(t, svc.Delete(f.ctx, 404, &cs))
	require.True(t, cs.Empty())
}
