package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
)

func str(v string) *string { return &v }

func i64(v int64) *int64 { return &v }

func TestParseEventMOKeepsParamPresence(t *testing.T) {
	mo := domain.MO{
		ID: 7, Name: "router-7", Label: "edge", Status: "OK",
		TmoID: 100, PID: i64(3), Active: true,
		Params: map[int64]*string{
			42: str("fiber"),
			// Present but unset: must survive as a nil value, not vanish.
			55: nil,
		},
	}
	payload := AppendObject(nil, AppendMO(nil, mo))

	ev, err := ParseEvent(domain.ClassMO, domain.KindUpdated, payload)
	require.NoError(t, err)
	require.Len(t, ev.MOs, 1)
	got := ev.MOs[0]
	require.Equal(t, mo.ID, got.ID)
	require.Equal(t, mo.Name, got.Name)
	require.Equal(t, mo.Label, got.Label)
	require.Equal(t, int64(3), *got.PID)
	require.True(t, got.Active)
	require.Equal(t, "fiber", *got.Params[42])
	v, present := got.Params[55]
	require.True(t, present)
	require.Nil(t, v)
}

func TestParseEventMOWithoutPID(t *testing.T) {
	payload := AppendObject(nil, AppendMO(nil, domain.MO{ID: 1, TmoID: 100}))
	ev, err := ParseEvent(domain.ClassMO, domain.KindCreated, payload)
	require.NoError(t, err)
	require.Nil(t, ev.MOs[0].PID)
}

func TestParseEventPRMValuePresence(t *testing.T) {
	var payload []byte
	payload = AppendObject(payload, AppendPRM(nil, domain.PRM{MOID: 1, TprmID: 42, Value: str("x")}))
	payload = AppendObject(payload, AppendPRM(nil, domain.PRM{MOID: 2, TprmID: 42}))

	ev, err := ParseEvent(domain.ClassPRM, domain.KindDeleted, payload)
	require.NoError(t, err)
	require.Len(t, ev.PRMs, 2)
	require.Equal(t, "x", *ev.PRMs[0].Value)
	require.Nil(t, ev.PRMs[1].Value)
}

func TestParseEventTPRM(t *testing.T) {
	payload := AppendObject(nil, AppendTPRM(nil, domain.TPRM{ID: 9, TmoID: 100, Name: "uplink", Kind: "mo_link", Multiple: false}))
	ev, err := ParseEvent(domain.ClassTPRM, domain.KindDeleted, payload)
	require.NoError(t, err)
	require.Equal(t, domain.TPRM{ID: 9, TmoID: 100, Name: "uplink", Kind: "mo_link"}, ev.TPRMs[0])
}

func TestObjectsSkipsUnknownFields(t *testing.T) {
	var payload []byte
	// A future field the current schema does not know about.
	payload = protowire.AppendTag(payload, 15, protowire.VarintType)
	payload = protowire.AppendVarint(payload, 99)
	payload = AppendObject(payload, AppendTMO(nil, domain.TMO{ID: 5, Name: "site"}))

	objs, err := Objects(payload)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	tmo, err := ParseTMO(objs[0])
	require.NoError(t, err)
	require.Equal(t, int64(5), tmo.ID)
}

func TestParseEventRejectsTruncatedPayload(t *testing.T) {
	payload := AppendObject(nil, AppendMO(nil, domain.MO{ID: 1, Name: "x", TmoID: 2}))
	_, err := ParseEvent(domain.ClassMO, domain.KindCreated, payload[:len(payload)-3])
	require.Error(t, err)
}

func TestParseHierarchyLifecycleFields(t *testing.T) {
	h := domain.Hierarchy{
		ID: 12, Name: "core", Description: "core view", Author: "noc",
		Status: domain.StatusInProcess, CreateEmptyNodes: true,
	}
	got, err := ParseHierarchy(AppendHierarchy(nil, h))
	require.NoError(t, err)
	require.Equal(t, h.ID, got.ID)
	require.Equal(t, h.Status, got.Status)
	require.True(t, got.CreateEmptyNodes)
}

func TestEncodeEntityCoversDownstreamClasses(t *testing.T) {
	entities := []any{
		domain.Hierarchy{ID: 1},
		domain.Level{ID: 2},
		domain.Node{HierarchyID: 1},
		domain.NodeData{ID: 3, UnfoldedKey: map[string]any{"label": "x"}},
	}
	for _, e := range entities {
		raw, err := EncodeEntity(e)
		require.NoError(t, err)
		require.NotEmpty(t, raw)
	}

	_, err := EncodeEntity("not an entity")
	require.Error(t, err)
}
