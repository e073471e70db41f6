package domain

import "github.com/google/uuid"

// Node is one materialized tree node. Nodes of a virtual level coalesce all
// MOs sharing the same (level_id, parent_id, key); nodes of a real level
// represent exactly one MO.
type Node struct {
	ID               uuid.UUID
	HierarchyID      int64
	LevelID          int64
	Level            int // denormalized depth
	ObjectTypeID     int64
	ObjectID         *int64 // nil when the owning level is virtual
	Key              string
	AdditionalParams *string
	Latitude         *float64
	Longitude        *float64
	ParentID         *uuid.UUID
	// Materialized ancestor path: "ancestor_uuid/.../parent_uuid/".
	// Empty for roots.
	Path       string
	ChildCount int64
	Active     bool
}

// NodeData is the contribution of one MO to a node. Virtual nodes carry one
// row per coalesced MO; real nodes carry exactly one row with
// mo_id == node.object_id.
type NodeData struct {
	ID          int64
	NodeID      uuid.UUID
	LevelID     int64
	MOID        int64
	MOName      string
	MOLatitude  *float64
	MOLongitude *float64
	MOStatus    *string
	MOTmoID     int64
	MOPID       *int64
	MOActive    bool
	// Current value of every key attribute for this MO, keyed by the
	// key-attribute name.
	UnfoldedKey map[string]any
}
