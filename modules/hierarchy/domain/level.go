package domain

import "fmt"

// ReservedKeyAttrs are MO attribute names allowed in Level.KeyAttrs besides
// decimal parameter-type ids.
var ReservedKeyAttrs = map[string]struct{}{
	"name":   {},
	"label":  {},
	"status": {},
}

type Level struct {
	ID                 int64
	HierarchyID        int64
	Level              int // 0-based depth
	Name               string
	ObjectTypeID       int64
	IsVirtual          bool
	ParamTypeID        *int64
	AdditionalParamsID *int64
	LatitudeID         *int64
	LongitudeID        *int64
	// Ordered key spec: reserved MO attribute names or decimal TPRM ids.
	KeyAttrs     []string
	AttrAsParent *int64
	ParentID     *int64
}

// ValidateParent checks the structural invariants between a level and its
// parent level.
func (l Level) ValidateParent(parent *Level) error {
	if l.ParentID == nil {
		if parent != nil {
			return fmt.Errorf("level %d: parent given but parent_id is null", l.ID)
		}
		if l.Level != 0 {
			return fmt.Errorf("level %d: root level must have depth 0, got %d", l.ID, l.Level)
		}
		return nil
	}
	if parent == nil {
		return fmt.Errorf("level %d: parent_id=%d but parent level missing: %w", l.ID, *l.ParentID, ErrInconsistent)
	}
	if parent.ID == l.ID {
		return fmt.Errorf("level %d may not parent itself", l.ID)
	}
	if parent.HierarchyID != l.HierarchyID {
		return fmt.Errorf("level %d: parent %d belongs to hierarchy %d, not %d", l.ID, parent.ID, parent.HierarchyID, l.HierarchyID)
	}
	if parent.Level+1 != l.Level {
		return fmt.Errorf("level %d: depth %d is not parent depth %d + 1", l.ID, l.Level, parent.Level)
	}
	return nil
}

// ValidateAttrAsParent checks the mo_link constraints for a level whose
// parent link is derived from a parameter value.
func (l Level) ValidateAttrAsParent(tprm TPRM) error {
	if l.AttrAsParent == nil {
		return nil
	}
	if !l.IsVirtual {
		return fmt.Errorf("level %d: attr_as_parent requires a virtual level", l.ID)
	}
	if tprm.Kind != TPRMKindMOLink {
		return fmt.Errorf("level %d: attr_as_parent parameter %d is %q, not mo_link", l.ID, tprm.ID, tprm.Kind)
	}
	if tprm.Multiple {
		return fmt.Errorf("level %d: attr_as_parent parameter %d must not be multiple", l.ID, tprm.ID)
	}
	if tprm.TmoID != l.ObjectTypeID {
		return fmt.Errorf("level %d: attr_as_parent parameter %d is bound to type %d, not %d", l.ID, tprm.ID, tprm.TmoID, l.ObjectTypeID)
	}
	return nil
}

// ParamIDs returns every inventory parameter id the level projects or keys
// on, deduplicated.
func (l Level) ParamIDs() []int64 {
	seen := map[int64]struct{}{}
	out := make([]int64, 0, len(l.KeyAttrs)+4)
	add := func(id *int64) {
		if id == nil {
			return
		}
		if _, ok := seen[*id]; ok {
			return
		}
		seen[*id] = struct{}{}
		out = append(out, *id)
	}
	for _, attr := range l.KeyAttrs {
		if id, ok := ParseParamAttr(attr); ok {
			add(&id)
		}
	}
	add(l.AdditionalParamsID)
	add(l.LatitudeID)
	add(l.LongitudeID)
	add(l.AttrAsParent)
	return out
}
