package domain

// Entity classes crossing the change topics. Upstream events carry the
// inventory classes; downstream events carry the hierarchy entity classes.
type Class string

const (
	ClassMO   Class = "MO"
	ClassTMO  Class = "TMO"
	ClassPRM  Class = "PRM"
	ClassTPRM Class = "TPRM"

	ClassHierarchy           Class = "Hierarchy"
	ClassLevel               Class = "Level"
	ClassObj                 Class = "Obj"
	ClassNodeData            Class = "NodeData"
	ClassHierarchyPermission Class = "HierarchyPermission"
)

type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
)

// InventoryClasses are the recognized upstream event classes; anything else
// on the stream is acknowledged and skipped.
var InventoryClasses = map[Class]struct{}{
	ClassMO:   {},
	ClassTMO:  {},
	ClassPRM:  {},
	ClassTPRM: {},
}

func ValidKind(k Kind) bool {
	switch k {
	case KindCreated, KindUpdated, KindDeleted:
		return true
	}
	return false
}

// InventoryEvent is one decoded upstream change event.
type InventoryEvent struct {
	Class Class
	Kind  Kind

	// Populated depending on Class.
	MOs   []MO
	TMOs  []TMO
	PRMs  []PRM
	TPRMs []TPRM
}

// Change is one committed entity mutation, fanned out downstream keyed
// "<Class>:<kind>".
type Change struct {
	Class  Class
	Kind   Kind
	Entity any
}

// ChangeSet collects the mutations committed by one core operation on one
// hierarchy, in apply order.
type ChangeSet struct {
	HierarchyID int64
	Changes     []Change
}

func (cs *ChangeSet) Add(class Class, kind Kind, entity any) {
	cs.Changes = append(cs.Changes, Change{Class: class, Kind: kind, Entity: entity})
}

func (cs *ChangeSet) Empty() bool {
	return len(cs.Changes) == 0
}
