package domain

import "strconv"

// Upstream inventory snapshots as they arrive on the change stream or from
// the inventory RPC.

const TPRMKindMOLink = "mo_link"

type MO struct {
	ID     int64
	Name   string
	Label  string
	Status string
	TmoID  int64
	// Inventory parent id; nil for inventory roots.
	PID    *int64
	Active bool
	// Parameter values keyed by TPRM id. A present key with a nil value
	// means the parameter is explicitly unset.
	Params map[int64]*string
}

// AttrValues maps the MO onto the key-attribute namespace: reserved
// attribute names plus decimal TPRM ids.
func (m MO) AttrValues() map[string]any {
	values := map[string]any{
		"name":   m.Name,
		"label":  m.Label,
		"status": m.Status,
	}
	if m.Label == "" {
		values["label"] = nil
	}
	if m.Status == "" {
		values["status"] = nil
	}
	for id, v := range m.Params {
		if v == nil {
			values[strconv.FormatInt(id, 10)] = nil
		} else {
			values[strconv.FormatInt(id, 10)] = *v
		}
	}
	return values
}

type TMO struct {
	ID   int64
	Name string
}

type TPRM struct {
	ID       int64
	TmoID    int64
	Name     string
	Kind     string
	Multiple bool
}

// PRM is one parameter change from a PRM:created/updated/deleted event.
// Value is nil on delete.
type PRM struct {
	MOID   int64
	TprmID int64
	Value  *string
}

// ParseParamAttr reports whether a key attribute is the decimal string of a
// parameter-type id, and returns that id.
func ParseParamAttr(attr string) (int64, bool) {
	if _, reserved := ReservedKeyAttrs[attr]; reserved {
		return 0, false
	}
	id, err := strconv.ParseInt(attr, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
