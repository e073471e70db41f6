package domain

import (
	"errors"
	"time"
)

// Status is the user-visible lifecycle state of a hierarchy. Rebuilds drive
// New|Complete -> InProcess -> Complete|Error.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusInProcess Status = "IN_PROCESS"
	StatusComplete  Status = "COMPLETE"
	StatusError     Status = "ERROR"
)

// ErrInconsistent marks a structural-inconsistency detected mid-apply
// (dangling parent, missing level). The event transaction is aborted and the
// hierarchy is queued for a full rebuild.
var ErrInconsistent = errors.New("hierarchy structure is inconsistent")

var ErrNotFound = errors.New("not found")

type Hierarchy struct {
	ID               int64
	Name             string
	Description      string
	Author           string
	Status           Status
	CreateEmptyNodes bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type RebuildOrder struct {
	ID          int64
	HierarchyID int64
	OnRebuild   bool
}
