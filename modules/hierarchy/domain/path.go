package domain

import (
	"strings"

	"github.com/google/uuid"
)

// ChildPath returns the path carried by direct children of a node with the
// given path and id. Children of roots get "<root_uuid>/".
func ChildPath(parentPath string, parentID uuid.UUID) string {
	return parentPath + parentID.String() + "/"
}

// ChildPathOf is ChildPath for an optional parent: root children get "".
func ChildPathOf(parent *Node) string {
	if parent == nil {
		return ""
	}
	return ChildPath(parent.Path, parent.ID)
}

// ReplacePathPrefix rewrites one descendant path after its ancestor moved.
// The caller guarantees path starts with oldPrefix.
func ReplacePathPrefix(path, oldPrefix, newPrefix string) string {
	return newPrefix + strings.TrimPrefix(path, oldPrefix)
}
