package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/modules/hierarchy/services"
	"github.com/invory/hierarchies/pkg/composables"
)

const nodeColumns = `id, hierarchy_id, level_id, level, object_type_id, object_id,
	key, additional_params, latitude, longitude, parent_id, path, child_count, active`

const nodeDataColumns = `id, node_id, level_id, mo_id, mo_name, mo_latitude,
	mo_longitude, mo_status, mo_tmo_id, mo_p_id, mo_active, unfolded_key`

type NodeRepository struct{}

func NewNodeRepository() services.NodeRepository {
	return &NodeRepository{}
}

func scanNode(row pgRow) (*domain.Node, error) {
	var n domain.Node
	var objectID pgtype.Int8
	var additional pgtype.Text
	var lat, lon pgtype.Float8
	var parent pgtype.UUID
	err := row.Scan(
		&n.ID,
		&n.HierarchyID,
		&n.LevelID,
		&n.Level,
		&n.ObjectTypeID,
		&objectID,
		&n.Key,
		&additional,
		&lat,
		&lon,
		&parent,
		&n.Path,
		&n.ChildCount,
		&n.Active,
	)
	if err != nil {
		return nil, err
	}
	n.ObjectID = asInt8Ptr(objectID)
	n.AdditionalParams = asTextPtr(additional)
	n.Latitude = asFloat8Ptr(lat)
	n.Longitude = asFloat8Ptr(lon)
	n.ParentID = asUUIDPtr(parent)
	return &n, nil
}

func scanNodeData(row pgRow) (*domain.NodeData, error) {
	var nd domain.NodeData
	var lat, lon pgtype.Float8
	var status pgtype.Text
	var pid pgtype.Int8
	var unfolded []byte
	err := row.Scan(
		&nd.ID,
		&nd.NodeID,
		&nd.LevelID,
		&nd.MOID,
		&nd.MOName,
		&lat,
		&lon,
		&status,
		&nd.MOTmoID,
		&pid,
		&nd.MOActive,
		&unfolded,
	)
	if err != nil {
		return nil, err
	}
	nd.MOLatitude = asFloat8Ptr(lat)
	nd.MOLongitude = asFloat8Ptr(lon)
	nd.MOStatus = asTextPtr(status)
	nd.MOPID = asInt8Ptr(pid)
	if len(unfolded) > 0 {
		if err := json.Unmarshal(unfolded, &nd.UnfoldedKey); err != nil {
			return nil, err
		}
	}
	return &nd, nil
}

func (r *NodeRepository) one(ctx context.Context, query string, args ...any) (*domain.Node, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	n, err := scanNode(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return n, err
}

func (r *NodeRepository) many(ctx context.Context, query string, args ...any) ([]domain.Node, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (r *NodeRepository) Insert(ctx context.Context, n *domain.Node) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO hierarchy_nodes (
	id, hierarchy_id, level_id, level, object_type_id, object_id,
	key, additional_params, latitude, longitude, parent_id, path, child_count, active
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`,
		pgUUID(n.ID), n.HierarchyID, n.LevelID, n.Level, n.ObjectTypeID, pgInt8(n.ObjectID),
		n.Key, pgText(n.AdditionalParams), pgFloat8(n.Latitude), pgFloat8(n.Longitude),
		pgUUIDPtr(n.ParentID), n.Path, n.ChildCount, n.Active,
	)
	return err
}

func (r *NodeRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Node, error) {
	return r.one(ctx, `
SELECT `+nodeColumns+`
FROM hierarchy_nodes
WHERE id=$1
`, pgUUID(id))
}

func (r *NodeRepository) ByObject(ctx context.Context, levelID int64, objectID int64) (*domain.Node, error) {
	return r.one(ctx, `
SELECT `+nodeColumns+`
FROM hierarchy_nodes
WHERE level_id=$1 AND object_id=$2
LIMIT 1
`, levelID, objectID)
}

func (r *NodeRepository) ByCoords(ctx context.Context, levelID int64, parentID *uuid.UUID, key string) (*domain.Node, error) {
	return r.one(ctx, `
SELECT `+nodeColumns+`
FROM hierarchy_nodes
WHERE level_id=$1 AND parent_id IS NOT DISTINCT FROM $2 AND key=$3
LIMIT 1
`, levelID, pgUUIDPtr(parentID), key)
}

func (r *NodeRepository) ByLevelAndMO(ctx context.Context, levelID int64, moID int64) (*domain.Node, error) {
	return r.one(ctx, `
SELECT n.id, n.hierarchy_id, n.level_id, n.level, n.object_type_id, n.object_id,
	n.key, n.additional_params, n.latitude, n.longitude, n.parent_id, n.path, n.child_count, n.active
FROM hierarchy_nodes n
JOIN hierarchy_node_data d ON d.node_id = n.id
WHERE d.level_id=$1 AND d.mo_id=$2
LIMIT 1
`, levelID, moID)
}

func (r *NodeRepository) Children(ctx context.Context, parentID uuid.UUID) ([]domain.Node, error) {
	return r.many(ctx, `
SELECT `+nodeColumns+`
FROM hierarchy_nodes
WHERE parent_id=$1
ORDER BY id
`, pgUUID(parentID))
}

func (r *NodeRepository) DescendantsByPath(ctx context.Context, hierarchyID int64, pathPrefix string) ([]domain.Node, error) {
	// Paths are uuid/slash strings; no LIKE metacharacters to escape.
	return r.many(ctx, `
SELECT `+nodeColumns+`
FROM hierarchy_nodes
WHERE hierarchy_id=$1 AND path LIKE $2 || '%'
ORDER BY path, id
`, hierarchyID, pathPrefix)
}

func (r *NodeRepository) ListByLevel(ctx context.Context, levelID int64, afterID uuid.UUID, limit int) ([]domain.Node, error) {
	return r.many(ctx, `
SELECT `+nodeColumns+`
FROM hierarchy_nodes
WHERE level_id=$1 AND id > $2
ORDER BY id
LIMIT $3
`, levelID, pgUUID(afterID), limit)
}

func (r *NodeRepository) UpdateKey(ctx context.Context, id uuid.UUID, key string) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE hierarchy_nodes
SET key=$2
WHERE id=$1
`, pgUUID(id), key)
	return err
}

func (r *NodeRepository) UpdateProjection(ctx context.Context, id uuid.UUID, key string, additionalParams *string, latitude, longitude *float64, active bool) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE hierarchy_nodes
SET key=$2, additional_params=$3, latitude=$4, longitude=$5, active=$6
WHERE id=$1
`, pgUUID(id), key, pgText(additionalParams), pgFloat8(latitude), pgFloat8(longitude), active)
	return err
}

func (r *NodeRepository) UpdateParent(ctx context.Context, id uuid.UUID, parentID *uuid.UUID, path string) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE hierarchy_nodes
SET parent_id=$2, path=$3
WHERE id=$1
`, pgUUID(id), pgUUIDPtr(parentID), path)
	return err
}

func (r *NodeRepository) RewritePathPrefix(ctx context.Context, hierarchyID int64, oldPrefix, newPrefix string) (int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	// Paths are uuid/slash strings; no LIKE metacharacters to escape.
	tag, err := tx.Exec(ctx, `
UPDATE hierarchy_nodes
SET path = $3 || substr(path, length($2) + 1)
WHERE hierarchy_id=$1 AND path LIKE $2 || '%'
`, hierarchyID, oldPrefix, newPrefix)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *NodeRepository) ShiftDepth(ctx context.Context, hierarchyID int64, deeperThan int, delta int) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE hierarchy_nodes
SET level = level + $3
WHERE hierarchy_id=$1 AND level > $2
`, hierarchyID, deeperThan, delta)
	return err
}

func (r *NodeRepository) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `DELETE FROM hierarchy_nodes WHERE id = ANY($1)`, pgUUIDArray(ids))
	return err
}

func (r *NodeRepository) DeleteByLevel(ctx context.Context, levelID int64, limit int) ([]uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
DELETE FROM hierarchy_nodes
WHERE id IN (SELECT id FROM hierarchy_nodes WHERE level_id=$1 LIMIT $2)
RETURNING id
`, levelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *NodeRepository) DeleteByHierarchy(ctx context.Context, hierarchyID int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `DELETE FROM hierarchy_nodes WHERE hierarchy_id=$1`, hierarchyID)
	return err
}

func (r *NodeRepository) RecomputeChildCounts(ctx context.Context, parentIDs []uuid.UUID) error {
	if len(parentIDs) == 0 {
		return nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE hierarchy_nodes n
SET child_count = (SELECT count(*) FROM hierarchy_nodes c WHERE c.parent_id = n.id AND c.active)
WHERE n.id = ANY($1)
`, pgUUIDArray(parentIDs))
	return err
}

func (r *NodeRepository) RecomputeChildCountsForLevel(ctx context.Context, levelID int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE hierarchy_nodes n
SET child_count = (SELECT count(*) FROM hierarchy_nodes c WHERE c.parent_id = n.id AND c.active)
WHERE n.level_id=$1
`, levelID)
	return err
}

func (r *NodeRepository) CountByHierarchy(ctx context.Context, hierarchyID int64) (int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	err = tx.QueryRow(ctx, `SELECT count(*) FROM hierarchy_nodes WHERE hierarchy_id=$1`, hierarchyID).Scan(&n)
	return n, err
}

func (r *NodeRepository) DistinctParentsOfLevel(ctx context.Context, levelID int64) ([]uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT DISTINCT parent_id
FROM hierarchy_nodes
WHERE level_id=$1 AND parent_id IS NOT NULL
`, levelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *NodeRepository) InsertData(ctx context.Context, nd *domain.NodeData) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	unfolded, err := json.Marshal(nd.UnfoldedKey)
	if err != nil {
		return err
	}
	return tx.QueryRow(ctx, `
INSERT INTO hierarchy_node_data (
	node_id, level_id, mo_id, mo_name, mo_latitude, mo_longitude,
	mo_status, mo_tmo_id, mo_p_id, mo_active, unfolded_key
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::jsonb)
RETURNING id
`,
		pgUUID(nd.NodeID), nd.LevelID, nd.MOID, nd.MOName,
		pgFloat8(nd.MOLatitude), pgFloat8(nd.MOLongitude), pgText(nd.MOStatus),
		nd.MOTmoID, pgInt8(nd.MOPID), nd.MOActive, string(unfolded),
	).Scan(&nd.ID)
}

func (r *NodeRepository) DataByMO(ctx context.Context, levelID int64, moID int64) (*domain.NodeData, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	nd, err := scanNodeData(tx.QueryRow(ctx, `
SELECT `+nodeDataColumns+`
FROM hierarchy_node_data
WHERE level_id=$1 AND mo_id=$2
LIMIT 1
`, levelID, moID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return nd, err
}

func (r *NodeRepository) manyData(ctx context.Context, query string, args ...any) ([]domain.NodeData, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.NodeData
	for rows.Next() {
		nd, err := scanNodeData(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *nd)
	}
	return out, rows.Err()
}

func (r *NodeRepository) DataByMOs(ctx context.Context, levelID int64, moIDs []int64) ([]domain.NodeData, error) {
	if len(moIDs) == 0 {
		return nil, nil
	}
	return r.manyData(ctx, `
SELECT `+nodeDataColumns+`
FROM hierarchy_node_data
WHERE level_id=$1 AND mo_id = ANY($2)
ORDER BY id
`, levelID, moIDs)
}

func (r *NodeRepository) ListDataByLevel(ctx context.Context, levelID int64, afterID int64, limit int) ([]domain.NodeData, error) {
	return r.manyData(ctx, `
SELECT `+nodeDataColumns+`
FROM hierarchy_node_data
WHERE level_id=$1 AND id > $2
ORDER BY id
LIMIT $3
`, levelID, afterID, limit)
}

func (r *NodeRepository) DeleteDataByMOs(ctx context.Context, levelIDs []int64, moIDs []int64) ([]uuid.UUID, error) {
	if len(levelIDs) == 0 || len(moIDs) == 0 {
		return nil, nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
DELETE FROM hierarchy_node_data
WHERE level_id = ANY($1) AND mo_id = ANY($2)
RETURNING node_id
`, levelIDs, moIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := map[uuid.UUID]struct{}{}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *NodeRepository) DeleteDataByLevel(ctx context.Context, levelID int64, limit int) (int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `
DELETE FROM hierarchy_node_data
WHERE id IN (SELECT id FROM hierarchy_node_data WHERE level_id=$1 LIMIT $2)
`, levelID, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *NodeRepository) MoveData(ctx context.Context, dataID int64, toNodeID uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE hierarchy_node_data
SET node_id=$2
WHERE id=$1
`, dataID, pgUUID(toNodeID))
	return err
}

func (r *NodeRepository) UpdateDataUnfoldedKey(ctx context.Context, dataID int64, unfolded map[string]any) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(unfolded)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE hierarchy_node_data
SET unfolded_key=$2::jsonb
WHERE id=$1
`, dataID, string(raw))
	return err
}

func (r *NodeRepository) UpdateDataMOFields(ctx context.Context, dataID int64, mo domain.MO) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	var status *string
	if mo.Status != "" {
		status = &mo.Status
	}
	_, err = tx.Exec(ctx, `
UPDATE hierarchy_node_data
SET mo_name=$2, mo_status=$3, mo_p_id=$4, mo_active=$5
WHERE id=$1
`, dataID, mo.Name, pgText(status), pgInt8(mo.PID), mo.Active)
	return err
}

func (r *NodeRepository) StripDataKeyAttr(ctx context.Context, levelID int64, attr string) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE hierarchy_node_data
SET unfolded_key = unfolded_key - $2
WHERE level_id=$1
`, levelID, attr)
	return err
}

func (r *NodeRepository) CountData(ctx context.Context, nodeID uuid.UUID) (int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	err = tx.QueryRow(ctx, `SELECT count(*) FROM hierarchy_node_data WHERE node_id=$1`, pgUUID(nodeID)).Scan(&n)
	return n, err
}
