package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/modules/hierarchy/services"
	"github.com/invory/hierarchies/pkg/composables"
)

const levelColumns = `id, hierarchy_id, level, name, object_type_id, is_virtual,
	param_type_id, additional_params_id, latitude_id, longitude_id,
	key_attrs, attr_as_parent, parent_id`

type LevelRepository struct{}

func NewLevelRepository() services.LevelRepository {
	return &LevelRepository{}
}

func scanLevel(row pgRow) (*domain.Level, error) {
	var l domain.Level
	var paramType, additional, lat, lon, attrAsParent, parent pgtype.Int8
	err := row.Scan(
		&l.ID,
		&l.HierarchyID,
		&l.Level,
		&l.Name,
		&l.ObjectTypeID,
		&l.IsVirtual,
		&paramType,
		&additional,
		&lat,
		&lon,
		&l.KeyAttrs,
		&attrAsParent,
		&parent,
	)
	if err != nil {
		return nil, err
	}
	l.ParamTypeID = asInt8Ptr(paramType)
	l.AdditionalParamsID = asInt8Ptr(additional)
	l.LatitudeID = asInt8Ptr(lat)
	l.LongitudeID = asInt8Ptr(lon)
	l.AttrAsParent = asInt8Ptr(attrAsParent)
	l.ParentID = asInt8Ptr(parent)
	return &l, nil
}

func (r *LevelRepository) list(ctx context.Context, query string, args ...any) ([]domain.Level, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Level
	for rows.Next() {
		l, err := scanLevel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (r *LevelRepository) Get(ctx context.Context, id int64) (*domain.Level, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	l, err := scanLevel(tx.QueryRow(ctx, `
SELECT `+levelColumns+`
FROM hierarchy_levels
WHERE id=$1
`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (r *LevelRepository) ListByHierarchy(ctx context.Context, hierarchyID int64) ([]domain.Level, error) {
	return r.list(ctx, `
SELECT `+levelColumns+`
FROM hierarchy_levels
WHERE hierarchy_id=$1
ORDER BY level, id
`, hierarchyID)
}

func (r *LevelRepository) ListByKeyAttrOverlap(ctx context.Context, hierarchyID int64, attrs []string) ([]domain.Level, error) {
	return r.list(ctx, `
SELECT `+levelColumns+`
FROM hierarchy_levels
WHERE hierarchy_id=$1 AND key_attrs && $2::text[]
ORDER BY level, id
`, hierarchyID, attrs)
}

func (r *LevelRepository) ListByAttrAsParent(ctx context.Context, hierarchyID int64, tprmIDs []int64) ([]domain.Level, error) {
	return r.list(ctx, `
SELECT `+levelColumns+`
FROM hierarchy_levels
WHERE hierarchy_id=$1 AND attr_as_parent = ANY($2)
ORDER BY level, id
`, hierarchyID, tprmIDs)
}

func (r *LevelRepository) ListChildren(ctx context.Context, levelID int64) ([]domain.Level, error) {
	return r.list(ctx, `
SELECT `+levelColumns+`
FROM hierarchy_levels
WHERE parent_id=$1
ORDER BY id
`, levelID)
}

func (r *LevelRepository) UpdateKeyAttrs(ctx context.Context, id int64, keyAttrs []string) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE hierarchy_levels
SET key_attrs=$2::text[]
WHERE id=$1
`, id, keyAttrs)
	return err
}

func (r *LevelRepository) UpdateParent(ctx context.Context, id int64, parentID *int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE hierarchy_levels
SET parent_id=$2
WHERE id=$1
`, id, pgInt8(parentID))
	return err
}

func (r *LevelRepository) ShiftDepth(ctx context.Context, hierarchyID int64, deeperThan int, delta int) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE hierarchy_levels
SET level = level + $3
WHERE hierarchy_id=$1 AND level > $2
`, hierarchyID, deeperThan, delta)
	return err
}

func (r *LevelRepository) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `DELETE FROM hierarchy_levels WHERE id = ANY($1)`, ids)
	return err
}
