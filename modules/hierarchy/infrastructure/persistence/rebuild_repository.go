package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/modules/hierarchy/services"
	"github.com/invory/hierarchies/pkg/composables"
)

type RebuildRepository struct{}

func NewRebuildRepository() services.RebuildRepository {
	return &RebuildRepository{}
}

func (r *RebuildRepository) Enqueue(ctx context.Context, hierarchyID int64) (*domain.RebuildOrder, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	order := &domain.RebuildOrder{HierarchyID: hierarchyID}
	err = tx.QueryRow(ctx, `
INSERT INTO hierarchy_rebuild_orders (hierarchy_id)
VALUES ($1)
ON CONFLICT (hierarchy_id) WHERE NOT on_rebuild DO NOTHING
RETURNING id
`, hierarchyID).Scan(&order.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		// A pending order already exists; return it.
		err = tx.QueryRow(ctx, `
SELECT id FROM hierarchy_rebuild_orders
WHERE hierarchy_id=$1 AND NOT on_rebuild
`, hierarchyID).Scan(&order.ID)
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *RebuildRepository) NextPending(ctx context.Context) (*domain.RebuildOrder, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	var o domain.RebuildOrder
	err = tx.QueryRow(ctx, `
SELECT id, hierarchy_id, on_rebuild
FROM hierarchy_rebuild_orders
WHERE NOT on_rebuild
ORDER BY id
LIMIT 1
`).Scan(&o.ID, &o.HierarchyID, &o.OnRebuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *RebuildRepository) MarkInProgress(ctx context.Context, id int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE hierarchy_rebuild_orders
SET on_rebuild=true
WHERE id=$1
`, id)
	return err
}

func (r *RebuildRepository) ListInProgress(ctx context.Context) ([]domain.RebuildOrder, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT id, hierarchy_id, on_rebuild
FROM hierarchy_rebuild_orders
WHERE on_rebuild
ORDER BY id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RebuildOrder
	for rows.Next() {
		var o domain.RebuildOrder
		if err := rows.Scan(&o.ID, &o.HierarchyID, &o.OnRebuild); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *RebuildRepository) Delete(ctx context.Context, id int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `DELETE FROM hierarchy_rebuild_orders WHERE id=$1`, id)
	return err
}
