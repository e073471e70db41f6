package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/modules/hierarchy/services"
	"github.com/invory/hierarchies/pkg/composables"
)

const hierarchyColumns = `id, name, description, author, status, create_empty_nodes, created_at, updated_at`

type HierarchyRepository struct{}

func NewHierarchyRepository() services.HierarchyRepository {
	return &HierarchyRepository{}
}

func scanHierarchy(row pgRow) (*domain.Hierarchy, error) {
	var h domain.Hierarchy
	err := row.Scan(
		&h.ID,
		&h.Name,
		&h.Description,
		&h.Author,
		&h.Status,
		&h.CreateEmptyNodes,
		&h.CreatedAt,
		&h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *HierarchyRepository) Get(ctx context.Context, id int64) (*domain.Hierarchy, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	h, err := scanHierarchy(tx.QueryRow(ctx, `
SELECT `+hierarchyColumns+`
FROM hierarchies
WHERE id=$1
`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return h, err
}

func (r *HierarchyRepository) List(ctx context.Context) ([]domain.Hierarchy, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT `+hierarchyColumns+`
FROM hierarchies
ORDER BY id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Hierarchy
	for rows.Next() {
		h, err := scanHierarchy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func (r *HierarchyRepository) UpdateStatus(ctx context.Context, id int64, status domain.Status) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE hierarchies
SET status=$2, updated_at=now()
WHERE id=$1
`, id, status)
	return err
}

func (r *HierarchyRepository) Delete(ctx context.Context, id int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `DELETE FROM hierarchies WHERE id=$1`, id)
	return err
}
