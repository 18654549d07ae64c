package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"allo/internal/domain"
)

func (r Repo) InsertBdeList(ctx context.Context, name, createdAt string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO bde_lists(name,created_at) VALUES (?,?)`, name, createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("bde list %q: %w", name, ErrDuplicate)
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetBdeList(ctx context.Context, id int64) (domain.BdeList, error) {
	var b domain.BdeList
	err := r.DB.QueryRowContext(ctx, `SELECT id,name FROM bde_lists WHERE id=?`, id).Scan(&b.ID, &b.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) ListBdeLists(ctx context.Context) ([]domain.BdeList, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name FROM bde_lists ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.BdeList{}
	for rows.Next() {
		var b domain.BdeList
		if err := rows.Scan(&b.ID, &b.Name); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}
