package repo

import (
	"context"
	"database/sql"
	"errors"

	"allo/internal/domain"
)

// UpsertIdentity records the latest display name seen for a phone.
func (r Repo) UpsertIdentity(ctx context.Context, id domain.Identity, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO identities(phone,first_name,last_name,updated_at) VALUES (?,?,?,?)
ON CONFLICT(phone) DO UPDATE SET first_name=excluded.first_name, last_name=excluded.last_name, updated_at=excluded.updated_at`,
		id.Phone, id.FirstName, id.LastName, updatedAt)
	return err
}

func (r Repo) GetIdentity(ctx context.Context, phone string) (domain.Identity, error) {
	var id domain.Identity
	err := r.DB.QueryRowContext(ctx, `SELECT phone,first_name,last_name FROM identities WHERE phone=?`, phone).
		Scan(&id.Phone, &id.FirstName, &id.LastName)
	if errors.Is(err, sql.ErrNoRows) {
		return id, ErrNotFound
	}
	return id, err
}
