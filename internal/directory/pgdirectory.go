package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/signoff/model"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS directory_users (
	id    TEXT PRIMARY KEY,
	role  TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_directory_users_role ON directory_users (role)`

// PgDirectory reads users from the directory_users table.
type PgDirectory struct {
	pool *pgxpool.Pool
}

// NewPgDirectory creates a PostgreSQL-backed directory.
func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

// Migrate creates the users table if it does not exist.
func (d *PgDirectory) Migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, usersSchema); err != nil {
		return fmt.Errorf("migrate directory_users: %w", err)
	}
	return nil
}

// GetUserByID returns the user with the given ID or a NOT_FOUND error.
func (d *PgDirectory) GetUserByID(ctx context.Context, id string) (model.User, error) {
	var u model.User
	err := d.pool.QueryRow(ctx,
		`SELECT id, role, email FROM directory_users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Role, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, model.NewNotFoundError(fmt.Sprintf("user %q not found", id))
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user %q: %w", id, err)
	}
	return u, nil
}

// GetUsersByRole returns every user holding role, ordered by ID.
func (d *PgDirectory) GetUsersByRole(ctx context.Context, role string) ([]model.User, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, role, email FROM directory_users WHERE role = $1 ORDER BY id`, role)
	if err != nil {
		return nil, fmt.Errorf("query users by role %q: %w", role, err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowToStructByPos[model.User])
	if err != nil {
		return nil, fmt.Errorf("scan users by role %q: %w", role, err)
	}
	return users, nil
}

// Upsert inserts or replaces a user record.
func (d *PgDirectory) Upsert(ctx context.Context, u model.User) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO directory_users (id, role, email) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, email = EXCLUDED.email`,
		u.ID, u.Role, u.Email)
	if err != nil {
		return fmt.Errorf("upsert user %q: %w", u.ID, err)
	}
	return nil
}
