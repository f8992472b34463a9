package capability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrUserNotFound is returned when a uid has no account
var ErrUserNotFound = errors.New("user not found")

// User is an account of the host platform
type User struct {
	ID   int64
	Name string
	Mail string
}

// UserDirectory resolves user ids to accounts
type UserDirectory interface {
	Lookup(ctx context.Context, uid int64) (User, error)
}

// PostgresDirectory reads accounts from the host platform's users table
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory over an open database
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// Lookup returns the account for uid
func (d *PostgresDirectory) Lookup(ctx context.Context, uid int64) (User, error) {
	query := `SELECT uid, name, mail FROM users_field_data WHERE uid = $1`

	var u User
	var mail sql.NullString
	err := d.db.QueryRowContext(ctx, query, uid).Scan(&u.ID, &u.Name, &mail)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: %d", ErrUserNotFound, uid)
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to look up user %d: %w", uid, err)
	}
	u.Mail = mail.String
	return u, nil
}
