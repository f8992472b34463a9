package capability

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lookupQuery = "SELECT uid, name, mail FROM users_field_data WHERE uid = $1"

func TestPostgresDirectory_Lookup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	dir := NewPostgresDirectory(db)
	ctx := context.Background()

	// 1. Known account
	mock.ExpectQuery(regexp.QuoteMeta(lookupQuery)).
		WithArgs(int64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"uid", "name", "mail"}).AddRow(12, "ada", "ada@example.org"))

	u, err := dir.Lookup(ctx, 12)
	assert.NoError(t, err)
	assert.Equal(t, User{ID: 12, Name: "ada", Mail: "ada@example.org"}, u)

	// 2. Account without mail
	mock.ExpectQuery(regexp.QuoteMeta(lookupQuery)).
		WithArgs(int64(13)).
		WillReturnRows(sqlmock.NewRows([]string{"uid", "name", "mail"}).AddRow(13, "bob", nil))

	u, err = dir.Lookup(ctx, 13)
	assert.NoError(t, err)
	assert.Empty(t, u.Mail)

	// 3. Missing account
	mock.ExpectQuery(regexp.QuoteMeta(lookupQuery)).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"uid", "name", "mail"}))

	_, err = dir.Lookup(ctx, 99)
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
