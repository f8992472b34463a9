// Package capability holds the outbound collaborators that conditions and actions
// reach through: entity counts, the user directory, mail, private messages and a
// JSON HTTP client.
package capability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownKind   = errors.New("unknown entity kind")
	ErrUnknownFilter = errors.New("unknown filter field")
)

// Filter restricts a count by logical field, e.g. {"owner": 12}
type Filter map[string]any

// key renders the filter deterministically for cache keys and logs
func (f Filter) key() string {
	names := f.fields()
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%v", name, f[name])
	}
	return strings.Join(parts, ",")
}

func (f Filter) fields() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counter counts stored entities of a kind matching a filter. Read-only.
type Counter interface {
	Count(ctx context.Context, kind string, filter Filter) (int64, error)
}

// entityTable maps an entity kind to its data table and the columns a filter may use
type entityTable struct {
	table   string
	columns map[string]string
}

var entityTables = map[string]entityTable{
	"node":  {table: "node_field_data", columns: map[string]string{"owner": "uid"}},
	"post":  {table: "post_field_data", columns: map[string]string{"owner": "user_id"}},
	"group": {table: "groups_field_data", columns: map[string]string{"owner": "uid"}},
}

// PostgresCounter counts rows in the host platform's entity data tables.
// Table and column names come from a fixed allow-list; only values are parameterized.
type PostgresCounter struct {
	db *sql.DB
}

// NewPostgresCounter creates a counter over an open database
func NewPostgresCounter(db *sql.DB) *PostgresCounter {
	return &PostgresCounter{db: db}
}

// Count returns the number of kind entities matching filter
func (c *PostgresCounter) Count(ctx context.Context, kind string, filter Filter) (int64, error) {
	query, args, err := countQuery(kind, filter)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", kind, err)
	}
	return n, nil
}

func countQuery(kind string, filter Filter) (string, []any, error) {
	t, ok := entityTables[kind]
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	var b strings.Builder
	b.WriteString("SELECT COUNT(*) FROM ")
	b.WriteString(t.table)

	args := make([]any, 0, len(filter))
	for i, name := range filter.fields() {
		column, ok := t.columns[name]
		if !ok {
			return "", nil, fmt.Errorf("%w: %q for kind %s", ErrUnknownFilter, name, kind)
		}
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		args = append(args, filter[name])
		fmt.Fprintf(&b, "%s = $%d", column, len(args))
	}
	return b.String(), args, nil
}
