package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

var (
	ErrInvalidFilter = errors.New("invalid filter field")
	ErrInvalidToken  = errors.New("invalid continuation token")
)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// collection describes a table for keyset-paginated listing.
type collection struct {
	table   string
	columns string
	// filters maps API field names to column names.
	filters map[string]string
}

func listPage[T any](ctx context.Context, db *sql.DB, c collection, opts ListOptions, scan func(rowScanner) (T, error), idOf func(T) string) (Page[T], error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var (
		where []string
		args  []any
	)
	if opts.Filter != nil {
		column, ok := c.filters[opts.Filter.Field]
		if !ok {
			return Page[T]{}, fmt.Errorf("%w: %s.%s", ErrInvalidFilter, c.table, opts.Filter.Field)
		}
		args = append(args, opts.Filter.Value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if opts.NextToken != "" {
		after, err := decodeToken(opts.NextToken)
		if err != nil {
			return Page[T]{}, err
		}
		args = append(args, after)
		where = append(where, fmt.Sprintf("id > $%d", len(args)))
	}

	query := fmt.Sprintf("SELECT %s FROM %s", c.columns, c.table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page[T]{}, fmt.Errorf("list %s: %w", c.table, err)
	}
	defer rows.Close()

	items := make([]T, 0, limit)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return Page[T]{}, fmt.Errorf("scan %s: %w", c.table, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return Page[T]{}, fmt.Errorf("iterate %s: %w", c.table, err)
	}

	page := Page[T]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextToken = encodeToken(idOf(page.Items[limit-1]))
	}
	return page, nil
}

func encodeToken(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func decodeToken(token string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(decoded) == 0 {
		return "", ErrInvalidToken
	}
	return string(decoded), nil
}

func deleteByID(ctx context.Context, db *sql.DB, table, id string) error {
	result, err := db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id=$1", table), id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
