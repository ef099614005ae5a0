// Package store provides the read-only SQLite data source, including the
// per-session scoped handles that make other stores' rows structurally
// unreachable for merchant sessions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	errx "github.com/dataquery-core-poc/server/internal/core/error"
	"github.com/dataquery-core-poc/server/internal/scope"
	logx "github.com/dataquery-core-poc/server/pkg/logger"
	_ "modernc.org/sqlite"
)

// Config locates the dataset file and bounds statement execution time.
type Config struct {
	Path                string `envconfig:"DATASET_PATH" default:"processed/dashboard_chatbot.db"`
	QueryTimeoutSeconds int    `envconfig:"QUERY_TIMEOUT_SECONDS" default:"15"`
}

// ErrNotReadOnly is returned when a statement fails the read-only shape check
// at the executor boundary. The prompt-side guard should have caught it first;
// this is defense in depth against untrusted model output.
var ErrNotReadOnly = errors.New("statement is not a read-only query")

// SQLiteSource is the shared, read-only handle on the full dataset file.
type SQLiteSource struct {
	db      *sql.DB
	path    string
	timeout time.Duration
}

// Open opens the dataset read-only. Every connection carries query_only so no
// code path can mutate the data, whatever statement text reaches it.
func Open(cfg Config) (*SQLiteSource, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=query_only(1)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errx.WrapSQLite(fmt.Errorf("open dataset: %w", err))
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errx.WrapSQLite(fmt.Errorf("ping dataset: %w", err))
	}

	timeout := time.Duration(cfg.QueryTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &SQLiteSource{db: db, path: cfg.Path, timeout: timeout}, nil
}

// Close releases the shared dataset handle.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

// StoreIDByName resolves a merchant display name against the stores table.
// Returns "" when the name is unknown.
func (s *SQLiteSource) StoreIDByName(ctx context.Context, name string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT store_id FROM stores WHERE name = ? LIMIT 1`, name)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", errx.WrapSQLite(fmt.Errorf("lookup store %q: %w", name, err))
	}
	return id, nil
}

// StoreNames lists the known merchant names, used to validate and display the
// merchant selection at session start.
func (s *SQLiteSource) StoreNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM stores ORDER BY name`)
	if err != nil {
		return nil, errx.WrapSQLite(fmt.Errorf("list stores: %w", err))
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errx.WrapSQLite(fmt.Errorf("scan store name: %w", err))
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapSQLite(err)
	}
	return names, nil
}

// ScopedSource is a per-session queryable view of the dataset. For restricted
// scopes it owns a private in-memory database holding only the permitted
// store's rows, so cross-store data is unreachable by construction.
type ScopedSource struct {
	db      *sql.DB
	timeout time.Duration
	owned   bool
}

// Scoped builds the session's queryable handle. An unrestricted scope shares
// the read-only base handle. A restricted scope materializes a filtered copy
// of the three tables into a fresh in-memory database (the attach/copy runs
// on a single pinned connection, then the copy is flipped to query_only), the
// same pre-filtered-database approach the dashboard pipeline uses for
// merchant exports.
func (s *SQLiteSource) Scoped(ctx context.Context, sc scope.Scope) (*ScopedSource, error) {
	if !sc.IsRestricted() {
		return &ScopedSource{db: s.db, timeout: s.timeout}, nil
	}

	mem, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, errx.WrapSQLite(fmt.Errorf("open scoped copy: %w", err))
	}
	// A single pinned connection keeps the in-memory database, the attach and
	// the query_only pragma alive for the session lifetime.
	mem.SetMaxOpenConns(1)
	mem.SetMaxIdleConns(1)
	mem.SetConnMaxLifetime(0)

	steps := []struct {
		stmt string
		args []any
	}{
		{`ATTACH DATABASE ? AS base`, []any{s.path}},
		{`CREATE TABLE stores AS SELECT * FROM base.stores WHERE store_id = ?`, []any{sc.StoreID()}},
		{`CREATE TABLE orders AS SELECT * FROM base.orders WHERE store_id = ?`, []any{sc.StoreID()}},
		{`CREATE TABLE customers AS SELECT * FROM base.customers WHERE store_id = ?`, []any{sc.StoreID()}},
		{`DETACH DATABASE base`, nil},
		{`PRAGMA query_only = ON`, nil},
	}
	for _, step := range steps {
		if _, err := mem.ExecContext(ctx, step.stmt, step.args...); err != nil {
			_ = mem.Close()
			return nil, errx.WrapSQLite(fmt.Errorf("build scoped copy: %w", err))
		}
	}

	logx.Debug().Str("store_id", sc.StoreID()).Str("store", sc.StoreName()).Msg("scoped data source ready")
	return &ScopedSource{db: mem, timeout: s.timeout, owned: true}, nil
}

// Close releases the scoped handle. The shared base handle is left open.
func (s *ScopedSource) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Query executes one read-only statement against the scoped data and renders
// the rows. Engine errors come back as plain errors for the caller to fold
// into an ExecutionFailure; only context cancellation is passed through
// unchanged so an abandoned turn aborts instead of retrying.
func (s *ScopedSource) Query(ctx context.Context, statement string) (*RowSet, error) {
	if !isReadOnlyStatement(statement) {
		return nil, ErrNotReadOnly
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(queryCtx, statement)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &RowSet{Columns: cols}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rendered := make([]string, len(cols))
		for i, v := range values {
			rendered[i] = formatValue(v)
		}
		result.Rows = append(result.Rows, rendered)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// isReadOnlyStatement is the executor-side shape check: SELECT or WITH only.
// The full verb guard lives with the statement parser; this check exists so
// no path around the parser can ever run a mutating statement.
func isReadOnlyStatement(statement string) bool {
	normalized := strings.ToLower(strings.TrimSpace(statement))
	if normalized == "" {
		return false
	}
	return strings.HasPrefix(normalized, "select") || strings.HasPrefix(normalized, "with")
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "1"
		}
		return "0"
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}
