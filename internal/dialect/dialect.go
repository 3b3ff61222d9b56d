// Package dialect captures what differs between the supported database
// engines: how to build a read-only DSN, how to lex their SQL, and how to
// ask their catalogs about tables.
package dialect

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shakram02/mcp-db-gateway/internal/guard"
	"github.com/shakram02/mcp-db-gateway/internal/registry"
)

// Dialect defines the contract for database-specific behavior.
// Each supported engine implements this interface.
type Dialect interface {
	// Name returns the registry driver key (e.g. "postgres").
	Name() string

	// DriverName returns the database/sql driver name.
	DriverName() string

	// DSN builds a connection string for e. Where the engine allows it the
	// session is opened read-only.
	DSN(e registry.Entry, connectTimeout time.Duration) (string, error)

	// GuardOptions returns the lexer rules for this engine's SQL.
	GuardOptions() guard.Options

	// ColumnsQuery returns the SQL and arguments that list the columns of a
	// table in ordinal order; ScanColumn reads one row of it.
	ColumnsQuery(database, table string) (string, []any)
	ScanColumn(rows *sql.Rows) (Column, error)

	// IndexesQuery returns the SQL and arguments that list a table's
	// indexes; ScanIndex reads one row of it.
	IndexesQuery(database, table string) (string, []any)
	ScanIndex(rows *sql.Rows) (Index, error)

	// TablesQuery returns the SQL and arguments listing user tables.
	TablesQuery(database string) (string, []any)

	// InfoQuery returns SQL producing exactly one row of
	// (database, user, version, size_bytes).
	InfoQuery() string
}

// Column is one column of a table as reported by the catalog.
type Column struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Nullable   bool    `json:"nullable"`
	Default    *string `json:"default,omitempty"`
	PrimaryKey bool    `json:"primary_key,omitempty"`
}

// Index is one index of a table.
type Index struct {
	Name       string `json:"name"`
	Definition string `json:"definition,omitempty"`
}

// ServerInfo describes the server behind a connection.
type ServerInfo struct {
	Database  string `json:"database_name"`
	User      string `json:"current_user"`
	Version   string `json:"version"`
	SizeBytes int64  `json:"size_bytes"`
}

var dialects = map[string]Dialect{
	registry.DriverPostgres:  &Postgres{},
	registry.DriverMySQL:     &MySQL{},
	registry.DriverSQLite:    &SQLite{},
	registry.DriverSQLServer: &SQLServer{},
}

// For returns the dialect for a registry driver key.
func For(driver string) (Dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	return d, nil
}

// RowScanner is satisfied by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// ScanInfo reads the single row produced by InfoQuery.
func ScanInfo(row RowScanner) (ServerInfo, error) {
	var info ServerInfo
	var database, user, version sql.NullString
	var size sql.NullInt64
	if err := row.Scan(&database, &user, &version, &size); err != nil {
		return ServerInfo{}, err
	}
	info.Database = database.String
	info.User = user.String
	info.Version = version.String
	info.SizeBytes = size.Int64
	return info, nil
}

// splitQualified splits "schema.table" and falls back to defaultSchema.
func splitQualified(table, defaultSchema string) (string, string) {
	if idx := strings.LastIndex(table, "."); idx > 0 && idx < len(table)-1 {
		return table[:idx], table[idx+1:]
	}
	return defaultSchema, table
}

func nullableString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func yesNo(s string) bool {
	return strings.EqualFold(s, "YES")
}

func timeoutSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
