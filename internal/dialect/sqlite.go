package dialect

import (
	"database/sql"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shakram02/mcp-db-gateway/internal/guard"
	"github.com/shakram02/mcp-db-gateway/internal/registry"
)

// SQLite implements Dialect for SQLite database files.
type SQLite struct{}

func (s *SQLite) Name() string       { return registry.DriverSQLite }
func (s *SQLite) DriverName() string { return "sqlite" }

// DSN opens the file read-only and additionally sets query_only on every
// connection in the pool.
func (s *SQLite) DSN(e registry.Entry, connectTimeout time.Duration) (string, error) {
	busy := connectTimeout.Milliseconds()
	if busy <= 0 {
		busy = 5000
	}
	return "file:" + e.Path + "?mode=ro&_pragma=query_only(1)&_pragma=busy_timeout(" +
		strconv.FormatInt(busy, 10) + ")", nil
}

func (s *SQLite) GuardOptions() guard.Options {
	return guard.Options{
		BacktickIdents: true,
		BracketIdents:  true,
		ForbiddenFunctions: []string{
			"load_extension", "writefile", "readfile", "edit", "fts3_tokenizer",
		},
	}
}

func (s *SQLite) ColumnsQuery(database, table string) (string, []any) {
	return `SELECT name, type, "notnull", dflt_value, pk
		FROM pragma_table_info(?)
		ORDER BY cid`, []any{table}
}

func (s *SQLite) ScanColumn(rows *sql.Rows) (Column, error) {
	var name, colType string
	var notNull, pk int
	var dflt sql.NullString

	if err := rows.Scan(&name, &colType, &notNull, &dflt, &pk); err != nil {
		return Column{}, err
	}
	return Column{
		Name:       name,
		Type:       colType,
		Nullable:   notNull == 0,
		Default:    nullableString(dflt),
		PrimaryKey: pk > 0,
	}, nil
}

func (s *SQLite) IndexesQuery(database, table string) (string, []any) {
	return `SELECT name, COALESCE(sql, '')
		FROM sqlite_master
		WHERE type = 'index' AND tbl_name = ?
		ORDER BY name`, []any{table}
}

func (s *SQLite) ScanIndex(rows *sql.Rows) (Index, error) {
	var idx Index
	if err := rows.Scan(&idx.Name, &idx.Definition); err != nil {
		return Index{}, err
	}
	return idx, nil
}

func (s *SQLite) TablesQuery(database string) (string, []any) {
	return `SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`, nil
}

func (s *SQLite) InfoQuery() string {
	return `SELECT 'main', '', sqlite_version(),
		(SELECT page_count FROM pragma_page_count()) * (SELECT page_size FROM pragma_page_size())`
}
