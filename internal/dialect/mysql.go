package dialect

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/shakram02/mcp-db-gateway/internal/guard"
	"github.com/shakram02/mcp-db-gateway/internal/registry"
)

// MySQL implements Dialect for MySQL and MariaDB databases.
type MySQL struct{}

func (m *MySQL) Name() string       { return registry.DriverMySQL }
func (m *MySQL) DriverName() string { return "mysql" }

func (m *MySQL) DSN(e registry.Entry, connectTimeout time.Duration) (string, error) {
	cfg := mysql.NewConfig()
	cfg.User = e.User
	cfg.Passwd = e.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", e.Host, e.Port)
	cfg.DBName = e.Database
	cfg.Timeout = connectTimeout
	cfg.ParseTime = true
	// Params are applied with SET on every new session.
	cfg.Params = map[string]string{
		"transaction_read_only": "1",
	}
	if e.SSLMode != "" && e.SSLMode != "disable" {
		cfg.TLSConfig = "preferred"
		if e.SSLMode == "require" {
			cfg.TLSConfig = "true"
		}
	}
	return cfg.FormatDSN(), nil
}

func (m *MySQL) GuardOptions() guard.Options {
	return guard.Options{
		HashComments:             true,
		DashCommentNeedsSpace:    true,
		RejectExecutableComments: true,
		BackslashEscapes:         true,
		DoubleQuotedStrings:      true,
		BacktickIdents:           true,
		ForbiddenFunctions: []string{
			"sleep", "benchmark",
			"get_lock", "release_lock", "release_all_locks", "is_free_lock", "is_used_lock",
			"load_file",
			"master_pos_wait", "source_pos_wait",
			"wait_for_executed_gtid_set", "wait_until_sql_thread_after_gtids",
		},
		FunctionKeywords: []string{"INSERT"},
	}
}

func (m *MySQL) ColumnsQuery(database, table string) (string, []any) {
	schema, name := splitQualified(table, database)
	return `SELECT column_name, data_type, is_nullable, column_default, column_key
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, []any{schema, name}
}

func (m *MySQL) ScanColumn(rows *sql.Rows) (Column, error) {
	var name, dataType, isNullable string
	var colDefault, colKey sql.NullString

	if err := rows.Scan(&name, &dataType, &isNullable, &colDefault, &colKey); err != nil {
		return Column{}, err
	}
	return Column{
		Name:       name,
		Type:       dataType,
		Nullable:   yesNo(isNullable),
		Default:    nullableString(colDefault),
		PrimaryKey: colKey.String == "PRI",
	}, nil
}

func (m *MySQL) IndexesQuery(database, table string) (string, []any) {
	schema, name := splitQualified(table, database)
	return `SELECT index_name, GROUP_CONCAT(column_name ORDER BY seq_in_index SEPARATOR ', '), MIN(non_unique)
		FROM information_schema.statistics
		WHERE table_schema = ? AND table_name = ?
		GROUP BY index_name
		ORDER BY index_name`, []any{schema, name}
}

func (m *MySQL) ScanIndex(rows *sql.Rows) (Index, error) {
	var name, columns string
	var nonUnique int

	if err := rows.Scan(&name, &columns, &nonUnique); err != nil {
		return Index{}, err
	}

	var def strings.Builder
	switch {
	case name == "PRIMARY":
		def.WriteString("PRIMARY KEY")
	case nonUnique == 0:
		def.WriteString("UNIQUE INDEX " + name)
	default:
		def.WriteString("INDEX " + name)
	}
	def.WriteString(" (" + columns + ")")
	return Index{Name: name, Definition: def.String()}, nil
}

func (m *MySQL) TablesQuery(database string) (string, []any) {
	return `SELECT table_name FROM information_schema.tables
		WHERE table_schema = ?
		ORDER BY table_name`, []any{database}
}

func (m *MySQL) InfoQuery() string {
	return `SELECT DATABASE(), CURRENT_USER(), VERSION(),
		(SELECT COALESCE(SUM(data_length + index_length), 0)
			FROM information_schema.tables WHERE table_schema = DATABASE())`
}
