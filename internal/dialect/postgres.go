package dialect

import (
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/shakram02/mcp-db-gateway/internal/guard"
	"github.com/shakram02/mcp-db-gateway/internal/registry"
)

// Postgres implements Dialect for PostgreSQL databases.
type Postgres struct{}

func (p *Postgres) Name() string       { return registry.DriverPostgres }
func (p *Postgres) DriverName() string { return "postgres" }

func (p *Postgres) DSN(e registry.Entry, connectTimeout time.Duration) (string, error) {
	sslmode := e.SSLMode
	if sslmode == "" {
		sslmode = "prefer"
	}

	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("connect_timeout", strconv.Itoa(timeoutSeconds(connectTimeout)))
	q.Set("application_name", "mcp-db-gateway")
	// Unknown keys are sent as run-time parameters at session start.
	q.Set("default_transaction_read_only", "on")

	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(e.User, e.Password),
		Host:     fmt.Sprintf("%s:%d", e.Host, e.Port),
		Path:     "/" + e.Database,
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}

func (p *Postgres) GuardOptions() guard.Options {
	return guard.Options{
		NestedComments: true,
		EscapeStrings:  true,
		DollarQuotes:   true,
		ForbiddenFunctions: []string{
			"pg_sleep", "pg_sleep_for", "pg_sleep_until",
			"pg_advisory_lock", "pg_advisory_xact_lock", "pg_try_advisory_lock",
			"pg_read_file", "pg_read_binary_file", "pg_ls_dir", "pg_stat_file",
			"lo_import", "lo_export", "lo_unlink",
			"pg_terminate_backend", "pg_cancel_backend", "pg_reload_conf",
			"set_config", "nextval", "setval",
			"dblink", "dblink_exec",
		},
	}
}

func (p *Postgres) ColumnsQuery(database, table string) (string, []any) {
	schema, name := splitQualified(table, "public")
	return `SELECT c.column_name, c.data_type, c.is_nullable, c.column_default,
		EXISTS (
			SELECT 1
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage k
				ON k.constraint_name = tc.constraint_name
				AND k.table_schema = tc.table_schema
				AND k.table_name = tc.table_name
			WHERE tc.constraint_type = 'PRIMARY KEY'
				AND tc.table_schema = c.table_schema
				AND tc.table_name = c.table_name
				AND k.column_name = c.column_name
		) AS is_primary
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`, []any{schema, name}
}

func (p *Postgres) ScanColumn(rows *sql.Rows) (Column, error) {
	var name, dataType, isNullable string
	var colDefault sql.NullString
	var primary bool

	if err := rows.Scan(&name, &dataType, &isNullable, &colDefault, &primary); err != nil {
		return Column{}, err
	}
	return Column{
		Name:       name,
		Type:       dataType,
		Nullable:   yesNo(isNullable),
		Default:    nullableString(colDefault),
		PrimaryKey: primary,
	}, nil
}

func (p *Postgres) IndexesQuery(database, table string) (string, []any) {
	schema, name := splitQualified(table, "public")
	return `SELECT indexname, indexdef FROM pg_indexes
		WHERE schemaname = $1 AND tablename = $2
		ORDER BY indexname`, []any{schema, name}
}

func (p *Postgres) ScanIndex(rows *sql.Rows) (Index, error) {
	var idx Index
	if err := rows.Scan(&idx.Name, &idx.Definition); err != nil {
		return Index{}, err
	}
	return idx, nil
}

func (p *Postgres) TablesQuery(database string) (string, []any) {
	return `SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_catalog = $1
		ORDER BY table_name`, []any{database}
}

func (p *Postgres) InfoQuery() string {
	return `SELECT current_database(), current_user, version(),
		pg_database_size(current_database())`
}
