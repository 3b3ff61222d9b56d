package dialect

import (
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/denisenkom/go-mssqldb"

	"github.com/shakram02/mcp-db-gateway/internal/guard"
	"github.com/shakram02/mcp-db-gateway/internal/registry"
)

// SQLServer implements Dialect for Microsoft SQL Server.
type SQLServer struct{}

func (s *SQLServer) Name() string       { return registry.DriverSQLServer }
func (s *SQLServer) DriverName() string { return "sqlserver" }

// DSN declares read-only intent. Routing to a readable secondary depends on
// the server; the statement guard is what actually keeps writes out.
func (s *SQLServer) DSN(e registry.Entry, connectTimeout time.Duration) (string, error) {
	q := url.Values{}
	q.Set("database", e.Database)
	q.Set("app name", "mcp-db-gateway")
	q.Set("ApplicationIntent", "ReadOnly")
	q.Set("dial timeout", strconv.Itoa(timeoutSeconds(connectTimeout)))
	switch e.SSLMode {
	case "disable":
		q.Set("encrypt", "disable")
	case "require", "verify-full":
		q.Set("encrypt", "true")
	}

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(e.User, e.Password),
		Host:     fmt.Sprintf("%s:%d", e.Host, e.Port),
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}

func (s *SQLServer) GuardOptions() guard.Options {
	return guard.Options{
		NestedComments: true,
		BracketIdents:  true,
		ForbiddenFunctions: []string{
			"openrowset", "opendatasource", "openquery", "openxml",
			"xp_cmdshell", "xp_regread", "xp_dirtree", "xp_fileexist",
		},
	}
}

func (s *SQLServer) ColumnsQuery(database, table string) (string, []any) {
	schema, name := splitQualified(table, "dbo")
	return `SELECT c.COLUMN_NAME, c.DATA_TYPE, c.IS_NULLABLE, c.COLUMN_DEFAULT,
		CAST(CASE WHEN EXISTS (
			SELECT 1
			FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
			JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE k
				ON k.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
				AND k.TABLE_SCHEMA = tc.TABLE_SCHEMA
				AND k.TABLE_NAME = tc.TABLE_NAME
			WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
				AND tc.TABLE_SCHEMA = c.TABLE_SCHEMA
				AND tc.TABLE_NAME = c.TABLE_NAME
				AND k.COLUMN_NAME = c.COLUMN_NAME
		) THEN 1 ELSE 0 END AS bit)
		FROM INFORMATION_SCHEMA.COLUMNS c
		WHERE c.TABLE_SCHEMA = @p1 AND c.TABLE_NAME = @p2
		ORDER BY c.ORDINAL_POSITION`, []any{schema, name}
}

func (s *SQLServer) ScanColumn(rows *sql.Rows) (Column, error) {
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

func (s *SQLServer) IndexesQuery(database, table string) (string, []any) {
	schema, name := splitQualified(table, "dbo")
	return `SELECT i.name, i.type_desc, i.is_unique, i.is_primary_key
		FROM sys.indexes i
		WHERE i.object_id = OBJECT_ID(@p1) AND i.name IS NOT NULL
		ORDER BY i.name`, []any{schema + "." + name}
}

func (s *SQLServer) ScanIndex(rows *sql.Rows) (Index, error) {
	var name, typeDesc string
	var unique, primary bool

	if err := rows.Scan(&name, &typeDesc, &unique, &primary); err != nil {
		return Index{}, err
	}

	parts := []string{}
	switch {
	case primary:
		parts = append(parts, "PRIMARY KEY")
	case unique:
		parts = append(parts, "UNIQUE")
	}
	parts = append(parts, typeDesc)
	return Index{Name: name, Definition: strings.Join(parts, " ")}, nil
}

func (s *SQLServer) TablesQuery(database string) (string, []any) {
	return `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = 'dbo' AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME`, nil
}

func (s *SQLServer) InfoQuery() string {
	return `SELECT DB_NAME(), SUSER_SNAME(), @@VERSION,
		(SELECT CAST(SUM(size) AS bigint) * 8192 FROM sys.database_files)`
}
