package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/shakram02/mcp-db-gateway/internal/apperr"
	"github.com/shakram02/mcp-db-gateway/internal/dialect"
	"github.com/shakram02/mcp-db-gateway/internal/registry"
	"github.com/shakram02/mcp-db-gateway/internal/requestlog"
	"github.com/shakram02/mcp-db-gateway/internal/schema"
)

// DatabaseList is the result of list_databases.
type DatabaseList struct {
	Databases []registry.Summary `json:"databases"`
	Count     int                `json:"count"`
}

// DatabaseInfo is the result of database_info.
type DatabaseInfo struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`
	dialect.ServerInfo
	Size   string   `json:"database_size"`
	Tables []string `json:"tables"`
}

// DatabaseSchema is the result of describe_database.
type DatabaseSchema struct {
	Database string         `json:"database"`
	Tables   []schema.Table `json:"tables"`
	// Skipped maps tables that could not be described to the reason.
	Skipped map[string]string `json:"skipped,omitempty"`
}

// Invalidation is the result of invalidate_schema.
type Invalidation struct {
	Database string `json:"database"`
	Table    string `json:"table,omitempty"`
	Removed  int    `json:"removed"`
}

// ConnectionStatus reports whether one database could be reached.
type ConnectionStatus struct {
	Name     string        `json:"name"`
	Driver   string        `json:"driver"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (g *Gateway) listDatabases(ctx context.Context, req Request, rec *requestlog.Record) (any, error) {
	summaries := g.reg.Summaries()
	return DatabaseList{Databases: summaries, Count: len(summaries)}, nil
}

func (g *Gateway) describeTable(ctx context.Context, req Request, rec *requestlog.Record) (any, error) {
	if _, err := g.lookup(req.Database); err != nil {
		return nil, err
	}
	if req.Table == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "table is required")
	}
	return g.schemas.Describe(ctx, req.Database, req.Table)
}

func (g *Gateway) databaseInfo(ctx context.Context, req Request, rec *requestlog.Record) (any, error) {
	entry, err := g.lookup(req.Database)
	if err != nil {
		return nil, err
	}

	conn, err := g.conns.Acquire(ctx, req.Database)
	if err != nil {
		return nil, err
	}

	qctx, cancel := context.WithTimeout(ctx, g.limits.QueryTimeout)
	defer cancel()

	rows, err := conn.Session.QueryContext(qctx, conn.Dialect.InfoQuery())
	if err != nil {
		return nil, g.executionError(qctx, conn, err)
	}
	var info dialect.ServerInfo
	if rows.Next() {
		info, err = dialect.ScanInfo(rows)
	} else {
		err = rows.Err()
	}
	rows.Close()
	if err != nil {
		return nil, g.executionError(qctx, conn, err)
	}

	tables, err := g.schemas.ListTables(ctx, req.Database)
	if err != nil {
		return nil, err
	}

	return DatabaseInfo{
		Name:       entry.Name,
		Driver:     entry.Driver,
		ServerInfo: info,
		Size:       humanize.IBytes(uint64(max(info.SizeBytes, 0))),
		Tables:     tables,
	}, nil
}

// describeDatabase describes every table through the schema cache with
// bounded parallelism. Tables that vanish or fail to describe are reported
// in Skipped; connection-level failures fail the whole request.
func (g *Gateway) describeDatabase(ctx context.Context, req Request, rec *requestlog.Record) (any, error) {
	if _, err := g.lookup(req.Database); err != nil {
		return nil, err
	}

	names, err := g.schemas.ListTables(ctx, req.Database)
	if err != nil {
		return nil, err
	}

	tables := make([]schema.Table, len(names))
	found := make([]bool, len(names))
	var mu sync.Mutex
	skipped := map[string]string{}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.limits.DescribeParallelism)
	for i, name := range names {
		eg.Go(func() error {
			t, err := g.schemas.Describe(egCtx, req.Database, name)
			if err == nil {
				tables[i], found[i] = t, true
				return nil
			}
			if apperr.Is(err, apperr.KindExecutionFailed) {
				mu.Lock()
				skipped[name] = g.redact(err.Error())
				mu.Unlock()
				return nil
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	result := DatabaseSchema{Database: req.Database, Tables: make([]schema.Table, 0, len(names))}
	for i := range tables {
		if found[i] {
			result.Tables = append(result.Tables, tables[i])
		}
	}
	if len(skipped) > 0 {
		result.Skipped = skipped
	}
	return result, nil
}

func (g *Gateway) invalidateSchema(ctx context.Context, req Request, rec *requestlog.Record) (any, error) {
	if _, err := g.lookup(req.Database); err != nil {
		return nil, err
	}
	if req.Table == "" {
		return Invalidation{Database: req.Database, Removed: g.schemas.InvalidateDatabase(req.Database)}, nil
	}
	removed := 0
	if g.schemas.Invalidate(req.Database, req.Table) {
		removed = 1
	}
	return Invalidation{Database: req.Database, Table: req.Table, Removed: removed}, nil
}

// CheckConnections acquires every registered database in parallel and
// reports which could be reached. It does not go through Handle and writes
// no request log records.
func (g *Gateway) CheckConnections(ctx context.Context) []ConnectionStatus {
	names := g.reg.Names()
	statuses := make([]ConnectionStatus, len(names))

	var eg errgroup.Group
	for i, name := range names {
		eg.Go(func() error {
			entry, _ := g.reg.Lookup(name)
			start := time.Now()
			_, err := g.conns.Acquire(ctx, name)
			status := ConnectionStatus{Name: name, Driver: entry.Driver, OK: err == nil, Duration: time.Since(start)}
			if err != nil {
				status.Error = g.redact(err.Error())
			}
			statuses[i] = status
			return nil
		})
	}
	_ = eg.Wait()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
