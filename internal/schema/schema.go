// Package schema caches table descriptions fetched from database catalogs.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/shakram02/mcp-db-gateway/internal/apperr"
	"github.com/shakram02/mcp-db-gateway/internal/connmgr"
	"github.com/shakram02/mcp-db-gateway/internal/dialect"
)

// Acquirer is the part of the connection manager the cache uses.
type Acquirer interface {
	Acquire(ctx context.Context, name string) (*connmgr.Conn, error)
	Discard(c *connmgr.Conn)
}

// Table describes one table. Cached values are shared between callers and
// must not be modified.
type Table struct {
	Database  string           `json:"database"`
	Name      string           `json:"table"`
	Columns   []dialect.Column `json:"columns"`
	Indexes   []dialect.Index  `json:"indexes"`
	FetchedAt time.Time        `json:"fetched_at"`
}

type key struct {
	database string
	table    string
}

type generation struct {
	table    uint64
	database uint64
}

// Cache holds table descriptions keyed by (database, table).
//
// Entries expire after the TTL. Invalidation bumps a generation counter so a
// fetch that started before the invalidation never publishes its result.
// Table generations are only kept while a caller holds one; a key with no
// pending caller has no fetch left to fence.
type Cache struct {
	conns   Acquirer
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[key]Table
	gens    map[key]uint64
	pending map[key]int
	dbGens  map[string]uint64
	group   singleflight.Group
}

// New creates a cache. A ttl of zero keeps entries until invalidated;
// timeout bounds each catalog query.
func New(conns Acquirer, ttl, timeout time.Duration) *Cache {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Cache{
		conns:   conns,
		ttl:     ttl,
		timeout: timeout,
		now:     time.Now,
		entries: make(map[key]Table),
		gens:    make(map[key]uint64),
		pending: make(map[key]int),
		dbGens:  make(map[string]uint64),
	}
}

// Describe returns the description of table in database, fetching it on a
// miss. Concurrent misses for the same key share one fetch. Failures are
// returned to every waiter and never cached.
func (c *Cache) Describe(ctx context.Context, database, table string) (Table, error) {
	k := key{database: database, table: table}
	if t, ok := c.lookup(k); ok {
		return t, nil
	}

	gen := c.begin(k)
	flight := fmt.Sprintf("%s\x00%s\x00%d\x00%d", database, table, gen.database, gen.table)
	fetchCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(flight, func() (any, error) {
		if t, ok := c.lookup(k); ok {
			return t, nil
		}
		t, err := c.fetch(fetchCtx, database, table)
		if err != nil {
			return nil, err
		}
		c.publish(k, gen, t)
		return t, nil
	})

	select {
	case <-ctx.Done():
		go func() {
			<-ch
			c.end(k)
		}()
		return Table{}, apperr.Wrap(apperr.KindExecutionTimeout, ctx.Err(), "describing %s.%s was cancelled", database, table)
	case res := <-ch:
		c.end(k)
		if res.Err != nil {
			return Table{}, res.Err
		}
		return res.Val.(Table), nil
	}
}

func (c *Cache) lookup(k key) (Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[k]
	if !ok || c.expired(t) {
		return Table{}, false
	}
	return t, true
}

func (c *Cache) expired(t Table) bool {
	return c.ttl > 0 && c.now().Sub(t.FetchedAt) >= c.ttl
}

// begin captures the generation of k for a caller about to wait on a fetch.
// Every begin is paired with an end once the fetch it joined has finished.
func (c *Cache) begin(k key) generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[k]++
	return generation{table: c.gens[k], database: c.dbGens[k.database]}
}

func (c *Cache) end(k key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[k]--
	if c.pending[k] <= 0 {
		delete(c.pending, k)
		delete(c.gens, k)
	}
}

func (c *Cache) publish(k key, gen generation, t Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[k] != gen.table || c.dbGens[k.database] != gen.database {
		log.Debug().Str("database", k.database).Str("table", k.table).Msg("Dropping schema fetched before invalidation")
		return
	}
	c.entries[k] = t
}

func (c *Cache) fetch(ctx context.Context, database, table string) (Table, error) {
	conn, err := c.conns.Acquire(ctx, database)
	if err != nil {
		return Table{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	d := conn.Dialect
	physical := conn.Entry.Database

	query, args := d.ColumnsQuery(physical, table)
	rows, err := conn.Session.QueryContext(ctx, query, args...)
	if err != nil {
		return Table{}, c.catalogError(ctx, conn, err, "reading columns of %q", table)
	}
	var columns []dialect.Column
	for rows.Next() {
		col, err := d.ScanColumn(rows)
		if err != nil {
			rows.Close()
			return Table{}, c.catalogError(ctx, conn, err, "scanning columns of %q", table)
		}
		columns = append(columns, col)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return Table{}, c.catalogError(ctx, conn, err, "reading columns of %q", table)
	}
	if len(columns) == 0 {
		return Table{}, apperr.New(apperr.KindExecutionFailed, "table %q not found in database %q", table, database)
	}

	query, args = d.IndexesQuery(physical, table)
	rows, err = conn.Session.QueryContext(ctx, query, args...)
	if err != nil {
		return Table{}, c.catalogError(ctx, conn, err, "reading indexes of %q", table)
	}
	indexes := []dialect.Index{}
	for rows.Next() {
		idx, err := d.ScanIndex(rows)
		if err != nil {
			rows.Close()
			return Table{}, c.catalogError(ctx, conn, err, "scanning indexes of %q", table)
		}
		indexes = append(indexes, idx)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return Table{}, c.catalogError(ctx, conn, err, "reading indexes of %q", table)
	}

	return Table{
		Database:  database,
		Name:      table,
		Columns:   columns,
		Indexes:   indexes,
		FetchedAt: c.now(),
	}, nil
}

// ListTables returns the user tables of database, straight from the
// catalog. The list is not cached.
func (c *Cache) ListTables(ctx context.Context, database string) ([]string, error) {
	conn, err := c.conns.Acquire(ctx, database)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query, args := conn.Dialect.TablesQuery(conn.Entry.Database)
	rows, err := conn.Session.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, c.catalogError(ctx, conn, err, "listing tables")
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, c.catalogError(ctx, conn, err, "listing tables")
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, c.catalogError(ctx, conn, err, "listing tables")
	}
	return tables, nil
}

// catalogError classifies a catalog query failure. A deadline means the
// connection may still be busy server-side, so it is discarded.
func (c *Cache) catalogError(ctx context.Context, conn *connmgr.Conn, err error, format string, args ...any) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.conns.Discard(conn)
		return apperr.Wrap(apperr.KindExecutionTimeout, err, format+" timed out after %s", append(args, c.timeout)...)
	}
	return apperr.Wrap(apperr.KindExecutionFailed, err, format, args...)
}

// Invalidate drops the entry for (database, table) and reports whether one
// was cached. A fetch already in flight for that key will not repopulate it.
func (c *Cache) Invalidate(database, table string) bool {
	k := key{database: database, table: table}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[k]
	delete(c.entries, k)
	if c.pending[k] > 0 {
		c.gens[k]++
	}
	return ok
}

// InvalidateDatabase drops every entry belonging to database.
func (c *Cache) InvalidateDatabase(database string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if k.database == database {
			delete(c.entries, k)
			n++
		}
	}
	c.dbGens[database]++
	return n
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, t := range c.entries {
		if c.expired(t) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// tracked returns how many keys currently carry generation state.
func (c *Cache) tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.gens) + len(c.pending)
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
