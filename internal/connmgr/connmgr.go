// Package connmgr owns the live connection for each registered database.
//
// A database has at most one cached connection handle. Before a cached
// handle is reused it is pinged; a failed ping discards it and opens a new
// one. Concurrent acquirers of the same name share a single open, while
// different names never wait on each other.
package connmgr

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/shakram02/mcp-db-gateway/internal/apperr"
	"github.com/shakram02/mcp-db-gateway/internal/dialect"
	"github.com/shakram02/mcp-db-gateway/internal/registry"
)

// Pool settings for every opened database handle.
const (
	MaxConnectionsOpen = 4
	MaxConnectionsIdle = 2
	ConnMaxLifetime    = 30 * time.Minute

	// openAttempts is how many times an open is tried before giving up.
	openAttempts = 2
)

// Session is the subset of *sql.DB the gateway needs.
type Session interface {
	PingContext(ctx context.Context) error
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Close() error
}

// Opener opens a live session for e.
type Opener func(ctx context.Context, e registry.Entry) (Session, error)

// Conn is a cached, shared handle to one database.
type Conn struct {
	Name    string
	Entry   registry.Entry
	Dialect dialect.Dialect
	Session Session

	lastUsed  atomic.Int64
	closeOnce sync.Once
}

func (c *Conn) touch(t time.Time) {
	c.lastUsed.Store(t.UnixNano())
}

// LastUsed returns when the handle was last handed out.
func (c *Conn) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		if err := c.Session.Close(); err != nil {
			log.Debug().Err(err).Str("database", c.Name).Msg("Error closing connection")
		}
	})
}

// Config configures a Manager.
type Config struct {
	// ConnectTimeout bounds each open attempt and each liveness ping.
	ConnectTimeout time.Duration
	// Opener defaults to DefaultOpener(ConnectTimeout).
	Opener Opener
}

// Stats is a snapshot of manager activity.
type Stats struct {
	Open  int   `json:"open"`
	Opens int64 `json:"opens"`
}

// Manager hands out connections by database name.
type Manager struct {
	reg            *registry.Registry
	open           Opener
	connectTimeout time.Duration
	now            func() time.Time

	mu    sync.Mutex
	conns map[string]*Conn
	group singleflight.Group
	opens atomic.Int64
}

// New creates a Manager for the databases in reg. Nothing is opened until
// the first Acquire.
func New(reg *registry.Registry, cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Opener == nil {
		cfg.Opener = DefaultOpener(cfg.ConnectTimeout)
	}
	return &Manager{
		reg:            reg,
		open:           cfg.Opener,
		connectTimeout: cfg.ConnectTimeout,
		now:            time.Now,
		conns:          make(map[string]*Conn),
	}
}

// DefaultOpener opens a database/sql pool using the entry's dialect and
// verifies it with a ping.
func DefaultOpener(connectTimeout time.Duration) Opener {
	return func(ctx context.Context, e registry.Entry) (Session, error) {
		d, err := dialect.For(e.Driver)
		if err != nil {
			return nil, err
		}
		dsn, err := d.DSN(e, connectTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to build DSN: %w", err)
		}

		db, err := sql.Open(d.DriverName(), dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(MaxConnectionsOpen)
		db.SetMaxIdleConns(MaxConnectionsIdle)
		db.SetConnMaxLifetime(ConnMaxLifetime)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return db, nil
	}
}

// Acquire returns a live connection for name.
//
// Errors are DatabaseNotFound when name is not registered and
// ConnectionFailed when no live connection could be established.
func (m *Manager) Acquire(ctx context.Context, name string) (*Conn, error) {
	entry, ok := m.reg.Lookup(name)
	if !ok {
		return nil, apperr.New(apperr.KindDatabaseNotFound, "database %q is not registered", name)
	}

	if c := m.cached(name); c != nil {
		err := m.ping(ctx, c)
		if err == nil {
			c.touch(m.now())
			return c, nil
		}
		log.Warn().Err(err).Str("database", name).Msg("Cached connection failed liveness check, reopening")
		m.Discard(c)
	}

	// The open is detached from the caller so one impatient caller cannot
	// fail the open for everyone sharing the flight.
	openCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(name, func() (any, error) {
		if c := m.cached(name); c != nil {
			return c, nil
		}
		c, err := m.openWithRetry(openCtx, entry)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.conns[name] = c
		m.mu.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.KindConnectionFailed, ctx.Err(), "connecting to %q was cancelled", name)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		c := res.Val.(*Conn)
		c.touch(m.now())
		return c, nil
	}
}

func (m *Manager) cached(name string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[name]
}

func (m *Manager) ping(ctx context.Context, c *Conn) error {
	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	return c.Session.PingContext(ctx)
}

func (m *Manager) openWithRetry(ctx context.Context, entry registry.Entry) (*Conn, error) {
	d, err := dialect.For(entry.Driver)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConnectionFailed, err, "connecting to %q failed", entry.Name)
	}

	var lastErr error
	for attempt := 1; attempt <= openAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
		session, err := m.open(attemptCtx, entry)
		cancel()
		if err == nil {
			m.opens.Add(1)
			log.Debug().Object("entry", entry).Int("attempt", attempt).Msg("Opened database connection")
			c := &Conn{Name: entry.Name, Entry: entry, Dialect: d, Session: session}
			c.touch(m.now())
			return c, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("database", entry.Name).Int("attempt", attempt).Msg("Failed to open database connection")
	}
	return nil, apperr.Wrap(apperr.KindConnectionFailed, lastErr, "connecting to %q failed", entry.Name)
}

// Discard closes c and forgets it, so the next Acquire opens a fresh
// connection. Discarding a handle that was already replaced only closes it.
func (m *Manager) Discard(c *Conn) {
	if c == nil {
		return
	}
	m.mu.Lock()
	if m.conns[c.Name] == c {
		delete(m.conns, c.Name)
	}
	m.mu.Unlock()
	c.close()
}

// CloseIdle discards every connection that has not been acquired for at
// least idle. It returns the names that were closed.
func (m *Manager) CloseIdle(idle time.Duration) []string {
	cutoff := m.now().Add(-idle)

	m.mu.Lock()
	var stale []*Conn
	for name, c := range m.conns {
		if c.LastUsed().Before(cutoff) {
			stale = append(stale, c)
			delete(m.conns, name)
		}
	}
	m.mu.Unlock()

	names := make([]string, 0, len(stale))
	for _, c := range stale {
		c.close()
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// Close closes every cached connection.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// Stats returns the number of cached connections and the total number of
// successful opens since start.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Open: len(m.conns), Opens: m.opens.Load()}
}
