package connmgr

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shakram02/mcp-db-gateway/internal/apperr"
	"github.com/shakram02/mcp-db-gateway/internal/registry"
)

type fakeSession struct {
	mu      sync.Mutex
	pingErr error
	pings   int
	closed  atomic.Bool
}

func (s *fakeSession) PingContext(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return s.pingErr
}

func (s *fakeSession) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSession) failPings(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// countingOpener records opens per name and hands out fake sessions.
type countingOpener struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int // remaining failures per name
	delay    time.Duration
	gate     map[string]chan struct{}
	sessions []*fakeSession
}

func newCountingOpener() *countingOpener {
	return &countingOpener{
		calls:    make(map[string]int),
		failures: make(map[string]int),
		gate:     make(map[string]chan struct{}),
	}
}

func (o *countingOpener) open(ctx context.Context, e registry.Entry) (Session, error) {
	o.mu.Lock()
	o.calls[e.Name]++
	gate := o.gate[e.Name]
	fail := o.failures[e.Name] > 0
	if fail {
		o.failures[e.Name]--
	}
	delay := o.delay
	o.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, errors.New("dial tcp: connection refused")
	}

	s := &fakeSession{}
	o.mu.Lock()
	o.sessions = append(o.sessions, s)
	o.mu.Unlock()
	return s, nil
}

func (o *countingOpener) count(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[name]
}

func newTestRegistry(t *testing.T, names ...string) *registry.Registry {
	t.Helper()
	var entries []registry.Entry
	for _, name := range names {
		entries = append(entries, registry.Entry{
			Name: name, Driver: registry.DriverPostgres, Host: "localhost", Port: 5432, User: "u", Password: "p",
		})
	}
	reg, err := registry.New(entries...)
	require.NoError(t, err)
	return reg
}

func newTestManager(t *testing.T, opener *countingOpener, names ...string) *Manager {
	t.Helper()
	m := New(newTestRegistry(t, names...), Config{ConnectTimeout: time.Second, Opener: opener.open})
	t.Cleanup(m.Close)
	return m
}

func TestAcquire_UnknownDatabase(t *testing.T) {
	opener := newCountingOpener()
	m := newTestManager(t, opener, "orders")

	_, err := m.Acquire(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, apperr.KindDatabaseNotFound, apperr.KindOf(err))
	assert.Equal(t, 0, opener.count("nope"))
}

func TestAcquire_ReusesCachedConnection(t *testing.T) {
	opener := newCountingOpener()
	m := newTestManager(t, opener, "orders")
	ctx := context.Background()

	first, err := m.Acquire(ctx, "orders")
	require.NoError(t, err)
	second, err := m.Acquire(ctx, "orders")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, opener.count("orders"))
	assert.Equal(t, 1, first.Session.(*fakeSession).pings, "reuse must probe liveness")
	assert.Equal(t, Stats{Open: 1, Opens: 1}, m.Stats())
}

func TestAcquire_ConcurrentCallersShareOneOpen(t *testing.T) {
	opener := newCountingOpener()
	opener.delay = 50 * time.Millisecond
	m := newTestManager(t, opener, "orders")

	const callers = 20
	conns := make([]*Conn, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.Acquire(context.Background(), "orders")
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, opener.count("orders"))
	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}
}

func TestAcquire_DifferentNamesDoNotBlockEachOther(t *testing.T) {
	opener := newCountingOpener()
	gate := make(chan struct{})
	opener.gate["slow"] = gate
	m := newTestManager(t, opener, "slow", "fast")

	slowDone := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "slow")
		slowDone <- err
	}()

	require.Eventually(t, func() bool { return opener.count("slow") == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := m.Acquire(ctx, "fast")
	require.NoError(t, err, "fast database must not wait for slow open")

	close(gate)
	require.NoError(t, <-slowDone)
}

func TestAcquire_FailedPingReopens(t *testing.T) {
	opener := newCountingOpener()
	m := newTestManager(t, opener, "orders")
	ctx := context.Background()

	first, err := m.Acquire(ctx, "orders")
	require.NoError(t, err)
	stale := first.Session.(*fakeSession)
	stale.failPings(errors.New("server closed the connection unexpectedly"))

	second, err := m.Acquire(ctx, "orders")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.True(t, stale.closed.Load(), "stale session must be closed")
	assert.Equal(t, 2, opener.count("orders"))
}

func TestAcquire_RetriesOpenOnce(t *testing.T) {
	opener := newCountingOpener()
	opener.failures["orders"] = 1
	m := newTestManager(t, opener, "orders")

	c, err := m.Acquire(context.Background(), "orders")
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Equal(t, 2, opener.count("orders"))
}

func TestAcquire_ConnectionFailedAfterRetry(t *testing.T) {
	opener := newCountingOpener()
	opener.failures["orders"] = 2
	m := newTestManager(t, opener, "orders")
	ctx := context.Background()

	_, err := m.Acquire(ctx, "orders")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConnectionFailed, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 2, opener.count("orders"))

	// Failures are not cached: the next acquire tries again and succeeds.
	_, err = m.Acquire(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 3, opener.count("orders"))
}

func TestAcquire_CallerCancellationDoesNotAbortSharedOpen(t *testing.T) {
	opener := newCountingOpener()
	gate := make(chan struct{})
	opener.gate["orders"] = gate
	m := newTestManager(t, opener, "orders")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "orders")
		done <- err
	}()
	require.Eventually(t, func() bool { return opener.count("orders") == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	err := <-done
	assert.Equal(t, apperr.KindConnectionFailed, apperr.KindOf(err))

	close(gate)
	require.Eventually(t, func() bool { return m.Stats().Open == 1 }, time.Second, 5*time.Millisecond)

	_, err = m.Acquire(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, opener.count("orders"))
}

func TestDiscard(t *testing.T) {
	opener := newCountingOpener()
	m := newTestManager(t, opener, "orders")
	ctx := context.Background()

	first, err := m.Acquire(ctx, "orders")
	require.NoError(t, err)
	m.Discard(first)
	assert.True(t, first.Session.(*fakeSession).closed.Load())
	assert.Equal(t, 0, m.Stats().Open)

	second, err := m.Acquire(ctx, "orders")
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	// Discarding the old handle again must not evict its replacement.
	m.Discard(first)
	third, err := m.Acquire(ctx, "orders")
	require.NoError(t, err)
	assert.Same(t, second, third)
	assert.Equal(t, 2, opener.count("orders"))
}

func TestCloseIdle(t *testing.T) {
	opener := newCountingOpener()
	m := newTestManager(t, opener, "orders", "users")
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_, err := m.Acquire(ctx, "orders")
	require.NoError(t, err)

	now = now.Add(20 * time.Minute)
	users, err := m.Acquire(ctx, "users")
	require.NoError(t, err)

	closed := m.CloseIdle(15 * time.Minute)
	assert.Equal(t, []string{"orders"}, closed)
	assert.Equal(t, 1, m.Stats().Open)
	assert.False(t, users.Session.(*fakeSession).closed.Load())
}

func TestClose(t *testing.T) {
	opener := newCountingOpener()
	m := newTestManager(t, opener, "orders")

	c, err := m.Acquire(context.Background(), "orders")
	require.NoError(t, err)
	m.Close()

	assert.True(t, c.Session.(*fakeSession).closed.Load())
	assert.Equal(t, 0, m.Stats().Open)
}

func TestDefaultOpener_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")
	rw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = rw.Exec("CREATE TABLE t (id INTEGER)")
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	reg, err := registry.New(registry.Entry{Name: "app", Driver: registry.DriverSQLite, Path: path})
	require.NoError(t, err)
	m := New(reg, Config{ConnectTimeout: time.Second})
	t.Cleanup(m.Close)

	c, err := m.Acquire(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.Dialect.Name())

	rows, err := c.Session.QueryContext(context.Background(), "SELECT count(*) FROM t")
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var n int
	require.NoError(t, rows.Scan(&n))
	assert.Equal(t, 0, n)
}
