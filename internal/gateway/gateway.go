// Package gateway is the request facade: it routes list, describe and query
// requests through the statement guard, the connection manager and the
// schema cache, and records exactly one request log entry per call.
package gateway

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shakram02/mcp-db-gateway/internal/apperr"
	"github.com/shakram02/mcp-db-gateway/internal/dialect"
	"github.com/shakram02/mcp-db-gateway/internal/guard"
	"github.com/shakram02/mcp-db-gateway/internal/registry"
	"github.com/shakram02/mcp-db-gateway/internal/requestlog"
	"github.com/shakram02/mcp-db-gateway/internal/schema"
)

// Request kinds.
const (
	KindListDatabases    = "list_databases"
	KindDescribeTable    = "describe_table"
	KindRunQuery         = "run_query"
	KindDatabaseInfo     = "database_info"
	KindDescribeDatabase = "describe_database"
	KindInvalidateSchema = "invalidate_schema"
)

// Request is one call into the gateway.
type Request struct {
	Kind     string `json:"kind"`
	Database string `json:"database,omitempty"`
	Table    string `json:"table,omitempty"`
	SQL      string `json:"sql,omitempty"`
	Params   []any  `json:"params,omitempty"`
}

// ErrorBody is the structured error returned to clients.
type ErrorBody struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// Response is the outcome of one Request. Exactly one of Result and Error
// is set.
type Response struct {
	Kind       string     `json:"kind"`
	Database   string     `json:"database,omitempty"`
	Result     any        `json:"result,omitempty"`
	Error      *ErrorBody `json:"error,omitempty"`
	DurationMS int64      `json:"duration_ms"`
}

// Limits bounds the work a single request may do.
type Limits struct {
	QueryTimeout time.Duration
	MaxRows      int
	MaxBytes     int

	// RateLimit is queries per second per database; zero disables it.
	RateLimit float64
	RateBurst int

	// DescribeParallelism bounds concurrent table fetches in
	// describe_database.
	DescribeParallelism int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		QueryTimeout:        30 * time.Second,
		MaxRows:             1000,
		MaxBytes:            1 << 20,
		DescribeParallelism: 4,
	}
}

type handlerFunc func(ctx context.Context, req Request, rec *requestlog.Record) (any, error)

// Gateway dispatches requests. It is safe for concurrent use.
type Gateway struct {
	reg      *registry.Registry
	conns    schema.Acquirer
	schemas  *schema.Cache
	recorder requestlog.Recorder
	limits   Limits

	guards    map[string]*guard.Guard
	limiters  *limiters
	passwords []string
	handlers  map[string]handlerFunc
}

// New wires a gateway from its collaborators. A nil recorder discards
// records.
func New(reg *registry.Registry, conns schema.Acquirer, schemas *schema.Cache, recorder requestlog.Recorder, limits Limits) *Gateway {
	defaults := DefaultLimits()
	if limits.QueryTimeout <= 0 {
		limits.QueryTimeout = defaults.QueryTimeout
	}
	if limits.MaxRows <= 0 {
		limits.MaxRows = defaults.MaxRows
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = defaults.MaxBytes
	}
	if limits.DescribeParallelism <= 0 {
		limits.DescribeParallelism = defaults.DescribeParallelism
	}
	if recorder == nil {
		recorder = requestlog.Discard
	}

	g := &Gateway{
		reg:      reg,
		conns:    conns,
		schemas:  schemas,
		recorder: recorder,
		limits:   limits,
		guards:   make(map[string]*guard.Guard),
		limiters: newLimiters(limits.RateLimit, limits.RateBurst),
	}

	for _, name := range reg.Names() {
		entry, _ := reg.Lookup(name)
		if _, ok := g.guards[entry.Driver]; !ok {
			if d, err := dialect.For(entry.Driver); err == nil {
				g.guards[entry.Driver] = guard.New(d.GuardOptions())
			}
		}
		if entry.Password != "" {
			g.passwords = append(g.passwords, entry.Password)
		}
	}
	// Longest first so a password containing another is fully masked.
	sort.Slice(g.passwords, func(i, j int) bool { return len(g.passwords[i]) > len(g.passwords[j]) })

	g.handlers = map[string]handlerFunc{
		KindListDatabases:    g.listDatabases,
		KindDescribeTable:    g.describeTable,
		KindRunQuery:         g.runQuery,
		KindDatabaseInfo:     g.databaseInfo,
		KindDescribeDatabase: g.describeDatabase,
		KindInvalidateSchema: g.invalidateSchema,
	}
	return g
}

// Handle runs req and always returns a Response. One request log record is
// written after the request completes, whatever the outcome.
func (g *Gateway) Handle(ctx context.Context, req Request) (resp Response) {
	start := time.Now()
	rec := requestlog.New(req.Kind)
	rec.Database = req.Database
	resp = Response{Kind: req.Kind, Database: req.Database}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("kind", req.Kind).Msg("Request handler panicked")
			g.fail(&resp, rec, apperr.New(apperr.KindInternal, "internal error"))
		}
		rec.Duration = time.Since(start)
		resp.DurationMS = rec.Duration.Milliseconds()
		g.recorder.Record(*rec)
	}()

	h, ok := g.handlers[req.Kind]
	if !ok {
		g.fail(&resp, rec, apperr.New(apperr.KindInvalidRequest, "unknown request kind %q", req.Kind))
		return resp
	}

	result, err := h(ctx, req, rec)
	if err != nil {
		g.fail(&resp, rec, err)
		return resp
	}
	resp.Result = result
	return resp
}

func (g *Gateway) fail(resp *Response, rec *requestlog.Record, err error) {
	body := &ErrorBody{Kind: apperr.KindOf(err), Message: g.redact(err.Error())}
	resp.Result = nil
	resp.Error = body

	rec.Outcome = requestlog.OutcomeError
	if body.Kind == apperr.KindStatementRejected {
		rec.Outcome = requestlog.OutcomeRejected
	}
	rec.ErrorKind = string(body.Kind)
	rec.Error = body.Message
}

var userinfoPattern = regexp.MustCompile(`([A-Za-z][A-Za-z0-9+.\-]*://[^:/@\s]*):[^@\s]*@`)

// redact strips credentials from a message that may embed driver output.
func (g *Gateway) redact(msg string) string {
	msg = userinfoPattern.ReplaceAllString(msg, "${1}:****@")
	for _, pw := range g.passwords {
		msg = strings.ReplaceAll(msg, pw, "****")
	}
	return msg
}

func (g *Gateway) lookup(name string) (registry.Entry, error) {
	if name == "" {
		return registry.Entry{}, apperr.New(apperr.KindInvalidRequest, "database is required")
	}
	entry, ok := g.reg.Lookup(name)
	if !ok {
		return registry.Entry{}, apperr.New(apperr.KindDatabaseNotFound, "database %q is not registered", name)
	}
	return entry, nil
}

func (g *Gateway) guardFor(driver string) (*guard.Guard, error) {
	gd, ok := g.guards[driver]
	if !ok {
		return nil, fmt.Errorf("no statement guard for driver %q", driver)
	}
	return gd, nil
}
