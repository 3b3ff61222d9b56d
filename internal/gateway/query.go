package gateway

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/shakram02/mcp-db-gateway/internal/apperr"
	"github.com/shakram02/mcp-db-gateway/internal/connmgr"
	"github.com/shakram02/mcp-db-gateway/internal/requestlog"
)

// QueryResult is the bounded result of run_query.
type QueryResult struct {
	Database        string           `json:"database"`
	Columns         []string         `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	RowCount        int              `json:"row_count"`
	Bytes           int              `json:"bytes"`
	Truncated       bool             `json:"truncated"`
	TruncatedReason string           `json:"truncated_reason,omitempty"`
	DurationMS      int64            `json:"duration_ms"`
}

func (g *Gateway) runQuery(ctx context.Context, req Request, rec *requestlog.Record) (any, error) {
	entry, err := g.lookup(req.Database)
	if err != nil {
		return nil, err
	}

	gd, err := g.guardFor(entry.Driver)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "classifying statement")
	}
	verdict := gd.Classify(req.SQL)
	rec.StatementKind = verdict.Keyword
	if !verdict.Allowed {
		return nil, apperr.New(apperr.KindStatementRejected, "%s", verdict.Reason)
	}

	if err := validateParams(req.Params); err != nil {
		return nil, err
	}

	if err := g.limiters.allow(req.Database); err != nil {
		return nil, err
	}

	conn, err := g.conns.Acquire(ctx, req.Database)
	if err != nil {
		return nil, err
	}

	qctx, cancel := context.WithTimeout(ctx, g.limits.QueryTimeout)
	defer cancel()

	start := time.Now()
	rows, err := conn.Session.QueryContext(qctx, req.SQL, req.Params...)
	if err != nil {
		return nil, g.executionError(qctx, conn, err)
	}
	defer rows.Close()

	result, err := scanBounded(rows, g.limits.MaxRows, g.limits.MaxBytes)
	if err != nil {
		return nil, g.executionError(qctx, conn, err)
	}
	result.Database = req.Database
	result.DurationMS = time.Since(start).Milliseconds()

	rec.Rows = result.RowCount
	rec.Bytes = result.Bytes
	rec.Truncated = result.Truncated
	return result, nil
}

// validateParams accepts only scalar bind parameters.
func validateParams(params []any) error {
	for i, p := range params {
		switch p.(type) {
		case nil, string, bool, float64, int, int64, json.Number:
		default:
			return apperr.New(apperr.KindInvalidRequest, "parameter %d has unsupported type %T", i+1, p)
		}
	}
	return nil
}

// executionError maps a failed execution to the error taxonomy. A query that
// ran out of time leaves the session in an unknown state, so the connection
// is discarded and the next acquire opens a fresh one.
func (g *Gateway) executionError(ctx context.Context, conn *connmgr.Conn, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Warn().Str("database", conn.Name).Dur("timeout", g.limits.QueryTimeout).Msg("Query timed out, discarding connection")
		g.conns.Discard(conn)
		return apperr.Wrap(apperr.KindExecutionTimeout, err, "query exceeded timeout of %s", g.limits.QueryTimeout)
	}
	return apperr.Wrap(apperr.KindExecutionFailed, err, "query failed")
}

// scanBounded reads rows until either cap is reached. Hitting a cap
// truncates the result rather than failing it.
func scanBounded(rows *sql.Rows, maxRows, maxBytes int) (*QueryResult, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	cols := uniqueColumns(names)

	result := &QueryResult{
		Columns: cols,
		Rows:    make([]map[string]any, 0, min(maxRows, 64)),
	}

	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if len(result.Rows) >= maxRows {
			result.Truncated = true
			result.TruncatedReason = fmt.Sprintf("row limit of %d reached", maxRows)
			break
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = jsonSafe(raw[i])
		}

		encoded, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("failed to encode row: %w", err)
		}
		if result.Bytes+len(encoded) > maxBytes {
			result.Truncated = true
			result.TruncatedReason = fmt.Sprintf("byte limit of %d reached", maxBytes)
			break
		}

		result.Bytes += len(encoded)
		result.Rows = append(result.Rows, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

// uniqueColumns suffixes repeated column names (id, id_2, id_3) so every
// value has its own key in a row. Joins and unnamed expressions commonly
// repeat names.
func uniqueColumns(names []string) []string {
	taken := make(map[string]bool, len(names))
	for _, name := range names {
		taken[name] = true
	}

	seen := make(map[string]bool, len(names))
	out := make([]string, len(names))
	for i, name := range names {
		if !seen[name] {
			seen[name] = true
			out[i] = name
			continue
		}
		var candidate string
		for n := 2; ; n++ {
			candidate = name + "_" + strconv.Itoa(n)
			if !taken[candidate] {
				break
			}
		}
		taken[candidate] = true
		seen[candidate] = true
		out[i] = candidate
	}
	return out
}

// jsonSafe converts driver values into something encoding/json renders
// faithfully.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		if utf8.Valid(x) {
			return string(x)
		}
		return map[string]any{
			"type":   "bytes",
			"base64": base64.StdEncoding.EncodeToString(x),
		}
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return strconv.FormatFloat(x, 'g', -1, 64)
		}
		return x
	default:
		return x
	}
}
