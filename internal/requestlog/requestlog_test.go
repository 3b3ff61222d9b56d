package requestlog

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	rec := NewLogger(zerolog.New(&buf))

	r := New("run_query")
	r.Database = "orders"
	r.StatementKind = "SELECT"
	r.Duration = 42 * time.Millisecond
	r.Rows = 3
	r.Bytes = 120
	rec.Record(*r)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &fields))
	assert.Equal(t, "requestlog", fields["component"])
	assert.Equal(t, "info", fields["level"])
	assert.Equal(t, r.ID.String(), fields["id"])
	assert.Equal(t, "orders", fields["database"])
	assert.Equal(t, "run_query", fields["operation"])
	assert.Equal(t, "SELECT", fields["statement_kind"])
	assert.EqualValues(t, 42, fields["duration_ms"])
	assert.Equal(t, OutcomeOK, fields["outcome"])
	assert.EqualValues(t, 3, fields["rows"])
	assert.EqualValues(t, 120, fields["bytes"])
	assert.NotContains(t, fields, "error_kind")
}

func TestLogger_ErrorsAreWarnings(t *testing.T) {
	var buf bytes.Buffer
	rec := NewLogger(zerolog.New(&buf))

	r := New("describe_table")
	r.Outcome = OutcomeError
	r.ErrorKind = "ConnectionFailed"
	r.Error = "connecting to \"orders\" failed"
	rec.Record(*r)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &fields))
	assert.Equal(t, "warn", fields["level"])
	assert.Equal(t, "ConnectionFailed", fields["error_kind"])
	assert.NotContains(t, fields, "rows")
}

func TestNew_AssignsUniqueIDs(t *testing.T) {
	a, b := New("list_databases"), New("list_databases")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, OutcomeOK, a.Outcome)
}
