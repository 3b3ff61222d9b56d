// Package requestlog records one entry per gateway request.
package requestlog

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Record describes one completed request. It never carries statement
// parameters, row data or credentials.
type Record struct {
	ID            uuid.UUID
	Timestamp     time.Time
	Database      string
	Operation     string
	StatementKind string
	Duration      time.Duration
	Outcome       string
	ErrorKind     string
	Error         string
	Rows          int
	Bytes         int
	Truncated     bool
}

// New starts a record for operation.
func New(operation string) *Record {
	return &Record{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Operation: operation,
		Outcome:   OutcomeOK,
	}
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (r Record) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", r.ID.String()).
		Time("ts", r.Timestamp).
		Str("operation", r.Operation).
		Int64("duration_ms", r.Duration.Milliseconds()).
		Str("outcome", r.Outcome)
	if r.Database != "" {
		e.Str("database", r.Database)
	}
	if r.StatementKind != "" {
		e.Str("statement_kind", r.StatementKind)
	}
	if r.ErrorKind != "" {
		e.Str("error_kind", r.ErrorKind).Str("error", r.Error)
	}
	if r.Operation == "run_query" && r.Outcome == OutcomeOK {
		e.Int("rows", r.Rows).Int("bytes", r.Bytes)
		if r.Truncated {
			e.Bool("truncated", true)
		}
	}
}

// Recorder receives completed records.
type Recorder interface {
	Record(r Record)
}

// Logger writes records to a zerolog logger.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger returns a Recorder tagging every line with component=requestlog.
func NewLogger(base zerolog.Logger) *Logger {
	return &Logger{logger: base.With().Str("component", "requestlog").Logger()}
}

func (l *Logger) Record(r Record) {
	ev := l.logger.Info()
	if r.Outcome == OutcomeError {
		ev = l.logger.Warn()
	}
	ev.EmbedObject(r).Msg("request")
}

// Discard drops every record.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(Record) {}
