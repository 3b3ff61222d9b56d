// Package registry holds the immutable mapping from logical database names
// to connection parameters.
package registry

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// Supported drivers.
const (
	DriverPostgres  = "postgres"
	DriverMySQL     = "mysql"
	DriverSQLite    = "sqlite"
	DriverSQLServer = "sqlserver"
)

// Entry describes how to reach one logical database.
type Entry struct {
	Name     string
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	// Database is the physical database name; defaults to Name.
	Database string
	SSLMode  string
	// Path is the database file for file-backed drivers.
	Path string
}

// Summary is the credential-free view of an Entry that may be shown to a
// client.
type Summary struct {
	Name     string `json:"name"`
	Driver   string `json:"driver"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Database string `json:"database"`
}

// Summary returns the client-visible description of e.
func (e Entry) Summary() Summary {
	s := Summary{Name: e.Name, Driver: e.Driver, Database: e.Database}
	if e.Driver != DriverSQLite {
		s.Host = e.Host
		s.Port = e.Port
	}
	return s
}

// String never includes the password.
func (e Entry) String() string {
	if e.Driver == DriverSQLite {
		return fmt.Sprintf("%s (%s %s)", e.Name, e.Driver, e.Path)
	}
	return fmt.Sprintf("%s (%s %s@%s:%d/%s)", e.Name, e.Driver, e.User, e.Host, e.Port, e.Database)
}

// MarshalZerologObject lets entries be logged with .Object without leaking
// the password.
func (e Entry) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("name", e.Name).Str("driver", e.Driver)
	if e.Driver == DriverSQLite {
		ev.Str("path", e.Path)
		return
	}
	ev.Str("host", e.Host).Int("port", e.Port).Str("user", e.User).Str("database", e.Database)
}

func (e *Entry) normalize() {
	if e.Driver == "" {
		e.Driver = DriverPostgres
	}
	if e.Database == "" {
		e.Database = e.Name
	}
}

// Validate checks that the entry has everything its driver needs.
func (e Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("database name is empty")
	}
	switch e.Driver {
	case DriverSQLite:
		if e.Path == "" {
			return fmt.Errorf("database %q: sqlite entries need a path", e.Name)
		}
		return nil
	case DriverPostgres, DriverMySQL, DriverSQLServer:
	default:
		return fmt.Errorf("database %q: unsupported driver %q", e.Name, e.Driver)
	}
	if e.Host == "" {
		return fmt.Errorf("database %q: missing host", e.Name)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("database %q: port %d out of range", e.Name, e.Port)
	}
	if e.User == "" {
		return fmt.Errorf("database %q: missing user", e.Name)
	}
	return nil
}

// Registry is safe for concurrent use; it never changes after New returns.
type Registry struct {
	entries map[string]Entry
	names   []string
}

// New validates entries and builds a Registry. Names must be unique.
func New(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		e.normalize()
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.entries[e.Name]; dup {
			return nil, fmt.Errorf("database %q defined more than once", e.Name)
		}
		r.entries[e.Name] = e
		r.names = append(r.names, e.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Summaries returns the client-visible view of every entry, sorted by name.
func (r *Registry) Summaries() []Summary {
	out := make([]Summary, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.entries[name].Summary())
	}
	return out
}

func (r *Registry) Len() int { return len(r.names) }
