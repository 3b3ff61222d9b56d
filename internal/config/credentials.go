// Package config loads the credential store and runtime settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/shakram02/mcp-db-gateway/internal/registry"
)

const (
	// EnvConfigPath overrides the credential store location.
	EnvConfigPath = "MCP_DB_CONFIG"

	// LocalConfigFile is looked up in the working directory.
	LocalConfigFile = ".db.yaml"
)

// Keys with a fixed meaning inside a database entry. Any other key is either
// a host (integer value: the port) or a user (string value: the password).
const (
	keyDriver   = "driver"
	keyDatabase = "database"
	keySSLMode  = "sslmode"
	keyPath     = "path"
)

// ErrNoConfig is returned when no credential store could be found.
var ErrNoConfig = errors.New("no credential store found")

// GlobalConfigPath returns the per-user credential store location.
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "mcp-db-gateway", LocalConfigFile)
}

// ResolvePath picks the credential store: explicit override, then
// $MCP_DB_CONFIG, then ./.db.yaml, then the global user file. An explicit or
// environment path must exist; the fallbacks are skipped when absent.
func ResolvePath(explicit string) (string, error) {
	if explicit != "" {
		return mustExist(explicit, "--config")
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return mustExist(env, EnvConfigPath)
	}

	candidates := []string{LocalConfigFile}
	if global := GlobalConfigPath(); global != "" {
		candidates = append(candidates, global)
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: tried %v", ErrNoConfig, candidates)
}

func mustExist(path, source string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("credential store from %s: %w", source, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("credential store from %s: %s is a directory", source, path)
	}
	return path, nil
}

// LoadCredentials reads and validates the credential store at path. Any
// malformed entry fails the whole load.
func LoadCredentials(path string) (*registry.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential store: %w", err)
	}
	entries, err := ParseCredentials(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return registry.New(entries...)
}

// ParseCredentials decodes the credential document:
//
//	math:
//	  db.example.com: 5432
//	  reader: s3cret
//	local:
//	  driver: sqlite
//	  path: ./local.db
func ParseCredentials(data []byte) ([]registry.Entry, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, errors.New("credential store is empty")
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: top level must be a mapping of database names", root.Line)
	}

	entries := make([]registry.Entry, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		nameNode, body := root.Content[i], root.Content[i+1]
		entry, err := parseEntry(nameNode, body)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, errors.New("credential store defines no databases")
	}
	return entries, nil
}

func parseEntry(nameNode, body *yaml.Node) (registry.Entry, error) {
	entry := registry.Entry{Name: nameNode.Value}
	if entry.Name == "" {
		return entry, fmt.Errorf("line %d: database name must not be empty", nameNode.Line)
	}
	if body.Kind != yaml.MappingNode {
		return entry, fmt.Errorf("line %d: database %q must be a mapping", body.Line, entry.Name)
	}

	var hosts, users int
	for i := 0; i+1 < len(body.Content); i += 2 {
		k, v := body.Content[i], body.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return entry, fmt.Errorf("line %d: database %q: value of %q must be a scalar", v.Line, entry.Name, k.Value)
		}

		switch k.Value {
		case keyDriver:
			entry.Driver = v.Value
		case keyDatabase:
			entry.Database = v.Value
		case keySSLMode:
			entry.SSLMode = v.Value
		case keyPath:
			entry.Path = v.Value
		default:
			if v.Tag == "!!int" {
				port, err := strconv.Atoi(v.Value)
				if err != nil {
					return entry, fmt.Errorf("line %d: database %q: invalid port %q", v.Line, entry.Name, v.Value)
				}
				entry.Host, entry.Port = k.Value, port
				hosts++
			} else {
				entry.User, entry.Password = k.Value, v.Value
				users++
			}
		}
	}

	if entry.Driver == "" {
		entry.Driver = registry.DriverPostgres
	}
	if entry.Driver != registry.DriverSQLite {
		if hosts != 1 {
			return entry, fmt.Errorf("line %d: database %q: expected exactly one host: port pair, found %d", body.Line, entry.Name, hosts)
		}
		if users != 1 {
			return entry, fmt.Errorf("line %d: database %q: expected exactly one user: password pair, found %d", body.Line, entry.Name, users)
		}
	}
	if err := entry.Validate(); err != nil {
		return entry, fmt.Errorf("line %d: %w", body.Line, err)
	}
	return entry, nil
}
