// Package config parses the YAML manifest describing a remote API and its
// tables, and YAML query files.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maruel/seradb/internal/query"
)

// Manifest describes a remote API and the tables it serves.
type Manifest struct {
	Version   int           `yaml:"version"`
	BaseURL   string        `yaml:"base_url"`
	Token     string        `yaml:"token,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	RateLimit RateLimit     `yaml:"rate_limit,omitempty"`
	Tables    []TableConfig `yaml:"tables"`
}

// RateLimit paces requests to the remote API.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst,omitempty"`
}

// Validate checks the rate limit values.
func (r *RateLimit) Validate() error {
	if r.RequestsPerSecond < 0 {
		return errors.New("rate_limit.requests_per_second must be >= 0")
	}
	if r.Burst < 0 {
		return errors.New("rate_limit.burst must be >= 0")
	}
	return nil
}

// TableConfig describes one entity class.
type TableConfig struct {
	Name      string `yaml:"name"`
	RemoteURL string `yaml:"remote_url,omitempty"`
	IDField   string `yaml:"id_field,omitempty"`
	// Fields lists the client field names. Optional.
	Fields []string `yaml:"fields,omitempty"`
	// SnakeCase renames every camelCase field to snake_case on the wire.
	SnakeCase bool              `yaml:"snake_case,omitempty"`
	Rename    map[string]string `yaml:"rename,omitempty"`
	NoRefetch bool              `yaml:"no_refetch,omitempty"`
	// Unique lists fields with a unique foreign-key index.
	Unique []string `yaml:"unique,omitempty"`
	// Indexed lists fields with a non-unique foreign-key index.
	Indexed []string `yaml:"indexed,omitempty"`
}

// Validate checks that the table config is valid.
func (t *TableConfig) Validate() error {
	if t.Name == "" {
		return errors.New("name is required")
	}
	if t.SnakeCase && len(t.Fields) == 0 {
		return fmt.Errorf("table %s: snake_case requires fields", t.Name)
	}
	if len(t.Fields) == 0 {
		return nil
	}
	for _, f := range slices.Concat(t.Unique, t.Indexed) {
		if !slices.Contains(t.Fields, f) {
			return fmt.Errorf("table %s: indexed field %q is not in fields", t.Name, f)
		}
	}
	if err := query.NewProcessor(t.Rename).Validate(t.Fields); err != nil {
		return fmt.Errorf("table %s: %w", t.Name, err)
	}
	return nil
}

// ID returns the id field name, "id" by default.
func (t *TableConfig) ID() string {
	if t.IDField == "" {
		return "id"
	}
	return t.IDField
}

// Renames returns the client to server field renames: the snake_case
// mapping when enabled, overridden by the explicit entries.
func (t *TableConfig) Renames() map[string]string {
	out := map[string]string{}
	if t.SnakeCase {
		out = query.SnakeCase(t.Fields...)
	}
	maps.Copy(out, t.Rename)
	return out
}

// ParseManifest reads and parses a manifest from a file.
// The path is provided by the CLI user, so file inclusion is expected.
func ParseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-specified manifest path
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifestBytes(data)
}

// ParseManifestBytes parses a manifest from bytes.
func ParseManifestBytes(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// Validate checks that the manifest is valid.
func (m *Manifest) Validate() error {
	if m.Version != 1 {
		return fmt.Errorf("unsupported manifest version: %d", m.Version)
	}
	if m.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if m.Timeout < 0 {
		return errors.New("timeout must be >= 0")
	}
	if err := m.RateLimit.Validate(); err != nil {
		return err
	}
	if len(m.Tables) == 0 {
		return errors.New("at least one table is required")
	}
	seen := map[string]struct{}{}
	for i := range m.Tables {
		t := &m.Tables[i]
		if err := t.Validate(); err != nil {
			return fmt.Errorf("table %d: %w", i, err)
		}
		if _, ok := seen[t.Name]; ok {
			return fmt.Errorf("table %d: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

// Table returns the config of the named table.
func (m *Manifest) Table(name string) (*TableConfig, bool) {
	for i := range m.Tables {
		if m.Tables[i].Name == name {
			return &m.Tables[i], true
		}
	}
	return nil, false
}
