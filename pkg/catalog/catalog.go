// Package catalog holds the list of models users can pick from. Catalogs are versioned
// YAML documents validated against an embedded JSON schema before they are accepted.
package catalog

import (
	_ "embed"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/mb0/glob"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const CurrentVersion = 1

//go:embed schema.json
var schemaJSON string

var schema = gojsonschema.NewStringLoader(schemaJSON)

type Model struct {
	ID            string   `yaml:"id" json:"id"`
	Name          string   `yaml:"name,omitempty" json:"name,omitempty"`
	Provider      string   `yaml:"provider,omitempty" json:"provider,omitempty"`
	Family        string   `yaml:"family,omitempty" json:"family,omitempty"`
	Parameters    string   `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	ContextLength int      `yaml:"context_length,omitempty" json:"context_length,omitempty"`
	SizeBytes     int64    `yaml:"size_bytes,omitempty" json:"size_bytes,omitempty"`
	Tags          []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Description   string   `yaml:"description,omitempty" json:"description,omitempty"`
}

type Catalog struct {
	Version int     `yaml:"version" json:"version"`
	Models  []Model `yaml:"models" json:"models"`
}

// Parse validates b against the catalog schema and decodes it. Any failure is a config
// error; model ids must be unique.
func Parse(b []byte) (*Catalog, error) {
	var doc interface{}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, errdefs.Config("catalog", err.Error())
	}
	if doc == nil {
		return nil, errdefs.Config("catalog", "empty catalog")
	}

	result, err := gojsonschema.Validate(schema, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, errdefs.Config("catalog", err.Error())
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, errdefs.Config("catalog", strings.Join(msgs, "; "))
	}

	c := &Catalog{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errdefs.Config("catalog", err.Error())
	}
	seen := map[string]struct{}{}
	for _, m := range c.Models {
		if _, ok := seen[m.ID]; ok {
			return nil, errdefs.Config("catalog", "duplicate model "+m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	return c, nil
}

func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read catalog %s", path)
	}
	return Parse(b)
}

// Filter selects models by glob patterns on id and provider. Empty patterns match all.
type Filter struct {
	ID       string
	Provider string
}

func (f Filter) Matches(m Model) (bool, error) {
	if f.ID != "" {
		ok, err := glob.Match(f.ID, m.ID)
		if err != nil {
			return false, errdefs.Config("filter", err.Error())
		}
		if !ok {
			return false, nil
		}
	}
	if f.Provider != "" {
		ok, err := glob.Match(f.Provider, m.Provider)
		if err != nil {
			return false, errdefs.Config("filter", err.Error())
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Store holds the current catalog and, when path is set, persists imports to it.
type Store struct {
	path string

	mu      sync.RWMutex
	catalog *Catalog
}

func NewStore(path string) *Store {
	return &Store{path: path, catalog: &Catalog{Version: CurrentVersion}}
}

// Open loads the catalog at path if it exists.
func Open(path string) (*Store, error) {
	s := NewStore(path)
	if path == "" {
		return s, nil
	}
	c, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug().Str("path", path).Msg("no models catalog yet")
			return s, nil
		}
		return nil, err
	}
	s.catalog = c
	return s, nil
}

// Import validates b and replaces the catalog with it.
func (s *Store) Import(b []byte) (*Catalog, error) {
	c, err := Parse(b)
	if err != nil {
		return nil, err
	}
	if s.path != "" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return nil, errors.Wrap(err, "could not create catalog directory")
		}
		if err := os.WriteFile(s.path, b, 0o644); err != nil {
			return nil, errors.Wrapf(err, "could not write catalog %s", s.path)
		}
	}
	s.mu.Lock()
	s.catalog = c
	s.mu.Unlock()
	log.Info().Int("models", len(c.Models)).Msg("imported models catalog")
	return c, nil
}

// List returns the matching models ordered by id.
func (s *Store) List(f Filter) ([]Model, error) {
	s.mu.RLock()
	models := s.catalog.Models
	s.mu.RUnlock()

	ret := []Model{}
	for _, m := range models {
		ok, err := f.Matches(m)
		if err != nil {
			return nil, err
		}
		if ok {
			ret = append(ret, m)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}
