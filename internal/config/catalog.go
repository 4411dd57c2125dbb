package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/alexschlessinger/pollyd/tools"
	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Catalog is the tool provider catalog file.
//
//	providers:
//	  - name: weather
//	    transport: streamable
//	    url: https://tools.internal/weather/mcp
//	scopes:
//	  interactive: [weather, shell]
//	  embedded: [weather]
//
// A scope missing from Scopes gets every provider; an empty list gets none.
type Catalog struct {
	Providers []tools.ProviderSpec `yaml:"providers" json:"providers" jsonschema:"description=Tool providers available to sessions"`
	Scopes    map[string][]string  `yaml:"scopes,omitempty" json:"scopes,omitempty" jsonschema:"description=Provider names bound to each session scope"`
}

// LoadCatalog reads and validates the catalog at path. A missing file is an
// empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Catalog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	cat, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return cat, nil
}

// ParseCatalog validates data against CatalogSchema and decodes it.
func ParseCatalog(data []byte) (*Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return &Catalog{}, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	var cat Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Validate checks every provider spec, name uniqueness, and that scopes only
// name known providers.
func (c *Catalog) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate provider %q", p.Name))
		}
		seen[p.Name] = true
	}
	for scope, names := range c.Scopes {
		for _, n := range names {
			if !seen[n] {
				errs = append(errs, fmt.Errorf("scope %q references unknown provider %q", scope, n))
			}
		}
	}
	return errors.Join(errs...)
}

// Names returns the provider names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Providers))
	for i, p := range c.Providers {
		names[i] = p.Name
	}
	return names
}

// Specs returns the providers bound to scope, keyed by name.
func (c *Catalog) Specs(scope string) map[string]tools.ProviderSpec {
	specs := make(map[string]tools.ProviderSpec)
	names, restricted := c.Scopes[scope]
	for _, p := range c.Providers {
		if restricted && !slices.Contains(names, p.Name) {
			continue
		}
		specs[p.Name] = p
	}
	return specs
}

// ChangedProviders returns the sorted names that were added, removed or
// modified between prev and next.
func ChangedProviders(prev, next map[string]tools.ProviderSpec) []string {
	var changed []string
	for name, p := range prev {
		if n, ok := next[name]; !ok || !p.Equal(n) {
			changed = append(changed, name)
		}
	}
	for name := range next {
		if _, ok := prev[name]; !ok {
			changed = append(changed, name)
		}
	}
	slices.Sort(changed)
	return changed
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaJSON []byte
	schemaErr  error
)

func catalogSchema() (*jsonschema.Schema, []byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:   "yaml",
			DoNotReference: true,
		}
		schema = r.Reflect(&Catalog{})
		schema.Title = "pollyd provider catalog"
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schema, schemaJSON, schemaErr
}

// CatalogSchema returns the JSON Schema of the catalog file.
func CatalogSchema() ([]byte, error) {
	_, data, err := catalogSchema()
	return data, err
}

func validateDocument(doc any) error {
	_, data, err := catalogSchema()
	if err != nil {
		return fmt.Errorf("catalog schema: %w", err)
	}

	// gojsonschema knows drafts up to 7; drop the 2020-12 marker and use its default
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("catalog schema: %w", err)
	}
	delete(raw, "$schema")
	delete(raw, "$id")

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(raw), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid catalog: %s", strings.Join(msgs, "; "))
}
