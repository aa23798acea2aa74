// Package catalog maps application models to their tables and answers field-existence
// questions for conditional logic validation.
//
// The catalog file is YAML:
//
//	models:
//	  - app_label: shipment
//	    model_name: shipment
//	    table: shipment
//	    fields: [reference, status]   # optional; defaults to the table's live columns
package catalog

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ColumnSource lists the columns of a table.
type ColumnSource interface {
	Columns(ctx context.Context, table string) ([]string, error)
}

// Model is one catalog entry.
type Model struct {
	AppLabel  string   `yaml:"app_label"`
	ModelName string   `yaml:"model_name"`
	Table     string   `yaml:"table"`
	Fields    []string `yaml:"fields"`
}

type file struct {
	Models []Model `yaml:"models"`
}

// Catalog resolves models declared in a YAML file. Field lists not declared in the file are
// read from the database once per table and cached.
type Catalog struct {
	models  map[string]Model
	columns ColumnSource

	mu    sync.Mutex
	cache map[string][]string
}

func key(appLabel, modelName string) string {
	return strings.ToLower(appLabel) + "." + strings.ToLower(modelName)
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte, columns ColumnSource) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog: %w", err)
	}
	c := &Catalog{
		models:  make(map[string]Model, len(f.Models)),
		columns: columns,
		cache:   make(map[string][]string),
	}
	for i, m := range f.Models {
		if m.AppLabel == "" || m.ModelName == "" {
			return nil, fmt.Errorf("model catalog entry %d needs app_label and model_name", i)
		}
		if m.Table == "" {
			m.Table = strings.ToLower(m.AppLabel + "_" + m.ModelName)
		}
		c.models[key(m.AppLabel, m.ModelName)] = m
	}
	return c, nil
}

// Load reads a catalog file.
func Load(path string, columns ColumnSource) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model catalog %s: %w", path, err)
	}
	return Parse(data, columns)
}

// Table returns the table backing a model.
func (c *Catalog) Table(appLabel, modelName string) (string, bool) {
	m, ok := c.models[key(appLabel, modelName)]
	return m.Table, ok
}

// ModelExists reports whether the model is declared.
func (c *Catalog) ModelExists(_ context.Context, appLabel, modelName string) (bool, error) {
	_, ok := c.models[key(appLabel, modelName)]
	return ok, nil
}

// FieldExists reports whether field is a field of the model. Foreign keys may be named with
// or without their _id suffix.
func (c *Catalog) FieldExists(ctx context.Context, appLabel, modelName, field string) (bool, error) {
	m, ok := c.models[key(appLabel, modelName)]
	if !ok {
		return false, nil
	}
	fields, err := c.fields(ctx, m)
	if err != nil {
		return false, err
	}
	return slices.Contains(fields, field) || slices.Contains(fields, field+"_id"), nil
}

func (c *Catalog) fields(ctx context.Context, m Model) ([]string, error) {
	if len(m.Fields) > 0 {
		return m.Fields, nil
	}
	if c.columns == nil {
		return nil, fmt.Errorf("no field list for %s.%s and no column source configured", m.AppLabel, m.ModelName)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cols, ok := c.cache[m.Table]; ok {
		return cols, nil
	}
	cols, err := c.columns.Columns(ctx, m.Table)
	if err != nil {
		return nil, err
	}
	c.cache[m.Table] = cols
	return cols, nil
}

// Invalidate drops cached columns so schema changes are picked up.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.cache = make(map[string][]string)
	c.mu.Unlock()
}
