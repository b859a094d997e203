// Package catalog loads extraction models from a YAML file and syncs them
// into the store.
package catalog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/docflow/internal/extract"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/store"
)

// Entry is one model in the catalog file. A field schema is given inline
// or as a path relative to the catalog.
type Entry struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	ProviderModel string         `yaml:"provider_model"`
	Description   string         `yaml:"description"`
	MaxPages      int            `yaml:"max_pages"`
	Active        *bool          `yaml:"active"`
	FieldSchema   map[string]any `yaml:"field_schema"`
	SchemaFile    string         `yaml:"field_schema_file"`
}

// File is the catalog document.
type File struct {
	Defaults struct {
		MaxPages int `yaml:"max_pages"`
	} `yaml:"defaults"`
	Models []Entry `yaml:"models"`
}

// Load reads and validates the catalog at path.
func Load(path string) ([]model.ExtractionModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse validates a catalog document. Schema files resolve against dir.
func Parse(data []byte, dir string) ([]model.ExtractionModel, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "catalog: parse")
	}
	if len(f.Models) == 0 {
		return nil, eris.Wrap(model.ErrValidation, "catalog: no models defined")
	}
	if f.Defaults.MaxPages <= 0 {
		f.Defaults.MaxPages = 200
	}

	seen := make(map[string]bool, len(f.Models))
	out := make([]model.ExtractionModel, 0, len(f.Models))
	for i, e := range f.Models {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, eris.Wrapf(model.ErrValidation, "catalog: model %d has no id", i+1)
		}
		if seen[id] {
			return nil, eris.Wrapf(model.ErrValidation, "catalog: duplicate model id %q", id)
		}
		seen[id] = true

		m := model.ExtractionModel{
			ID:            id,
			Name:          strings.TrimSpace(e.Name),
			ProviderModel: strings.TrimSpace(e.ProviderModel),
			Description:   strings.TrimSpace(e.Description),
			MaxPages:      e.MaxPages,
			Active:        e.Active == nil || *e.Active,
		}
		if m.Name == "" {
			m.Name = id
		}
		if m.MaxPages == 0 {
			m.MaxPages = f.Defaults.MaxPages
		}
		if m.MaxPages < 0 {
			return nil, eris.Wrapf(model.ErrValidation, "catalog: model %q max_pages must be positive", id)
		}

		schema, err := e.schema(dir)
		if err != nil {
			return nil, eris.Wrapf(err, "catalog: model %q", id)
		}
		if err := extract.CheckSchema(id, schema); err != nil {
			return nil, eris.Wrapf(model.ErrValidation, "catalog: model %q schema: %v", id, err)
		}
		m.FieldSchema = schema
		out = append(out, m)
	}
	return out, nil
}

func (e Entry) schema(dir string) (json.RawMessage, error) {
	switch {
	case e.FieldSchema != nil && e.SchemaFile != "":
		return nil, eris.Wrap(model.ErrValidation, "field_schema and field_schema_file are exclusive")
	case e.FieldSchema != nil:
		b, err := json.Marshal(e.FieldSchema)
		if err != nil {
			return nil, eris.Wrap(err, "encode field_schema")
		}
		return b, nil
	case e.SchemaFile != "":
		p := e.SchemaFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, eris.Wrapf(err, "read schema %s", e.SchemaFile)
		}
		if !json.Valid(b) {
			return nil, eris.Wrapf(model.ErrValidation, "schema %s is not valid JSON", e.SchemaFile)
		}
		return b, nil
	}
	return nil, nil
}

// Sync upserts models. Models absent from the catalog are left as they are.
func Sync(ctx context.Context, st store.Store, models []model.ExtractionModel) error {
	if err := st.UpsertModels(ctx, models); err != nil {
		return eris.Wrap(err, "catalog: sync")
	}
	zap.L().Info("catalog synced", zap.String("component", "catalog"), zap.Int("models", len(models)))
	return nil
}
