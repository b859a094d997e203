package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/store/storetest"
)

const sample = `
defaults:
  max_pages: 40
models:
  - id: invoice
    name: Invoices
    provider_model: prebuilt-invoice
    field_schema:
      type: object
      required: [total]
      properties:
        total: {type: string}
  - id: receipt
    max_pages: 5
    active: false
    field_schema_file: schemas/receipt.json
  - id: freeform
`

func writeCatalog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "schemas"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schemas", "receipt.json"), []byte(`{"type":"object"}`), 0o644))
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	models, err := Load(writeCatalog(t))
	require.NoError(t, err)
	require.Len(t, models, 3)

	inv := models[0]
	assert.Equal(t, "Invoices", inv.Name)
	assert.Equal(t, "prebuilt-invoice", inv.ProviderModel)
	assert.Equal(t, 40, inv.MaxPages)
	assert.True(t, inv.Active)
	assert.JSONEq(t, `{"type":"object","required":["total"],"properties":{"total":{"type":"string"}}}`, string(inv.FieldSchema))

	rec := models[1]
	assert.Equal(t, "receipt", rec.Name)
	assert.Equal(t, 5, rec.MaxPages)
	assert.False(t, rec.Active)
	assert.JSONEq(t, `{"type":"object"}`, string(rec.FieldSchema))

	assert.Nil(t, models[2].FieldSchema)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", `models: []`},
		{"missing id", "models:\n  - name: x\n"},
		{"duplicate", "models:\n  - id: a\n  - id: a\n"},
		{"negative pages", "models:\n  - id: a\n    max_pages: -1\n"},
		{"bad schema", "models:\n  - id: a\n    field_schema: {type: 12}\n"},
		{"both schemas", "models:\n  - id: a\n    field_schema: {type: object}\n    field_schema_file: a.json\n"},
		{"missing schema file", "models:\n  - id: a\n    field_schema_file: nope.json\n"},
		{"not yaml", "models: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestSync(t *testing.T) {
	st := storetest.NewSQLite(t)
	ctx := context.Background()
	models, err := Load(writeCatalog(t))
	require.NoError(t, err)

	require.NoError(t, Sync(ctx, st, models))
	require.NoError(t, Sync(ctx, st, models), "sync is idempotent")

	got, err := st.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)

	m, err := st.GetModel(ctx, "receipt")
	require.NoError(t, err)
	assert.False(t, m.Active)
	assert.Equal(t, model.ExtractionModel{
		ID: "receipt", Name: "receipt", MaxPages: 5, FieldSchema: m.FieldSchema,
	}, *m)
}
