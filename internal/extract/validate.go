package extract

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sells-group/docflow/internal/model"
)

// SchemaValidator checks extracted fields against an extraction model's
// field schema. Compiled schemas are cached per model id.
type SchemaValidator struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaValidator returns an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{schemas: make(map[string]*jsonschema.Schema)}
}

// Validate returns an error describing every schema violation in fields.
// Models without a schema accept anything.
func (v *SchemaValidator) Validate(m *model.ExtractionModel, fields json.RawMessage) error {
	if m == nil || len(m.FieldSchema) == 0 {
		return nil
	}
	schema, err := v.compile(m)
	if err != nil {
		return err
	}

	var doc any
	if len(fields) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(fields, &doc); err != nil {
		return eris.Wrap(err, "extract: decode fields")
	}
	if err := schema.Validate(doc); err != nil {
		return eris.Wrapf(err, "extract: fields do not match %s schema", m.ID)
	}
	return nil
}

func (v *SchemaValidator) compile(m *model.ExtractionModel) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.schemas[m.ID]; ok {
		return s, nil
	}

	url := "models/" + m.ID + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(m.FieldSchema)); err != nil {
		return nil, eris.Wrapf(err, "extract: add %s schema", m.ID)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: compile %s schema", m.ID)
	}
	v.schemas[m.ID] = s
	return s, nil
}

// CheckSchema reports whether raw is a compilable JSON Schema.
func CheckSchema(id string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	_, err := NewSchemaValidator().compile(&model.ExtractionModel{ID: id, FieldSchema: raw})
	return err
}
