package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/docflow/internal/model"
)

func TestSchemaValidator(t *testing.T) {
	v := NewSchemaValidator()
	m := invoiceModel()

	assert.NoError(t, v.Validate(m, json.RawMessage(`{"total":"1.00","vendor":"Acme"}`)))
	assert.Error(t, v.Validate(m, json.RawMessage(`{"vendor":"Acme"}`)), "missing required field")
	assert.Error(t, v.Validate(m, json.RawMessage(`{"total":1}`)), "wrong type")
	assert.Error(t, v.Validate(m, nil), "empty fields miss the required field")
	assert.Error(t, v.Validate(m, json.RawMessage(`not json`)))

	// Cached schema is reused.
	assert.Len(t, v.schemas, 1)

	assert.NoError(t, v.Validate(&model.ExtractionModel{ID: "free"}, json.RawMessage(`{"anything":true}`)))
	assert.NoError(t, v.Validate(nil, nil))
}

func TestCheckSchema(t *testing.T) {
	assert.NoError(t, CheckSchema("ok", json.RawMessage(`{"type":"object"}`)))
	assert.NoError(t, CheckSchema("none", nil))
	assert.Error(t, CheckSchema("bad", json.RawMessage(`{"type": 12}`)))
	assert.Error(t, CheckSchema("broken", json.RawMessage(`{`)))
}
