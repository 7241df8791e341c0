package schemas

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeipuuv/gojsonschema"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func TestPipelineConfigSchema_IsValidJSON(t *testing.T) {
	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(PipelineConfigSchema()), &schema))
	assert.Equal(t, "PipelineConfig", schema["title"])
}

func TestValidatePipelineConfig_Valid(t *testing.T) {
	doc := decode(t, `{
		"document_classes": [{"id": 1, "key": "ARZTBRIEF", "display_name": "Arztbrief", "enabled": true}],
		"steps": [
			{"id": 1, "name": "classify", "order": 1, "prompt_template": "{input_text}",
			 "is_branching_step": true, "branching_field": "document_type"},
			{"id": 2, "name": "translate", "order": 2, "prompt_template": "{input_text}",
			 "document_class_id": 1, "retry_policy": {"retry_on_failure": true, "max_retries": 3}}
		]
	}`)

	assert.NoError(t, ValidatePipelineConfig(doc))
}

func TestValidatePipelineConfig_MissingRequiredField(t *testing.T) {
	doc := decode(t, `{"steps": [{"id": 1, "order": 1, "prompt_template": "x"}]}`)

	err := ValidatePipelineConfig(doc)
	require.Error(t, err)

	validationErr, ok := err.(*ValidationError)
	require.True(t, ok, "error should be ValidationError type")
	require.NotEmpty(t, validationErr.Errors)
	assert.Contains(t, validationErr.Error(), "name")
}

func TestValidatePipelineConfig_EmptyStopValues(t *testing.T) {
	doc := decode(t, `{"steps": [{"id": 1, "name": "v", "order": 1, "prompt_template": "x",
		"stop_conditions": {"stop_on_values": []}}]}`)

	err := ValidatePipelineConfig(doc)
	require.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
}

func TestValidatePipelineConfig_UnknownProperty(t *testing.T) {
	doc := decode(t, `{"steps": [{"id": 1, "name": "v", "order": 1, "prompt_template": "x", "retries": 3}]}`)

	assert.Error(t, ValidatePipelineConfig(doc))
}

func TestValidatePipelineConfig_LowercaseClassKey(t *testing.T) {
	doc := decode(t, `{"document_classes": [{"id": 1, "key": "arztbrief", "display_name": "A"}], "steps": []}`)

	assert.Error(t, ValidatePipelineConfig(doc))
}

func TestValidate_InvalidSchema(t *testing.T) {
	err := validate("broken.schema.json",
		gojsonschema.NewStringLoader(`{"type": 12}`),
		gojsonschema.NewGoLoader(map[string]any{}))
	require.Error(t, err)

	_, ok := err.(*SchemaLoadError)
	assert.True(t, ok, "error should be SchemaLoadError type")
}

func TestValidationError_Format(t *testing.T) {
	err := &ValidationError{Errors: []FieldError{{Field: "steps.0.name", Message: "name is required"}}}
	assert.Contains(t, err.Error(), "1. steps.0.name: name is required")
}
