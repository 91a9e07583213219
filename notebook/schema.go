package notebook

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed schema/nbformat.v4.schema.json
var schemaText []byte

var cellDefs = []string{"raw_cell", "markdown_cell", "code_cell"}

// cellIDProperty is the per-cell id introduced by nbformat 4.5.
var cellIDProperty = map[string]any{
	"type":      "string",
	"pattern":   "^[a-zA-Z0-9_-]+$",
	"minLength": 1,
	"maxLength": 64,
}

// Schema validates documents against the nbformat v4 structure. Documents
// at minor version 5 or later may carry cell ids; earlier ones may not.
type Schema struct {
	base    *jsonschema.Schema
	withIDs *jsonschema.Schema
}

// DefaultSchema returns the compiled embedded schema.
var DefaultSchema = sync.OnceValues(func() (*Schema, error) {
	return NewSchema(schemaText)
})

// NewSchema compiles a v4 schema and its cell-id variant.
func NewSchema(text []byte) (*Schema, error) {
	base, err := compileSchema(text)
	if err != nil {
		return nil, err
	}

	idText, err := addCellIDs(text)
	if err != nil {
		return nil, err
	}
	withIDs, err := compileSchema(idText)
	if err != nil {
		return nil, err
	}
	return &Schema{base: base, withIDs: withIDs}, nil
}

func compileSchema(text []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(text)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// addCellIDs returns the schema with an optional id property on every cell
// definition.
func addCellIDs(text []byte) ([]byte, error) {
	var root map[string]any
	if err := json.Unmarshal(text, &root); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	defs, ok := root["$defs"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("schema has no $defs")
	}
	for _, name := range cellDefs {
		def, ok := defs[name].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("schema has no %s definition", name)
		}
		props, ok := def["properties"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("schema %s has no properties", name)
		}
		props["id"] = cellIDProperty
	}
	return json.Marshal(root)
}

// Validate checks doc against the schema for its minor version.
func (s *Schema) Validate(doc *Document) error {
	data, err := Marshal(doc)
	if err != nil {
		return err
	}
	schema := s.base
	if doc.UsesCellIDs() {
		schema = s.withIDs
	}
	return validateJSON(schema, data)
}

// ValidateForSave is Validate, except a document whose only problem is cell
// ids its version does not allow is accepted. tolerated reports that case.
func (s *Schema) ValidateForSave(doc *Document) (tolerated bool, err error) {
	err = s.Validate(doc)
	if err == nil {
		return false, nil
	}
	if !hasCellIDs(doc) {
		return false, err
	}

	stripped := *doc
	stripped.Cells = make([]Cell, len(doc.Cells))
	for i, c := range doc.Cells {
		c.ID = ""
		stripped.Cells[i] = c
	}
	data, merr := Marshal(&stripped)
	if merr != nil {
		return false, merr
	}
	if validateJSON(s.base, data) != nil {
		return false, err
	}
	return true, nil
}

func hasCellIDs(doc *Document) bool {
	for i := range doc.Cells {
		if doc.Cells[i].ID != "" {
			return true
		}
	}
	return false
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
