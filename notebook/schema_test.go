package notebook

import (
	"testing"
)

func mustSchema(t *testing.T) *Schema {
	t.Helper()
	schema, err := DefaultSchema()
	if err != nil {
		t.Fatalf("DefaultSchema: %v", err)
	}
	return schema
}

func validDocument() *Document {
	doc := New()
	EnsureMetadata(doc)
	doc.Cells = append(doc.Cells,
		doc.NewCell(CellMarkdown, "# T"),
		doc.NewCell(CellCode, "x = 1"),
	)
	return doc
}

func TestSchema_ValidDocument(t *testing.T) {
	schema := mustSchema(t)
	if err := schema.Validate(validDocument()); err != nil {
		t.Errorf("valid 4.5 document rejected: %v", err)
	}

	doc, err := Parse([]byte(sampleNotebook))
	if err != nil {
		t.Fatal(err)
	}
	if err := schema.Validate(doc); err != nil {
		t.Errorf("valid 4.4 document rejected: %v", err)
	}
}

func TestSchema_Rejects(t *testing.T) {
	schema := mustSchema(t)

	tests := []struct {
		name   string
		mutate func(*Document)
	}{
		{"unknown cell type", func(d *Document) { d.Cells[0].CellType = "heading" }},
		{"bad kernelspec", func(d *Document) { d.Metadata["kernelspec"] = map[string]any{"name": "python3"} }},
		{"bad cell id", func(d *Document) { d.Cells[0].ID = "has space" }},
		{"unknown output type", func(d *Document) {
			d.Cells[1].Outputs = []Output{{OutputType: "bogus"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validDocument()
			tt.mutate(doc)
			if err := schema.Validate(doc); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSchema_CellIDsInOldFormat(t *testing.T) {
	schema := mustSchema(t)

	doc := validDocument()
	doc.NBFormatMinor = 4

	if err := schema.Validate(doc); err == nil {
		t.Fatal("4.4 document with cell ids should fail strict validation")
	}

	tolerated, err := schema.ValidateForSave(doc)
	if err != nil {
		t.Fatalf("ValidateForSave: %v", err)
	}
	if !tolerated {
		t.Error("cell id problem should be reported as tolerated")
	}
}

func TestSchema_ValidateForSave_OtherErrors(t *testing.T) {
	schema := mustSchema(t)

	doc := validDocument()
	doc.NBFormatMinor = 4
	doc.Metadata["kernelspec"] = map[string]any{"name": "python3"}

	if _, err := schema.ValidateForSave(doc); err == nil {
		t.Error("errors beyond cell ids must still fail")
	}

	clean := validDocument()
	tolerated, err := schema.ValidateForSave(clean)
	if err != nil || tolerated {
		t.Errorf("clean document: tolerated=%v err=%v", tolerated, err)
	}
}
