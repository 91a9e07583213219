package notebook

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Parse decodes nbformat v4 JSON. Numbers inside metadata and display data
// keep their original text.
func Parse(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc.NBFormat != FormatMajor {
		return nil, fmt.Errorf("unsupported nbformat version %d", doc.NBFormat)
	}
	if doc.Cells == nil {
		doc.Cells = []Cell{}
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	for i := range doc.Cells {
		c := &doc.Cells[i]
		if c.Metadata == nil {
			c.Metadata = map[string]any{}
		}
		if c.IsCode() && c.Outputs == nil {
			c.Outputs = []Output{}
		}
	}
	return &doc, nil
}

// Marshal encodes doc the way the Jupyter writer does: one-space indent,
// sorted keys, no HTML escaping and a trailing newline.
func Marshal(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", " ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
