// Package notebook holds the in-memory notebook document, its nbformat v4
// codec, and the Store that loads and persists documents through the path
// guard.
package notebook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// CellType is one of the three nbformat cell kinds.
type CellType string

const (
	CellCode     CellType = "code"
	CellMarkdown CellType = "markdown"
	CellRaw      CellType = "raw"
)

// CellTypes lists every cell type in display order.
var CellTypes = []CellType{CellCode, CellMarkdown, CellRaw}

// ParseCellType returns the CellType named by s.
func ParseCellType(s string) (CellType, bool) {
	t := CellType(s)
	return t, slices.Contains(CellTypes, t)
}

// Output types produced by execution.
const (
	OutputStream        = "stream"
	OutputDisplayData   = "display_data"
	OutputExecuteResult = "execute_result"
	OutputError         = "error"
)

// Format versions written for new documents.
const (
	FormatMajor = 4
	FormatMinor = 5
)

// MultilineString is text stored in nbformat as either one string or a list
// of lines. It always serializes as a list of lines.
type MultilineString string

func (m *MultilineString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = MultilineString(s)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*m = MultilineString(strings.Join(lines, ""))
	return nil
}

func (m MultilineString) MarshalJSON() ([]byte, error) {
	return marshalRaw(splitLines(string(m)))
}

// marshalRaw encodes v without HTML escaping, so markup in sources is
// written as-is.
func marshalRaw(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// splitLines splits s after each newline, keeping the newlines.
func splitLines(s string) []string {
	lines := []string{}
	for s != "" {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			lines = append(lines, s)
			break
		}
		lines = append(lines, s[:i+1])
		s = s[i+1:]
	}
	return lines
}

// Output is one execution event attached to a code cell. Which fields are
// meaningful depends on OutputType.
type Output struct {
	OutputType     string          `json:"output_type"`
	Name           string          `json:"name,omitempty"`
	Text           MultilineString `json:"text,omitempty"`
	Data           map[string]any  `json:"data,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	ExecutionCount *int            `json:"execution_count,omitempty"`
	EName          string          `json:"ename,omitempty"`
	EValue         string          `json:"evalue,omitempty"`
	Traceback      []string        `json:"traceback,omitempty"`
}

// MarshalJSON writes only the fields the output type allows, with the
// required ones always present.
func (o Output) MarshalJSON() ([]byte, error) {
	m := map[string]any{"output_type": o.OutputType}
	switch o.OutputType {
	case OutputStream:
		m["name"] = o.Name
		m["text"] = o.Text
	case OutputDisplayData, OutputExecuteResult:
		m["data"] = nonNilMap(o.Data)
		m["metadata"] = nonNilMap(o.Metadata)
		if o.OutputType == OutputExecuteResult {
			m["execution_count"] = o.ExecutionCount
		}
	case OutputError:
		m["ename"] = o.EName
		m["evalue"] = o.EValue
		tb := o.Traceback
		if tb == nil {
			tb = []string{}
		}
		m["traceback"] = tb
	}
	return marshalRaw(m)
}

// PlainText returns the text/plain rendering of display data, if any.
func (o Output) PlainText() (string, bool) {
	v, ok := o.Data["text/plain"]
	if !ok {
		return "", false
	}
	return bundleText(v), true
}

func bundleText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		var sb strings.Builder
		for _, line := range t {
			if s, ok := line.(string); ok {
				sb.WriteString(s)
			}
		}
		return sb.String()
	case []string:
		return strings.Join(t, "")
	default:
		return fmt.Sprint(t)
	}
}

// Cell is one unit of a document.
type Cell struct {
	ID          string          `json:"id,omitempty"`
	CellType    CellType        `json:"cell_type"`
	Source      MultilineString `json:"source"`
	Metadata    map[string]any  `json:"metadata"`
	Attachments json.RawMessage `json:"attachments,omitempty"`

	// Code cells only.
	ExecutionCount *int     `json:"execution_count,omitempty"`
	Outputs        []Output `json:"outputs,omitempty"`
}

// MarshalJSON writes execution_count and outputs for code cells only, and
// always writes them for code cells.
func (c Cell) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"cell_type": c.CellType,
		"source":    c.Source,
		"metadata":  nonNilMap(c.Metadata),
	}
	if c.ID != "" {
		m["id"] = c.ID
	}
	if c.CellType == CellCode {
		m["execution_count"] = c.ExecutionCount
		outputs := c.Outputs
		if outputs == nil {
			outputs = []Output{}
		}
		m["outputs"] = outputs
	} else if len(c.Attachments) > 0 {
		m["attachments"] = c.Attachments
	}
	return marshalRaw(m)
}

// IsCode reports whether the cell is a code cell.
func (c *Cell) IsCode() bool { return c.CellType == CellCode }

// ResetExecution marks a code cell unexecuted and drops its outputs. It is a
// no-op for other cell types.
func (c *Cell) ResetExecution() {
	if !c.IsCode() {
		return
	}
	c.ExecutionCount = nil
	c.Outputs = []Output{}
}

// SetSource replaces the body. A code cell's outputs never outlive the
// source that produced them, so its execution state is reset too.
func (c *Cell) SetSource(src string) {
	c.Source = MultilineString(src)
	c.ResetExecution()
}

// Clone returns a copy with the same type, body and metadata. Execution
// state is not copied; the clone gets a new ID when the original had one.
func (c *Cell) Clone() Cell {
	clone := Cell{
		CellType: c.CellType,
		Source:   c.Source,
		Metadata: cloneMap(c.Metadata),
	}
	if len(c.Attachments) > 0 {
		clone.Attachments = slices.Clone(c.Attachments)
	}
	if c.ID != "" {
		clone.ID = NewCellID()
	}
	clone.ResetExecution()
	return clone
}

// NewCellID returns a fresh nbformat 4.5 cell id.
func NewCellID() string {
	return uuid.New().String()[:8]
}

// NewCell builds an empty-metadata cell of the given type.
func NewCell(t CellType, source string) Cell {
	c := Cell{
		CellType: t,
		Source:   MultilineString(source),
		Metadata: map[string]any{},
	}
	c.ResetExecution()
	return c
}

// Document is a parsed notebook.
type Document struct {
	Cells         []Cell         `json:"cells"`
	Metadata      map[string]any `json:"metadata"`
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
}

// New returns an empty document at the current format version.
func New() *Document {
	return &Document{
		Cells:         []Cell{},
		Metadata:      map[string]any{},
		NBFormat:      FormatMajor,
		NBFormatMinor: FormatMinor,
	}
}

// UsesCellIDs reports whether the format version carries per-cell ids.
func (d *Document) UsesCellIDs() bool {
	return d.NBFormat > 4 || (d.NBFormat == 4 && d.NBFormatMinor >= 5)
}

// NewCell builds a cell for this document, assigning an id when the format
// version uses them.
func (d *Document) NewCell(t CellType, source string) Cell {
	c := NewCell(t, source)
	if d.UsesCellIDs() {
		c.ID = NewCellID()
	}
	return c
}

// Len returns the number of cells.
func (d *Document) Len() int { return len(d.Cells) }

// Version returns "major.minor".
func (d *Document) Version() string {
	return fmt.Sprintf("%d.%d", d.NBFormat, d.NBFormatMinor)
}

// KernelName returns kernelspec.name, or "" when absent.
func (d *Document) KernelName() string {
	return nestedString(d.Metadata, "kernelspec", "name")
}

// LanguageName returns language_info.name, or "" when absent.
func (d *Document) LanguageName() string {
	return nestedString(d.Metadata, "language_info", "name")
}

// CellStats counts cells by type and execution state.
type CellStats struct {
	Total        int `json:"total"`
	Code         int `json:"code"`
	Markdown     int `json:"markdown"`
	Raw          int `json:"raw"`
	ExecutedCode int `json:"executed_code"`
	HasOutputs   int `json:"has_outputs"`
}

// Stats returns cell counts for the document.
func (d *Document) Stats() CellStats {
	s := CellStats{Total: len(d.Cells)}
	for i := range d.Cells {
		c := &d.Cells[i]
		switch c.CellType {
		case CellCode:
			s.Code++
			if c.ExecutionCount != nil {
				s.ExecutedCode++
			}
			if len(c.Outputs) > 0 {
				s.HasOutputs++
			}
		case CellMarkdown:
			s.Markdown++
		case CellRaw:
			s.Raw++
		}
	}
	return s
}

func nestedString(m map[string]any, keys ...string) string {
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = obj[k]
	}
	s, _ := cur.(string)
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// cloneMap deep-copies JSON-shaped values.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return t
	}
}
