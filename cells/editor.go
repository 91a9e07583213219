// Package cells implements structural and content edits on a notebook's cell
// list. Every edit loads the document fresh, mutates it, and saves it back
// without a backup while holding the document's lock.
package cells

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/zhubert/notebook-mcp/errinfo"
	"github.com/zhubert/notebook-mcp/logger"
	"github.com/zhubert/notebook-mcp/notebook"
)

// Editor edits cells of documents in a Store.
type Editor struct {
	store *notebook.Store
	log   *slog.Logger
}

// NewEditor returns an Editor over store.
func NewEditor(store *notebook.Store) *Editor {
	return &Editor{
		store: store,
		log:   logger.WithComponent("cells"),
	}
}

func checkIndex(field string, index, n int) error {
	if index < 0 || index >= n {
		return errinfo.OutOfRange(field, index, n)
	}
	return nil
}

// checkInsertion allows index == n, the end of the list.
func checkInsertion(field string, index, n int) error {
	if index < 0 || index > n {
		return errinfo.OutOfRange(field, index, n+1)
	}
	return nil
}

func contentLength(s string) int {
	return utf8.RuneCountInString(s)
}

// parseCellTypes validates a type filter. An empty filter means all types.
func parseCellTypes(types []string) ([]notebook.CellType, error) {
	if len(types) == 0 {
		return slices.Clone(notebook.CellTypes), nil
	}
	var parsed []notebook.CellType
	var invalid []string
	for _, s := range types {
		t, ok := notebook.ParseCellType(s)
		if !ok {
			invalid = append(invalid, s)
			continue
		}
		if !slices.Contains(parsed, t) {
			parsed = append(parsed, t)
		}
	}
	if len(invalid) > 0 {
		return nil, errinfo.InvalidArgument("cell_types", strings.Join(invalid, ","), "invalid cell types")
	}
	return parsed, nil
}

// AddResult reports an inserted cell.
type AddResult struct {
	CellType   notebook.CellType `json:"cell_type"`
	Index      int               `json:"index"`
	TotalCells int               `json:"total_cells"`
	Message    string            `json:"message"`
}

// Add inserts a cell of cellType at index, or at the end when index is nil.
func (e *Editor) Add(path, cellType, content string, index *int) (*AddResult, error) {
	t, ok := notebook.ParseCellType(cellType)
	if !ok {
		return nil, errinfo.InvalidArgument("cell_type", cellType, "invalid cell type")
	}

	var res *AddResult
	err := e.store.Update(path, func(doc *notebook.Document) error {
		pos := doc.Len()
		if index != nil {
			if err := checkInsertion("index", *index, doc.Len()); err != nil {
				return err
			}
			pos = *index
		}
		doc.Cells = slices.Insert(doc.Cells, pos, doc.NewCell(t, content))
		res = &AddResult{
			CellType:   t,
			Index:      pos,
			TotalCells: doc.Len(),
			Message:    fmt.Sprintf("Added %s cell at index %d", t, pos),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Debug("added cell", "path", path, "type", t, "index", res.Index)
	return res, nil
}

// ModifyResult reports a replaced cell body.
type ModifyResult struct {
	Index                 int               `json:"index"`
	CellType              notebook.CellType `json:"cell_type"`
	ContentLength         int               `json:"content_length"`
	PreviousContentLength int               `json:"previous_content_length"`
	Diff                  DiffSummary       `json:"diff"`
	Message               string            `json:"message"`
}

// Modify replaces the body of the cell at index. A code cell loses its
// execution count and outputs.
func (e *Editor) Modify(path string, index int, content string) (*ModifyResult, error) {
	var res *ModifyResult
	err := e.store.Update(path, func(doc *notebook.Document) error {
		if err := checkIndex("index", index, doc.Len()); err != nil {
			return err
		}
		cell := &doc.Cells[index]
		previous := string(cell.Source)
		cell.SetSource(content)
		res = &ModifyResult{
			Index:                 index,
			CellType:              cell.CellType,
			ContentLength:         contentLength(content),
			PreviousContentLength: contentLength(previous),
			Diff:                  summarizeDiff(previous, content),
			Message:               fmt.Sprintf("Modified %s cell at index %d", cell.CellType, index),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteResult reports a removed cell.
type DeleteResult struct {
	DeletedIndex    int               `json:"deleted_index"`
	DeletedCellType notebook.CellType `json:"deleted_cell_type"`
	RemainingCells  int               `json:"remaining_cells"`
	Message         string            `json:"message"`
}

// Delete removes the cell at index. The last remaining cell cannot be
// deleted.
func (e *Editor) Delete(path string, index int) (*DeleteResult, error) {
	var res *DeleteResult
	err := e.store.Update(path, func(doc *notebook.Document) error {
		if err := checkIndex("index", index, doc.Len()); err != nil {
			return err
		}
		if doc.Len() == 1 {
			return errinfo.InvariantViolation("cannot delete the last cell in a notebook").WithIndex(index)
		}
		deleted := doc.Cells[index].CellType
		doc.Cells = slices.Delete(doc.Cells, index, index+1)
		res = &DeleteResult{
			DeletedIndex:    index,
			DeletedCellType: deleted,
			RemainingCells:  doc.Len(),
			Message:         fmt.Sprintf("Deleted %s cell at index %d", deleted, index),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CellView is a cell as shown to callers. Execution fields are set for code
// cells only.
type CellView struct {
	Index          int                   `json:"index"`
	CellType       notebook.CellType     `json:"cell_type"`
	Source         string                `json:"source"`
	Metadata       map[string]any        `json:"metadata"`
	ContentLength  int                   `json:"content_length"`
	ExecutionCount *int                  `json:"execution_count,omitempty"`
	HasOutputs     *bool                 `json:"has_outputs,omitempty"`
	OutputCount    *int                  `json:"output_count,omitempty"`
	Outputs        []notebook.OutputView `json:"outputs,omitempty"`
}

func viewCell(index int, c *notebook.Cell, withOutputs bool) CellView {
	v := CellView{
		Index:         index,
		CellType:      c.CellType,
		Source:        string(c.Source),
		Metadata:      c.Metadata,
		ContentLength: contentLength(string(c.Source)),
	}
	if v.Metadata == nil {
		v.Metadata = map[string]any{}
	}
	if c.IsCode() {
		has := len(c.Outputs) > 0
		count := len(c.Outputs)
		v.ExecutionCount = c.ExecutionCount
		v.HasOutputs = &has
		v.OutputCount = &count
		if withOutputs {
			v.Outputs = notebook.Views(c.Outputs)
		}
	}
	return v
}

// Get returns the cell at index, including outputs for code cells.
func (e *Editor) Get(path string, index int) (*CellView, error) {
	doc, err := e.store.Load(path)
	if err != nil {
		return nil, err
	}
	if err := checkIndex("index", index, doc.Len()); err != nil {
		return nil, err
	}
	v := viewCell(index, &doc.Cells[index], true)
	return &v, nil
}

// AllCells lists every cell without outputs.
type AllCells struct {
	TotalCells int        `json:"total_cells"`
	Cells      []CellView `json:"cells"`
}

// GetAll returns a summary of every cell.
func (e *Editor) GetAll(path string) (*AllCells, error) {
	doc, err := e.store.Load(path)
	if err != nil {
		return nil, err
	}
	out := &AllCells{TotalCells: doc.Len(), Cells: make([]CellView, 0, doc.Len())}
	for i := range doc.Cells {
		out.Cells = append(out.Cells, viewCell(i, &doc.Cells[i], false))
	}
	return out, nil
}

// MoveResult reports a moved cell. Moved is false when the cell was already
// at the target.
type MoveResult struct {
	Moved     bool              `json:"moved"`
	FromIndex int               `json:"from_index"`
	ToIndex   int               `json:"to_index"`
	CellType  notebook.CellType `json:"cell_type"`
	Message   string            `json:"message"`
}

// Move pops the cell at from and inserts it at to.
func (e *Editor) Move(path string, from, to int) (*MoveResult, error) {
	var res *MoveResult
	err := e.store.Update(path, func(doc *notebook.Document) error {
		if err := checkIndex("from_index", from, doc.Len()); err != nil {
			return err
		}
		if err := checkIndex("to_index", to, doc.Len()); err != nil {
			return err
		}

		cell := doc.Cells[from]
		if from == to {
			res = &MoveResult{
				FromIndex: from,
				ToIndex:   to,
				CellType:  cell.CellType,
				Message:   "Cell is already at target position",
			}
			return notebook.SkipSave
		}

		doc.Cells = slices.Delete(doc.Cells, from, from+1)
		doc.Cells = slices.Insert(doc.Cells, to, cell)
		res = &MoveResult{
			Moved:     true,
			FromIndex: from,
			ToIndex:   to,
			CellType:  cell.CellType,
			Message:   fmt.Sprintf("Moved %s cell from index %d to %d", cell.CellType, from, to),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DuplicateResult reports a copied cell.
type DuplicateResult struct {
	OriginalIndex  int               `json:"original_index"`
	DuplicateIndex int               `json:"duplicate_index"`
	CellType       notebook.CellType `json:"cell_type"`
	TotalCells     int               `json:"total_cells"`
	Message        string            `json:"message"`
}

// Duplicate copies the cell at index to target, or right after the original
// when target is nil. The copy has the same type, body and metadata but no
// outputs.
func (e *Editor) Duplicate(path string, index int, target *int) (*DuplicateResult, error) {
	var res *DuplicateResult
	err := e.store.Update(path, func(doc *notebook.Document) error {
		if err := checkIndex("index", index, doc.Len()); err != nil {
			return err
		}

		pos := index + 1
		if target != nil {
			if err := checkInsertion("target_index", *target, doc.Len()); err != nil {
				return err
			}
			pos = *target
		}

		orig := doc.Cells[index]
		clone := orig.Clone()
		if clone.ID == "" && doc.UsesCellIDs() {
			clone.ID = notebook.NewCellID()
		}
		doc.Cells = slices.Insert(doc.Cells, pos, clone)
		res = &DuplicateResult{
			OriginalIndex:  index,
			DuplicateIndex: pos,
			CellType:       orig.CellType,
			TotalCells:     doc.Len(),
			Message:        fmt.Sprintf("Duplicated %s cell from index %d to %d", orig.CellType, index, pos),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// LineMatch is one line containing the search term.
type LineMatch struct {
	LineNumber int    `json:"line_number"`
	Content    string `json:"content"`
	Positions  []int  `json:"positions"`
}

// CellMatch collects the matching lines of one cell.
type CellMatch struct {
	CellIndex     int               `json:"cell_index"`
	CellType      notebook.CellType `json:"cell_type"`
	TotalMatches  int               `json:"total_matches"`
	MatchingLines []LineMatch       `json:"matching_lines"`
}

// SearchResult aggregates matches across the document.
type SearchResult struct {
	SearchTerm        string              `json:"search_term"`
	CaseSensitive     bool                `json:"case_sensitive"`
	SearchedCellTypes []notebook.CellType `json:"searched_cell_types"`
	TotalMatches      int                 `json:"total_matches"`
	CellsWithMatches  int                 `json:"cells_with_matches"`
	Matches           []CellMatch         `json:"matches"`
}

// Search scans cell bodies line by line for term. Line numbers start at 1
// and positions are character offsets into the line. Overlapping
// occurrences each count, so "aa" matches "aaa" twice.
func (e *Editor) Search(path, term string, caseSensitive bool, types []string) (*SearchResult, error) {
	if term == "" {
		return nil, errinfo.InvalidArgument("search_term", term, "search term must not be empty")
	}
	filter, err := parseCellTypes(types)
	if err != nil {
		return nil, err
	}

	doc, err := e.store.Load(path)
	if err != nil {
		return nil, err
	}

	res := &SearchResult{
		SearchTerm:        term,
		CaseSensitive:     caseSensitive,
		SearchedCellTypes: filter,
		Matches:           []CellMatch{},
	}
	for i, c := range doc.Cells {
		if !slices.Contains(filter, c.CellType) {
			continue
		}
		var lines []LineMatch
		total := 0
		for n, line := range strings.Split(string(c.Source), "\n") {
			positions := searchPositions(line, term, caseSensitive)
			if len(positions) == 0 {
				continue
			}
			lines = append(lines, LineMatch{LineNumber: n + 1, Content: line, Positions: positions})
			total += len(positions)
		}
		if total == 0 {
			continue
		}
		res.Matches = append(res.Matches, CellMatch{
			CellIndex:     i,
			CellType:      c.CellType,
			TotalMatches:  total,
			MatchingLines: lines,
		})
		res.TotalMatches += total
	}
	res.CellsWithMatches = len(res.Matches)
	return res, nil
}

// CellReplacement reports substitutions in one cell.
type CellReplacement struct {
	Index        int               `json:"index"`
	CellType     notebook.CellType `json:"cell_type"`
	Replacements int               `json:"replacements"`
	Diff         DiffSummary       `json:"diff"`
}

// ReplaceResult aggregates substitutions across the document.
type ReplaceResult struct {
	SearchTerm        string            `json:"search_term"`
	ReplaceTerm       string            `json:"replace_term"`
	CaseSensitive     bool              `json:"case_sensitive"`
	TotalReplacements int               `json:"total_replacements"`
	ModifiedCells     int               `json:"modified_cells"`
	Cells             []CellReplacement `json:"cells"`
}

// Replace substitutes term with replacement cell by cell in document order.
// With maxReplacements set, substitution stops once the cap is reached; the
// cell that reaches it gets only its leftmost matches replaced. A cell
// whose body would come out unchanged is not counted. The document is saved
// once, and only if some body changed.
func (e *Editor) Replace(path, term, replacement string, caseSensitive bool, types []string, maxReplacements *int) (*ReplaceResult, error) {
	if term == "" {
		return nil, errinfo.InvalidArgument("search_term", term, "search term must not be empty")
	}
	if maxReplacements != nil && *maxReplacements < 0 {
		return nil, errinfo.InvalidArgument("max_replacements", fmt.Sprint(*maxReplacements), "must not be negative")
	}
	filter, err := parseCellTypes(types)
	if err != nil {
		return nil, err
	}

	res := &ReplaceResult{
		SearchTerm:    term,
		ReplaceTerm:   replacement,
		CaseSensitive: caseSensitive,
		Cells:         []CellReplacement{},
	}
	err = e.store.Update(path, func(doc *notebook.Document) error {
		for i := range doc.Cells {
			c := &doc.Cells[i]
			if !slices.Contains(filter, c.CellType) {
				continue
			}
			limit := -1
			if maxReplacements != nil {
				limit = *maxReplacements - res.TotalReplacements
				if limit <= 0 {
					break
				}
			}

			before := string(c.Source)
			after, n := replaceFirst(before, term, replacement, caseSensitive, limit)
			if n == 0 || after == before {
				continue
			}
			c.SetSource(after)
			res.TotalReplacements += n
			res.Cells = append(res.Cells, CellReplacement{
				Index:        i,
				CellType:     c.CellType,
				Replacements: n,
				Diff:         summarizeDiff(before, after),
			})
		}
		res.ModifiedCells = len(res.Cells)
		if res.ModifiedCells == 0 {
			return notebook.SkipSave
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
