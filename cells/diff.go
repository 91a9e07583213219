package cells

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxDiffChanges caps the changed lines reported per cell.
const maxDiffChanges = 50

// Change is one added or removed line.
type Change struct {
	Type string `json:"type"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

const (
	ChangeAdded   = "added"
	ChangeRemoved = "removed"
)

// DiffSummary describes how a cell body changed, line by line.
type DiffSummary struct {
	LinesAdded   int      `json:"lines_added"`
	LinesRemoved int      `json:"lines_removed"`
	Changes      []Change `json:"changes"`
	Truncated    bool     `json:"truncated,omitempty"`
}

// summarizeDiff computes a line diff between before and after. Removed
// lines carry their old line number and added lines their new one.
func summarizeDiff(before, after string) DiffSummary {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	summary := DiffSummary{Changes: []Change{}}
	oldLine, newLine := 1, 1
	add := func(c Change) {
		if len(summary.Changes) < maxDiffChanges {
			summary.Changes = append(summary.Changes, c)
		} else {
			summary.Truncated = true
		}
	}

	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		for _, line := range lines {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				summary.LinesRemoved++
				add(Change{Type: ChangeRemoved, Line: oldLine, Text: line})
				oldLine++
			case diffmatchpatch.DiffInsert:
				summary.LinesAdded++
				add(Change{Type: ChangeAdded, Line: newLine, Text: line})
				newLine++
			}
		}
	}
	return summary
}
