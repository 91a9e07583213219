package cells

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFindAll(t *testing.T) {
	tests := []struct {
		name          string
		text, term    string
		caseSensitive bool
		want          []int
	}{
		{"simple", "a b a", "a", true, []int{0, 4}},
		{"non-overlapping", "aaaa", "aa", true, []int{0, 2}},
		{"case folded", "Go GO go", "go", false, []int{0, 3, 6}},
		{"case sensitive miss", "Go GO", "go", true, nil},
		{"multibyte offsets", "héllo HÉLLO", "héllo", false, []int{0, 7}},
		{"empty term", "abc", "", true, nil},
		{"term longer than text", "ab", "abc", false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := findAll(tt.text, tt.term, tt.caseSensitive)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("findAll mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSearchPositions(t *testing.T) {
	tests := []struct {
		name          string
		line, term    string
		caseSensitive bool
		want          []int
	}{
		{"overlapping", "aaa", "aa", true, []int{0, 1}},
		{"overlapping folded", "AaA", "aa", false, []int{0, 1}},
		{"rune offsets", "café Test", "test", false, []int{5}},
		{"rune offsets sensitive", "é é", "é", true, []int{0, 2}},
		{"case sensitive miss", "Test", "test", true, nil},
		{"repeated", "foofoo", "foo", true, []int{0, 3}},
		{"term longer than line", "ab", "abc", false, nil},
		{"empty term", "abc", "", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := searchPositions(tt.line, tt.term, tt.caseSensitive)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("searchPositions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReplaceFirst(t *testing.T) {
	tests := []struct {
		name          string
		text          string
		caseSensitive bool
		limit         int
		want          string
		wantN         int
	}{
		{"all", "x X x", false, -1, "y y y", 3},
		{"limited", "x X x", false, 2, "y y x", 2},
		{"sensitive", "x X x", true, -1, "y X y", 2},
		{"zero", "x", true, 0, "x", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n := replaceFirst(tt.text, "x", "y", tt.caseSensitive, tt.limit)
			if got != tt.want || n != tt.wantN {
				t.Errorf("replaceFirst = %q, %d; want %q, %d", got, n, tt.want, tt.wantN)
			}
		})
	}
}

func TestSummarizeDiff_Truncates(t *testing.T) {
	var after string
	for range maxDiffChanges + 5 {
		after += "line\n"
	}
	d := summarizeDiff("", after)
	if d.LinesAdded != maxDiffChanges+5 {
		t.Errorf("LinesAdded = %d", d.LinesAdded)
	}
	if len(d.Changes) != maxDiffChanges || !d.Truncated {
		t.Errorf("changes=%d truncated=%v", len(d.Changes), d.Truncated)
	}
}
