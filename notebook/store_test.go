package notebook

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zhubert/notebook-mcp/errinfo"
	"github.com/zhubert/notebook-mcp/guard"
)

var fixedNow = time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)

// newTestStore returns a Store rooted at a fresh temp dir.
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	g, err := guard.New([]string{root})
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(g, WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s, root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestStore_Create(t *testing.T) {
	s, root := newTestStore(t)

	doc, err := s.Create("analysis.ipynb", "T", "python")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if doc.Len() != 2 {
		t.Fatalf("Len = %d, want 2", doc.Len())
	}
	if doc.Cells[0].CellType != CellMarkdown || !strings.HasPrefix(string(doc.Cells[0].Source), "# T\n") {
		t.Errorf("unexpected title cell %+v", doc.Cells[0])
	}
	if doc.Cells[1].CellType != CellCode || !strings.Contains(string(doc.Cells[1].Source), "print(") {
		t.Errorf("unexpected placeholder cell %+v", doc.Cells[1])
	}
	if doc.Metadata["created"] != fixedNow.Format(time.RFC3339) {
		t.Errorf("created = %v", doc.Metadata["created"])
	}

	if _, err := os.Stat(filepath.Join(root, "analysis.ipynb")); err != nil {
		t.Fatalf("file not written: %v", err)
	}

	_, err = s.Create("analysis.ipynb", "T", "python")
	if !errinfo.Is(err, errinfo.KindAlreadyExists) {
		t.Errorf("second Create should fail with ALREADY_EXISTS, got %v", err)
	}
}

func TestStore_CreateOtherLanguage(t *testing.T) {
	s, _ := newTestStore(t)

	doc, err := s.Create("r.ipynb", "", "R")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if doc.Metadata["title"] != "New Notebook" {
		t.Errorf("default title = %v", doc.Metadata["title"])
	}
	if got := string(doc.Cells[1].Source); got != "# Your code here" {
		t.Errorf("placeholder = %q", got)
	}
	if doc.KernelName() != "r" {
		t.Errorf("KernelName = %q", doc.KernelName())
	}
}

func TestStore_LoadSaveRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	created, err := s.Create("rt.ipynb", "T", "python")
	if err != nil {
		t.Fatal(err)
	}
	created.Cells = append(created.Cells, created.NewCell(CellRaw, "raw body"))
	if err := s.Save(created, "rt.ipynb", false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load("rt.ipynb")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Save(loaded, "rt.ipynb", false); err != nil {
		t.Fatal(err)
	}
	again, err := s.Load("rt.ipynb")
	if err != nil {
		t.Fatal(err)
	}

	type shape struct {
		Type   CellType
		Source MultilineString
	}
	shapes := func(d *Document) []shape {
		var out []shape
		for _, c := range d.Cells {
			out = append(out, shape{c.CellType, c.Source})
		}
		return out
	}
	if diff := cmp.Diff(shapes(created), shapes(again)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_LoadErrors(t *testing.T) {
	s, root := newTestStore(t)
	writeFile(t, filepath.Join(root, "broken.ipynb"), "{not json")

	tests := []struct {
		name  string
		input string
		kind  errinfo.Kind
	}{
		{"missing", "missing.ipynb", errinfo.KindNotFound},
		{"corrupt", "broken.ipynb", errinfo.KindCorruptDocument},
		{"wrong suffix", "notes.txt", errinfo.KindValidationFailure},
		{"outside", "../x.ipynb", errinfo.KindSecurityViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Load(tt.input)
			if got := errinfo.KindOf(err); got != tt.kind {
				t.Errorf("kind = %s, want %s (err %v)", got, tt.kind, err)
			}
		})
	}
}

func TestStore_LoadBackfillsMetadata(t *testing.T) {
	s, root := newTestStore(t)
	writeFile(t, filepath.Join(root, "bare.ipynb"),
		`{"cells": [{"cell_type": "markdown", "metadata": {}, "source": "hi"}], "metadata": {}, "nbformat": 4, "nbformat_minor": 2}`)

	doc, err := s.Load("bare.ipynb")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.KernelName() != "python3" || doc.LanguageName() != "python" {
		t.Errorf("backfill missing: kernel=%q language=%q", doc.KernelName(), doc.LanguageName())
	}
}

func TestStore_LoadToleratesInvalidStructure(t *testing.T) {
	s, root := newTestStore(t)
	// kernelspec without display_name fails the schema but still loads.
	writeFile(t, filepath.Join(root, "loose.ipynb"),
		`{"cells": [], "metadata": {"kernelspec": {"name": "python3"}}, "nbformat": 4, "nbformat_minor": 4}`)

	if _, err := s.Load("loose.ipynb"); err != nil {
		t.Errorf("schema warnings must not fail Load: %v", err)
	}
}

func TestStore_SaveValidationFailure(t *testing.T) {
	s, root := newTestStore(t)

	doc := validDocument()
	doc.Metadata["kernelspec"] = map[string]any{"name": "python3"}

	err := s.Save(doc, "bad.ipynb", false)
	if !errinfo.Is(err, errinfo.KindValidationFailure) {
		t.Fatalf("expected VALIDATION_FAILURE, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "bad.ipynb")); !os.IsNotExist(err) {
		t.Error("invalid document must not be written")
	}
}

func TestStore_SaveToleratesCellIDs(t *testing.T) {
	s, _ := newTestStore(t)

	doc := validDocument()
	doc.NBFormatMinor = 4

	if err := s.Save(doc, "ids.ipynb", false); err != nil {
		t.Errorf("cell ids alone should not fail Save: %v", err)
	}
}

func TestStore_SaveCreatesParents(t *testing.T) {
	s, root := newTestStore(t)

	if err := s.Save(validDocument(), "deep/er/n.ipynb", false); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "deep", "er", "n.ipynb")); err != nil {
		t.Error("nested file should exist")
	}
}

func TestStore_SaveBackup(t *testing.T) {
	s, root := newTestStore(t)

	if err := s.Save(validDocument(), "b.ipynb", false); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(filepath.Join(root, "b.ipynb"))

	doc := validDocument()
	doc.Cells = doc.Cells[:1]
	if err := s.Save(doc, "b.ipynb", true); err != nil {
		t.Fatalf("Save: %v", err)
	}

	backup := filepath.Join(root, "b.backup_20240305_140709.ipynb")
	got, err := os.ReadFile(backup)
	if err != nil {
		t.Fatalf("backup not written: %v", err)
	}
	if string(got) != string(before) {
		t.Error("backup should hold the previous bytes")
	}
}

func TestStore_SaveNoBackupForNewFile(t *testing.T) {
	s, root := newTestStore(t)

	if err := s.Save(validDocument(), "fresh.ipynb", true); err != nil {
		t.Fatal(err)
	}
	matches, _ := filepath.Glob(filepath.Join(root, "*backup*"))
	if len(matches) != 0 {
		t.Errorf("no backup expected for a new file, got %v", matches)
	}
}

func TestStore_Info(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Create("info.ipynb", "T", "python"); err != nil {
		t.Fatal(err)
	}

	info, err := s.Info("info.ipynb")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Name != "info.ipynb" || info.CellCount != 2 {
		t.Errorf("unexpected info %+v", info)
	}
	want := CellStats{Total: 2, Code: 1, Markdown: 1}
	if diff := cmp.Diff(want, info.CellStats); diff != "" {
		t.Errorf("CellStats mismatch (-want +got):\n%s", diff)
	}
	if info.Language != "python" || info.Kernel != "python3" || info.NBFormatVersion != "4.5" {
		t.Errorf("language=%q kernel=%q version=%q", info.Language, info.Kernel, info.NBFormatVersion)
	}
	if len(info.Digest) != 64 || info.SizeHuman == "" {
		t.Errorf("digest=%q size_human=%q", info.Digest, info.SizeHuman)
	}

	if _, err := s.Info("nope.ipynb"); !errinfo.Is(err, errinfo.KindNotFound) {
		t.Errorf("missing file should be NOT_FOUND, got %v", err)
	}
}

func TestDigest_StableAcrossFormatting(t *testing.T) {
	doc, err := Parse([]byte(sampleNotebook))
	if err != nil {
		t.Fatal(err)
	}
	compact := strings.Join(strings.Fields(sampleNotebook), " ")
	other, err := Parse([]byte(compact))
	if err != nil {
		t.Fatal(err)
	}

	a, err := Digest(doc)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Digest(other)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("digests differ: %s vs %s", a, b)
	}
}

func TestStore_List(t *testing.T) {
	s, root := newTestStore(t)
	outside, _ := filepath.EvalSymlinks(t.TempDir())

	writeFile(t, filepath.Join(root, "b.ipynb"), "{}")
	writeFile(t, filepath.Join(root, "sub", "a.ipynb"), "{}")
	writeFile(t, filepath.Join(root, "sub", "notes.txt"), "x")
	writeFile(t, filepath.Join(outside, "secret.ipynb"), "{}")
	if err := os.Symlink(filepath.Join(outside, "secret.ipynb"), filepath.Join(root, "c.ipynb")); err != nil {
		t.Fatal(err)
	}

	entries, err := s.List(".")
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	var names, rels []string
	for _, e := range entries {
		names = append(names, e.Name)
		rels = append(rels, e.RelativePath)
	}
	if diff := cmp.Diff([]string{"a.ipynb", "b.ipynb"}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{filepath.Join("sub", "a.ipynb"), "b.ipynb"}, rels); diff != "" {
		t.Errorf("relative paths mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_ListErrors(t *testing.T) {
	s, root := newTestStore(t)
	writeFile(t, filepath.Join(root, "file.ipynb"), "{}")

	if _, err := s.List("missing"); !errinfo.Is(err, errinfo.KindNotFound) {
		t.Errorf("missing dir should be NOT_FOUND, got %v", err)
	}
	if _, err := s.List("file.ipynb"); !errinfo.Is(err, errinfo.KindValidationFailure) {
		t.Errorf("file should be rejected, got %v", err)
	}
	if _, err := s.List("../"); !errinfo.Is(err, errinfo.KindSecurityViolation) {
		t.Errorf("traversal should be rejected, got %v", err)
	}
}

func TestStore_ExportToScript(t *testing.T) {
	s, root := newTestStore(t)

	doc := validDocument()
	doc.Cells = []Cell{
		doc.NewCell(CellMarkdown, "# Title\nline two"),
		doc.NewCell(CellCode, "x = 1"),
		doc.NewCell(CellRaw, "raw text"),
	}
	if err := s.Save(doc, "exp.ipynb", false); err != nil {
		t.Fatal(err)
	}

	out, err := s.ExportToScript("exp.ipynb", "")
	if err != nil {
		t.Fatalf("ExportToScript: %v", err)
	}
	if want := filepath.Join(root, "exp.py"); out != want {
		t.Errorf("output = %q, want %q", out, want)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Join([]string{
		"# Generated from exp.ipynb",
		"# Generated at 2024-03-05T14:07:09Z",
		"# notebook-mcp",
		"",
		"# %% Cell 1 - Markdown",
		"# # Title",
		"# line two",
		"",
		"# %% Cell 2 - Code",
		"x = 1",
		"",
		"# %% Cell 3 - Raw",
		`"""`,
		"raw text",
		`"""`,
		"",
	}, "\n")
	if diff := cmp.Diff(want, string(got)); diff != "" {
		t.Errorf("script mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_ExportToScriptExplicitOutput(t *testing.T) {
	s, root := newTestStore(t)
	if _, err := s.Create("e.ipynb", "T", "python"); err != nil {
		t.Fatal(err)
	}

	out, err := s.ExportToScript("e.ipynb", "scripts.py")
	if err != nil {
		t.Fatalf("ExportToScript: %v", err)
	}
	if out != filepath.Join(root, "scripts.py") {
		t.Errorf("output = %q", out)
	}

	if _, err := s.ExportToScript("e.ipynb", "script.txt"); !errinfo.Is(err, errinfo.KindValidationFailure) {
		t.Errorf("non-.py output should fail validation, got %v", err)
	}
}

func TestStore_ExportToScriptNewDirectory(t *testing.T) {
	s, root := newTestStore(t)
	if _, err := s.Create("e.ipynb", "T", "python"); err != nil {
		t.Fatal(err)
	}

	out, err := s.ExportToScript("e.ipynb", filepath.Join("build", "scripts", "e.py"))
	if err != nil {
		t.Fatalf("ExportToScript: %v", err)
	}
	if want := filepath.Join(root, "build", "scripts", "e.py"); out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# Generated from e.ipynb\n") {
		t.Errorf("unexpected script header %q", strings.SplitN(string(data), "\n", 2)[0])
	}

	leftovers, err := filepath.Glob(filepath.Join(root, "build", "scripts", ".*tmp-*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestStore_UpdateConcurrent(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Create("c.ipynb", "T", "python"); err != nil {
		t.Fatal(err)
	}

	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Update("c.ipynb", func(doc *Document) error {
				doc.Cells = append(doc.Cells, doc.NewCell(CellCode, "x = "+strings.Repeat("1", i+1)))
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	doc, err := s.Load("c.ipynb")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := doc.Len(), 2+writers; got != want {
		t.Errorf("cells = %d, want %d: concurrent updates were lost", got, want)
	}
}

func TestStore_UpdateSkipAndError(t *testing.T) {
	s, root := newTestStore(t)
	if _, err := s.Create("u.ipynb", "T", "python"); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "u.ipynb")
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	err = s.Update("u.ipynb", func(doc *Document) error {
		doc.Cells = doc.Cells[:1]
		return SkipSave
	})
	if err != nil {
		t.Errorf("SkipSave should not surface, got %v", err)
	}

	boom := errors.New("boom")
	err = s.Update("u.ipynb", func(doc *Document) error {
		doc.Cells = doc.Cells[:1]
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Update error = %v, want boom", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("file changed although nothing should have been saved")
	}

	if err := s.Update("missing.ipynb", func(*Document) error { return nil }); !errinfo.Is(err, errinfo.KindNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}
