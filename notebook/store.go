package notebook

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/gowebpki/jcs"

	"github.com/zhubert/notebook-mcp/errinfo"
	"github.com/zhubert/notebook-mcp/guard"
	"github.com/zhubert/notebook-mcp/logger"
)

// Creator identity written into new documents and exported scripts.
const (
	CreatorName    = "notebook-mcp"
	CreatorVersion = "1.0.0"
)

// Store loads, validates and persists documents. Every path goes through
// the guard first. A Store holds no documents between calls.
type Store struct {
	guard  *guard.Guard
	schema *Schema
	now    func() time.Time
	log    *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source used for backups, creation metadata
// and export headers.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithSchema overrides the validation schema.
func WithSchema(schema *Schema) StoreOption {
	return func(s *Store) {
		s.schema = schema
	}
}

// NewStore returns a Store confined by g.
func NewStore(g *guard.Guard, opts ...StoreOption) (*Store, error) {
	s := &Store{
		guard: g,
		now:   time.Now,
		log:   logger.WithComponent("store"),
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.schema == nil {
		schema, err := DefaultSchema()
		if err != nil {
			return nil, err
		}
		s.schema = schema
	}
	return s, nil
}

// Guard returns the path guard the store resolves through.
func (s *Store) Guard() *guard.Guard {
	return s.guard
}

// Resolve confines input and requires the document suffix.
func (s *Store) Resolve(input string) (guard.Path, error) {
	return s.guard.ResolveTyped(input, guard.Document)
}

// pathLock returns the mutex serializing writes to one file.
func (s *Store) pathLock(p guard.Path) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[p.String()]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[p.String()] = mu
	}
	return mu
}

// SkipSave is returned by an Update function to leave the file untouched.
var SkipSave = errors.New("skip save")

// Load reads and parses the document at input. Schema problems are logged
// and do not fail the load. Missing kernelspec and language_info are
// filled in.
func (s *Store) Load(input string) (*Document, error) {
	p, err := s.Resolve(input)
	if err != nil {
		return nil, err
	}
	return s.load(p)
}

func (s *Store) load(p guard.Path) (*Document, error) {
	data, err := os.ReadFile(p.String())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errinfo.NotFound("notebook file not found", p.String())
		}
		return nil, errinfo.StorageFailure("read notebook", p.String(), err)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, errinfo.CorruptDocument(p.String(), err)
	}

	if err := s.schema.Validate(doc); err != nil {
		s.log.Warn("notebook validation warning", "path", p.String(), "error", err)
	}

	EnsureMetadata(doc)
	return doc, nil
}

// Save writes doc to input. With makeBackup, an existing file is first
// copied to a timestamped sibling; a failed backup is only logged.
func (s *Store) Save(doc *Document, input string, makeBackup bool) error {
	p, err := s.Resolve(input)
	if err != nil {
		return err
	}

	mu := s.pathLock(p)
	mu.Lock()
	defer mu.Unlock()
	return s.write(doc, p, makeBackup)
}

// Update loads the document at input, applies fn and saves the result
// without a backup. The file's lock is held throughout, so concurrent
// updates of one document apply one after another. If fn returns SkipSave
// nothing is written and Update returns nil; any other error is returned
// unchanged.
func (s *Store) Update(input string, fn func(doc *Document) error) error {
	p, err := s.Resolve(input)
	if err != nil {
		return err
	}

	mu := s.pathLock(p)
	mu.Lock()
	defer mu.Unlock()

	doc, err := s.load(p)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		if errors.Is(err, SkipSave) {
			return nil
		}
		return err
	}
	return s.write(doc, p, false)
}

// write validates and persists doc. Caller must hold the path lock.
func (s *Store) write(doc *Document, p guard.Path, makeBackup bool) error {
	if makeBackup {
		if _, err := os.Stat(p.String()); err == nil {
			s.backup(p)
		}
	}

	dir := filepath.Dir(p.String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errinfo.StorageFailure("create parent directory", dir, err)
	}

	tolerated, err := s.schema.ValidateForSave(doc)
	if err != nil {
		return errinfo.ValidationFailure(fmt.Sprintf("notebook validation failed: %v", err)).WithPath(p.String())
	}
	if tolerated {
		s.log.Debug("ignoring cell id fields not allowed by format version", "path", p.String(), "version", doc.Version())
	}

	data, err := Marshal(doc)
	if err != nil {
		return errinfo.StorageFailure("encode notebook", p.String(), err)
	}
	if err := writeFileAtomic(p.String(), data); err != nil {
		return errinfo.StorageFailure("save notebook", p.String(), err)
	}

	s.log.Info("saved notebook", "path", p.String(), "cells", doc.Len())
	return nil
}

func (s *Store) backup(p guard.Path) {
	backupPath, err := s.guard.BackupPath(p, s.now())
	if err != nil {
		s.log.Warn("failed to create backup", "path", p.String(), "error", err)
		return
	}
	data, err := os.ReadFile(p.String())
	if err == nil {
		err = os.WriteFile(backupPath.String(), data, 0644)
	}
	if err != nil {
		s.log.Warn("failed to create backup", "path", p.String(), "error", err)
		return
	}
	s.log.Info("created backup", "path", backupPath.String())
}

// writeFileAtomic writes data to a temp file beside path and renames it
// into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Create writes a new document with a title cell and a placeholder code
// cell. It fails if the file already exists.
func (s *Store) Create(input, title, language string) (*Document, error) {
	p, err := s.Resolve(input)
	if err != nil {
		return nil, err
	}

	mu := s.pathLock(p)
	mu.Lock()
	defer mu.Unlock()

	if _, err := os.Stat(p.String()); err == nil {
		return nil, errinfo.AlreadyExists("notebook already exists", p.String())
	}

	if title == "" {
		title = "New Notebook"
	}
	if language == "" {
		language = "python"
	}

	doc := New()
	for k, v := range LanguageMetadata(language) {
		doc.Metadata[k] = v
	}
	doc.Metadata["title"] = title
	doc.Metadata["created"] = s.now().Format(time.RFC3339)
	doc.Metadata["notebook_mcp"] = map[string]any{
		"version":    CreatorVersion,
		"created_by": CreatorName,
	}

	doc.Cells = append(doc.Cells,
		doc.NewCell(CellMarkdown, fmt.Sprintf("# %s\n\nNotebook created with %s.", title, CreatorName)),
		doc.NewCell(CellCode, placeholderCode(language)),
	)

	if err := s.write(doc, p, false); err != nil {
		return nil, err
	}
	return doc, nil
}

func placeholderCode(language string) string {
	if strings.EqualFold(strings.TrimSpace(language), "python") {
		return "# Your Python code here\nprint('Hello, notebook!')"
	}
	return "# Your code here"
}

// Info summarizes a document and its file.
type Info struct {
	Path            string         `json:"path"`
	Name            string         `json:"name"`
	Size            int64          `json:"size"`
	SizeHuman       string         `json:"size_human"`
	Modified        string         `json:"modified"`
	Metadata        map[string]any `json:"metadata"`
	CellCount       int            `json:"cell_count"`
	CellStats       CellStats      `json:"cell_stats"`
	NBFormatVersion string         `json:"nbformat_version"`
	Language        string         `json:"language"`
	Kernel          string         `json:"kernel"`
	Digest          string         `json:"digest"`
}

// Info loads the document at input and reports counts and file details.
func (s *Store) Info(input string) (*Info, error) {
	p, err := s.Resolve(input)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(p.String())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errinfo.NotFound("notebook file not found", p.String())
		}
		return nil, errinfo.StorageFailure("stat notebook", p.String(), err)
	}

	doc, err := s.Load(p.String())
	if err != nil {
		return nil, err
	}

	digest, err := Digest(doc)
	if err != nil {
		return nil, errinfo.StorageFailure("digest notebook", p.String(), err)
	}

	info := &Info{
		Path:            p.String(),
		Name:            filepath.Base(p.String()),
		Size:            st.Size(),
		SizeHuman:       units.HumanSize(float64(st.Size())),
		Modified:        st.ModTime().Format(time.RFC3339),
		Metadata:        doc.Metadata,
		CellCount:       doc.Len(),
		CellStats:       doc.Stats(),
		NBFormatVersion: doc.Version(),
		Language:        orUnknown(doc.LanguageName()),
		Kernel:          orUnknown(doc.KernelName()),
		Digest:          digest,
	}
	return info, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Digest returns the sha256 of the RFC 8785 canonical form of doc.
func Digest(doc *Document) (string, error) {
	data, err := Marshal(doc)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Entry is one document found by List.
type Entry struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	SizeHuman    string `json:"size_human"`
	Modified     string `json:"modified"`
	RelativePath string `json:"relative_path"`
}

// List finds documents under dir recursively. Each hit is checked against
// the guard again, so a symlink leading out of the sandbox is skipped.
// Entries are sorted by file name.
func (s *Store) List(dir string) ([]Entry, error) {
	base, err := s.guard.ResolveDirectory(dir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(base.String()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errinfo.NotFound("directory not found", base.String())
		}
		return nil, errinfo.StorageFailure("list notebooks", base.String(), err)
	}

	entries := []Entry{}
	err = filepath.WalkDir(base.String(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.log.Warn("error reading path", "path", path, "error", err)
			if d != nil && d.IsDir() && path != base.String() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || filepath.Ext(path) != ".ipynb" {
			return nil
		}

		p, err := s.guard.Resolve(path)
		if err != nil {
			s.log.Debug("skipping inaccessible notebook", "path", path)
			return nil
		}
		st, err := os.Stat(p.String())
		if err != nil {
			s.log.Warn("error reading notebook", "path", path, "error", err)
			return nil
		}
		entries = append(entries, Entry{
			Path:         path,
			Name:         d.Name(),
			Size:         st.Size(),
			SizeHuman:    units.HumanSize(float64(st.Size())),
			Modified:     st.ModTime().Format(time.RFC3339),
			RelativePath: s.guard.RelativePath(p, base),
		})
		return nil
	})
	if err != nil {
		return nil, errinfo.StorageFailure("list notebooks", base.String(), err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}

// ExportToScript renders the document as a Python script and returns the
// path written. Without output the script goes beside the document.
func (s *Store) ExportToScript(input, output string) (string, error) {
	doc, err := s.Load(input)
	if err != nil {
		return "", err
	}
	src, err := s.Resolve(input)
	if err != nil {
		return "", err
	}

	if output == "" {
		output = strings.TrimSuffix(src.String(), filepath.Ext(src.String())) + guard.Script.Suffix()
	}
	dst, err := s.guard.ResolveTyped(output, guard.Script)
	if err != nil {
		return "", err
	}

	text := RenderScript(doc, filepath.Base(src.String()), s.now())

	mu := s.pathLock(dst)
	mu.Lock()
	defer mu.Unlock()

	dir := filepath.Dir(dst.String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errinfo.StorageFailure("create parent directory", dir, err)
	}
	if err := writeFileAtomic(dst.String(), []byte(text)); err != nil {
		return "", errinfo.StorageFailure("export to script", dst.String(), err)
	}

	s.log.Info("exported notebook to script", "path", src.String(), "output", dst.String())
	return dst.String(), nil
}

// RenderScript renders doc as an annotated script: a header banner, then
// one marked block per cell.
func RenderScript(doc *Document, sourceName string, at time.Time) string {
	lines := []string{
		"# Generated from " + sourceName,
		"# Generated at " + at.Format(time.RFC3339),
		"# " + CreatorName,
		"",
	}

	for i, c := range doc.Cells {
		n := i + 1
		src := string(c.Source)
		switch c.CellType {
		case CellCode:
			lines = append(lines, fmt.Sprintf("# %%%% Cell %d - Code", n), src, "")
		case CellMarkdown:
			lines = append(lines, fmt.Sprintf("# %%%% Cell %d - Markdown", n))
			for _, line := range strings.Split(src, "\n") {
				lines = append(lines, "# "+line)
			}
			lines = append(lines, "")
		case CellRaw:
			lines = append(lines, fmt.Sprintf("# %%%% Cell %d - Raw", n), `"""`+"\n"+src+"\n"+`"""`, "")
		}
	}
	return strings.Join(lines, "\n")
}
