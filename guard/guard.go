// Package guard confines every file path the server touches to a fixed set
// of allowed root directories.
package guard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/zhubert/notebook-mcp/errinfo"
	"github.com/zhubert/notebook-mcp/logger"
)

// Class is the kind of file a resolved path is expected to name.
type Class int

const (
	Any Class = iota
	Document
	Script
	Directory
)

// Suffix returns the file extension required for the class, or "" when any
// name is acceptable.
func (c Class) Suffix() string {
	switch c {
	case Document:
		return ".ipynb"
	case Script:
		return ".py"
	default:
		return ""
	}
}

func (c Class) String() string {
	switch c {
	case Document:
		return "document"
	case Script:
		return "script"
	case Directory:
		return "directory"
	default:
		return "any"
	}
}

// Path is an absolute, symlink-resolved path proven to lie inside an allowed
// root. The zero value is not valid; only a Guard creates Paths.
type Path struct {
	abs   string
	root  string
	class Class
}

// String returns the absolute path.
func (p Path) String() string { return p.abs }

// Root returns the allowed root that contains the path.
func (p Path) Root() string { return p.root }

// Class returns the file class the path was resolved for.
func (p Path) Class() Class { return p.class }

// IsZero reports whether p was never resolved.
func (p Path) IsZero() bool { return p.abs == "" }

// Guard resolves caller-supplied paths against allowed roots. It is
// immutable after New and safe for concurrent use.
type Guard struct {
	roots []string
}

// New validates dirs and returns a Guard over the ones that exist and are
// directories. Invalid entries are skipped with a warning. When nothing
// valid remains the current working directory becomes the only root.
func New(dirs []string) (*Guard, error) {
	log := logger.WithComponent("guard")

	var roots []string
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			log.Warn("skipping allowed directory", "dir", dir, "error", err)
			continue
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			log.Warn("skipping allowed directory", "dir", dir, "error", err)
			continue
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.IsDir() {
			log.Warn("skipping allowed directory, not a directory", "dir", dir)
			continue
		}
		if !slices.Contains(roots, resolved) {
			roots = append(roots, resolved)
			log.Info("added allowed directory", "dir", resolved)
		}
	}

	if len(roots) == 0 {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		resolved, err := filepath.EvalSymlinks(cwd)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		roots = append(roots, resolved)
		log.Info("using current working directory", "dir", resolved)
	}

	slices.Sort(roots)
	return &Guard{roots: roots}, nil
}

// AllowedRoots returns the roots in the order they are tried.
func (g *Guard) AllowedRoots() []string {
	return slices.Clone(g.roots)
}

// Resolve confines input to an allowed root. Relative inputs are joined
// against each root in sorted order and the first candidate that stays
// inside its root wins.
func (g *Guard) Resolve(input string) (Path, error) {
	return g.resolve(input, Any)
}

// ResolveTyped resolves input and requires the result to carry the class
// suffix.
func (g *Guard) ResolveTyped(input string, class Class) (Path, error) {
	p, err := g.resolve(input, class)
	if err != nil {
		return Path{}, err
	}
	if suffix := class.Suffix(); suffix != "" && filepath.Ext(p.abs) != suffix {
		return Path{}, errinfo.ValidationFailure(fmt.Sprintf("path must have %s extension", suffix)).
			WithPath(p.abs)
	}
	return p, nil
}

// ResolveDirectory resolves input and rejects it when it exists and is not
// a directory. A missing directory is allowed.
func (g *Guard) ResolveDirectory(input string) (Path, error) {
	p, err := g.resolve(input, Directory)
	if err != nil {
		return Path{}, err
	}
	if info, err := os.Stat(p.abs); err == nil && !info.IsDir() {
		return Path{}, errinfo.ValidationFailure("path exists but is not a directory").WithPath(p.abs)
	}
	return p, nil
}

// CanAccess reports whether input resolves inside an allowed root.
func (g *Guard) CanAccess(input string) bool {
	_, err := g.Resolve(input)
	return err == nil
}

// RelativePath returns p relative to base, or to the first allowed root when
// base is the zero Path. The absolute path is returned if no relative form
// exists.
func (g *Guard) RelativePath(p, base Path) string {
	dir := g.roots[0]
	if !base.IsZero() {
		dir = base.abs
	}
	rel, err := filepath.Rel(dir, p.abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p.abs
	}
	return rel
}

func (g *Guard) resolve(input string, class Class) (Path, error) {
	if strings.TrimSpace(input) == "" {
		return Path{}, errinfo.SecurityViolation("empty path not allowed", "")
	}
	if strings.ContainsRune(input, 0) {
		return Path{}, errinfo.SecurityViolation("path contains a NUL byte", "")
	}
	if hasDotDot(input) {
		return Path{}, errinfo.SecurityViolation("path traversal not allowed", input)
	}

	if filepath.IsAbs(input) {
		resolved, err := resolveExisting(input)
		if err != nil {
			return Path{}, errinfo.SecurityViolation(fmt.Sprintf("invalid path: %v", err), input)
		}
		for _, root := range g.roots {
			if within(root, resolved) {
				return Path{abs: resolved, root: root, class: class}, nil
			}
		}
		return Path{}, errinfo.SecurityViolation("absolute path not within allowed directories", resolved)
	}

	for _, root := range g.roots {
		candidate, err := resolveExisting(filepath.Join(root, input))
		if err != nil {
			continue
		}
		if within(root, candidate) {
			return Path{abs: candidate, root: root, class: class}, nil
		}
	}
	return Path{}, errinfo.SecurityViolation("relative path could not be resolved within any allowed directory", input)
}

// hasDotDot reports whether any element of p is "..". Both separators are
// checked so inputs written for another platform are rejected too.
func hasDotDot(p string) bool {
	for _, part := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	return false
}

// resolveExisting cleans p and evaluates symlinks in its longest existing
// prefix. The missing remainder is appended unchanged, so paths of files
// about to be created still resolve.
func resolveExisting(p string) (string, error) {
	p = filepath.Clean(p)

	var rest []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// reservedNames are device names Windows refuses as file names.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// IsSafeName reports whether name can be used as a generated file name.
// It is not a confinement check; Resolve is.
func IsSafeName(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	return !reservedNames[strings.ToUpper(name)]
}

// BackupTimestampFormat is the layout of the timestamp in backup names.
const BackupTimestampFormat = "20060102_150405"

// BackupPath returns the sibling backup file for p taken at ts:
// <stem>.backup_<YYYYMMDD_HHMMSS><suffix>.
func (g *Guard) BackupPath(p Path, ts time.Time) (Path, error) {
	stamp := ts.Format(BackupTimestampFormat)
	base := filepath.Base(p.abs)
	suffix := filepath.Ext(base)
	stem := strings.TrimSuffix(base, suffix)

	name := fmt.Sprintf("%s.backup_%s%s", stem, stamp, suffix)
	if !IsSafeName(name) {
		name = fmt.Sprintf("backup_%s%s", stamp, suffix)
	}

	joined, err := securejoin.SecureJoin(filepath.Dir(p.abs), name)
	if err != nil {
		return Path{}, errinfo.StorageFailure("compose backup path", p.abs, err)
	}
	return g.ResolveTyped(joined, p.class)
}
