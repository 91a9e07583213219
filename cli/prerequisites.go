// Package cli checks that the interpreters behind the configured execution
// engines are installed.
package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zhubert/notebook-mcp/exec"
	"github.com/zhubert/notebook-mcp/kernel"
)

// versionTimeout bounds each version probe.
const versionTimeout = 5 * time.Second

// Prerequisite represents the interpreter one engine needs.
type Prerequisite struct {
	Engine      string   // Engine name (e.g., "python3")
	Command     string   // Executable to find on PATH
	VersionArgs []string // Arguments that print a version
	Required    bool     // Whether the server can run without it
	Description string   // Human-readable description
	InstallURL  string   // URL for installation instructions
}

// EnginePrerequisites returns one prerequisite per registered engine. Only
// the default engine is required; notebooks asking for a missing engine
// fall back to it.
func EnginePrerequisites(engines *kernel.Registry) []Prerequisite {
	var prereqs []Prerequisite
	for _, name := range engines.Names() {
		spec, _ := engines.Spec(name)
		if len(spec.Argv) == 0 {
			continue
		}
		p := Prerequisite{
			Engine:      name,
			Command:     spec.Argv[0],
			VersionArgs: append(append([]string{}, spec.Argv[1:]...), "--version"),
			Required:    name == engines.DefaultName(),
			Description: spec.DisplayName,
		}
		if strings.EqualFold(spec.Language, "python") {
			p.InstallURL = "https://www.python.org/downloads/"
		}
		prereqs = append(prereqs, p)
	}
	return prereqs
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Check verifies that an engine's interpreter is on PATH and asks it for
// its version.
func Check(ctx context.Context, ex exec.CommandExecutor, prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := ex.LookPath(prereq.Command)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Command)
		return result
	}

	result.Found = true
	result.Path = path
	result.Version = getVersion(ctx, ex, prereq)
	return result
}

// CheckAll verifies all prerequisites and returns results
func CheckAll(ctx context.Context, ex exec.CommandExecutor, prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(ctx, ex, prereq)
	}
	return results
}

// ValidateRequired returns an error describing every required interpreter
// that is missing, or nil.
func ValidateRequired(results []CheckResult) error {
	var missing []string

	for _, r := range results {
		if !r.Prerequisite.Required || r.Found {
			continue
		}
		line := fmt.Sprintf("  - %s (engine %s)", r.Prerequisite.Command, r.Prerequisite.Engine)
		if r.Prerequisite.InstallURL != "" {
			line += "\n    Install: " + r.Prerequisite.InstallURL
		}
		missing = append(missing, line)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required interpreters:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// getVersion returns the first line the interpreter prints for its version
// flag. Python 2 and some builds print it on stderr, which yields "".
func getVersion(ctx context.Context, ex exec.CommandExecutor, prereq Prerequisite) string {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	output, err := ex.Output(ctx, "", prereq.Command, prereq.VersionArgs...)
	if err != nil {
		return ""
	}
	version, _, _ := strings.Cut(strings.TrimSpace(string(output)), "\n")
	version = strings.TrimSpace(version)
	// Limit length to avoid overly long version strings
	if len(version) > 100 {
		version = version[:100] + "..."
	}
	return version
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("Execution engines:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		fmt.Fprintf(&sb, "  %s %s (%s)", status, r.Prerequisite.Engine, r.Prerequisite.Command)
		if r.Found && r.Version != "" {
			fmt.Fprintf(&sb, " %s", r.Version)
		} else if !r.Found {
			if r.Prerequisite.Required {
				sb.WriteString(" [REQUIRED]")
			} else {
				sb.WriteString(" [optional]")
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
