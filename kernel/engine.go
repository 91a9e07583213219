package kernel

import (
	"fmt"
	"os/exec"
	"sort"

	"github.com/mattn/go-shellwords"

	"github.com/zhubert/notebook-mcp/config"
)

// EngineSpec describes how to launch one execution engine.
type EngineSpec struct {
	Name        string
	DisplayName string
	Language    string
	// Argv is the interpreter invocation. Non-native engines get the bridge
	// program appended.
	Argv   []string
	Native bool
}

// Resolution tags the outcome of looking up an engine by name.
type Resolution int

const (
	// Found means the requested engine is registered and runnable.
	Found Resolution = iota
	// Fallback means the requested engine is unavailable and the default
	// engine is used instead.
	Fallback
	// NotAvailable means neither the requested nor the default engine can run.
	NotAvailable
)

func (r Resolution) String() string {
	switch r {
	case Found:
		return "found"
	case Fallback:
		return "fallback"
	default:
		return "not_available"
	}
}

// Resolved is the result of TryResolve.
type Resolved struct {
	Requested  string
	Resolution Resolution
	Spec       EngineSpec
	// Reason explains why the requested engine was not used.
	Reason string
}

// Registry maps engine names to launch specs.
type Registry struct {
	defaultName string
	engines     map[string]EngineSpec
	lookPath    func(string) (string, error)
}

// builtinEngines is always registered; configured engines with the same
// name replace it.
var builtinEngines = []config.EngineConfig{
	{Name: "python3", DisplayName: "Python 3", Language: "python", Command: "python3"},
}

// NewRegistry builds a registry from the built-in python3 engine plus the
// configured engines.
func NewRegistry(defaultName string, engines []config.EngineConfig) (*Registry, error) {
	r := &Registry{
		defaultName: defaultName,
		engines:     make(map[string]EngineSpec),
		lookPath:    exec.LookPath,
	}
	if r.defaultName == "" {
		r.defaultName = config.DefaultEngine
	}

	for _, ec := range append(append([]config.EngineConfig{}, builtinEngines...), engines...) {
		spec, err := specFromConfig(ec)
		if err != nil {
			return nil, err
		}
		r.engines[spec.Name] = spec
	}
	return r, nil
}

func specFromConfig(ec config.EngineConfig) (EngineSpec, error) {
	argv, err := shellwords.Parse(ec.Command)
	if err != nil {
		return EngineSpec{}, fmt.Errorf("engine %s: invalid command %q: %w", ec.Name, ec.Command, err)
	}
	if len(argv) == 0 {
		return EngineSpec{}, fmt.Errorf("engine %s: empty command", ec.Name)
	}
	spec := EngineSpec{
		Name:        ec.Name,
		DisplayName: ec.DisplayName,
		Language:    ec.Language,
		Argv:        argv,
		Native:      ec.Native,
	}
	if spec.DisplayName == "" {
		spec.DisplayName = ec.Name
	}
	if spec.Language == "" {
		spec.Language = "python"
	}
	return spec, nil
}

// SetLookPath replaces the executable lookup (for testing).
func (r *Registry) SetLookPath(fn func(string) (string, error)) {
	r.lookPath = fn
}

// DefaultName returns the engine used when a document names none or names
// an unavailable one.
func (r *Registry) DefaultName() string {
	return r.defaultName
}

// Names returns the registered engine names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spec returns the registered spec for name.
func (r *Registry) Spec(name string) (EngineSpec, bool) {
	spec, ok := r.engines[name]
	return spec, ok
}

// Available reports whether name is registered and its interpreter is on PATH.
func (r *Registry) Available(name string) (EngineSpec, error) {
	spec, ok := r.engines[name]
	if !ok {
		return EngineSpec{}, fmt.Errorf("engine %q is not registered", name)
	}
	if _, err := r.lookPath(spec.Argv[0]); err != nil {
		return EngineSpec{}, fmt.Errorf("engine %q: %s not found: %w", name, spec.Argv[0], err)
	}
	return spec, nil
}

// TryResolve looks up the engine for a document's kernelspec name. An empty
// name means the default engine.
func (r *Registry) TryResolve(name string) Resolved {
	res := r.tryResolve(name)
	engineResolutions.WithLabelValues(res.Resolution.String()).Inc()
	return res
}

func (r *Registry) tryResolve(name string) Resolved {
	if name == "" {
		name = r.defaultName
	}
	res := Resolved{Requested: name}

	spec, err := r.Available(name)
	if err == nil {
		res.Resolution = Found
		res.Spec = spec
		return res
	}
	res.Reason = err.Error()

	if name != r.defaultName {
		if spec, ferr := r.Available(r.defaultName); ferr == nil {
			res.Resolution = Fallback
			res.Spec = spec
			return res
		}
	}
	res.Resolution = NotAvailable
	return res
}
