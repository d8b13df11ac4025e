// Package prompts loads the YAML-described prompt templates used by the
// precheck, ranker, tool router, method handler and post-rank stages, and
// renders them the way ai/model/chat's PromptTemplate does: via
// pkg/text.Renderer.
package prompts

import (
	"fmt"
	"os"

	"github.com/nlweb-go/nlweb/pkg/text"
	"gopkg.in/yaml.v3"
)

// Definition is one named prompt entry as it appears in the prompts YAML
// file: a template string plus the variable names it requires.
type Definition struct {
	Name     string   `yaml:"name"`
	Template string   `yaml:"template"`
	Requires []string `yaml:"requires"`
}

// file is the top-level shape of a prompts YAML file.
type file struct {
	Prompts []Definition `yaml:"prompts"`
}

// Registry holds every loaded prompt definition, keyed by name.
type Registry struct {
	defs map[string]Definition
}

// Load reads one or more YAML files and merges their prompts: definitions
// loaded from later files override earlier ones with the same name.
func Load(paths ...string) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition)}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading prompts %s: %w", path, err)
		}
		var f file
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing prompts %s: %w", path, err)
		}
		for _, def := range f.Prompts {
			r.defs[def.Name] = def
		}
	}
	return r, nil
}

// Register adds or replaces a single prompt definition, for callers
// building prompts programmatically rather than loading them from YAML
// (mainly tests).
func (r *Registry) Register(name, template string, requires []string) {
	r.defs[name] = Definition{Name: name, Template: template, Requires: requires}
}

// ErrNotFound is returned by Render when no prompt is registered under the
// requested name.
type ErrNotFound struct{ Name string }

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("prompt %q is not registered", e.Name)
}

// Render renders the named prompt with the given variables, reporting a
// missing-required-variable error before attempting to execute the
// template so callers get a precise diagnostic.
func (r *Registry) Render(name string, variables map[string]any) (string, error) {
	def, ok := r.defs[name]
	if !ok {
		return "", &ErrNotFound{Name: name}
	}

	renderer := text.NewRenderer().
		WithTemplate(def.Template).
		WithVariables(variables)

	for _, required := range def.Requires {
		if _, ok := variables[required]; !ok {
			return "", fmt.Errorf("prompt %q: missing required variable %q", name, required)
		}
	}

	return renderer.Render()
}

// Has reports whether a prompt is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.defs[name]
	return ok
}
