// Package config resolves loom's layered configuration. Two independent
// documents are layered the same way: config.yaml (stack: setup, tests,
// format, coverage, limits) and prompts.yaml (prompt templates). For each,
// bundled defaults are merged with ~/.config/loom/<file> and .loom/<file>,
// later layers winning. Mappings merge recursively; sequences and scalars
// replace.
package config

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed defaults/config.yaml defaults/prompts.yaml defaults/schemas.yaml
var defaultsFS embed.FS

// Resolver loads layered configuration documents.
type Resolver struct {
	// GlobalDir holds user-global overrides (default ~/.config/loom).
	GlobalDir string
	// ProjectDir holds project-local overrides (default .loom).
	ProjectDir string
}

// NewResolver returns a Resolver with the conventional layer locations.
func NewResolver() *Resolver {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	return &Resolver{
		GlobalDir:  filepath.Join(home, ".config", "loom"),
		ProjectDir: ".loom",
	}
}

// Stack resolves the effective stack configuration plus the override diff.
func (r *Resolver) Stack() (*Stack, []Override, error) {
	merged, overrides, err := r.resolve("config.yaml")
	if err != nil {
		return nil, nil, err
	}

	var stack Stack
	if err := decodeInto(merged, &stack); err != nil {
		return nil, nil, &ConfigError{Path: "config.yaml", Err: err}
	}
	return &stack, overrides, nil
}

// Prompts resolves the effective prompt configuration plus the override diff.
func (r *Resolver) Prompts() (Prompts, []Override, error) {
	merged, overrides, err := r.resolve("prompts.yaml")
	if err != nil {
		return nil, nil, err
	}
	return Prompts(merged), overrides, nil
}

// Schemas loads the bundled agent output schemas. Schemas are not layered:
// they define the contract between loom and the agent, and a partial
// override would silently break result validation.
func (r *Resolver) Schemas() (map[string]map[string]any, error) {
	data, err := defaultsFS.ReadFile("defaults/schemas.yaml")
	if err != nil {
		return nil, &ConfigError{Path: "defaults/schemas.yaml", Err: err}
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Path: "defaults/schemas.yaml", Err: err}
	}
	schemas := make(map[string]map[string]any, len(raw))
	for name, v := range raw {
		m, ok := normalize(v).(map[string]any)
		if !ok {
			return nil, &ConfigError{
				Path: "defaults/schemas.yaml",
				Err:  fmt.Errorf("schema %q is not a mapping", name),
			}
		}
		schemas[name] = m
	}
	return schemas, nil
}

// resolve merges defaults < global < project for one document and computes
// the override diff.
func (r *Resolver) resolve(file string) (map[string]any, []Override, error) {
	defaults, err := r.loadDefaults(file)
	if err != nil {
		return nil, nil, err
	}

	global, err := loadLayer(filepath.Join(r.GlobalDir, file))
	if err != nil {
		return nil, nil, err
	}
	project, err := loadLayer(filepath.Join(r.ProjectDir, file))
	if err != nil {
		return nil, nil, err
	}

	overrides := Overrides(defaults, global, project)

	merged := defaults
	if global != nil {
		merged = deepMerge(merged, global)
	}
	if project != nil {
		merged = deepMerge(merged, project)
	}
	return merged, overrides, nil
}

func (r *Resolver) loadDefaults(file string) (map[string]any, error) {
	path := "defaults/" + file
	data, err := defaultsFS.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	doc, err := parseMapping(path, data)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return map[string]any{}, nil
	}
	return doc, nil
}

// loadLayer reads one override layer. A missing or empty file returns nil
// (layer absent); a file that parses to anything but a mapping is a
// ConfigError naming the path.
func loadLayer(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &ConfigError{Path: path, Err: err}
	}
	return parseMapping(path, data)
}

func parseMapping(path string, data []byte) (map[string]any, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	if doc == nil {
		return nil, nil
	}
	m, ok := normalize(doc).(map[string]any)
	if !ok {
		return nil, &ConfigError{Path: path, Err: errors.New("document is not a mapping")}
	}
	return m, nil
}

// decodeInto round-trips a merged mapping through yaml into a typed struct.
func decodeInto(m map[string]any, out any) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
