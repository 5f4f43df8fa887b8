package config

import "fmt"

// Limits defines retry and iteration budgets for a loom run.
type Limits struct {
	MaxIterations      int `yaml:"max_iterations"`
	MaxVerifyAttempts  int `yaml:"max_verify_attempts"`
	MaxFixAttempts     int `yaml:"max_fix_attempts"`
	TestTimeoutSeconds int `yaml:"test_timeout_seconds"`
}

// Command is a named shell invocation used for setup and format phases.
type Command struct {
	Name  string   `yaml:"name"`
	Run   string   `yaml:"run"`
	Paths []string `yaml:"paths,omitempty"`
}

// TestCommand is a validation command from the tests section.
//
// Paths restricts the command to changesets that touch matching files; an
// empty Paths always applies. Filter, when set, is a template appended per
// failing test name to narrow a re-run (e.g. "--tests {test}").
type TestCommand struct {
	Name      string   `yaml:"name"`
	Run       string   `yaml:"run"`
	Paths     []string `yaml:"paths,omitempty"`
	Filter    string   `yaml:"filter,omitempty"`
	Preflight *bool    `yaml:"preflight,omitempty"`
}

// PreflightEnabled reports whether the command participates in the preflight
// pass. Unset defaults to true.
func (c TestCommand) PreflightEnabled() bool {
	return c.Preflight == nil || *c.Preflight
}

// Coverage configures the optional coverage gate run after all steps pass.
type Coverage struct {
	Run string `yaml:"run"`
}

// Stack is the effective stack configuration (config.yaml) after layering.
type Stack struct {
	Limits   Limits        `yaml:"limits"`
	Setup    []Command     `yaml:"setup"`
	Tests    []TestCommand `yaml:"tests"`
	Format   []Command     `yaml:"format"`
	Coverage Coverage      `yaml:"coverage"`
}

// Prompts is the effective prompt configuration (prompts.yaml) after
// layering. Sections are free-form mappings; Template and String provide
// typed access to the conventional layout.
type Prompts map[string]any

// Template returns the "template" string of a prompt section.
func (p Prompts) Template(section string) (string, error) {
	s, ok := p.String(section, "template")
	if !ok {
		return "", fmt.Errorf("prompts: no template for section %q", section)
	}
	return s, nil
}

// String walks the given key path and returns a string leaf if present.
func (p Prompts) String(path ...string) (string, bool) {
	var cur any = map[string]any(p)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[key]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}

// ConfigError reports a configuration layer that exists but cannot be used,
// naming the offending path. It is fatal and surfaced before the loop starts.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
