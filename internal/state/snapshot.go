package state

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SnapshotPath is the local state cache, relative to the repository root.
// The ticket comment stays authoritative; the snapshot avoids an API round
// trip on resume and preserves planned file details the comment drops.
const SnapshotPath = ".loom/state.yaml"

type snapshot struct {
	Branch string     `yaml:"branch"`
	State  *WorkState `yaml:"state"`
}

// snapshotAssumption accepts the legacy "text" spelling for the statement
// field when loading snapshots written by the predecessor tool.
type snapshotAssumption struct {
	Label     string `yaml:"label"`
	ID        string `yaml:"id"` // legacy label spelling
	Selected  bool   `yaml:"selected"`
	Statement string `yaml:"statement"`
	Text      string `yaml:"text"` // legacy statement spelling
	Rationale string `yaml:"rationale"`
}

// UnmarshalYAML maps legacy field spellings onto the current Assumption.
func (a *Assumption) UnmarshalYAML(value *yaml.Node) error {
	var raw snapshotAssumption
	if err := value.Decode(&raw); err != nil {
		return err
	}
	a.Label = raw.Label
	if a.Label == "" {
		a.Label = raw.ID
	}
	a.Selected = raw.Selected
	a.Statement = raw.Statement
	if a.Statement == "" {
		a.Statement = raw.Text
	}
	a.Rationale = raw.Rationale
	return nil
}

// SaveSnapshot writes the local state cache under dir.
func SaveSnapshot(dir, branch string, st *WorkState) error {
	path := filepath.Join(dir, SnapshotPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	data, err := yaml.Marshal(snapshot{Branch: branch, State: st})
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the local state cache under dir. Returns nil when the
// snapshot is missing or belongs to a different branch.
func LoadSnapshot(dir, branch string) (*WorkState, error) {
	data, err := os.ReadFile(filepath.Join(dir, SnapshotPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	if snap.Branch != branch {
		return nil, nil
	}
	return snap.State, nil
}
