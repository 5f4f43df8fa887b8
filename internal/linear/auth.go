package linear

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotAuthenticated means neither LINEAR_API_KEY nor a stored token is
// available.
var ErrNotAuthenticated = errors.New("not authenticated: run `loom login` or set LINEAR_API_KEY")

// TokenPath returns the stored token location.
func TokenPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "loom", "token"), nil
}

// SaveToken writes the token with owner-only permissions.
func SaveToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strings.TrimSpace(token)+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing token: %w", err)
	}
	return nil
}

// LoadToken reads the stored token. Returns "" when none is stored.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// DeleteToken removes the stored token. Missing is not an error.
func DeleteToken(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing token: %w", err)
	}
	return nil
}

// AuthHeader builds the Authorization header value. Linear API keys are
// sent as-is; OAuth tokens carry a Bearer prefix.
func AuthHeader(apiKey, storedToken string) (string, error) {
	if apiKey != "" {
		return apiKey, nil
	}
	if storedToken != "" {
		return "Bearer " + storedToken, nil
	}
	return "", ErrNotAuthenticated
}
