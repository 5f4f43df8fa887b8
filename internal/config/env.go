package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

// Env holds environment-driven settings that never belong in the layered
// YAML documents: credentials and machine-local endpoints.
type Env struct {
	// LinearAPIKey authenticates ticket service calls. When empty, the
	// stored OAuth token from `loom login` is used instead.
	LinearAPIKey string `env:"LINEAR_API_KEY"`

	// LinearEndpoint overrides the ticket service GraphQL endpoint.
	LinearEndpoint string `env:"LOOM_LINEAR_ENDPOINT, default=https://api.linear.app/graphql"`

	// ClaudeBin is the agent binary to invoke.
	ClaudeBin string `env:"LOOM_CLAUDE_BIN, default=claude"`

	// Debug enables raw agent output logging.
	Debug bool `env:"LOOM_DEBUG"`
}

// LoadEnv reads environment settings.
func LoadEnv(ctx context.Context) (*Env, error) {
	var e Env
	if err := envconfig.Process(ctx, &e); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return &e, nil
}
