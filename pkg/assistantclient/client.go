// Package assistantclient abstracts the live assistant runtime that
// the model resolver and the spawner depend on: provider catalogs,
// tool ids, and runtime configuration. It is injected as an interface
// so tests can supply an in-memory fake instead of talking to a real
// runtime.
package assistantclient

import "github.com/opencode-fleet/orchestrator/pkg/modelresolve"

// RuntimeConfig is the subset of the host assistant's configuration
// relevant to spawning and model resolution.
type RuntimeConfig struct {
	SmallModel   string
	DefaultModel string
}

// Client is the seam between the orchestrator and a live `opencode`
// assistant runtime.
type Client interface {
	// GetConfig returns the runtime's current configuration.
	GetConfig() (RuntimeConfig, error)
	// ListProviders returns the live provider catalog used for model
	// resolution.
	ListProviders() ([]modelresolve.Provider, error)
	// ListToolIDs returns every tool id the runtime currently exposes.
	// The orchestrator does not call it; profile ToolRestrictions are
	// not checked against it.
	ListToolIDs() ([]string, error)
}
