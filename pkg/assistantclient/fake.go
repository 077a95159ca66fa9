package assistantclient

import "github.com/opencode-fleet/orchestrator/pkg/modelresolve"

// Fake is an in-memory Client for tests.
type Fake struct {
	Config    RuntimeConfig
	Providers []modelresolve.Provider
	ToolIDs   []string
}

func (f *Fake) GetConfig() (RuntimeConfig, error) { return f.Config, nil }

func (f *Fake) ListProviders() ([]modelresolve.Provider, error) { return f.Providers, nil }

func (f *Fake) ListToolIDs() ([]string, error) { return f.ToolIDs, nil }

var _ Client = (*Fake)(nil)
