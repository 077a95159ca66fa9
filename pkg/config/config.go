// Package config loads and merges the orchestrator's layered JSON
// configuration: a global file under the user's config directory and
// a project file (with a legacy root fallback).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencode-fleet/orchestrator/pkg/types"
)

// Document is the recognized shape of an orchestrator.json file. Both
// the global and project documents share this shape; merging follows
// the rules in Merge.
type Document struct {
	BasePort          int               `json:"basePort,omitempty"`
	AutoSpawn         *bool             `json:"autoSpawn,omitempty"`
	StartupTimeoutMs  int               `json:"startupTimeout,omitempty"`
	HealthIntervalMs  int               `json:"healthCheckInterval,omitempty"`
	Profiles          []ProfileRef      `json:"profiles,omitempty"`
	Workers           []ProfileRef      `json:"workers,omitempty"`
	UI                map[string]any    `json:"ui,omitempty"`
	Notifications     map[string]any    `json:"notifications,omitempty"`
	Agent             map[string]any    `json:"agent,omitempty"`
	Commands          map[string]any    `json:"commands,omitempty"`
	Pruning           map[string]any    `json:"pruning,omitempty"`
	Workflows         map[string]any    `json:"workflows,omitempty"`
	Security          map[string]any    `json:"security,omitempty"`

	// profilesSet/workersSet record whether the key was present in the
	// source document at all (as opposed to present-but-empty), so a
	// document that omits "workers" entirely doesn't get mistaken for
	// one that explicitly clears it.
	profilesSet bool
	workersSet  bool
}

// ProfileRef is either a bare profile id string or a full inline
// profile object.
type ProfileRef struct {
	ID      string
	Profile *types.Profile
}

// UnmarshalJSON accepts either a JSON string (a profile id) or a JSON
// object (a full profile document).
func (r *ProfileRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		r.ID = id
		return nil
	}
	var p types.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("profile ref: %w", err)
	}
	r.Profile = &p
	r.ID = p.ID
	return nil
}

// MarshalJSON mirrors UnmarshalJSON's acceptance of either shape.
func (r ProfileRef) MarshalJSON() ([]byte, error) {
	if r.Profile != nil {
		return json.Marshal(r.Profile)
	}
	return json.Marshal(r.ID)
}

// unmarshalDocument decodes data into a Document and records which of
// the merge-sensitive array keys were present in the raw JSON.
func unmarshalDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse config: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err == nil {
		_, doc.profilesSet = raw["profiles"]
		_, doc.workersSet = raw["workers"]
	}
	return doc, nil
}

// Load reads and parses a JSON config document. A missing file or
// invalid JSON degrades to an empty Document rather than failing.
func Load(path string) Document {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}
	}
	doc, err := unmarshalDocument(data)
	if err != nil {
		return Document{}
	}
	return doc
}

// GlobalPath returns the global config path under the user's config
// directory: <user config>/opencode/orchestrator.json.
func GlobalPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("user config dir: %w", err)
	}
	return filepath.Join(dir, "opencode", "orchestrator.json"), nil
}

// ProjectPaths returns the project config path and its legacy
// root-level fallback for a given project directory.
func ProjectPaths(projectDir string) (primary, legacy string) {
	return filepath.Join(projectDir, ".opencode", "orchestrator.json"),
		filepath.Join(projectDir, "orchestrator.json")
}

// LoadProject loads the project config, preferring the primary path
// and falling back to the legacy root-level path if the primary is
// absent.
func LoadProject(projectDir string) Document {
	primary, legacy := ProjectPaths(projectDir)
	if _, err := os.Stat(primary); err == nil {
		return Load(primary)
	}
	return Load(legacy)
}

// Merge deep-merges global and project documents: objects merge field
// by field (project wins on conflicts), while the Profiles and Workers
// arrays REPLACE rather than merge whenever the project document set
// the corresponding key at all. An explicit empty project list
// therefore clears a non-empty global one.
func Merge(global, project Document) Document {
	out := global

	if project.BasePort != 0 {
		out.BasePort = project.BasePort
	}
	if project.AutoSpawn != nil {
		out.AutoSpawn = project.AutoSpawn
	}
	if project.StartupTimeoutMs != 0 {
		out.StartupTimeoutMs = project.StartupTimeoutMs
	}
	if project.HealthIntervalMs != 0 {
		out.HealthIntervalMs = project.HealthIntervalMs
	}
	if project.profilesSet {
		out.Profiles = project.Profiles
	}
	if project.workersSet {
		out.Workers = project.Workers
	}

	out.UI = mergeObject(global.UI, project.UI)
	out.Notifications = mergeObject(global.Notifications, project.Notifications)
	out.Agent = mergeObject(global.Agent, project.Agent)
	out.Commands = mergeObject(global.Commands, project.Commands)
	out.Pruning = mergeObject(global.Pruning, project.Pruning)
	out.Workflows = mergeObject(global.Workflows, project.Workflows)
	out.Security = mergeObject(global.Security, project.Security)

	return out
}

// mergeObject deep-merges two presentational blocks; unknown fields
// are carried through untouched, ignored by validation but never
// dropped from the merge.
func mergeObject(base, override map[string]any) map[string]any {
	if base == nil && override == nil {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if baseVal, ok := out[k].(map[string]any); ok {
			if overrideVal, ok := v.(map[string]any); ok {
				out[k] = mergeObject(baseVal, overrideVal)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Resolve loads the global and project documents for projectDir and
// returns their merge.
func Resolve(projectDir string) (Document, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return Document{}, err
	}
	global := Load(globalPath)
	project := LoadProject(projectDir)
	return Merge(global, project), nil
}

// Catalog collects every fully inline profile object out of both
// Profiles and Workers into a lookup by id, so a bare-id ProfileRef in
// either list can be resolved against whichever document supplied the
// full definition.
func (d Document) Catalog() map[string]types.Profile {
	out := make(map[string]types.Profile)
	for _, ref := range d.Profiles {
		if ref.Profile != nil {
			out[ref.Profile.ID] = *ref.Profile
		}
	}
	for _, ref := range d.Workers {
		if ref.Profile != nil {
			out[ref.Profile.ID] = *ref.Profile
		}
	}
	return out
}

// ResolveRefs maps refs against catalog, returning the resolved
// Profiles in order and the bare ids that had no matching definition
// in either list.
func ResolveRefs(refs []ProfileRef, catalog map[string]types.Profile) (resolved []types.Profile, unresolved []string) {
	for _, ref := range refs {
		if ref.Profile != nil {
			resolved = append(resolved, *ref.Profile)
			continue
		}
		if p, ok := catalog[ref.ID]; ok {
			resolved = append(resolved, p)
			continue
		}
		unresolved = append(unresolved, ref.ID)
	}
	return resolved, unresolved
}

// AutoSpawnProfiles resolves d.Workers (the auto-spawn set) against
// d.Catalog().
func (d Document) AutoSpawnProfiles() (resolved []types.Profile, unresolved []string) {
	return ResolveRefs(d.Workers, d.Catalog())
}
