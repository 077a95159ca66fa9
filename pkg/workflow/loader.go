package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// WorkflowsDir returns <project>/.opencode/workflows, the directory
// scanned for workflow documents.
func WorkflowsDir(projectDir string) string {
	return filepath.Join(projectDir, ".opencode", "workflows")
}

// LoadDir scans dir for *.json, *.yaml, and *.yml workflow documents,
// parsing and validating each. A malformed file is skipped and its
// error collected rather than aborting the whole scan.
func LoadDir(dir string) (map[string]Workflow, []error) {
	out := make(map[string]Workflow)
	var errs []error

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, []error{fmt.Errorf("read workflows dir %s: %w", dir, err)}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, name)
		wf, err := loadFile(path, ext)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if existing, ok := out[wf.ID]; ok {
			errs = append(errs, fmt.Errorf("%s: duplicate workflow id %q (already defined by a prior file, first seen as %q)", name, wf.ID, existing.Name))
			continue
		}
		out[wf.ID] = wf
	}
	return out, errs
}

func loadFile(path, ext string) (Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Workflow{}, fmt.Errorf("read: %w", err)
	}

	var wf Workflow
	if ext == ".json" {
		if err := json.Unmarshal(data, &wf); err != nil {
			return Workflow{}, fmt.Errorf("parse json: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return Workflow{}, fmt.Errorf("parse yaml: %w", err)
		}
	}

	if err := validate(wf); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// validate checks the required shape of a workflow document.
func validate(wf Workflow) error {
	if wf.ID == "" {
		return fmt.Errorf("missing id")
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", wf.ID)
	}
	seen := make(map[string]bool, len(wf.Steps))
	for i, s := range wf.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow %q step %d: missing id", wf.ID, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("workflow %q: duplicate step id %q", wf.ID, s.ID)
		}
		seen[s.ID] = true
		if s.WorkerID == "" {
			return fmt.Errorf("workflow %q step %q: missing workerId", wf.ID, s.ID)
		}
		if s.Template == "" {
			return fmt.Errorf("workflow %q step %q: missing template", wf.ID, s.ID)
		}
	}
	return nil
}
