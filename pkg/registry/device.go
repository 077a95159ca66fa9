package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencode-fleet/orchestrator/pkg/procutil"
	"github.com/opencode-fleet/orchestrator/pkg/types"
)

const documentVersion = 1

// pruneBudget is the latency ceiling for the best-effort prune that
// List performs before reading; a slower prune is reported, never
// failed.
const pruneBudget = 50 * time.Millisecond

// Device is the machine-wide, file-backed inventory of worker
// subprocesses and host sessions. Multiple orchestrator processes on
// one host share the same file.
type Device struct {
	path string
	mu   sync.Mutex

	// onPruneSlow, if set, is called with the actual prune duration
	// whenever List's best-effort prune exceeds pruneBudget, in place
	// of a hard dependency on a logger.
	onPruneSlow func(time.Duration)
}

// DefaultPath returns <user config>/opencode/orchestrator-device-registry.json.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("user config dir: %w", err)
	}
	return filepath.Join(dir, "opencode", "orchestrator-device-registry.json"), nil
}

// NewDevice opens (lazily creates) the device registry at path.
func NewDevice(path string) *Device {
	return &Device{path: path}
}

// OnPruneSlow installs a callback invoked when a List-triggered prune
// exceeds the latency budget.
func (d *Device) OnPruneSlow(fn func(time.Duration)) { d.onPruneSlow = fn }

func (d *Device) read() (types.Document, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.Document{Version: documentVersion}, nil
		}
		// A missing or unparseable file is treated as empty.
		return types.Document{Version: documentVersion}, nil
	}
	var doc types.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return types.Document{Version: documentVersion}, nil
	}
	return doc, nil
}

// write performs an atomic write-to-temp-then-rename; cross-device
// rename failures fall back to an overwrite-in-place.
func (d *Device) write(doc types.Document) error {
	doc.Version = documentVersion
	doc.UpdatedAt = time.Now().UnixMilli()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal device registry: %w", err)
	}

	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create device registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".orchestrator-device-registry-*.tmp")
	if err != nil {
		// Same-directory tempfile creation failed (e.g. read-only fs
		// quirk); fall back to direct write rather than fail the op.
		return os.WriteFile(d.path, data, 0o644)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write device registry temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close device registry temp file: %w", err)
	}

	if err := os.Rename(tmpPath, d.path); err != nil {
		// Cross-device rename: fall back to overwrite-in-place.
		if werr := os.WriteFile(d.path, data, 0o644); werr != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("overwrite device registry: %w", werr)
		}
		os.Remove(tmpPath)
	}
	return nil
}

// List returns every entry currently in the document, after a
// best-effort liveness prune.
func (d *Device) List() ([]types.DeviceEntry, error) {
	start := time.Now()
	d.pruneBestEffort()
	if elapsed := time.Since(start); elapsed > pruneBudget && d.onPruneSlow != nil {
		d.onPruneSlow(elapsed)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	doc, err := d.read()
	if err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

// pruneBestEffort runs PruneDead, swallowing its error: prune is
// always best-effort from List's perspective.
func (d *Device) pruneBestEffort() {
	_ = d.PruneDead()
}

// PruneDead removes every entry whose referenced pid is no longer
// alive.
func (d *Device) PruneDead() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.read()
	if err != nil {
		return err
	}

	kept := doc.Entries[:0]
	changed := false
	for _, e := range doc.Entries {
		pid := e.PID
		if e.Kind == types.EntryKindSession {
			pid = e.HostPID
		}
		if procutil.PidAlive(pid) {
			kept = append(kept, e)
		} else {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	doc.Entries = kept
	return d.write(doc)
}

// UpsertWorker inserts or updates a worker entry, matched by
// (orchestratorInstanceId, workerId, pid).
func (d *Device) UpsertWorker(entry types.DeviceEntry) error {
	entry.Kind = types.EntryKindWorker
	return d.upsert(entry)
}

// UpsertSession inserts or updates a session entry, matched by
// (hostPid, sessionId).
func (d *Device) UpsertSession(entry types.DeviceEntry) error {
	entry.Kind = types.EntryKindSession
	return d.upsert(entry)
}

func (d *Device) upsert(entry types.DeviceEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.read()
	if err != nil {
		return err
	}

	entry.UpdatedAt = time.Now()
	key1, key2, key3 := entry.Identity()

	replaced := false
	for i, e := range doc.Entries {
		k1, k2, k3 := e.Identity()
		if k1 == key1 && k2 == key2 && k3 == key3 {
			doc.Entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Entries = append(doc.Entries, entry)
	}

	return d.write(doc)
}

// RemoveWorkerByPID removes every worker entry referencing pid.
func (d *Device) RemoveWorkerByPID(pid int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.read()
	if err != nil {
		return err
	}

	kept := doc.Entries[:0]
	for _, e := range doc.Entries {
		if e.Kind == types.EntryKindWorker && e.PID == pid {
			continue
		}
		kept = append(kept, e)
	}
	doc.Entries = kept
	return d.write(doc)
}

// RemoveSession removes the session entry matching (hostPID, sessionID).
func (d *Device) RemoveSession(sessionID string, hostPID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.read()
	if err != nil {
		return err
	}

	kept := doc.Entries[:0]
	for _, e := range doc.Entries {
		if e.Kind == types.EntryKindSession && e.SessionID == sessionID && e.HostPID == hostPID {
			continue
		}
		kept = append(kept, e)
	}
	doc.Entries = kept
	return d.write(doc)
}

// WorkersByProfile returns the worker entries for workerID ordered
// most-recently-updated first, the selection order
// tryReuseExistingWorker needs in the spawner.
func WorkersByProfile(entries []types.DeviceEntry, workerID string) []types.DeviceEntry {
	out := make([]types.DeviceEntry, 0)
	for _, e := range entries {
		if e.Kind == types.EntryKindWorker && e.WorkerID == workerID {
			out = append(out, e)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].UpdatedAt.After(out[j-1].UpdatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
