// Package registry holds the two registries the orchestrator keeps:
// an in-memory catalog of live worker instances for this process
// (Memory), and a file-backed, crash-tolerant, cross-process device
// inventory (Device).
package registry

import (
	"sync"
	"time"

	"github.com/opencode-fleet/orchestrator/pkg/types"
)

// Memory is a thread-safe catalog of currently known Worker Instances
// for this orchestrator process.
type Memory struct {
	mu        sync.RWMutex
	workers   map[string]*types.Instance // workerID -> instance
	ownership map[string]map[string]bool // sessionID -> set<workerID>
	broker    *broker
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		workers:   make(map[string]*types.Instance),
		ownership: make(map[string]map[string]bool),
		broker:    newBroker(),
	}
}

// Subscribe returns a channel of registry events. Callers must
// Unsubscribe when done to release the channel.
func (m *Memory) Subscribe() Subscriber { return m.broker.subscribe() }

// Unsubscribe stops delivery to sub and closes it.
func (m *Memory) Unsubscribe(sub Subscriber) { m.broker.unsubscribe(sub) }

// Register adds or replaces the instance record for inst.Profile.ID.
func (m *Memory) Register(inst types.Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := inst
	m.workers[inst.Profile.ID] = &cp
	m.broker.publish(Event{Type: EventRegistered, WorkerID: inst.Profile.ID, Instance: cp, Timestamp: time.Now()})
}

// Unregister removes workerID from the registry, if present, and
// clears it from every session's ownership set.
func (m *Memory) Unregister(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.workers[workerID]
	if !ok {
		return
	}
	cp := *inst
	delete(m.workers, workerID)
	for session, owned := range m.ownership {
		delete(owned, workerID)
		if len(owned) == 0 {
			delete(m.ownership, session)
		}
	}
	m.broker.publish(Event{Type: EventUnregistered, WorkerID: workerID, Instance: cp, Timestamp: time.Now()})
}

// UpdateStatus transitions workerID to status, optionally recording an
// error message, and refreshes LastActivity. Returns false if the
// worker is unknown.
func (m *Memory) UpdateStatus(workerID string, status types.Status, errMsg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.workers[workerID]
	if !ok {
		return false
	}
	inst.Status = status
	inst.LastActivity = time.Now()
	if errMsg != "" {
		inst.Error = errMsg
	}
	m.broker.publish(Event{Type: EventUpdated, WorkerID: workerID, Instance: *inst, Timestamp: time.Now()})
	return true
}

// Mutate applies fn to the stored instance for workerID under the
// registry's lock and publishes an "updated" event with the result.
// It is the general-purpose alternative to UpdateStatus for callers
// (the spawner's send path, the bridge's report handler) that need to
// touch more than the status field atomically.
func (m *Memory) Mutate(workerID string, fn func(*types.Instance)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.workers[workerID]
	if !ok {
		return false
	}
	fn(inst)
	m.broker.publish(Event{Type: EventUpdated, WorkerID: workerID, Instance: *inst, Timestamp: time.Now()})
	return true
}

// GetWorker returns a copy of the instance record for workerID.
func (m *Memory) GetWorker(workerID string) (types.Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.workers[workerID]
	if !ok {
		return types.Instance{}, false
	}
	return *inst, true
}

// GetActiveWorkers returns every instance whose status is neither
// error nor stopped.
func (m *Memory) GetActiveWorkers() []types.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Instance, 0, len(m.workers))
	for _, inst := range m.workers {
		if inst.Status != types.StatusError && inst.Status != types.StatusStopped {
			out = append(out, *inst)
		}
	}
	return out
}

// GetWorkersByCapability returns active workers whose profile declares
// the given capability ("image" or "web").
func (m *Memory) GetWorkersByCapability(capability string) []types.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Instance, 0)
	for _, inst := range m.workers {
		if inst.Status == types.StatusError || inst.Status == types.StatusStopped {
			continue
		}
		switch capability {
		case "image":
			if inst.Profile.SupportsImage {
				out = append(out, *inst)
			}
		case "web":
			if inst.Profile.SupportsWeb {
				out = append(out, *inst)
			}
		}
	}
	return out
}

// TrackOwnership records that workerID is owned by sessionID, but only
// if no session already owns it: a worker is tracked only for the
// first session that acquires it, so a reused worker is never stolen
// from its original owner.
func (m *Memory) TrackOwnership(sessionID, workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, owned := range m.ownership {
		if owned[workerID] {
			return // already owned by some session
		}
	}
	if m.ownership[sessionID] == nil {
		m.ownership[sessionID] = make(map[string]bool)
	}
	m.ownership[sessionID][workerID] = true
}

// GetWorkersForSession returns the worker ids owned by sessionID.
func (m *Memory) GetWorkersForSession(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owned := m.ownership[sessionID]
	out := make([]string, 0, len(owned))
	for id := range owned {
		out = append(out, id)
	}
	return out
}

// ClearSessionOwnership removes sessionID's ownership set entirely,
// without touching the workers themselves.
func (m *Memory) ClearSessionOwnership(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ownership, sessionID)
}

// Summary is a compact snapshot for listing operations.
type Summary struct {
	Total   int
	Active  int
	Workers []types.Instance
}

// GetSummary returns up to maxWorkers instances (0 = unlimited),
// along with total/active counts across the whole registry.
func (m *Memory) GetSummary(maxWorkers int) Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{Total: len(m.workers)}
	for _, inst := range m.workers {
		if inst.Status != types.StatusError && inst.Status != types.StatusStopped {
			s.Active++
		}
	}
	for _, inst := range m.workers {
		if maxWorkers > 0 && len(s.Workers) >= maxWorkers {
			break
		}
		s.Workers = append(s.Workers, *inst)
	}
	return s
}
