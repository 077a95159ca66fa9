// Package types defines the core data structures shared across the
// orchestrator: worker profiles and instances, device-registry
// entries, jobs, and inter-worker messages.
package types

import (
	"strconv"
	"time"
)

// ModelTag is a symbolic model reference that must be resolved against
// a live provider catalog before a worker can be spawned.
type ModelTag string

const (
	ModelAuto       ModelTag = "auto"
	ModelNode       ModelTag = "node"
	ModelAutoVision ModelTag = "auto:vision"
	ModelNodeVision ModelTag = "node:vision"
	ModelAutoDocs   ModelTag = "auto:docs"
	ModelNodeDocs   ModelTag = "node:docs"
	ModelAutoFast   ModelTag = "auto:fast"
	ModelNodeFast   ModelTag = "node:fast"
)

// IsSymbolicTag reports whether ref names one of the reserved tags
// above rather than a concrete "provider/model" string.
func IsSymbolicTag(ref string) bool {
	switch ModelTag(ref) {
	case ModelAuto, ModelNode, ModelAutoVision, ModelNodeVision,
		ModelAutoDocs, ModelNodeDocs, ModelAutoFast, ModelNodeFast:
		return true
	default:
		return false
	}
}

// ToolRestrictions holds allow and deny lists of tool ids.
type ToolRestrictions struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// Profile is the immutable, declarative description of a kind of
// worker. Once installed into the live configuration it never changes.
type Profile struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Model         string            `json:"model"` // "provider/model" or a ModelTag
	Purpose       string            `json:"purpose,omitempty"`
	SupportsImage bool              `json:"supportsImage,omitempty"`
	SupportsWeb   bool              `json:"supportsWeb,omitempty"`
	Tools         *ToolRestrictions `json:"tools,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Port          int               `json:"port,omitempty"` // pinned port, 0 = OS-assigned
	SystemPrompt  string            `json:"systemPrompt,omitempty"`
}

// RequiresVision reports whether the profile demands image-input
// capability, directly or via a ":vision" model tag.
func (p Profile) RequiresVision() bool {
	return ModelTag(p.Model) == ModelAutoVision || ModelTag(p.Model) == ModelNodeVision || p.SupportsImage
}

// Status is the runtime state of a Worker Instance.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusBusy     Status = "busy"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// ModelResolution records how a worker's concrete model was chosen.
type ModelResolution struct {
	Requested string `json:"requested"`
	Resolved  string `json:"resolved"`
	Reason    string `json:"reason"`
	Score     int    `json:"score,omitempty"`
}

// LastResult is one completed turn's outcome.
type LastResult struct {
	ResponseText string         `json:"responseText"`
	Report       map[string]any `json:"report,omitempty"`
	Duration     time.Duration  `json:"duration"`
	FinishedAt   time.Time      `json:"finishedAt"`
}

// Instance is the runtime state of an active worker. The Spawner owns
// its subprocess lifetime; the in-memory registry shares the record
// for read-only observation.
type Instance struct {
	Profile         Profile           `json:"profile"`
	Status          Status            `json:"status"`
	Port            int               `json:"port,omitempty"`
	PID             int               `json:"pid,omitempty"`
	BaseURL         string            `json:"baseUrl,omitempty"`
	SessionID       string            `json:"sessionId,omitempty"`
	StartedAt       time.Time         `json:"startedAt"`
	LastActivity    time.Time         `json:"lastActivity"`
	Warning         string            `json:"warning,omitempty"`
	Error           string            `json:"error,omitempty"`
	CurrentTask     string            `json:"currentTask,omitempty"`
	LastResult      *LastResult       `json:"lastResult,omitempty"`
	ModelResolution *ModelResolution  `json:"modelResolution,omitempty"`
	RestartCount    int               `json:"restartCount,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
}

// EntryKind discriminates the two shapes of device-registry entry.
type EntryKind string

const (
	EntryKindWorker  EntryKind = "worker"
	EntryKindSession EntryKind = "session"
)

// DeviceEntry is a single row in the machine-wide device registry
// document: either a worker entry or a host-session entry.
type DeviceEntry struct {
	Kind EntryKind `json:"kind"`

	// worker entry fields
	OrchestratorInstanceID string `json:"orchestratorInstanceId,omitempty"`
	WorkerID               string `json:"workerId,omitempty"`
	PID                    int    `json:"pid,omitempty"`
	URL                    string `json:"url,omitempty"`
	Port                   int    `json:"port,omitempty"`
	SessionID              string `json:"sessionId,omitempty"`
	Status                 Status `json:"status,omitempty"`
	LastError              string `json:"lastError,omitempty"`

	// session entry fields
	HostPID   int    `json:"hostPid,omitempty"`
	Directory string `json:"directory,omitempty"`
	Title     string `json:"title,omitempty"`

	StartedAt time.Time `json:"startedAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Identity returns the entry's identity tuple used for upsert matching:
// (orchestratorInstanceId, workerId, pid) for workers, (hostPid,
// sessionId) for sessions.
func (e DeviceEntry) Identity() (a, b, c string) {
	if e.Kind == EntryKindSession {
		return "session", strconv.Itoa(e.HostPID), e.SessionID
	}
	return "worker", e.OrchestratorInstanceID + ":" + e.WorkerID, strconv.Itoa(e.PID)
}

// Document is the on-disk JSON shape of the device registry.
type Document struct {
	Version   int           `json:"version"`
	UpdatedAt int64         `json:"updatedAt"` // unix millis
	Entries   []DeviceEntry `json:"entries"`
}

// JobStatus is the terminal-or-not status of an asynchronous Job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an asynchronous unit of worker work owned by the Job Registry.
// Jobs are never persisted to disk.
type Job struct {
	ID           string         `json:"id"`
	WorkerID     string         `json:"workerId"`
	Message      string         `json:"message"`
	Status       JobStatus      `json:"status"`
	StartedAt    time.Time      `json:"startedAt"`
	FinishedAt   *time.Time     `json:"finishedAt,omitempty"`
	DurationMs   *int64         `json:"durationMs,omitempty"`
	ResponseText string         `json:"responseText,omitempty"`
	Report       map[string]any `json:"report,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Message is a single inter-worker (or orchestrator-originated) post
// routed through the Message Bus. Messages are immutable once created.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Topic     string    `json:"topic,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}
