package bridge

import (
	"context"
	"net/http"
	"time"

	"github.com/opencode-fleet/orchestrator/pkg/spawner"
	"github.com/opencode-fleet/orchestrator/pkg/types"
	"github.com/opencode-fleet/orchestrator/pkg/workflow"
)

// AdminDeps wires the operator-facing admin endpoints the standalone
// CLI (`orchestrator spawn|send|stop|ps|workflow run`) drives. These
// live on the same loopback mux and bearer token as the worker-facing
// wire endpoints, but they are operator surface only: workers never
// call /admin.
type AdminDeps struct {
	Spawner   *spawner.Spawner
	Profiles  func(id string) (types.Profile, bool)
	Workflows func(id string) (workflow.Workflow, bool)
	Runner    *workflow.Runner
}

// RegisterAdmin adds the admin routes to the bridge's mux. Call once,
// after New. It may be called while Serve/ServeListener is already
// running; until then the admin routes answer 404.
func (s *Server) RegisterAdmin(deps AdminDeps) {
	s.admin = deps
	s.mux.HandleFunc("/admin/spawn", s.withAuth(s.handleAdminSpawn))
	s.mux.HandleFunc("/admin/send", s.withAuth(s.handleAdminSend))
	s.mux.HandleFunc("/admin/stop", s.withAuth(s.handleAdminStop))
	s.mux.HandleFunc("/admin/ps", s.withAuth(s.handleAdminPS))
	s.mux.HandleFunc("/admin/workflow/run", s.withAuth(s.handleAdminWorkflowRun))
}

type adminSpawnBody struct {
	ProfileID string `json:"profileId"`
	Dir       string `json:"dir,omitempty"`
}

func (s *Server) handleAdminSpawn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	var body adminSpawnBody
	if !decodeBody(w, r, &body) {
		return
	}
	profile, ok := s.admin.Profiles(body.ProfileID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_profile")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	inst, err := s.admin.Spawner.Acquire(ctx, profile, spawner.AcquireOptions{Dir: body.Dir})
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

type adminSendBody struct {
	WorkerID string `json:"workerId"`
	Text     string `json:"text"`
}

func (s *Server) handleAdminSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	var body adminSendBody
	if !decodeBody(w, r, &body) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	response, err := s.admin.Spawner.Send(ctx, body.WorkerID, body.Text, spawner.SendOptions{})
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": response})
}

type adminStopBody struct {
	WorkerID string `json:"workerId"`
}

func (s *Server) handleAdminStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	var body adminStopBody
	if !decodeBody(w, r, &body) {
		return
	}
	stopped := s.admin.Spawner.Stop(body.WorkerID)
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) handleAdminPS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": s.memory.GetActiveWorkers()})
}

type adminWorkflowRunBody struct {
	WorkflowID string `json:"workflowId"`
	Task       string `json:"task"`
}

func (s *Server) handleAdminWorkflowRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	var body adminWorkflowRunBody
	if !decodeBody(w, r, &body) {
		return
	}
	wf, ok := s.admin.Workflows(body.WorkflowID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_workflow")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()
	result, err := s.admin.Runner.Run(ctx, wf, body.Task, nil, workflow.Caps{})
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}
