package bridge

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-fleet/orchestrator/pkg/spawner"
	"github.com/opencode-fleet/orchestrator/pkg/types"
	"github.com/opencode-fleet/orchestrator/pkg/workflow"
)

func TestAdmin_RoutesRequireAuth(t *testing.T) {
	s, memory, _ := newTestServer(t)
	sp := spawner.New(spawner.Config{Memory: memory})
	s.RegisterAdmin(AdminDeps{
		Spawner:   sp,
		Profiles:  func(string) (types.Profile, bool) { return types.Profile{}, false },
		Workflows: func(string) (workflow.Workflow, bool) { return workflow.Workflow{}, false },
	})

	rec := doRequest(t, s, http.MethodGet, "/admin/ps", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_SpawnUnknownProfileReturns404(t *testing.T) {
	s, memory, _ := newTestServer(t)
	sp := spawner.New(spawner.Config{Memory: memory})
	s.RegisterAdmin(AdminDeps{
		Spawner:  sp,
		Profiles: func(string) (types.Profile, bool) { return types.Profile{}, false },
	})

	rec := doRequest(t, s, http.MethodPost, "/admin/spawn", "test-token", map[string]string{"profileId": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_SendUnknownWorkerReturnsConflict(t *testing.T) {
	s, memory, _ := newTestServer(t)
	sp := spawner.New(spawner.Config{Memory: memory})
	s.RegisterAdmin(AdminDeps{Spawner: sp})

	rec := doRequest(t, s, http.MethodPost, "/admin/send", "test-token", map[string]string{
		"workerId": "ghost", "text": "hi",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdmin_StopUnknownWorkerReturnsNotStopped(t *testing.T) {
	s, memory, _ := newTestServer(t)
	sp := spawner.New(spawner.Config{Memory: memory})
	s.RegisterAdmin(AdminDeps{Spawner: sp})

	rec := doRequest(t, s, http.MethodPost, "/admin/stop", "test-token", map[string]string{"workerId": "ghost"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body["stopped"])
}

func TestAdmin_PSListsActiveWorkers(t *testing.T) {
	s, memory, _ := newTestServer(t)
	memory.Register(types.Instance{Profile: types.Profile{ID: "reviewer"}, Status: types.StatusReady})
	sp := spawner.New(spawner.Config{Memory: memory})
	s.RegisterAdmin(AdminDeps{Spawner: sp})

	rec := doRequest(t, s, http.MethodGet, "/admin/ps", "test-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Workers []types.Instance `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Workers, 1)
	assert.Equal(t, "reviewer", body.Workers[0].Profile.ID)
}

func TestAdmin_WorkflowRunUnknownWorkflowReturns404(t *testing.T) {
	s, memory, _ := newTestServer(t)
	sp := spawner.New(spawner.Config{Memory: memory})
	s.RegisterAdmin(AdminDeps{
		Spawner:   sp,
		Workflows: func(string) (workflow.Workflow, bool) { return workflow.Workflow{}, false },
	})

	rec := doRequest(t, s, http.MethodPost, "/admin/workflow/run", "test-token", map[string]string{
		"workflowId": "ghost", "task": "do the thing",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
