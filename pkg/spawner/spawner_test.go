package spawner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-fleet/orchestrator/pkg/lock"
	"github.com/opencode-fleet/orchestrator/pkg/orcherr"
	"github.com/opencode-fleet/orchestrator/pkg/registry"
	"github.com/opencode-fleet/orchestrator/pkg/types"
)

func newTestSpawner(t *testing.T) (*Spawner, *registry.Memory, *registry.Device) {
	t.Helper()
	dir := t.TempDir()
	memory := registry.NewMemory()
	device := registry.NewDevice(filepath.Join(dir, "device-registry.json"))
	locker := lock.New(filepath.Join(dir, "locks"))
	return New(Config{
		Memory:                 memory,
		Device:                 device,
		Locker:                 locker,
		OrchestratorInstanceID: "test-instance",
		LockTimeout:            time.Second,
	}), memory, device
}

// fakeWorker runs an httptest.Server speaking the minimal wire surface
// workerclient.go expects, with a counter tracking how many times its
// session-listing endpoint was hit.
type fakeWorker struct {
	server      *httptest.Server
	listCalls   int32
	listDelay   time.Duration
	sessionID   string
	lastPrompt  promptRequest
	promptReply promptResponse
}

func newFakeWorker(sessionID string) *fakeWorker {
	fw := &fakeWorker{sessionID: sessionID}
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			atomic.AddInt32(&fw.listCalls, 1)
			if fw.listDelay > 0 {
				time.Sleep(fw.listDelay)
			}
			_ = json.NewEncoder(w).Encode([]sessionInfo{{ID: fw.sessionID, Title: "t"}})
			return
		}
		_ = json.NewEncoder(w).Encode(sessionInfo{ID: fw.sessionID, Title: "t"})
	})
	mux.HandleFunc("/session/"+sessionID+"/message", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&fw.lastPrompt)
		reply := fw.promptReply
		if len(reply.Parts) == 0 {
			reply = promptResponse{Parts: []part{textPart("ack")}}
		}
		_ = json.NewEncoder(w).Encode(reply)
	})
	mux.HandleFunc("/config/providers", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]providerInfo{})
	})
	fw.server = httptest.NewServer(mux)
	return fw
}

func (fw *fakeWorker) Close() { fw.server.Close() }

func registerReusableWorker(t *testing.T, device *registry.Device, profileID string, fw *fakeWorker) {
	t.Helper()
	require.NoError(t, device.UpsertWorker(types.DeviceEntry{
		OrchestratorInstanceID: "test-instance",
		WorkerID:               profileID,
		PID:                    os.Getpid(),
		URL:                    fw.server.URL,
		Port:                   1,
		SessionID:              fw.sessionID,
		Status:                 types.StatusReady,
		StartedAt:              time.Now(),
	}))
}

func TestAcquire_FastPathReturnsRegisteredInstance(t *testing.T) {
	s, memory, _ := newTestSpawner(t)
	profile := types.Profile{ID: "reviewer", Model: "anthropic/claude-sonnet"}
	memory.Register(types.Instance{Profile: profile, Status: types.StatusReady, SessionID: "sess-1"})

	inst, err := s.Acquire(context.Background(), profile, AcquireOptions{})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", inst.SessionID)
}

func TestAcquire_ReusesLiveWorkerFromDeviceRegistry(t *testing.T) {
	s, memory, device := newTestSpawner(t)
	fw := newFakeWorker("sess-reuse")
	defer fw.Close()

	profile := types.Profile{ID: "reviewer", Model: "anthropic/claude-sonnet"}
	registerReusableWorker(t, device, profile.ID, fw)

	inst, err := s.Acquire(context.Background(), profile, AcquireOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, inst.Status)
	assert.Equal(t, "sess-reuse", inst.SessionID)
	assert.Equal(t, fw.server.URL, inst.BaseURL)

	got, ok := memory.GetWorker(profile.ID)
	require.True(t, ok)
	assert.Equal(t, "sess-reuse", got.SessionID)
}

func TestAcquire_ConcurrentCallsDedupToOneReuseProbe(t *testing.T) {
	s, _, device := newTestSpawner(t)
	fw := newFakeWorker("sess-dedup")
	fw.listDelay = 50 * time.Millisecond
	defer fw.Close()

	profile := types.Profile{ID: "reviewer", Model: "anthropic/claude-sonnet"}
	registerReusableWorker(t, device, profile.ID, fw)

	const callers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]*types.Instance, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			inst, err := s.Acquire(context.Background(), profile, AcquireOptions{})
			results[i] = inst
			errs[i] = err
		}()
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, "sess-dedup", results[i].SessionID)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fw.listCalls), "only one caller should have performed the reuse probe")
}

func TestSend_RoundTripsPromptText(t *testing.T) {
	s, memory, _ := newTestSpawner(t)
	fw := newFakeWorker("sess-send")
	fw.promptReply = promptResponse{Parts: []part{textPart("the answer is 42")}}
	defer fw.Close()

	memory.Register(types.Instance{
		Profile:   types.Profile{ID: "reviewer"},
		Status:    types.StatusReady,
		BaseURL:   fw.server.URL,
		SessionID: "sess-send",
	})

	text, err := s.Send(context.Background(), "reviewer", "what is the answer?", SendOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "the answer is 42", text)

	got, _ := memory.GetWorker("reviewer")
	assert.Equal(t, types.StatusReady, got.Status)
	require.NotNil(t, got.LastResult)
	assert.Equal(t, "the answer is 42", got.LastResult.ResponseText)
}

func TestSend_UnknownWorkerFails(t *testing.T) {
	s, _, _ := newTestSpawner(t)
	_, err := s.Send(context.Background(), "ghost", "hi", SendOptions{})
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.WorkerNotFound, kind)
}

func TestSend_NotReadyWorkerFails(t *testing.T) {
	s, memory, _ := newTestSpawner(t)
	memory.Register(types.Instance{Profile: types.Profile{ID: "reviewer"}, Status: types.StatusBusy})

	_, err := s.Send(context.Background(), "reviewer", "hi", SendOptions{})
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.WorkerNotReady, kind)
}

func TestSend_TransportFailureLeavesWorkerReady(t *testing.T) {
	s, memory, _ := newTestSpawner(t)
	memory.Register(types.Instance{
		Profile:   types.Profile{ID: "reviewer"},
		Status:    types.StatusReady,
		BaseURL:   "http://127.0.0.1:1", // nothing listens here
		SessionID: "sess-x",
	})

	_, err := s.Send(context.Background(), "reviewer", "hi", SendOptions{Timeout: 200 * time.Millisecond})
	require.Error(t, err)

	got, ok := memory.GetWorker("reviewer")
	require.True(t, ok)
	assert.Equal(t, types.StatusReady, got.Status, "a failed send must not poison the worker")
}

func TestSend_EmptyResponseIsWorkerEmptyError(t *testing.T) {
	s, memory, _ := newTestSpawner(t)
	fw := newFakeWorker("sess-empty")
	fw.promptReply = promptResponse{Parts: []part{{Type: "text", Text: ""}}}
	defer fw.Close()

	memory.Register(types.Instance{
		Profile:   types.Profile{ID: "reviewer"},
		Status:    types.StatusReady,
		BaseURL:   fw.server.URL,
		SessionID: "sess-empty",
	})

	_, err := s.Send(context.Background(), "reviewer", "hi", SendOptions{Timeout: time.Second})
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.WorkerEmpty, kind)
}

func TestStop_RemovesWorkerFromBothRegistries(t *testing.T) {
	s, memory, device := newTestSpawner(t)
	memory.Register(types.Instance{Profile: types.Profile{ID: "reviewer"}, Status: types.StatusReady, PID: os.Getpid()})
	require.NoError(t, device.UpsertWorker(types.DeviceEntry{
		OrchestratorInstanceID: "test-instance",
		WorkerID:               "reviewer",
		PID:                    os.Getpid(),
		Status:                 types.StatusReady,
	}))

	ok := s.Stop("reviewer")
	assert.True(t, ok)

	_, found := memory.GetWorker("reviewer")
	assert.False(t, found)

	entries, err := device.List()
	require.NoError(t, err)
	for _, e := range entries {
		if e.Kind == types.EntryKindWorker {
			assert.NotEqual(t, "reviewer", e.WorkerID, "worker entry should have been removed by pid")
		}
	}
}

func TestStop_UnknownWorkerReturnsFalse(t *testing.T) {
	s, _, _ := newTestSpawner(t)
	assert.False(t, s.Stop("ghost"))
}

func TestAcquire_OwnershipGoesToFirstSession(t *testing.T) {
	s, memory, _ := newTestSpawner(t)
	profile := types.Profile{ID: "reviewer", Model: "anthropic/claude-sonnet"}
	memory.Register(types.Instance{Profile: profile, Status: types.StatusReady, SessionID: "sess-1"})

	_, err := s.Acquire(context.Background(), profile, AcquireOptions{HostSessionID: "host-a"})
	require.NoError(t, err)
	_, err = s.Acquire(context.Background(), profile, AcquireOptions{HostSessionID: "host-b"})
	require.NoError(t, err)

	assert.Equal(t, []string{"reviewer"}, memory.GetWorkersForSession("host-a"))
	assert.Empty(t, memory.GetWorkersForSession("host-b"), "a reused worker must not be stolen by a later session")
}

func TestDisposeSession_StopsOnlyOwnedWorkers(t *testing.T) {
	s, memory, _ := newTestSpawner(t)
	a := types.Profile{ID: "worker-a", Model: "anthropic/claude-sonnet"}
	b := types.Profile{ID: "worker-b", Model: "anthropic/claude-sonnet"}
	memory.Register(types.Instance{Profile: a, Status: types.StatusReady, SessionID: "s1"})
	memory.Register(types.Instance{Profile: b, Status: types.StatusReady, SessionID: "s2"})

	_, err := s.Acquire(context.Background(), a, AcquireOptions{HostSessionID: "host-1"})
	require.NoError(t, err)
	_, err = s.Acquire(context.Background(), b, AcquireOptions{HostSessionID: "host-2"})
	require.NoError(t, err)

	stopped := s.DisposeSession("host-1")
	assert.Equal(t, []string{"worker-a"}, stopped)

	_, found := memory.GetWorker("worker-a")
	assert.False(t, found)

	active := memory.GetActiveWorkers()
	require.Len(t, active, 1)
	assert.Equal(t, "worker-b", active[0].Profile.ID)
}

func TestAcquire_SpawnFailureLeavesErrorRecord(t *testing.T) {
	s, memory, _ := newTestSpawner(t)
	profile := types.Profile{ID: "reviewer", Model: "auto"} // symbolic tag, no assistant

	_, err := s.Acquire(context.Background(), profile, AcquireOptions{})
	require.Error(t, err)

	got, ok := memory.GetWorker("reviewer")
	require.True(t, ok)
	assert.Equal(t, types.StatusError, got.Status)
	assert.NotEmpty(t, got.Error)
}

func TestResolveModel_RejectsBareSymbolicTagWithoutAssistant(t *testing.T) {
	s, _, _ := newTestSpawner(t)
	profile := types.Profile{ID: "reviewer", Model: "auto"}

	_, err := s.resolveModel(profile, nil)
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.ModelUnresolvable, kind)
}

func TestResolveModel_RejectsMalformedConcreteModel(t *testing.T) {
	s, _, _ := newTestSpawner(t)
	profile := types.Profile{ID: "reviewer", Model: "not-a-valid-ref"}

	_, err := s.resolveModel(profile, nil)
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.ModelInvalid, kind)
}

func TestSpawnMany_SequentialPartitionsSuccessAndFailure(t *testing.T) {
	s, memory, _ := newTestSpawner(t)
	good := types.Profile{ID: "good", Model: "anthropic/claude-sonnet"}
	memory.Register(types.Instance{Profile: good, Status: types.StatusReady, SessionID: "s1"})
	bad := types.Profile{ID: "bad", Model: "auto"} // no assistant configured, will fail resolution

	result := s.SpawnMany(context.Background(), []types.Profile{good, bad}, AcquireOptions{}, false)
	require.Len(t, result.Succeeded, 1)
	assert.Equal(t, "good", result.Succeeded[0].Profile.ID)
	require.Contains(t, result.Failed, "bad")
}
