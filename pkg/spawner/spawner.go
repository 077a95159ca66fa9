// Package spawner implements the orchestrator's worker lifecycle:
// spawning opencode-serve subprocesses, deduplicating concurrent spawn
// requests in-process and across processes, reusing live workers
// discovered via the device registry, and tearing them down.
package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-fleet/orchestrator/pkg/assistantclient"
	"github.com/opencode-fleet/orchestrator/pkg/log"
	"github.com/opencode-fleet/orchestrator/pkg/lock"
	"github.com/opencode-fleet/orchestrator/pkg/metrics"
	"github.com/opencode-fleet/orchestrator/pkg/modelresolve"
	"github.com/opencode-fleet/orchestrator/pkg/orcherr"
	"github.com/opencode-fleet/orchestrator/pkg/procutil"
	"github.com/opencode-fleet/orchestrator/pkg/registry"
	"github.com/opencode-fleet/orchestrator/pkg/telemetry"
	"github.com/opencode-fleet/orchestrator/pkg/types"
)

// defaultSpawnTimeout bounds how long Acquire waits for a freshly
// spawned worker to announce readiness.
const defaultSpawnTimeout = 30 * time.Second

// defaultSendTimeout bounds a prompt round-trip unless the caller
// overrides it.
const defaultSendTimeout = 600 * time.Second

// defaultLockTimeout bounds how long Acquire waits for the profile
// lock before failing with LOCK_TIMEOUT.
const defaultLockTimeout = 15 * time.Second

// reuseProbeTimeout bounds the probe Acquire performs against a
// candidate reuse target's HTTP surface.
const reuseProbeTimeout = 2 * time.Second

// gracefulStopTimeout is the SIGTERM-then-SIGKILL grace period used
// throughout.
const gracefulStopTimeout = 2 * time.Second

// Attachment is a file or image supplied alongside a prompt.
type Attachment struct {
	Name       string
	MIMEType   string
	DataBase64 string
}

// AcquireOptions configures one Acquire call.
type AcquireOptions struct {
	Dir           string
	SpawnTimeout  time.Duration
	Assistant     assistantclient.Client // nil unless the profile's model is a symbolic tag
	HostSessionID string                 // host-assistant session acquiring the worker, for ownership scoping
}

// SendOptions configures one Send call.
type SendOptions struct {
	Timeout     time.Duration
	Attachments []Attachment
	JobID       string // when set, the worker is instructed to echo it back in its report
}

// Config wires the Spawner to its collaborators.
type Config struct {
	Memory                 *registry.Memory
	Device                 *registry.Device
	Locker                 *lock.Locker
	Telemetry              *telemetry.Provider
	OrchestratorInstanceID string
	BridgeURL              string
	BridgeToken            string
	OpencodeBinary         string // default "opencode"
	LockTimeout            time.Duration
}

// Spawner produces ready Worker Instances for a Profile with the
// guarantee that at most one live worker subprocess exists per profile
// per host.
type Spawner struct {
	cfg    Config
	logger zerolog.Logger

	mu           sync.Mutex
	inFlight     map[string]*acquireFuture    // profileID -> in-flight spawn
	subprocesses map[string]*procutil.Process // workerID -> owned handle
}

// acquireFuture lets every caller that joins an in-flight spawn for
// the same profile observe the one result it eventually produces:
// concurrent callers on the same profile within one process see
// exactly one spawn.
type acquireFuture struct {
	done     chan struct{}
	instance *types.Instance
	err      error
}

func newAcquireFuture() *acquireFuture {
	return &acquireFuture{done: make(chan struct{})}
}

func (f *acquireFuture) resolve(instance *types.Instance, err error) {
	f.instance = instance
	f.err = err
	close(f.done)
}

func (f *acquireFuture) wait(ctx context.Context) (*types.Instance, error) {
	select {
	case <-f.done:
		return f.instance, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// New constructs a Spawner. cfg.Memory, cfg.Device, and cfg.Locker are
// required.
func New(cfg Config) *Spawner {
	if cfg.OpencodeBinary == "" {
		cfg.OpencodeBinary = "opencode"
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	return &Spawner{
		cfg:          cfg,
		logger:       log.WithComponent("spawner"),
		inFlight:     make(map[string]*acquireFuture),
		subprocesses: make(map[string]*procutil.Process),
	}
}

// Acquire returns a ready worker for profile, reusing a live one when
// possible and spawning otherwise.
func (s *Spawner) Acquire(ctx context.Context, profile types.Profile, opts AcquireOptions) (*types.Instance, error) {
	if opts.SpawnTimeout == 0 {
		opts.SpawnTimeout = defaultSpawnTimeout
	}

	if s.cfg.Telemetry != nil {
		sctx, span := s.cfg.Telemetry.StartSpan(ctx, telemetry.SpanSpawnerAcquire, telemetry.AttrWorkerProfileID, profile.ID)
		ctx = sctx
		defer span.End()
	}

	timer := metrics.NewTimer()

	// In-memory fast path.
	if inst, ok := s.cfg.Memory.GetWorker(profile.ID); ok && inst.Status != types.StatusError && inst.Status != types.StatusStopped {
		metrics.SpawnsTotal.WithLabelValues("fast_path").Inc()
		s.trackOwnership(opts, profile.ID)
		return &inst, nil
	}

	// In-process dedup. The map check-and-install must happen without
	// an intervening suspension point, so every concurrent caller on
	// this profile joins the same future.
	s.mu.Lock()
	if f, ok := s.inFlight[profile.ID]; ok {
		s.mu.Unlock()
		metrics.InFlightSpawnsDeduped.Inc()
		inst, err := f.wait(ctx)
		if err == nil {
			s.trackOwnership(opts, profile.ID)
		}
		return inst, err
	}
	future := newAcquireFuture()
	s.inFlight[profile.ID] = future
	s.mu.Unlock()

	inst, err := s.doAcquire(ctx, profile, opts)

	s.mu.Lock()
	delete(s.inFlight, profile.ID)
	s.mu.Unlock()
	future.resolve(inst, err)

	if err != nil {
		metrics.SpawnsTotal.WithLabelValues("error").Inc()
		// Errors past the lock (model resolution, spawn, session
		// creation) leave an error-status record behind so listings
		// surface the failure; the fast path skips error instances,
		// so a later Acquire retries cleanly.
		if kind, ok := orcherr.KindOf(err); !ok || kind != orcherr.LockTimeout {
			s.cfg.Memory.Register(types.Instance{
				Profile:      profile,
				Status:       types.StatusError,
				Error:        err.Error(),
				StartedAt:    time.Now(),
				LastActivity: time.Now(),
			})
		}
	} else {
		metrics.SpawnsTotal.WithLabelValues("spawned").Inc()
		metrics.SpawnDuration.Observe(timer.Duration().Seconds())
		s.trackOwnership(opts, profile.ID)
	}
	return inst, err
}

// trackOwnership records the acquiring host session as the worker's
// owner. The registry keeps only the first session that acquires a
// worker, so a reused worker is never stolen by a later session.
func (s *Spawner) trackOwnership(opts AcquireOptions, workerID string) {
	if opts.HostSessionID != "" {
		s.cfg.Memory.TrackOwnership(opts.HostSessionID, workerID)
	}
}

func (s *Spawner) doAcquire(ctx context.Context, profile types.Profile, opts AcquireOptions) (*types.Instance, error) {
	// Cross-process reuse attempt before taking the lock.
	if inst, err := s.tryReuseExistingWorker(ctx, profile); err != nil {
		s.logger.Debug().Err(err).Str("profile_id", profile.ID).Msg("pre-lock reuse probe found nothing usable")
	} else if inst != nil {
		s.cfg.Memory.Register(*inst)
		return inst, nil
	}

	// The profile lock encloses both the post-lock reuse attempt and
	// the spawn itself; that pairing keeps the machine-wide
	// one-worker-per-profile invariant.
	var result *types.Instance
	lockTimer := metrics.NewTimer()
	err := lock.WithProfileLock(ctx, s.cfg.Locker, profile.ID, s.cfg.LockTimeout, func(ctx context.Context) error {
		metrics.ProfileLockWaitDuration.Observe(lockTimer.Duration().Seconds())

		// Another orchestrator may have spawned while we waited.
		if inst, err := s.tryReuseExistingWorker(ctx, profile); err == nil && inst != nil {
			result = inst
			return nil
		}

		inst, err := s.spawnFresh(ctx, profile, opts)
		if err != nil {
			return err
		}
		result = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cfg.Memory.Register(*result)
	return result, nil
}

// tryReuseExistingWorker probes device-registry worker entries for
// profile.ID that are ready or busy with a live pid, most recently
// updated first. On success it reconstructs an Instance bound to an
// existing or new session; on probe failure it removes the stale
// entry.
func (s *Spawner) tryReuseExistingWorker(ctx context.Context, profile types.Profile) (*types.Instance, error) {
	entries, err := s.cfg.Device.List()
	if err != nil {
		return nil, err
	}

	candidates := registry.WorkersByProfile(entries, profile.ID)
	for _, e := range candidates {
		if e.Status != types.StatusReady && e.Status != types.StatusBusy {
			continue
		}
		if !procutil.PidAlive(e.PID) {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, reuseProbeTimeout)
		wc := newWorkerClient(e.URL, reuseProbeTimeout)
		sessions, err := wc.ListSessions(probeCtx)
		cancel()
		if err != nil {
			_ = s.cfg.Device.RemoveWorkerByPID(e.PID)
			continue
		}

		sessionID := e.SessionID
		found := false
		for _, sess := range sessions {
			if sess.ID == sessionID {
				found = true
				break
			}
		}
		if !found {
			if len(sessions) > 0 {
				sessionID = sessions[0].ID
			} else {
				createCtx, cancel := context.WithTimeout(ctx, reuseProbeTimeout)
				sess, err := wc.CreateSession(createCtx, profile.Name)
				cancel()
				if err != nil {
					continue
				}
				sessionID = sess.ID
			}
		}

		if sessionID != e.SessionID {
			e.SessionID = sessionID
			_ = s.cfg.Device.UpsertWorker(e)
		}

		inst := &types.Instance{
			Profile:      profile,
			Status:       types.StatusReady,
			Port:         e.Port,
			PID:          e.PID,
			BaseURL:      e.URL,
			SessionID:    sessionID,
			StartedAt:    e.StartedAt,
			LastActivity: time.Now(),
			Labels:       profile.Labels,
			ModelResolution: &types.ModelResolution{
				Requested: profile.Model,
				Resolved:  profile.Model,
				Reason:    "reused existing worker",
			},
		}
		return inst, nil
	}
	return nil, nil
}

// spawnFresh resolves the model, launches the subprocess, awaits
// readiness, preflights the provider, creates a session, seeds
// instructions, and publishes the result. Must be called with the
// profile lock held.
func (s *Spawner) spawnFresh(ctx context.Context, profile types.Profile, opts AcquireOptions) (*types.Instance, error) {
	resolution, err := s.resolveModel(profile, opts.Assistant)
	if err != nil {
		return nil, err
	}

	port := profile.Port
	env := s.buildEnv(profile, resolution, port)

	var readyURL string
	var readyMu sync.Mutex
	readyCh := make(chan struct{})
	var once sync.Once
	proc := procutil.New(s.cfg.OpencodeBinary, s.opencodeArgs(port), env, opts.Dir, func(stream, line string) {
		if url, ok := parseReadinessLine(line); ok {
			readyMu.Lock()
			readyURL = url
			readyMu.Unlock()
			once.Do(func() { close(readyCh) })
		}
	})

	spawnCtx, cancel := context.WithTimeout(ctx, opts.SpawnTimeout)
	defer cancel()

	// The subprocess outlives this call, so it is not bound to spawnCtx
	// (which only bounds the readiness wait below).
	if err := proc.Start(context.Background()); err != nil {
		return nil, orcherr.New(orcherr.SpawnExit, "spawnFresh", profile.ID, err)
	}

	select {
	case <-readyCh:
	case <-proc.Exited():
		return nil, orcherr.New(orcherr.SpawnExit, "spawnFresh", profile.ID, fmt.Errorf("process exited before readiness"))
	case <-spawnCtx.Done():
		_ = proc.Stop(gracefulStopTimeout)
		return nil, orcherr.New(orcherr.SpawnTimeout, "spawnFresh", profile.ID, spawnCtx.Err())
	}

	readyMu.Lock()
	url := readyURL
	readyMu.Unlock()

	wc := newWorkerClient(url, defaultSendTimeout)

	// Preflight the provider catalog; warn, never fail.
	var warning string
	if providers, err := wc.Providers(ctx); err == nil {
		warning = preflightWarning(resolution.Resolved, providers)
	}

	sess, err := wc.CreateSession(ctx, profile.Name)
	if err != nil {
		_ = proc.Stop(gracefulStopTimeout)
		return nil, orcherr.New(orcherr.SessionCreate, "spawnFresh", profile.ID, err)
	}

	systemMsg := profile.SystemPrompt + "\n\n" + bridgeInstructions
	if err := wc.SendSystem(ctx, sess.ID, systemMsg); err != nil {
		s.logger.Warn().Err(err).Str("profile_id", profile.ID).Msg("failed to seed system instructions")
	}

	pid := proc.PID()
	s.mu.Lock()
	s.subprocesses[profile.ID] = proc
	s.mu.Unlock()

	restartCount := 1
	if prev, ok := s.cfg.Memory.GetWorker(profile.ID); ok {
		restartCount = prev.RestartCount + 1
	}

	inst := &types.Instance{
		Profile:         profile,
		Status:          types.StatusReady,
		Port:            extractPort(url),
		PID:             pid,
		BaseURL:         url,
		SessionID:       sess.ID,
		StartedAt:       time.Now(),
		LastActivity:    time.Now(),
		Warning:         warning,
		Labels:          profile.Labels,
		ModelResolution: &resolution,
		RestartCount:    restartCount,
	}

	if err := s.cfg.Device.UpsertWorker(types.DeviceEntry{
		OrchestratorInstanceID: s.cfg.OrchestratorInstanceID,
		WorkerID:               profile.ID,
		PID:                    pid,
		URL:                    url,
		Port:                   inst.Port,
		SessionID:              sess.ID,
		Status:                 types.StatusReady,
		StartedAt:              inst.StartedAt,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to upsert device registry entry")
	}

	workerLog := log.With("worker_id", profile.ID)
	workerLog.Info().Int("pid", pid).Str("url", url).Msg("worker ready")
	return inst, nil
}

// bridgeInstructions is appended to every worker's seeded system
// message.
const bridgeInstructions = "At the end of every turn, call the bridge's message_tool with kind \"report\". " +
	"To message another worker, call message_tool with kind \"message\"."

func (s *Spawner) resolveModel(profile types.Profile, assistant assistantclient.Client) (types.ModelResolution, error) {
	if !types.IsSymbolicTag(profile.Model) {
		if !strings.Contains(profile.Model, "/") {
			return types.ModelResolution{}, orcherr.New(orcherr.ModelInvalid, "resolveModel", profile.ID, nil)
		}
		return types.ModelResolution{Requested: profile.Model, Resolved: profile.Model, Reason: "concrete model"}, nil
	}

	if assistant == nil {
		return types.ModelResolution{}, orcherr.New(orcherr.ModelUnresolvable, "resolveModel", profile.ID, fmt.Errorf("no assistant client available for symbolic tag %q", profile.Model))
	}

	runtimeCfg, err := assistant.GetConfig()
	if err != nil {
		return types.ModelResolution{}, orcherr.New(orcherr.ModelUnresolvable, "resolveModel", profile.ID, err)
	}
	providers, err := assistant.ListProviders()
	if err != nil {
		return types.ModelResolution{}, orcherr.New(orcherr.ModelUnresolvable, "resolveModel", profile.ID, err)
	}

	resolution, err := modelresolve.Resolve(profile.Model, modelresolve.Options{
		Providers:      providers,
		SmallModel:     runtimeCfg.SmallModel,
		DefaultModel:   runtimeCfg.DefaultModel,
		RequiresVision: profile.RequiresVision(),
		RequiresWeb:    profile.SupportsWeb,
	})
	if err != nil {
		return types.ModelResolution{}, err
	}
	return resolution, nil
}

func (s *Spawner) opencodeArgs(port int) []string {
	return []string{"serve", "--hostname=127.0.0.1", fmt.Sprintf("--port=%d", port)}
}

// buildEnv constructs the worker subprocess's environment: a flag
// marking it as a worker, the bridge URL and token, the orchestrator
// instance id, the worker id, and a serialized plugin configuration
// document naming the resolved model and the worker-bridge plugin.
func (s *Spawner) buildEnv(profile types.Profile, resolution types.ModelResolution, port int) []string {
	pluginConfig := map[string]any{
		"model":   resolution.Resolved,
		"plugins": []string{"opencode-orchestrator-bridge"},
	}
	if profile.Tools != nil {
		pluginConfig["tools"] = profile.Tools
	}
	if profile.Temperature != nil {
		pluginConfig["temperature"] = *profile.Temperature
	}
	configJSON, _ := json.Marshal(pluginConfig)

	env := append(os.Environ(),
		"OPENCODE_ORCHESTRATOR_WORKER=1",
		"OPENCODE_BRIDGE_URL="+s.cfg.BridgeURL,
		"OPENCODE_BRIDGE_TOKEN="+s.cfg.BridgeToken,
		"OPENCODE_ORCHESTRATOR_INSTANCE_ID="+s.cfg.OrchestratorInstanceID,
		"OPENCODE_WORKER_ID="+profile.ID,
		"OPENCODE_CONFIG="+string(configJSON),
	)
	return env
}

// preflightWarning reports (never fails) when the selected provider
// is api-sourced without credentials, or the concrete model key isn't
// enumerated by the provider.
func preflightWarning(resolved string, providers []providerInfo) string {
	providerID, modelID, ok := strings.Cut(resolved, "/")
	if !ok {
		return ""
	}
	for _, p := range providers {
		if p.ID != providerID {
			continue
		}
		if _, ok := p.Models[modelID]; !ok {
			return fmt.Sprintf("model %q is not enumerated by provider %q", modelID, providerID)
		}
		if p.Source == "api" {
			return fmt.Sprintf("provider %q is api-sourced; verify credentials are configured", providerID)
		}
		return ""
	}
	return fmt.Sprintf("provider %q not found in worker's own catalog", providerID)
}

func extractPort(url string) int {
	idx := strings.LastIndex(url, ":")
	if idx < 0 {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimRight(url[idx+1:], "/"))
	return n
}

// Send submits text to workerID's session and returns the response
// text.
func (s *Spawner) Send(ctx context.Context, workerID, text string, opts SendOptions) (string, error) {
	if opts.Timeout == 0 {
		opts.Timeout = defaultSendTimeout
	}

	if s.cfg.Telemetry != nil {
		sctx, span := s.cfg.Telemetry.StartSpan(ctx, telemetry.SpanSpawnerSend, telemetry.AttrWorkerID, workerID)
		ctx = sctx
		defer span.End()
	}

	inst, ok := s.cfg.Memory.GetWorker(workerID)
	if !ok {
		return "", orcherr.New(orcherr.WorkerNotFound, "send", workerID, nil)
	}
	if inst.Status != types.StatusReady {
		return "", orcherr.New(orcherr.WorkerNotReady, "send", workerID, nil)
	}

	preview := text
	if len(preview) > 80 {
		preview = preview[:80]
	}
	s.cfg.Memory.Mutate(workerID, func(i *types.Instance) {
		i.Status = types.StatusBusy
		i.CurrentTask = preview
		i.LastActivity = time.Now()
	})

	parts := []part{textPart(text)}
	for _, a := range opts.Attachments {
		parts = append(parts, attachmentPart(a))
	}
	if opts.JobID != "" {
		parts = append(parts, textPart(fmt.Sprintf("(async job %s: include this id verbatim in your final report)", opts.JobID)))
	}

	sendCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	wc := newWorkerClient(inst.BaseURL, opts.Timeout)
	resp, err := wc.SendPrompt(sendCtx, inst.SessionID, parts)
	if err != nil {
		// Send-path errors keep the worker ready, never poison it.
		s.cfg.Memory.UpdateStatus(workerID, types.StatusReady, "")
		return "", fmt.Errorf("send to worker %q: %w", workerID, err)
	}

	responseText := extractText(resp)
	if responseText == "" {
		s.cfg.Memory.UpdateStatus(workerID, types.StatusReady, "")
		return "", orcherr.New(orcherr.WorkerEmpty, "send", workerID, nil)
	}

	duration := time.Since(start)
	s.cfg.Memory.Mutate(workerID, func(i *types.Instance) {
		i.Status = types.StatusReady
		i.CurrentTask = ""
		i.LastActivity = time.Now()
		i.LastResult = &types.LastResult{
			ResponseText: responseText,
			Duration:     duration,
			FinishedAt:   time.Now(),
		}
	})

	if updated, ok := s.cfg.Memory.GetWorker(workerID); ok {
		_ = s.cfg.Device.UpsertWorker(types.DeviceEntry{
			OrchestratorInstanceID: s.cfg.OrchestratorInstanceID,
			WorkerID:               workerID,
			PID:                    updated.PID,
			URL:                    updated.BaseURL,
			Port:                   updated.Port,
			SessionID:              updated.SessionID,
			Status:                 types.StatusReady,
			StartedAt:              updated.StartedAt,
		})
	}

	return responseText, nil
}

// Stop tears down workerID's subprocess and removes it from both
// registries. Returns false if the worker is unknown.
func (s *Spawner) Stop(workerID string) bool {
	inst, ok := s.cfg.Memory.GetWorker(workerID)
	if !ok {
		return false
	}

	s.mu.Lock()
	proc, owned := s.subprocesses[workerID]
	delete(s.subprocesses, workerID)
	s.mu.Unlock()

	if owned && proc != nil {
		_ = proc.Stop(gracefulStopTimeout)
	}

	s.cfg.Memory.Unregister(workerID)
	_ = s.cfg.Device.UpsertWorker(types.DeviceEntry{
		OrchestratorInstanceID: s.cfg.OrchestratorInstanceID,
		WorkerID:               workerID,
		PID:                    inst.PID,
		Status:                 types.StatusStopped,
		StartedAt:              inst.StartedAt,
	})
	if inst.PID != 0 {
		_ = s.cfg.Device.RemoveWorkerByPID(inst.PID)
	}
	return true
}

// RegisterHostSession records a host-assistant session in the device
// registry so cooperating orchestrator processes can see which
// sessions are active on the machine.
func (s *Spawner) RegisterHostSession(sessionID, dir, title string) {
	if err := s.cfg.Device.UpsertSession(types.DeviceEntry{
		HostPID:   os.Getpid(),
		SessionID: sessionID,
		Directory: dir,
		Title:     title,
		StartedAt: time.Now(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to upsert session entry")
	}
}

// DisposeSession stops exactly the workers owned by sessionID, clears
// its ownership set, and removes its device-registry session entry.
// Workers acquired by the session but first owned elsewhere — reused
// workers that predated it — are untouched. Returns the ids stopped.
func (s *Spawner) DisposeSession(sessionID string) []string {
	owned := s.cfg.Memory.GetWorkersForSession(sessionID)
	for _, workerID := range owned {
		s.Stop(workerID)
	}
	s.cfg.Memory.ClearSessionOwnership(sessionID)
	_ = s.cfg.Device.RemoveSession(sessionID, os.Getpid())
	return owned
}

// SpawnManyResult partitions the outcome of a SpawnMany call.
type SpawnManyResult struct {
	Succeeded []*types.Instance
	Failed    map[string]error // profile id -> error
}

// SpawnMany acquires a batch of profiles: sequential by default to
// bound resource use, parallel only when requested.
func (s *Spawner) SpawnMany(ctx context.Context, profiles []types.Profile, opts AcquireOptions, parallel bool) SpawnManyResult {
	result := SpawnManyResult{Failed: make(map[string]error)}

	if !parallel {
		for _, p := range profiles {
			inst, err := s.Acquire(ctx, p, opts)
			if err != nil {
				result.Failed[p.ID] = err
				continue
			}
			result.Succeeded = append(result.Succeeded, inst)
		}
		return result
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range profiles {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := s.Acquire(ctx, p, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[p.ID] = err
				return
			}
			result.Succeeded = append(result.Succeeded, inst)
		}()
	}
	wg.Wait()
	return result
}
