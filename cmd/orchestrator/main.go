package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opencode-fleet/orchestrator/pkg/assistantclient"
	"github.com/opencode-fleet/orchestrator/pkg/bridge"
	"github.com/opencode-fleet/orchestrator/pkg/config"
	"github.com/opencode-fleet/orchestrator/pkg/jobs"
	"github.com/opencode-fleet/orchestrator/pkg/lock"
	"github.com/opencode-fleet/orchestrator/pkg/log"
	"github.com/opencode-fleet/orchestrator/pkg/messagebus"
	"github.com/opencode-fleet/orchestrator/pkg/registry"
	"github.com/opencode-fleet/orchestrator/pkg/spawner"
	"github.com/opencode-fleet/orchestrator/pkg/telemetry"
	"github.com/opencode-fleet/orchestrator/pkg/types"
	"github.com/opencode-fleet/orchestrator/pkg/workflow"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "orchestrator - manages a fleet of opencode-serve worker subprocesses",
	Long: `orchestrator spawns and supervises a fleet of "opencode serve" worker
subprocesses on behalf of a host assistant runtime: it dispatches tasks,
multiplexes asynchronous jobs, forwards inter-worker messages, and
persists cross-process fleet state so that multiple orchestrator
instances on the same host cooperate rather than duplicate work.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"orchestrator version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("project", ".", "Project directory to resolve config/workflows against")
	rootCmd.PersistentFlags().Bool("trace-stdout", false, "Emit OpenTelemetry spans to stdout (dev only)")

	workflowCmd.AddCommand(workflowRunCmd)
	rootCmd.AddCommand(serveCmd, workersCmd, jobsCmd, spawnCmd, sendCmd, stopCmd, psCmd, workflowCmd)
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: logLevel, JSONOutput: logJSON})
}

// serveCmd starts the orchestrator's bridge server and holds the
// process open until interrupted. Tool invocations are expected to
// come from an embedding host assistant runtime through the package
// APIs directly; this command exists to run the bridge and any
// configured auto-spawn set standalone.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator's bridge server and auto-spawn configured workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, _ := rootCmd.PersistentFlags().GetString("project")
		traceStdout, _ := rootCmd.PersistentFlags().GetBool("trace-stdout")

		doc, err := config.Resolve(projectDir)
		if err != nil {
			return fmt.Errorf("resolve config: %w", err)
		}

		telemetryProvider, err := telemetry.NewProvider(telemetry.Config{
			Enabled:     traceStdout,
			StdoutTrace: traceStdout,
			ServiceName: "orchestrator",
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = telemetryProvider.Shutdown(shutdownCtx)
		}()

		devicePath, err := registry.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolve device registry path: %w", err)
		}
		device := registry.NewDevice(devicePath)
		device.OnPruneSlow(func(d time.Duration) {
			log.WithComponent("device_registry").Warn().Dur("duration", d).Msg("prune exceeded latency budget")
		})

		lockDir, err := lock.DefaultDir()
		if err != nil {
			return fmt.Errorf("resolve lock dir: %w", err)
		}
		locker := lock.New(lockDir)

		memory := registry.NewMemory()
		jobRegistry := jobs.New()
		bus := messagebus.New()

		token, err := randomToken()
		if err != nil {
			return fmt.Errorf("generate bridge token: %w", err)
		}

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("listen bridge port: %w", err)
		}
		bridgeURL := fmt.Sprintf("http://%s", ln.Addr().String())

		bridgeSrv := bridge.New(token, memory, jobRegistry, bus)
		bridgeErrCh := make(chan error, 1)
		go func() {
			if err := bridgeSrv.ServeListener(ln); err != nil {
				bridgeErrCh <- err
			}
		}()

		instanceID := uuid.NewString()
		sp := spawner.New(spawner.Config{
			Memory:                 memory,
			Device:                 device,
			Locker:                 locker,
			Telemetry:              telemetryProvider,
			OrchestratorInstanceID: instanceID,
			BridgeURL:              bridgeURL,
			BridgeToken:            token,
		})

		catalog := doc.Catalog()
		profileLookup := func(id string) (types.Profile, bool) {
			p, ok := catalog[id]
			return p, ok
		}

		workflows, loadErrs := workflow.LoadDir(workflow.WorkflowsDir(projectDir))
		for _, e := range loadErrs {
			fmt.Fprintf(os.Stderr, "warning: workflow load: %v\n", e)
		}

		wfRunner := workflow.New(workflow.Config{
			Sender:    sp,
			Profiles:  profileLookup,
			Assistant: runtimeAssistant(doc),
			DefaultCaps: workflow.Caps{
				MaxSteps:         20,
				MaxTaskChars:     20000,
				MaxCarryChars:    20000,
				PerStepTimeoutMs: 600000,
			},
		})

		bridgeSrv.RegisterAdmin(bridge.AdminDeps{
			Spawner:  sp,
			Profiles: profileLookup,
			Workflows: func(id string) (workflow.Workflow, bool) {
				wf, ok := workflows[id]
				return wf, ok
			},
			Runner: wfRunner,
		})

		if err := writeRuntimeFile(runtimeInfo{URL: bridgeURL, Token: token}); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not write runtime discovery file: %v\n", err)
		}
		defer removeRuntimeFile()

		fmt.Printf("orchestrator instance %s\n", instanceID)
		fmt.Printf("bridge listening on %s\n", bridgeURL)

		autoSpawn, unresolved := doc.AutoSpawnProfiles()
		for _, id := range unresolved {
			fmt.Fprintf(os.Stderr, "warning: worker %q has no matching profile definition, skipping auto-spawn\n", id)
		}
		if len(autoSpawn) > 0 && boolOr(doc.AutoSpawn, true) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			result := sp.SpawnMany(ctx, autoSpawn, spawner.AcquireOptions{Dir: projectDir}, false)
			cancel()
			for _, inst := range result.Succeeded {
				fmt.Printf("spawned worker %q (pid %d, %s)\n", inst.Profile.ID, inst.PID, inst.BaseURL)
			}
			for id, spawnErr := range result.Failed {
				fmt.Fprintf(os.Stderr, "failed to spawn worker %q: %v\n", id, spawnErr)
			}
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nshutting down...")
		case err := <-bridgeErrCh:
			fmt.Fprintf(os.Stderr, "bridge server error: %v\n", err)
		}

		for _, inst := range memory.GetActiveWorkers() {
			sp.Stop(inst.Profile.ID)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bridgeSrv.Shutdown(shutdownCtx)
		_ = device.PruneDead()

		fmt.Println("shutdown complete")
		return nil
	},
}

// workersCmd is a thin, read-only introspection command over the
// device registry, for operator debugging. jobsCmd reads nothing: jobs
// are process-local, so jobs list only prints a notice saying so.
var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect the machine-wide device registry",
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known worker and session entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		path, err := registry.DefaultPath()
		if err != nil {
			return err
		}
		device := registry.NewDevice(path)
		entries, err := device.List()
		if err != nil {
			return fmt.Errorf("list device registry: %w", err)
		}
		return printEntries(entries, format)
	},
}

func init() {
	workersListCmd.Flags().String("format", "markdown", "Output format: markdown or json")
	workersCmd.AddCommand(workersListCmd)
}

func printEntries(entries []types.DeviceEntry, format string) error {
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Println("no entries")
		return nil
	}
	fmt.Println("| kind | worker/session | pid | status | updated |")
	fmt.Println("|---|---|---|---|---|")
	for _, e := range entries {
		id := e.WorkerID
		pid := e.PID
		if e.Kind == types.EntryKindSession {
			id = e.SessionID
			pid = e.HostPID
		}
		fmt.Printf("| %s | %s | %d | %s | %s |\n", e.Kind, id, pid, e.Status, e.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect this process's in-memory job registry (diagnostic only; jobs are never persisted)",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print a notice that jobs are process-local and cannot be listed from this CLI",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("jobs are process-local and never persisted; run this against a live orchestrator's own tool surface instead of the CLI.")
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsListCmd)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// runtimeAssistant resolves an assistantclient.Client from the loaded
// config. The orchestrator binary has no live assistant runtime to
// attach to by itself (that connection is owned by the embedding host
// process); a standalone `serve` run therefore only resolves
// symbolic-tag profiles once a host supplies one through the package
// API, never through this CLI.
func runtimeAssistant(doc config.Document) assistantclient.Client {
	return nil
}

// runtimeInfo records where a running `serve` process's admin surface
// lives, so the operator subcommands (spawn, send, stop, ps, workflow
// run) below can find it without a shared in-memory process. It is
// intentionally loopback-only information (bearer token included) and
// lives next to the device registry.
type runtimeInfo struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

func runtimeFilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "opencode", "orchestrator-admin.json"), nil
}

func writeRuntimeFile(info runtimeInfo) error {
	path, err := runtimeFilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func removeRuntimeFile() {
	path, err := runtimeFilePath()
	if err != nil {
		return
	}
	_ = os.Remove(path)
}

func readRuntimeFile() (runtimeInfo, error) {
	path, err := runtimeFilePath()
	if err != nil {
		return runtimeInfo{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return runtimeInfo{}, fmt.Errorf("no running orchestrator found (%w); start one with `orchestrator serve`", err)
	}
	var info runtimeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return runtimeInfo{}, err
	}
	return info, nil
}

// adminCall POSTs (or GETs, when body is nil) path against the running
// orchestrator's admin surface and decodes the JSON response into out.
func adminCall(method, path string, body any, out any) error {
	info, err := readRuntimeFile()
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, info.URL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+info.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("admin request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("admin request to %s returned %s: %s", path, resp.Status, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

var spawnCmd = &cobra.Command{
	Use:   "spawn <profileId>",
	Short: "Acquire (spawn or reuse) a worker for the given profile against a running orchestrator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, _ := rootCmd.PersistentFlags().GetString("project")
		var inst types.Instance
		if err := adminCall(http.MethodPost, "/admin/spawn", map[string]string{
			"profileId": args[0],
			"dir":       projectDir,
		}, &inst); err != nil {
			return err
		}
		fmt.Printf("worker %q ready (pid %d, %s)\n", inst.Profile.ID, inst.PID, inst.BaseURL)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <workerId> <text>",
	Short: "Send a prompt to an already-running worker and print its response",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]string
		if err := adminCall(http.MethodPost, "/admin/send", map[string]string{
			"workerId": args[0],
			"text":     args[1],
		}, &result); err != nil {
			return err
		}
		fmt.Println(result["response"])
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <workerId>",
	Short: "Stop a running worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]bool
		if err := adminCall(http.MethodPost, "/admin/stop", map[string]string{
			"workerId": args[0],
		}, &result); err != nil {
			return err
		}
		if !result["stopped"] {
			fmt.Println("no such worker")
			return nil
		}
		fmt.Println("stopped")
		return nil
	},
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List active workers on a running orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		var result struct {
			Workers []types.Instance `json:"workers"`
		}
		if err := adminCall(http.MethodGet, "/admin/ps", nil, &result); err != nil {
			return err
		}
		if format == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result.Workers)
		}
		if len(result.Workers) == 0 {
			fmt.Println("no active workers")
			return nil
		}
		fmt.Println("| profile | pid | status | port | restarts |")
		fmt.Println("|---|---|---|---|---|")
		for _, inst := range result.Workers {
			fmt.Printf("| %s | %d | %s | %d | %d |\n", inst.Profile.ID, inst.PID, inst.Status, inst.Port, inst.RestartCount)
		}
		return nil
	},
}

func init() {
	psCmd.Flags().String("format", "markdown", "Output format: markdown or json")
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Run and inspect workflows against a running orchestrator",
}

var workflowRunCmd = &cobra.Command{
	Use:   "run <workflowId> <task>",
	Short: "Run a workflow against a running orchestrator and print each step's outcome",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result workflow.Result
		if err := adminCall(http.MethodPost, "/admin/workflow/run", map[string]string{
			"workflowId": args[0],
			"task":       args[1],
		}, &result); err != nil {
			return err
		}
		for _, step := range result.Steps {
			status := "ok"
			if !step.Success {
				status = "FAILED: " + step.Error
			}
			fmt.Printf("[%s] %s -> %s\n", step.StepID, step.WorkerID, status)
			if step.Response != "" {
				fmt.Println(step.Response)
			}
		}
		return nil
	},
}
