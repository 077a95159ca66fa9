package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-fleet/orchestrator/pkg/assistantclient"
	"github.com/opencode-fleet/orchestrator/pkg/log"
	"github.com/opencode-fleet/orchestrator/pkg/orcherr"
	"github.com/opencode-fleet/orchestrator/pkg/spawner"
	"github.com/opencode-fleet/orchestrator/pkg/types"
)

// Sender is the narrow seam the Runner needs from the Spawner: acquire
// a worker (subject to autoSpawn) and send it a prompt.
type Sender interface {
	Acquire(ctx context.Context, profile types.Profile, opts spawner.AcquireOptions) (*types.Instance, error)
	Send(ctx context.Context, workerID, text string, opts spawner.SendOptions) (string, error)
}

// ProfileLookup resolves a step's workerId to the Profile that should
// be acquired for it, used only when a run's AutoSpawn cap is set.
type ProfileLookup func(workerID string) (types.Profile, bool)

// Config wires the Runner to its collaborators.
type Config struct {
	Sender      Sender
	Profiles    ProfileLookup
	Assistant   assistantclient.Client
	DefaultCaps Caps // configuration-level ceiling every run is clamped to
}

// Runner executes Workflows.
type Runner struct {
	cfg    Config
	logger zerolog.Logger
}

// New constructs a Runner.
func New(cfg Config) *Runner {
	return &Runner{cfg: cfg, logger: log.WithComponent("workflow")}
}

// Run executes wf against task, applying attachments to the first step
// only.
func (r *Runner) Run(ctx context.Context, wf Workflow, task string, attachments []spawner.Attachment, requested Caps) (Result, error) {
	caps := requested.Clamp(r.cfg.DefaultCaps)

	if caps.MaxTaskChars > 0 && len(task) > caps.MaxTaskChars {
		return Result{}, orcherr.New(orcherr.WorkflowCapExceeded, "run", wf.ID, fmt.Errorf("task length %d exceeds maxTaskChars %d", len(task), caps.MaxTaskChars))
	}
	if caps.MaxSteps > 0 && len(wf.Steps) > caps.MaxSteps {
		return Result{}, orcherr.New(orcherr.WorkflowCapExceeded, "run", wf.ID, fmt.Errorf("step count %d exceeds maxSteps %d", len(wf.Steps), caps.MaxSteps))
	}

	result := Result{WorkflowID: wf.ID, StartedAt: time.Now()}
	var carry string

	for i, step := range wf.Steps {
		var stepAttachments []spawner.Attachment
		if i == 0 {
			stepAttachments = attachments
		}

		sr := r.runStep(ctx, step, task, carry, stepAttachments, caps)
		result.Steps = append(result.Steps, sr)

		if !sr.Success {
			break
		}
		if step.Carry {
			carry = appendCarry(carry, step.Title, sr.Response, caps.MaxCarryChars)
		}
	}

	result.Carry = carry
	result.FinishedAt = time.Now()
	return result, nil
}

func (r *Runner) runStep(ctx context.Context, step Step, task, carry string, attachments []spawner.Attachment, caps Caps) StepResult {
	sr := StepResult{StepID: step.ID, Title: step.Title, WorkerID: step.WorkerID, StartedAt: time.Now()}

	stepCtx := ctx
	var cancel context.CancelFunc
	if caps.PerStepTimeoutMs > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(caps.PerStepTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	if caps.AutoSpawn {
		if r.cfg.Profiles == nil {
			sr.Error = "autoSpawn requested but no profile lookup configured"
			sr.FinishedAt = time.Now()
			sr.Duration = sr.FinishedAt.Sub(sr.StartedAt)
			return sr
		}
		profile, ok := r.cfg.Profiles(step.WorkerID)
		if !ok {
			sr.Error = fmt.Sprintf("unknown worker profile %q", step.WorkerID)
			sr.FinishedAt = time.Now()
			sr.Duration = sr.FinishedAt.Sub(sr.StartedAt)
			return sr
		}
		if _, err := r.cfg.Sender.Acquire(stepCtx, profile, spawner.AcquireOptions{Assistant: r.cfg.Assistant}); err != nil {
			sr.Error = err.Error()
			sr.FinishedAt = time.Now()
			sr.Duration = sr.FinishedAt.Sub(sr.StartedAt)
			return sr
		}
	}

	prompt := substitute(step.Template, task, carry)
	response, err := r.cfg.Sender.Send(stepCtx, step.WorkerID, prompt, spawner.SendOptions{Attachments: attachments})
	sr.FinishedAt = time.Now()
	sr.Duration = sr.FinishedAt.Sub(sr.StartedAt)
	if err != nil {
		sr.Error = err.Error()
		r.logger.Warn().Err(err).Str("workflow_step", step.ID).Str("worker_id", step.WorkerID).Msg("workflow step failed")
		return sr
	}

	sr.Success = true
	sr.Response = response
	return sr
}

// substitute replaces the {task} and {carry} placeholders in template.
func substitute(template, task, carry string) string {
	r := strings.NewReplacer("{task}", task, "{carry}", carry)
	return r.Replace(template)
}

// appendCarry appends "### {title}\n{response}" to carry, trimming
// from the front to fit maxChars (0 = unlimited).
func appendCarry(carry, title, response string, maxChars int) string {
	block := fmt.Sprintf("### %s\n%s", title, response)
	next := carry
	if next != "" {
		next += "\n\n"
	}
	next += block

	if maxChars > 0 && len(next) > maxChars {
		next = next[len(next)-maxChars:]
	}
	return next
}
