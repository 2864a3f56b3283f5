package orchestrate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stepwise-dev/stepwise/internal/logger"
	"github.com/stepwise-dev/stepwise/pkg/decompose"
	"github.com/stepwise-dev/stepwise/pkg/llm"
	"github.com/stepwise-dev/stepwise/pkg/planfile"
	"github.com/stepwise-dev/stepwise/pkg/skills"
)

// resultStoreLen bounds the step result stored for synthesis output.
const resultStoreLen = 200

// Options configures an orchestrator.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	StepTimeout time.Duration
	UserGroups  []string
	Retry       llm.RetryPolicy
	Inference   InferenceOptions
}

// MemorySource supplies the memory section of the decomposer context
// and records completed requests for future recall.
type MemorySource interface {
	MemorySection(ctx context.Context, query string) string
	Remember(ctx context.Context, query, outcome string) error
}

// Stable executes plans with minimal LLM involvement. The system prompt
// it sends is byte-identical across all iterations of one request: plan
// state lives in the plan file and only a path/id line is referenced.
type Stable struct {
	decomposer *decompose.Decomposer
	registry   *skills.Registry
	executor   *skills.Executor
	store      *planfile.Store
	provider   llm.Provider
	memory     MemorySource
	opts       Options
}

// NewStable creates a stable-prompt orchestrator with explicit
// dependencies.
func NewStable(decomposer *decompose.Decomposer, registry *skills.Registry, executor *skills.Executor, store *planfile.Store, provider llm.Provider, opts Options) *Stable {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = skills.DefaultTimeout
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 4096
	}
	if opts.Model == "" {
		models := provider.Models()
		if len(models) > 0 {
			opts.Model = models[0]
		}
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialDelay == 0 {
		opts.Retry = llm.DefaultRetryPolicy()
	}
	return &Stable{
		decomposer: decomposer,
		registry:   registry,
		executor:   executor,
		store:      store,
		provider:   provider,
		opts:       opts,
	}
}

// WithMemory attaches a recall source. Optional.
func (o *Stable) WithMemory(memory MemorySource) *Stable {
	o.memory = memory
	return o
}

// Run decomposes the query and executes every step in order. Step
// failures are recorded as data and execution continues; only fatal
// conditions abort the request.
func (o *Stable) Run(ctx context.Context, userQuery string) (*RunResult, error) {
	log := logger.GetLogger()
	start := time.Now()

	memorySection := ""
	if o.memory != nil {
		memorySection = o.memory.MemorySection(ctx, userQuery)
	}

	decomposition, planID, retries, err := o.decomposer.Decompose(ctx, userQuery, memorySection, "")
	if err != nil {
		return nil, err
	}

	result := &RunResult{
		PlanID:    planID,
		StepCount: len(decomposition.Steps),
		LLMCalls:  1,
		Retries:   retries,
	}

	// The synthesis prompt prefix stays constant for the whole request:
	// the decomposer prompt plus a plan file reference. Step state is
	// read from the file, never injected here.
	synthesisPrompt := o.decomposer.SystemPrompt(memorySection, "") +
		"\nplan file: " + o.store.Path() + ", plan id: " + planID + "\n" +
		"To check plan status, read the plan file. Plan state is updated out of band.\n"

	var finalResponse string
	var sawFinalResponse bool
	var summaries []string

	for _, step := range decomposition.Steps {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}

		log.Info().
			Str("step_nr", strconv.Itoa(step.StepNr)).
			Str("skill", step.SkillName).
			Msg("Executing plan step")

		switch step.SkillName {
		case skills.ReservedFinalResponse, skills.ReservedChitchat:
			if err := o.store.UpdateStepStatus(planID, step.StepNr, planfile.StatusInProgress); err != nil {
				return nil, err
			}

			req := &llm.CompletionRequest{
				Model:       o.opts.Model,
				System:      synthesisPrompt,
				Messages:    []llm.Message{llm.UserMessage(step.SubQuery)},
				MaxTokens:   o.opts.MaxTokens,
				Temperature: o.opts.Temperature,
			}
			resp, stepRetries, err := o.opts.Retry.Complete(ctx, o.provider, req)
			result.LLMCalls++
			result.Retries += stepRetries
			if err != nil {
				if ctx.Err() != nil {
					result.Cancelled = true
					break
				}
				result.FailedStepCount++
				if uerr := o.store.UpdateStepStatus(planID, step.StepNr, planfile.StatusFailed, "Error: "+err.Error()); uerr != nil {
					return nil, uerr
				}
				summaries = append(summaries, fmt.Sprintf("step %d (%s) failed: %v", step.StepNr, step.SkillName, err))
				continue
			}

			finalResponse = resp.Content
			sawFinalResponse = true
			if resp.CacheHitRate != nil {
				result.CacheHitRate = resp.CacheHitRate
			}
			if err := o.store.UpdateStepStatus(planID, step.StepNr, planfile.StatusCompleted, truncate(resp.Content, resultStoreLen)); err != nil {
				return nil, err
			}
			summaries = append(summaries, fmt.Sprintf("step %d (%s): %s", step.StepNr, step.SkillName, truncate(resp.Content, 100)))

		case skills.ReservedNone:
			result.FailedStepCount++
			msg := "This request cannot be fulfilled with the available skills."
			if err := o.store.UpdateStepStatus(planID, step.StepNr, planfile.StatusFailed, msg); err != nil {
				return nil, err
			}
			summaries = append(summaries, msg)

		default:
			outcome, fatal := o.executeSkillStep(ctx, planID, &step)
			if fatal != nil {
				return nil, fatal
			}
			if outcome.cancelled {
				result.Cancelled = true
				break
			}
			if !outcome.success {
				result.FailedStepCount++
			}
			summaries = append(summaries, fmt.Sprintf("step %d (%s): %s", step.StepNr, step.SkillName, truncate(outcome.summary, 100)))
		}

		if result.Cancelled {
			break
		}
	}

	if sawFinalResponse {
		result.Output = finalResponse
	} else {
		result.Output = strings.Join(summaries, "\n")
	}
	result.Duration = time.Since(start)

	if o.memory != nil && !result.Cancelled {
		if err := o.memory.Remember(ctx, userQuery, truncate(result.Output, resultStoreLen)); err != nil {
			log.Warn().Err(err).Msg("Failed to record request in recall store")
		}
	}

	log.Info().
		Str("plan_id", planID).
		Str("steps", strconv.Itoa(result.StepCount)).
		Str("failed", strconv.Itoa(result.FailedStepCount)).
		Str("cancelled", strconv.FormatBool(result.Cancelled)).
		Str("duration", result.Duration.String()).
		Msg("Request complete")

	return result, nil
}

// stepOutcome is the non-fatal outcome of a skill-backed step.
type stepOutcome struct {
	success   bool
	cancelled bool
	summary   string
}

// executeSkillStep resolves and runs one registry-backed step. A missing
// registry entry or entry script at runtime is fatal; skill failures are
// recorded on the plan and execution continues.
func (o *Stable) executeSkillStep(ctx context.Context, planID string, step *planfile.Step) (stepOutcome, error) {
	skill := o.registry.Get(step.SkillName)
	if skill == nil {
		return stepOutcome{}, fmt.Errorf("skill %q not found in registry", step.SkillName)
	}

	if err := o.store.UpdateStepStatus(planID, step.StepNr, planfile.StatusInProgress); err != nil {
		return stepOutcome{}, err
	}

	command := InferCommand(step.SkillName, step.SubQuery, o.opts.Inference)
	parameters := ExtractParameters(step.SkillName, step.SubQuery, o.opts.Inference)

	execResult := o.executor.Execute(ctx, skill, command, parameters, o.opts.StepTimeout)

	if strings.HasPrefix(execResult.Error, "start entry script") {
		return stepOutcome{}, fmt.Errorf("skill %q: %s", step.SkillName, execResult.Error)
	}
	if execResult.Error == "cancelled" || (ctx.Err() != nil && !execResult.Success) {
		return stepOutcome{cancelled: true}, nil
	}

	if execResult.Success {
		summary := stringifyOutput(execResult.Output)
		if err := o.store.UpdateStepStatus(planID, step.StepNr, planfile.StatusCompleted, truncate(summary, resultStoreLen)); err != nil {
			return stepOutcome{}, err
		}
		return stepOutcome{success: true, summary: summary}, nil
	}

	summary := "Error: " + execResult.Error
	if err := o.store.UpdateStepStatus(planID, step.StepNr, planfile.StatusFailed, summary); err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{summary: summary}, nil
}

// stringifyOutput renders a subprocess output value for plan storage.
func stringifyOutput(output any) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// truncate bounds s to max characters with an ellipsis.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
