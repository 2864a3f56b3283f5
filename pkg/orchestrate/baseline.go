package orchestrate

import (
	"context"
	"encoding/json"
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

// maxBaselineLLMCalls caps the tool loop against runaways.
const maxBaselineLLMCalls = 12

// Baseline reproduces the traditional tool-using agent loop: the full
// plan text is embedded in the system prompt and regenerated after
// every tool call. Used as the reference point for prompt-stability
// comparison.
type Baseline struct {
	decomposer *decompose.Decomposer
	registry   *skills.Registry
	executor   *skills.Executor
	store      *planfile.Store
	provider   llm.Provider
	opts       Options
}

// NewBaseline creates a baseline orchestrator with explicit dependencies.
func NewBaseline(decomposer *decompose.Decomposer, registry *skills.Registry, executor *skills.Executor, store *planfile.Store, provider llm.Provider, opts Options) *Baseline {
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
	return &Baseline{
		decomposer: decomposer,
		registry:   registry,
		executor:   executor,
		store:      store,
		provider:   provider,
		opts:       opts,
	}
}

// Run decomposes the query, binds every visible skill as a tool, and
// lets the LLM drive execution until it answers without tool calls.
func (o *Baseline) Run(ctx context.Context, userQuery string) (*RunResult, error) {
	log := logger.GetLogger()
	start := time.Now()

	decomposition, planID, retries, err := o.decomposer.Decompose(ctx, userQuery, "", "")
	if err != nil {
		return nil, err
	}

	result := &RunResult{
		PlanID:    planID,
		StepCount: len(decomposition.Steps),
		LLMCalls:  1,
		Retries:   retries,
	}

	plan := decomposition.Steps
	tools := o.bindTools()
	messages := []llm.Message{llm.UserMessage(userQuery)}

	var finalContent string

	for result.LLMCalls < maxBaselineLLMCalls {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}

		req := &llm.CompletionRequest{
			Model:       o.opts.Model,
			System:      o.systemPrompt(plan),
			Messages:    messages,
			MaxTokens:   o.opts.MaxTokens,
			Temperature: o.opts.Temperature,
			Tools:       tools,
			ToolChoice:  "auto",
		}

		resp, callRetries, err := o.opts.Retry.Complete(ctx, o.provider, req)
		result.LLMCalls++
		result.Retries += callRetries
		if err != nil {
			if ctx.Err() != nil {
				result.Cancelled = true
				break
			}
			return nil, fmt.Errorf("baseline LLM call: %w", err)
		}
		if resp.CacheHitRate != nil {
			result.CacheHitRate = resp.CacheHitRate
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			observation, success := o.dispatchToolCall(ctx, call)
			messages = append(messages, llm.ToolResultMessage(call.ID, observation, !success))

			// Mirror the outcome onto the matching pending plan step
			// so the re-injected plan text reflects progress.
			stepNr := o.recordToolOutcome(plan, planID, call.Name, observation, success)
			if stepNr > 0 && !success {
				result.FailedStepCount++
			}

			log.Debug().
				Str("tool", call.Name).
				Str("success", strconv.FormatBool(success)).
				Str("step_nr", strconv.Itoa(stepNr)).
				Msg("Baseline tool call dispatched")
		}
	}

	result.Output = finalContent
	result.Duration = time.Since(start)

	log.Info().
		Str("plan_id", planID).
		Str("llm_calls", strconv.Itoa(result.LLMCalls)).
		Str("failed", strconv.Itoa(result.FailedStepCount)).
		Str("cancelled", strconv.FormatBool(result.Cancelled)).
		Msg("Baseline request complete")

	return result, nil
}

// systemPrompt embeds the full current plan text plus the tool list.
// This is exactly the instability the stable-prompt mode avoids.
func (o *Baseline) systemPrompt(plan []planfile.Step) string {
	var b strings.Builder
	b.WriteString(o.decomposer.SystemPrompt("", ""))
	b.WriteString(formatPlanAsText(plan))
	b.WriteString("\nYou have access to tools that correspond to these skills. Use them when needed to complete the user's request.\n")
	return b.String()
}

// bindTools exposes each visible skill as one callable tool.
func (o *Baseline) bindTools() []llm.Tool {
	var tools []llm.Tool
	for _, skill := range o.registry.List(o.opts.UserGroups) {
		tool := llm.Tool{
			Name:        skill.Name,
			Description: skill.Description,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The instruction for this skill",
					},
				},
				"required": []string{"query"},
			},
		}
		tools = append(tools, tool)
	}
	return tools
}

// dispatchToolCall runs one tool call through the subprocess executor.
func (o *Baseline) dispatchToolCall(ctx context.Context, call llm.ToolCall) (observation string, success bool) {
	skill := o.registry.Get(call.Name)
	if skill == nil {
		return fmt.Sprintf("Error: unknown tool %q", call.Name), false
	}

	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return "Error: malformed tool arguments: " + err.Error(), false
	}

	command := InferCommand(call.Name, args.Query, o.opts.Inference)
	parameters := ExtractParameters(call.Name, args.Query, o.opts.Inference)

	execResult := o.executor.Execute(ctx, skill, command, parameters, o.opts.StepTimeout)
	if !execResult.Success {
		return "Error: " + execResult.Error, false
	}
	return stringifyOutput(execResult.Output), true
}

// recordToolOutcome updates the first pending plan step bound to the
// skill, both in memory (for prompt re-injection) and in the plan file.
// Returns the step number updated, or 0 when no step matched.
func (o *Baseline) recordToolOutcome(plan []planfile.Step, planID, skillName, observation string, success bool) int {
	for i := range plan {
		if plan[i].SkillName != skillName || plan[i].Status != planfile.StatusPending {
			continue
		}

		status := planfile.StatusCompleted
		if !success {
			status = planfile.StatusFailed
		}
		plan[i].Status = status
		plan[i].Result = truncate(observation, resultStoreLen)

		if err := o.store.UpdateStepStatus(planID, plan[i].StepNr, status, plan[i].Result); err != nil {
			logger.GetLogger().Warn().Err(err).Str("step_nr", strconv.Itoa(plan[i].StepNr)).Msg("Failed to persist baseline step outcome")
		}
		return plan[i].StepNr
	}
	return 0
}

// formatPlanAsText renders the plan for system prompt embedding.
func formatPlanAsText(steps []planfile.Step) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("\n=== CURRENT PLAN (%d steps) ===\n", len(steps)))
	for _, step := range steps {
		b.WriteString(fmt.Sprintf("\nStep %d: %s\n", step.StepNr, step.SkillName))
		b.WriteString("  Rationale: " + step.Rationale + "\n")
		b.WriteString("  Sub-query: " + step.SubQuery + "\n")
		b.WriteString("  Status: " + step.Status + "\n")
		if step.Result != "" {
			b.WriteString("  Result: " + step.Result + "\n")
		}
	}
	b.WriteString("\n=== END PLAN ===\n")
	return b.String()
}
