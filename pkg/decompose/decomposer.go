package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/stepwise-dev/stepwise/internal/logger"
	"github.com/stepwise-dev/stepwise/pkg/llm"
	"github.com/stepwise-dev/stepwise/pkg/planfile"
	"github.com/stepwise-dev/stepwise/pkg/skills"
)

// maxFieldLen bounds step rationale and sub-query lengths.
const maxFieldLen = 1000

// contextSummaryLen bounds the memory/history summaries stored in the
// plan context block.
const contextSummaryLen = 200

// Decomposition is the typed plan produced from one user query.
type Decomposition struct {
	MultiSteps bool            `json:"multi_steps"`
	Steps      []planfile.Step `json:"output_steps"`
}

// Options configures a Decomposer.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	UserGroups  []string
	Retry       llm.RetryPolicy
}

// Decomposer turns user queries into plans and persists them. The
// system prompt prefix is assembled once at construction and reused
// verbatim on every call.
type Decomposer struct {
	provider   llm.Provider
	store      *planfile.Store
	opts       Options
	skillNames map[string]bool

	// promptPrefix is sections (1)-(5), fixed for the process session.
	promptPrefix string
}

// New creates a decomposer bound to a provider, registry and plan store.
func New(provider llm.Provider, registry *skills.Registry, store *planfile.Store, opts Options) *Decomposer {
	if opts.Model == "" {
		models := provider.Models()
		if len(models) > 0 {
			opts.Model = models[0]
		}
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 4096
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialDelay == 0 {
		opts.Retry = llm.DefaultRetryPolicy()
	}

	skillNames := make(map[string]bool)
	for _, skill := range registry.List(opts.UserGroups) {
		skillNames[skill.Name] = true
	}

	return &Decomposer{
		provider:     provider,
		store:        store,
		opts:         opts,
		skillNames:   skillNames,
		promptPrefix: BuildSystemPrompt(registry.Description(opts.UserGroups), "", ""),
	}
}

// SystemPrompt returns the constant prompt for the given per-request
// context sections. Empty sections yield the session-constant prefix.
func (d *Decomposer) SystemPrompt(memorySection, historySection string) string {
	if memorySection == "" && historySection == "" {
		return d.promptPrefix
	}
	// Rebuild with the context section filled in; sections (1)-(5) are
	// byte-identical to the prefix.
	prefix := strings.TrimSuffix(d.promptPrefix, "\n<Context>\n\n</Context>\n")
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString("\n<Context>\n")
	b.WriteString(memorySection)
	b.WriteString(historySection)
	b.WriteString("\n</Context>\n")
	return b.String()
}

// Decompose produces a plan for userInput and writes it to the plan
// store. It returns the decomposition, the persisted plan ID, and the
// number of LLM retries performed. Malformed LLM output degrades to a
// synthetic single-step final_response plan; transport failures after
// retry are returned as errors.
func (d *Decomposer) Decompose(ctx context.Context, userInput, memorySection, historySection string) (*Decomposition, string, int, error) {
	log := logger.GetLogger()

	// An empty query cannot be routed anywhere.
	if strings.TrimSpace(userInput) == "" {
		result := &Decomposition{
			MultiSteps: false,
			Steps: []planfile.Step{{
				StepNr:    1,
				SkillName: skills.ReservedNone,
				Rationale: "Empty query cannot be fulfilled",
				Status:    planfile.StatusPending,
			}},
		}
		planID, err := d.persist(userInput, memorySection, historySection, result)
		return result, planID, 0, err
	}

	req := &llm.CompletionRequest{
		Model:       d.opts.Model,
		System:      d.SystemPrompt(memorySection, historySection),
		Messages:    []llm.Message{llm.UserMessage(userInput)},
		MaxTokens:   d.opts.MaxTokens,
		Temperature: d.opts.Temperature,
	}

	resp, retries, err := d.opts.Retry.Complete(ctx, d.provider, req)
	if err != nil {
		return nil, "", retries, fmt.Errorf("decomposition LLM call: %w", err)
	}

	result, parseErr := d.parse(resp.Content, userInput)
	if parseErr != nil {
		log.Warn().
			Err(parseErr).
			Str("raw_output", truncate(resp.Content, 300)).
			Msg("Decomposition output invalid, using synthetic fallback")
		result = syntheticFallback(userInput, parseErr)
	}

	planID, err := d.persist(userInput, memorySection, historySection, result)
	if err != nil {
		return nil, "", retries, err
	}

	log.Info().
		Str("plan_id", planID).
		Str("multi_steps", strconv.FormatBool(result.MultiSteps)).
		Str("steps", strconv.Itoa(len(result.Steps))).
		Str("retries", strconv.Itoa(retries)).
		Msg("Query decomposed")

	return result, planID, retries, nil
}

// parse validates the LLM response into a Decomposition.
func (d *Decomposer) parse(content, userInput string) (*Decomposition, error) {
	cleaned := llm.StripReasoning(content)
	cleaned = stripCodeFences(cleaned)

	var raw struct {
		MultiSteps bool `json:"multi_steps"`
		Steps      []struct {
			StepNr    int    `json:"step_nr"`
			SkillName string `json:"skill_name"`
			Rationale string `json:"rationale"`
			SubQuery  string `json:"sub_query"`
		} `json:"output_steps"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	if len(raw.Steps) == 0 {
		return nil, fmt.Errorf("no output steps")
	}

	result := &Decomposition{MultiSteps: len(raw.Steps) > 1}
	for i, step := range raw.Steps {
		if step.StepNr != i+1 {
			return nil, fmt.Errorf("step numbers not contiguous: got %d at position %d", step.StepNr, i+1)
		}
		if !skills.IsReserved(step.SkillName) && !d.skillNames[step.SkillName] {
			return nil, fmt.Errorf("unknown skill name %q", step.SkillName)
		}
		result.Steps = append(result.Steps, planfile.Step{
			StepNr:    step.StepNr,
			SkillName: step.SkillName,
			Rationale: truncate(step.Rationale, maxFieldLen),
			SubQuery:  truncate(step.SubQuery, maxFieldLen),
			Status:    planfile.StatusPending,
		})
	}
	return result, nil
}

// persist writes the decomposition to the plan store.
func (d *Decomposer) persist(userInput, memorySection, historySection string, result *Decomposition) (string, error) {
	context := map[string]string{}
	if memorySection != "" {
		context["memory_summary"] = truncate(memorySection, contextSummaryLen)
	}
	if historySection != "" {
		context["history_summary"] = truncate(historySection, contextSummaryLen)
	}

	planID, err := d.store.Create(userInput, result.Steps, context)
	if err != nil {
		return "", fmt.Errorf("persist plan: %w", err)
	}
	return planID, nil
}

// syntheticFallback builds the degenerate single-step plan used when the
// LLM output fails validation.
func syntheticFallback(userInput string, cause error) *Decomposition {
	return &Decomposition{
		MultiSteps: false,
		Steps: []planfile.Step{{
			StepNr:    1,
			SkillName: skills.ReservedFinalResponse,
			Rationale: "Error processing query: " + truncate(cause.Error(), 200),
			SubQuery:  userInput,
			Status:    planfile.StatusPending,
		}},
	}
}

// stripCodeFences unwraps a fenced code block around the JSON payload.
func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	// Drop an optional language tag on the fence line.
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		first := strings.TrimSpace(trimmed[:idx])
		if first == "" || isIdentifier(first) {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// isIdentifier reports whether s looks like a fence language tag.
func isIdentifier(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return len(s) > 0
}

// truncate bounds s to max characters with an ellipsis.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
