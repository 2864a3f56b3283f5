//go:build !windows

package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise-dev/stepwise/pkg/decompose"
	"github.com/stepwise-dev/stepwise/pkg/llm"
	"github.com/stepwise-dev/stepwise/pkg/planfile"
	"github.com/stepwise-dev/stepwise/pkg/skills"
)

// scriptedProvider returns canned responses (or errors) in call order.
type scriptedProvider struct {
	responses []string
	errs      []error
	calls     int
	systems   []string
}

func (p *scriptedProvider) Name() string     { return "scripted" }
func (p *scriptedProvider) Models() []string { return []string{"test-model"} }
func (p *scriptedProvider) CountTokens(content string) (int, error) {
	return llm.EstimateTokens(content), nil
}

func (p *scriptedProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	idx := p.calls
	p.calls++
	p.systems = append(p.systems, req.System)

	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	response := p.responses[len(p.responses)-1]
	if idx < len(p.responses) {
		response = p.responses[idx]
	}
	return &llm.CompletionResponse{Content: response, FinishReason: "stop"}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req *llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return nil, errors.New("not implemented")
}

// fixtureSkill writes a skill directory whose entry script is the given
// shell source and returns the Skill.
func fixtureSkill(t *testing.T, name, script string) *skills.Skill {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0o755))
	entry := filepath.Join(dir, "scripts", "fixture_skill.sh")
	require.NoError(t, os.WriteFile(entry, []byte(script), 0o755))

	return &skills.Skill{
		Name:        name,
		Description: name + " test skill",
		Path:        dir,
		EntryScript: entry,
	}
}

// recordingScript saves the stdin request to last_request.json in the
// skill dir and reports success.
const recordingScript = `#!/bin/sh
cat > last_request.json
printf '{"success": true, "output": "done"}'
`

func lastRequest(t *testing.T, skill *skills.Skill) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(skill.Path, "last_request.json"))
	require.NoError(t, err)
	var req map[string]any
	require.NoError(t, json.Unmarshal(data, &req))
	return req
}

func fastRetry() llm.RetryPolicy {
	return llm.RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
}

type fixture struct {
	provider *scriptedProvider
	registry *skills.Registry
	store    *planfile.Store
	calendar *skills.Skill
	ideagen  *skills.Skill
}

func newFixture(t *testing.T, provider *scriptedProvider, calendarScript, ideagenScript string) *fixture {
	t.Helper()

	calendar := fixtureSkill(t, "calendar-assistant", calendarScript)
	ideagen := fixtureSkill(t, "nvidia-ideagen", ideagenScript)

	registry, err := skills.NewRegistry([]*skills.Skill{calendar, ideagen}, nil)
	require.NoError(t, err)

	store, err := planfile.Open(filepath.Join(t.TempDir(), planfile.DefaultFileName))
	require.NoError(t, err)

	return &fixture{
		provider: provider,
		registry: registry,
		store:    store,
		calendar: calendar,
		ideagen:  ideagen,
	}
}

func (f *fixture) stable(t *testing.T, opts Options) *Stable {
	t.Helper()
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialDelay == 0 {
		opts.Retry = fastRetry()
	}
	if !opts.Inference.SafeMode {
		opts.Inference = defaultInference()
	}
	decomposer := decompose.New(f.provider, f.registry, f.store, decompose.Options{Retry: opts.Retry})
	return NewStable(decomposer, f.registry, skills.NewExecutor(), f.store, f.provider, opts)
}

const greetingPlan = `{
  "multi_steps": false,
  "output_steps": [
    {"step_nr": 1, "skill_name": "final_response", "rationale": "Simple greeting, no skills needed", "sub_query": "hello"}
  ]
}`

const calendarPlan = `{
  "multi_steps": false,
  "output_steps": [
    {"step_nr": 1, "skill_name": "calendar-assistant", "rationale": "User wants to book a calendar event", "sub_query": "schedule a meeting tomorrow at 2pm"}
  ]
}`

const twoSkillPlan = `{
  "multi_steps": true,
  "output_steps": [
    {"step_nr": 1, "skill_name": "calendar-assistant", "rationale": "Book the slot", "sub_query": "book 1 hour tomorrow for creative work"},
    {"step_nr": 2, "skill_name": "nvidia-ideagen", "rationale": "Generate ideas", "sub_query": "generate some ideas"},
    {"step_nr": 3, "skill_name": "final_response", "rationale": "Combine results", "sub_query": "summarize booked time and ideas"}
  ]
}`

const nonePlan = `{
  "multi_steps": false,
  "output_steps": [
    {"step_nr": 1, "skill_name": "none", "rationale": "No skill can order food", "sub_query": "order me a pizza"}
  ]
}`

func TestStable_Greeting(t *testing.T) {
	provider := &scriptedProvider{responses: []string{greetingPlan, "Hello! I can book meetings and generate ideas."}}
	f := newFixture(t, provider, recordingScript, recordingScript)

	result, err := f.stable(t, Options{}).Run(context.Background(), "hello")
	require.NoError(t, err)

	assert.NotEmpty(t, result.Output)
	assert.Equal(t, 1, result.StepCount)
	assert.Zero(t, result.FailedStepCount)
	assert.Equal(t, 2, result.LLMCalls)

	// No subprocess ran.
	_, err = os.Stat(filepath.Join(f.calendar.Path, "last_request.json"))
	assert.True(t, os.IsNotExist(err))

	plan, err := f.store.Get(result.PlanID)
	require.NoError(t, err)
	assert.Equal(t, planfile.StatusCompleted, plan.Steps[0].Status)
}

func TestStable_AtomicCalendar(t *testing.T) {
	provider := &scriptedProvider{responses: []string{calendarPlan}}
	f := newFixture(t, provider, recordingScript, recordingScript)

	result, err := f.stable(t, Options{}).Run(context.Background(), "schedule a meeting tomorrow at 2pm")
	require.NoError(t, err)
	assert.Zero(t, result.FailedStepCount)

	// The executor got the canonical command with the sub-query as the
	// query parameter.
	req := lastRequest(t, f.calendar)
	assert.Equal(t, "natural_language_to_ics", req["command"])
	params := req["parameters"].(map[string]any)
	assert.Equal(t, "schedule a meeting tomorrow at 2pm", params["query"])

	plan, err := f.store.Get(result.PlanID)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.TotalSteps)
	assert.Equal(t, planfile.StatusCompleted, plan.Steps[0].Status)

	content, err := os.ReadFile(f.store.Path())
	require.NoError(t, err)
	assert.Contains(t, string(content), "@TOTAL_STEPS:1@")
	assert.Equal(t, 1, strings.Count(string(content), "<<<PLAN:"))
}

func TestStable_TwoSkillComplex(t *testing.T) {
	provider := &scriptedProvider{responses: []string{twoSkillPlan, "You're booked for tomorrow; here are your ideas."}}
	f := newFixture(t, provider, recordingScript, recordingScript)

	result, err := f.stable(t, Options{}).Run(context.Background(),
		"book 1 hour tomorrow for creative work. Generate some ideas")
	require.NoError(t, err)

	assert.Equal(t, 3, result.StepCount)
	assert.Zero(t, result.FailedStepCount)
	assert.Equal(t, "You're booked for tomorrow; here are your ideas.", result.Output)

	calReq := lastRequest(t, f.calendar)
	assert.Equal(t, "natural_language_to_ics", calReq["command"])
	ideaReq := lastRequest(t, f.ideagen)
	assert.Equal(t, "generate_ideas", ideaReq["command"])

	plan, err := f.store.Get(result.PlanID)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)
	for _, step := range plan.Steps {
		assert.Equal(t, planfile.StatusCompleted, step.Status)
	}
}

func TestStable_UnavailableSkill(t *testing.T) {
	provider := &scriptedProvider{responses: []string{nonePlan}}
	f := newFixture(t, provider, recordingScript, recordingScript)

	result, err := f.stable(t, Options{}).Run(context.Background(), "order me a pizza")
	require.NoError(t, err)

	assert.Equal(t, 1, result.FailedStepCount)
	assert.Contains(t, result.Output, "cannot")

	plan, err := f.store.Get(result.PlanID)
	require.NoError(t, err)
	assert.Equal(t, planfile.StatusFailed, plan.Steps[0].Status)
}

func TestStable_TransientDecompositionFailure(t *testing.T) {
	gateway := &llm.ProviderError{Provider: "test", Code: "http_504", Message: "Gateway Timeout"}
	provider := &scriptedProvider{
		errs:      []error{gateway, gateway, nil},
		responses: []string{greetingPlan, greetingPlan, greetingPlan, "Hi there!"},
	}
	f := newFixture(t, provider, recordingScript, recordingScript)

	retry := llm.RetryPolicy{MaxRetries: 3, InitialDelay: 20 * time.Millisecond, MaxDelay: 200 * time.Millisecond, Multiplier: 2}
	start := time.Now()
	result, err := f.stable(t, Options{Retry: retry}).Run(context.Background(), "hello")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 2, result.Retries)
	assert.NotEmpty(t, result.Output)

	// Backoff was 20ms + 40ms; this policy leaves jitter off.
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)
}

func TestStable_SubprocessTimeout(t *testing.T) {
	sleeper := `#!/bin/sh
cat > /dev/null
sleep 30
`
	provider := &scriptedProvider{responses: []string{twoSkillPlan, "Summary despite the failure."}}
	f := newFixture(t, provider, sleeper, recordingScript)

	result, err := f.stable(t, Options{StepTimeout: 200 * time.Millisecond}).Run(context.Background(),
		"book 1 hour tomorrow for creative work. Generate some ideas")
	require.NoError(t, err)

	assert.Equal(t, 1, result.FailedStepCount)

	plan, err := f.store.Get(result.PlanID)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)

	// Step 1 timed out; the orchestrator proceeded to the others.
	assert.Equal(t, planfile.StatusFailed, plan.Steps[0].Status)
	assert.True(t, strings.HasPrefix(plan.Steps[0].Result, "Error: timeout"))
	assert.Equal(t, planfile.StatusCompleted, plan.Steps[1].Status)
	assert.Equal(t, planfile.StatusCompleted, plan.Steps[2].Status)
}

func TestStable_SynthesisPromptStableAcrossIterations(t *testing.T) {
	multiSynthesis := `{
  "multi_steps": true,
  "output_steps": [
    {"step_nr": 1, "skill_name": "chitchat", "rationale": "Acknowledge", "sub_query": "say hi"},
    {"step_nr": 2, "skill_name": "final_response", "rationale": "Answer", "sub_query": "answer properly"}
  ]
}`
	provider := &scriptedProvider{responses: []string{multiSynthesis, "hi", "the real answer"}}
	f := newFixture(t, provider, recordingScript, recordingScript)

	result, err := f.stable(t, Options{}).Run(context.Background(), "hello there")
	require.NoError(t, err)
	assert.Equal(t, "the real answer", result.Output)

	// Calls 2 and 3 are synthesis calls within one request; their
	// system prompts must be byte-identical.
	require.Len(t, provider.systems, 3)
	assert.Equal(t, provider.systems[1], provider.systems[2])
	assert.Contains(t, provider.systems[1], "plan file: "+f.store.Path())
}

func TestStable_CancellationPreservesPartialState(t *testing.T) {
	sleeper := `#!/bin/sh
cat > /dev/null
sleep 30
`
	provider := &scriptedProvider{responses: []string{twoSkillPlan, "unused"}}
	f := newFixture(t, provider, sleeper, recordingScript)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	result, err := f.stable(t, Options{StepTimeout: 60 * time.Second}).Run(ctx,
		"book 1 hour tomorrow for creative work. Generate some ideas")
	require.NoError(t, err)
	assert.True(t, result.Cancelled)

	plan, err := f.store.Get(result.PlanID)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)

	// Later steps never started.
	assert.Equal(t, planfile.StatusPending, plan.Steps[1].Status)
	assert.Equal(t, planfile.StatusPending, plan.Steps[2].Status)
}
