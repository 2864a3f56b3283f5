package planfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), DefaultFileName))
	require.NoError(t, err)
	return store
}

func readFile(t *testing.T, store *Store) string {
	t.Helper()
	content, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	return string(content)
}

func singleStep() []Step {
	return []Step{{
		StepNr:    1,
		SkillName: "calendar-assistant",
		Rationale: "User wants to book a calendar event",
		SubQuery:  "schedule a meeting tomorrow at 2pm",
	}}
}

func threeSteps() []Step {
	return []Step{
		{StepNr: 1, SkillName: "calendar-assistant", Rationale: "Book the time slot", SubQuery: "book 1 hour tomorrow"},
		{StepNr: 2, SkillName: "nvidia-ideagen", Rationale: "Generate creative ideas", SubQuery: "generate ideas for creative work"},
		{StepNr: 3, SkillName: "final_response", Rationale: "Combine results", SubQuery: "summarize booked time and ideas"},
	}
}

func TestOpen_CreatesFileWithHeader(t *testing.T) {
	store := newTestStore(t)
	content := readFile(t, store)

	assert.Contains(t, content, "@FILE_CREATED:")
	assert.Contains(t, content, "@LAST_UPDATED:")
	assert.Contains(t, content, "@TOTAL_PLANS:0@")
}

func TestOpen_ReloadsPlanCount(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Create("first", singleStep(), nil)
	require.NoError(t, err)
	_, err = store.Create("second", singleStep(), nil)
	require.NoError(t, err)

	reopened, err := Open(store.Path())
	require.NoError(t, err)

	planID, err := reopened.Create("third", singleStep(), nil)
	require.NoError(t, err)

	plan, err := reopened.Get(planID)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, "000003", plan.PlanNumber)
}

func TestCreate_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	planID, err := store.Create("book 1 hour tomorrow and give me ideas", threeSteps(), map[string]string{
		"chapter_name": "Project Planning",
	})
	require.NoError(t, err)
	require.NotEmpty(t, planID)

	plan, err := store.Get(planID)
	require.NoError(t, err)
	require.NotNil(t, plan)

	assert.Equal(t, planID, plan.PlanID)
	assert.Equal(t, "000001", plan.PlanNumber)
	assert.Equal(t, "book 1 hour tomorrow and give me ideas", plan.Query)
	assert.True(t, plan.MultiSteps)
	assert.Equal(t, 3, plan.TotalSteps)
	require.Len(t, plan.Steps, 3)

	assert.Equal(t, "calendar-assistant", plan.Steps[0].SkillName)
	assert.Equal(t, "nvidia-ideagen", plan.Steps[1].SkillName)
	assert.Equal(t, "final_response", plan.Steps[2].SkillName)
	for i, step := range plan.Steps {
		assert.Equal(t, i+1, step.StepNr)
		assert.Equal(t, StatusPending, step.Status)
	}
	assert.Equal(t, "Project Planning", plan.Context["CHAPTER_NAME"])
}

func TestCreate_HeaderCountsMatchMarkers(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := store.Create("query", singleStep(), nil)
		require.NoError(t, err)
	}

	content := readFile(t, store)
	assert.Contains(t, content, "@TOTAL_PLANS:3@")
	assert.Equal(t, 3, strings.Count(content, "<<<PLAN:"))
	assert.Equal(t, 3, strings.Count(content, "<<<END_PLAN:"))
}

func TestCreate_MultiStepsDerivedFromCount(t *testing.T) {
	store := newTestStore(t)

	planID, err := store.Create("single", singleStep(), nil)
	require.NoError(t, err)

	plan, err := store.Get(planID)
	require.NoError(t, err)
	assert.False(t, plan.MultiSteps)

	planID, err = store.Create("multi", threeSteps(), nil)
	require.NoError(t, err)

	plan, err = store.Get(planID)
	require.NoError(t, err)
	assert.True(t, plan.MultiSteps)
}

func TestCreate_RecreateYieldsDistinctIDs(t *testing.T) {
	store := newTestStore(t)

	id1, err := store.Create("same query", threeSteps(), nil)
	require.NoError(t, err)

	plan1, err := store.Get(id1)
	require.NoError(t, err)

	id2, err := store.Create(plan1.Query, plan1.Steps, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	plan2, err := store.Get(id2)
	require.NoError(t, err)
	assert.Equal(t, plan1.Query, plan2.Query)
	assert.Equal(t, len(plan1.Steps), len(plan2.Steps))
	for i := range plan1.Steps {
		assert.Equal(t, plan1.Steps[i].SkillName, plan2.Steps[i].SkillName)
		assert.Equal(t, plan1.Steps[i].Rationale, plan2.Steps[i].Rationale)
	}
}

func TestGet_UnknownIDReturnsNil(t *testing.T) {
	store := newTestStore(t)

	plan, err := store.Get("no-such-id")
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestFindByQuery(t *testing.T) {
	store := newTestStore(t)

	meetingID, err := store.Create("schedule a meeting tomorrow at 2pm", singleStep(), nil)
	require.NoError(t, err)
	_, err = store.Create("generate startup ideas", singleStep(), nil)
	require.NoError(t, err)

	ids, err := store.FindByQuery("MEETING", false)
	require.NoError(t, err)
	assert.Equal(t, []string{meetingID}, ids)

	ids, err = store.FindByQuery("schedule a meeting tomorrow at 2pm", true)
	require.NoError(t, err)
	assert.Equal(t, []string{meetingID}, ids)

	ids, err = store.FindByQuery("meeting", true)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestList(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Create("first query", singleStep(), nil)
	require.NoError(t, err)
	_, err = store.Create("second query", threeSteps(), nil)
	require.NoError(t, err)

	summaries, err := store.List()
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, "000001", summaries[0].PlanNumber)
	assert.Equal(t, "first query", summaries[0].Query)
	assert.False(t, summaries[0].MultiSteps)
	assert.Equal(t, "000002", summaries[1].PlanNumber)
	assert.True(t, summaries[1].MultiSteps)
	assert.Equal(t, 3, summaries[1].TotalSteps)
}

func TestUpdateStepStatus_OnlyTargetBytesChange(t *testing.T) {
	store := newTestStore(t)

	planID, err := store.Create("multi step", threeSteps(), nil)
	require.NoError(t, err)

	before := readFile(t, store)
	require.NoError(t, store.UpdateStepStatus(planID, 2, StatusCompleted, "generated 5 ideas"))
	after := readFile(t, store)

	assert.NotEqual(t, before, after)

	// Everything outside step 2's STATUS/RESULT anchors is untouched.
	expected := strings.Replace(before,
		"@SKILL_NAME:nvidia-ideagen@\n@RATIONALE:Generate creative ideas@\n@SUB_QUERY:generate ideas for creative work@\n@STATUS:pending@\n@RESULT:@",
		"@SKILL_NAME:nvidia-ideagen@\n@RATIONALE:Generate creative ideas@\n@SUB_QUERY:generate ideas for creative work@\n@STATUS:completed@\n@RESULT:generated 5 ideas@",
		1)
	assert.Equal(t, expected, after)
}

func TestUpdateStepStatus_Idempotent(t *testing.T) {
	store := newTestStore(t)

	planID, err := store.Create("q", threeSteps(), nil)
	require.NoError(t, err)

	require.NoError(t, store.UpdateStepStatus(planID, 1, StatusCompleted, "done"))
	once := readFile(t, store)
	require.NoError(t, store.UpdateStepStatus(planID, 1, StatusCompleted, "done"))
	twice := readFile(t, store)

	assert.Equal(t, once, twice)
}

func TestUpdateStepStatus_StatusOnly(t *testing.T) {
	store := newTestStore(t)

	planID, err := store.Create("q", threeSteps(), nil)
	require.NoError(t, err)

	require.NoError(t, store.UpdateStepStatus(planID, 1, StatusInProgress))

	plan, err := store.Get(planID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, plan.Steps[0].Status)
	assert.Empty(t, plan.Steps[0].Result)
}

func TestUpdateStepStatus_EscapesAtSign(t *testing.T) {
	store := newTestStore(t)

	planID, err := store.Create("q", singleStep(), nil)
	require.NoError(t, err)

	require.NoError(t, store.UpdateStepStatus(planID, 1, StatusCompleted, "mail sent to user@example.com"))

	plan, err := store.Get(planID)
	require.NoError(t, err)
	assert.Equal(t, "mail sent to user(at)example.com", plan.Steps[0].Result)
	assert.NotContains(t, plan.Steps[0].Result, "@")
}

func TestUpdateStepStatus_TruncatesLongResult(t *testing.T) {
	store := newTestStore(t)

	planID, err := store.Create("q", singleStep(), nil)
	require.NoError(t, err)

	long := strings.Repeat("x", 600) + "@tail"
	require.NoError(t, store.UpdateStepStatus(planID, 1, StatusCompleted, long))

	plan, err := store.Get(planID)
	require.NoError(t, err)
	result := plan.Steps[0].Result
	assert.LessOrEqual(t, len(result), 500)
	assert.True(t, strings.HasSuffix(result, "..."))
	assert.NotContains(t, result, "@")
}

func TestUpdateStepStatus_UnknownPlanFails(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateStepStatus("missing", 1, StatusCompleted, "r")
	assert.Error(t, err)
}

func TestAddStep(t *testing.T) {
	store := newTestStore(t)

	planID, err := store.Create("q", threeSteps(), nil)
	require.NoError(t, err)

	require.NoError(t, store.AddStep(planID, "summary", "Additional summary needed", "provide final summary", ""))

	plan, err := store.Get(planID)
	require.NoError(t, err)
	assert.Equal(t, 4, plan.TotalSteps)
	require.Len(t, plan.Steps, 4)
	assert.Equal(t, 4, plan.Steps[3].StepNr)
	assert.Equal(t, "summary", plan.Steps[3].SkillName)
	assert.Equal(t, StatusPending, plan.Steps[3].Status)
}

func TestAddStep_DoesNotDisturbOtherPlans(t *testing.T) {
	store := newTestStore(t)

	firstID, err := store.Create("first", singleStep(), nil)
	require.NoError(t, err)
	secondID, err := store.Create("second", singleStep(), nil)
	require.NoError(t, err)

	require.NoError(t, store.AddStep(secondID, "extra", "more work", "", ""))

	first, err := store.Get(firstID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.TotalSteps)
	assert.Len(t, first.Steps, 1)
}

func TestStepNumbersUpTo999RoundTrip(t *testing.T) {
	store := newTestStore(t)

	steps := []Step{
		{StepNr: 1, SkillName: "calendar-assistant", Rationale: "r"},
		{StepNr: 999, SkillName: "final_response", Rationale: "r"},
	}
	planID, err := store.Create("boundary", steps, nil)
	require.NoError(t, err)

	require.NoError(t, store.UpdateStepStatus(planID, 999, StatusCompleted, "done"))

	plan, err := store.Get(planID)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, 999, plan.Steps[1].StepNr)
	assert.Equal(t, StatusCompleted, plan.Steps[1].Status)
}

func TestQueryWithAtSignInStep(t *testing.T) {
	store := newTestStore(t)

	steps := []Step{{
		StepNr:    1,
		SkillName: "calendar-assistant",
		Rationale: "invite user@example.com",
		SubQuery:  "mail user@example.com",
	}}
	planID, err := store.Create("q", steps, nil)
	require.NoError(t, err)

	plan, err := store.Get(planID)
	require.NoError(t, err)
	assert.Equal(t, "invite user(at)example.com", plan.Steps[0].Rationale)
	assert.Equal(t, "mail user(at)example.com", plan.Steps[0].SubQuery)
}

func TestSearchExamples(t *testing.T) {
	store := newTestStore(t)

	examples := store.SearchExamples()
	assert.Contains(t, examples, "grep '<<<PLAN:'")
	assert.Contains(t, examples, store.Path())
}
