package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise-dev/stepwise/internal/config"
	"github.com/stepwise-dev/stepwise/pkg/orchestrate"
	"github.com/stepwise-dev/stepwise/pkg/planfile"
	"github.com/stepwise-dev/stepwise/pkg/skills"
)

type stubRunner struct {
	result *orchestrate.RunResult
}

func (r *stubRunner) Run(ctx context.Context, userQuery string) (*orchestrate.RunResult, error) {
	return r.result, nil
}

func testServer(t *testing.T) (*Server, *planfile.Store) {
	t.Helper()

	registry, err := skills.NewRegistry([]*skills.Skill{
		{Name: "calendar-assistant", Description: "Books calendar events"},
		{Name: "nvidia-ideagen", Description: "Generates ideas"},
	}, nil)
	require.NoError(t, err)

	store, err := planfile.Open(filepath.Join(t.TempDir(), planfile.DefaultFileName))
	require.NoError(t, err)

	runner := &stubRunner{result: &orchestrate.RunResult{Output: "done", StepCount: 1}}
	server := NewServer(config.DefaultConfig(), registry, store, runner)
	return server, store
}

func TestHandleHealth(t *testing.T) {
	server, _ := testServer(t)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["skills"])
}

func TestHandleListSkills(t *testing.T) {
	server, _ := testServer(t)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/skills", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Skills []skillView `json:"skills"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Skills, 2)
	assert.Equal(t, "calendar-assistant", body.Skills[0].Name)
}

func TestHandleGetPlan(t *testing.T) {
	server, store := testServer(t)

	planID, err := store.Create("test query", []planfile.Step{
		{StepNr: 1, SkillName: "calendar-assistant", Rationale: "r"},
	}, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plans/"+planID, nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var plan planfile.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))
	assert.Equal(t, planID, plan.PlanID)
	assert.Equal(t, "test query", plan.Query)
}

func TestHandleGetPlan_NotFound(t *testing.T) {
	server, _ := testServer(t)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plans/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleQuery(t *testing.T) {
	server, _ := testServer(t)

	body := strings.NewReader(`{"query": "hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/query", body)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var result orchestrate.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "done", result.Output)
}

func TestHandleQuery_EmptyQueryRejected(t *testing.T) {
	server, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query": "  "}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
