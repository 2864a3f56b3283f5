package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1", cfg.Service.Host)
	assert.Equal(t, 8430, cfg.Service.Port)
	assert.True(t, cfg.Skills.SafeMode)
	assert.Equal(t, 50, cfg.Skills.MaxFindResults)
	assert.False(t, cfg.LLM.UseSelfHosted)
	assert.Equal(t, "stepwised_plan.txt", cfg.Plans.FileName)
}

func TestDefaultConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SAFE_MODE", "false")
	t.Setenv("MAX_FIND_RESULTS", "10")
	t.Setenv("USE_SELF_HOSTED_LLM", "true")
	t.Setenv("STEPWISE_PORT", "9999")

	cfg := DefaultConfig()

	assert.False(t, cfg.Skills.SafeMode)
	assert.Equal(t, 10, cfg.Skills.MaxFindResults)
	assert.True(t, cfg.LLM.UseSelfHosted)
	assert.Equal(t, 9999, cfg.Service.Port)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, 8430, cfg.Service.Port)
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[service]
port = 9000

[llm]
model = "meta/llama-3.1-8b-instruct"
max_retries = 5

[skills]
base_dir = "/opt/skills"

[logging]
output = "stdout"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Service.Port)
	assert.Equal(t, "meta/llama-3.1-8b-instruct", cfg.LLM.Model)
	assert.Equal(t, 5, cfg.LLM.MaxRetries)
	assert.Equal(t, "/opt/skills", cfg.Skills.BaseDir)
	assert.Equal(t, StringSlice{"stdout"}, cfg.Logging.Output)

	// Untouched sections keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Service.Host)
	assert.True(t, cfg.Skills.SafeMode)
}

func TestPlanFilePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Plans.Dir = "/data/plans"
	assert.Equal(t, "/data/plans/stepwised_plan.txt", cfg.PlanFilePath())
}
