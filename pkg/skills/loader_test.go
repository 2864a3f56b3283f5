package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSkillDir lays down a minimal skill directory and returns its path.
func writeSkillDir(t *testing.T, baseDir, dirName, frontmatter, script string) string {
	t.Helper()

	dir := filepath.Join(baseDir, dirName)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0o755))

	manifest := "---\n" + frontmatter + "---\n\n# Skill\n\nLong-form instructions live here.\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(manifest), 0o644))

	if script != "" {
		scriptPath := filepath.Join(dir, "scripts", dirName+"_skill.sh")
		require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))
	}
	return dir
}

const echoScript = "#!/bin/sh\ncat > /dev/null\nprintf '{\"success\": true}'\n"

func TestDiscover_LoadsValidSkill(t *testing.T) {
	base := t.TempDir()
	writeSkillDir(t, base, "calendar",
		"name: calendar-assistant\ndescription: Books calendar events from natural language\nversion: 1.0.0\nskill_type: subprocess\n",
		echoScript)

	found, err := Discover(base)
	require.NoError(t, err)
	require.Len(t, found, 1)

	skill := found[0]
	assert.Equal(t, "calendar-assistant", skill.Name)
	assert.Equal(t, "Books calendar events from natural language", skill.Description)
	assert.Equal(t, "1.0.0", skill.Version)
	assert.Equal(t, "subprocess", skill.SkillType)
	assert.True(t, skill.Public())
	assert.Contains(t, skill.EntryScript, "calendar_skill.sh")
}

func TestDiscover_NestedOneLevel(t *testing.T) {
	base := t.TempDir()
	group := filepath.Join(base, "productivity")
	require.NoError(t, os.MkdirAll(group, 0o755))
	writeSkillDir(t, group, "ideagen",
		"name: nvidia-ideagen\ndescription: Generates ideas\n",
		echoScript)

	found, err := Discover(base)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "nvidia-ideagen", found[0].Name)
}

func TestDiscover_SkipsDirWithoutManifest(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "not-a-skill", "scripts"), 0o755))

	found, err := Discover(base)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDiscover_SkipsSkillWithoutEntryScript(t *testing.T) {
	base := t.TempDir()
	writeSkillDir(t, base, "broken", "name: broken\ndescription: no script\n", "")

	found, err := Discover(base)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDiscover_SkipsSkillWithTwoEntryScripts(t *testing.T) {
	base := t.TempDir()
	dir := writeSkillDir(t, base, "dupes", "name: dupes\ndescription: d\n", echoScript)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", "other_skill.py"), []byte("#"), 0o755))

	found, err := Discover(base)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDiscover_MissingBaseDirIsNotFatal(t *testing.T) {
	found, err := Discover(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDiscover_ConfigOverride(t *testing.T) {
	base := t.TempDir()
	dir := writeSkillDir(t, base, "shellish",
		"name: shell-commands\ndescription: manifest description\n",
		echoScript)

	configYAML := `description: Safe file system navigation and search
version: 2.1.0
access_groups:
  - ops
tools:
  - name: find_files
    description: Find files by pattern
  - name: grep_in_file
    description: Search within a file
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(configYAML), 0o644))

	found, err := Discover(base)
	require.NoError(t, err)
	require.Len(t, found, 1)

	skill := found[0]
	assert.Equal(t, "shell-commands", skill.Name)
	assert.Equal(t, "Safe file system navigation and search", skill.Description)
	assert.Equal(t, "2.1.0", skill.Version)
	assert.Equal(t, []string{"ops"}, skill.AccessGroups)
	require.Len(t, skill.Tools, 2)
	assert.Equal(t, "find_files", skill.Tools[0].Name)
	assert.False(t, skill.Public())
}

func TestDiscover_NameDefaultsToDirName(t *testing.T) {
	base := t.TempDir()
	writeSkillDir(t, base, "anon", "description: nameless skill\n", echoScript)

	found, err := Discover(base)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "anon", found[0].Name)
}
