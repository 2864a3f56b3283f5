package skills

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSkills() []*Skill {
	return []*Skill{
		{Name: "nvidia-ideagen", Description: "Generates creative ideas on any topic"},
		{Name: "calendar-assistant", Description: "Books calendar events from natural language"},
		{Name: "shell-commands", Description: "Safe file system navigation", AccessGroups: []string{"ops"}},
	}
}

func TestRegistry_GetAndCount(t *testing.T) {
	r, err := NewRegistry(testSkills(), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, r.Count())
	assert.NotNil(t, r.Get("calendar-assistant"))
	assert.Nil(t, r.Get("unknown"))
}

func TestRegistry_DuplicateNameIsStartupError(t *testing.T) {
	dupes := []*Skill{
		{Name: "calendar-assistant", Path: "/a"},
		{Name: "calendar-assistant", Path: "/b"},
	}
	_, err := NewRegistry(dupes, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate skill name")
}

func TestRegistry_ReservedNameRejected(t *testing.T) {
	_, err := NewRegistry([]*Skill{{Name: "final_response"}}, nil)
	assert.Error(t, err)
}

func TestRegistry_ListOrderedByName(t *testing.T) {
	r, err := NewRegistry(testSkills(), nil)
	require.NoError(t, err)

	listed := r.List([]string{"ops"})
	require.Len(t, listed, 3)
	assert.Equal(t, "calendar-assistant", listed[0].Name)
	assert.Equal(t, "nvidia-ideagen", listed[1].Name)
	assert.Equal(t, "shell-commands", listed[2].Name)
}

func TestRegistry_AccessGroupsFilterListing(t *testing.T) {
	r, err := NewRegistry(testSkills(), nil)
	require.NoError(t, err)

	public := r.List(nil)
	require.Len(t, public, 2)
	for _, skill := range public {
		assert.True(t, skill.Public())
	}

	ops := r.List([]string{"ops"})
	assert.Len(t, ops, 3)
}

func TestRegistry_ExclusionList(t *testing.T) {
	r, err := NewRegistry(testSkills(), []string{"nvidia-ideagen"})
	require.NoError(t, err)

	assert.Nil(t, r.Get("nvidia-ideagen"))
	assert.Equal(t, 2, r.Count())
	assert.NotContains(t, r.Description(nil), "nvidia-ideagen")
}

func TestRegistry_DescriptionStable(t *testing.T) {
	r, err := NewRegistry(testSkills(), nil)
	require.NoError(t, err)

	expected := "- calendar-assistant: Books calendar events from natural language\n" +
		"- nvidia-ideagen: Generates creative ideas on any topic"
	first := r.Description(nil)
	assert.Equal(t, expected, first)

	// Byte-identical across calls with the same inputs.
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, r.Description(nil))
	}
}

func TestRegistry_DescriptionEmpty(t *testing.T) {
	r, err := NewRegistry(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "No skills available.", r.Description(nil))
}

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved("final_response"))
	assert.True(t, IsReserved("chitchat"))
	assert.True(t, IsReserved("none"))
	assert.False(t, IsReserved("calendar-assistant"))
}
