package skills

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Reserved skill names handled inline by the orchestrator. They never
// resolve to registry entries.
const (
	ReservedFinalResponse = "final_response"
	ReservedChitchat      = "chitchat"
	ReservedNone          = "none"
)

// IsReserved reports whether name is one of the reserved skill names.
func IsReserved(name string) bool {
	switch name {
	case ReservedFinalResponse, ReservedChitchat, ReservedNone:
		return true
	}
	return false
}

// Registry indexes discovered skills by name. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	skills   map[string]*Skill
	excluded map[string]bool
}

// NewRegistry creates a registry from discovered skills. A duplicate
// skill name across directories is a startup error. Names in exclude are
// suppressed from listings and descriptions.
func NewRegistry(discovered []*Skill, exclude []string) (*Registry, error) {
	r := &Registry{
		skills:   make(map[string]*Skill),
		excluded: make(map[string]bool),
	}
	for _, name := range exclude {
		r.excluded[name] = true
	}

	for _, skill := range discovered {
		if IsReserved(skill.Name) {
			return nil, fmt.Errorf("skill name %q is reserved", skill.Name)
		}
		if existing, ok := r.skills[skill.Name]; ok {
			return nil, fmt.Errorf("duplicate skill name %q (%s and %s)", skill.Name, existing.Path, skill.Path)
		}
		r.skills[skill.Name] = skill
	}
	return r, nil
}

// Get returns the skill with the given name, or nil. Excluded skills do
// not resolve.
func (r *Registry) Get(name string) *Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.excluded[name] {
		return nil
	}
	return r.skills[name]
}

// List returns skills visible to a user with the given groups, ordered
// by name. A skill with no access groups is public.
func (r *Registry) List(userGroups []string) []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var visible []*Skill
	for name, skill := range r.skills {
		if r.excluded[name] {
			continue
		}
		if !skill.Accessible(userGroups) {
			continue
		}
		visible = append(visible, skill)
	}
	sort.Slice(visible, func(i, j int) bool {
		return visible[i].Name < visible[j].Name
	})
	return visible
}

// Count returns the number of registered, non-excluded skills.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for name := range r.skills {
		if !r.excluded[name] {
			n++
		}
	}
	return n
}

// Description returns the newline-delimited "- name: description" block
// embedded verbatim in the decomposer's system prompt. Output is
// deterministic for identical inputs so the prompt prefix stays stable.
func (r *Registry) Description(userGroups []string) string {
	visible := r.List(userGroups)
	if len(visible) == 0 {
		return "No skills available."
	}

	lines := make([]string, 0, len(visible))
	for _, skill := range visible {
		desc := strings.TrimSpace(skill.Description)
		if desc == "" {
			desc = "No description available"
		}
		lines = append(lines, "- "+skill.Name+": "+desc)
	}
	return strings.Join(lines, "\n")
}

// SetTools records a skill's tool descriptors after a describe call.
// Discovery itself never spawns subprocesses.
func (r *Registry) SetTools(name string, tools []ToolDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if skill, ok := r.skills[name]; ok {
		skill.Tools = tools
	}
}
