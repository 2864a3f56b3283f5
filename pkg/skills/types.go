// Package skills provides skill discovery, the skill registry, and the
// subprocess executor. A skill is a directory holding a SKILL.md manifest
// and a scripts/ directory with exactly one entry script speaking the
// JSON-over-stdio protocol.
package skills

import "time"

// Manifest represents the parsed SKILL.md frontmatter metadata.
type Manifest struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Version      string   `yaml:"version"`
	SkillType    string   `yaml:"skill_type"`
	AccessGroups []string `yaml:"access_groups"`
}

// ToolDescriptor describes one named command a skill exposes. Skills
// report their tools when queried with the "describe" command; a
// config.yaml may also declare them statically.
type ToolDescriptor struct {
	Name            string         `yaml:"name" json:"name"`
	Description     string         `yaml:"description" json:"description"`
	ParameterSchema map[string]any `yaml:"parameter_schema" json:"parameter_schema,omitempty"`
	ReturnDirect    bool           `yaml:"return_direct" json:"return_direct,omitempty"`
}

// Skill is a fully discovered skill. Immutable after discovery.
type Skill struct {
	Name         string
	Description  string
	Version      string
	SkillType    string
	Path         string // absolute path to the skill directory
	EntryScript  string // absolute path to the entry script
	Tools        []ToolDescriptor
	AccessGroups []string
}

// Public reports whether the skill is visible without group membership.
func (s *Skill) Public() bool {
	return len(s.AccessGroups) == 0
}

// Accessible reports whether a user with the given groups may see the skill.
func (s *Skill) Accessible(userGroups []string) bool {
	if s.Public() {
		return true
	}
	for _, g := range s.AccessGroups {
		for _, ug := range userGroups {
			if g == ug {
				return true
			}
		}
	}
	return false
}

// Result holds the outcome of one subprocess execution. Errors are data;
// the executor never panics or returns Go errors for skill failures.
type Result struct {
	// Success reports whether the call succeeded.
	Success bool `json:"success"`

	// Output is the parsed JSON value on success, or the raw stdout
	// text on the fallback path.
	Output any `json:"output,omitempty"`

	// Error describes the failure, when Success is false.
	Error string `json:"error,omitempty"`

	// ExitCode is the child's exit code (-1 when it never ran).
	ExitCode int `json:"exit_code"`

	// Duration is the wall time of the call.
	Duration time.Duration `json:"duration"`
}

// request is the JSON object written to the child's stdin.
type request struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters"`
}
