// Package orchestrate drives plan execution. The stable-prompt
// orchestrator keeps the LLM prompt byte-identical across iterations by
// offloading plan state to the plan file; the baseline orchestrator
// re-injects the full plan into the prompt each turn for comparison.
package orchestrate

import (
	"regexp"
	"strings"
)

// InferenceOptions carries the environment knobs that shape parameter
// extraction for the shell-helper skill.
type InferenceOptions struct {
	// SafeMode suppresses the arbitrary-command rule. On by default.
	SafeMode bool

	// MaxFindResults caps file-search result counts.
	MaxFindResults int
}

// skillCommandMap maps well-known skills to their canonical command.
var skillCommandMap = map[string]string{
	"calendar-assistant": "natural_language_to_ics",
	"nvidia-ideagen":     "generate_ideas",
}

// shellRule routes a shell-commands sub-query to a command by keyword.
// Rules are evaluated in declared order; the first match wins. A keyword
// matches only where it starts a word, so "ls" does not match "details".
type shellRule struct {
	command  string
	keywords []string
}

var shellRules = []shellRule{
	{"find_files", []string{"find", "locate", "where is", "identify where"}},
	{"grep_in_file", []string{"grep", "search", "extract", "get section", "show section"}},
	{"list_directory", []string{"list", "ls", "show files", "directory"}},
	{"cat_file", []string{"cat", "show", "display", "read", "view"}},
	{"get_file_info", []string{"info", "information", "details", "statistics"}},
}

// runCommandKeywords trigger the arbitrary-command escape hatch, which
// only exists outside safe mode.
var runCommandKeywords = []string{"run ", "execute ", "shell command"}

// InferCommand derives the command to execute from the skill name and
// sub-query. Well-known skills map to a fixed command; shell-commands
// routes by keyword; anything else falls back to the skill name with
// dashes flattened.
func InferCommand(skillName, subQuery string, opts InferenceOptions) string {
	if command, ok := skillCommandMap[skillName]; ok {
		return command
	}

	if skillName == "shell-commands" {
		queryLower := strings.ToLower(subQuery)

		if !opts.SafeMode {
			for _, keyword := range runCommandKeywords {
				if strings.Contains(queryLower, keyword) {
					return "run_command"
				}
			}
		}

		for _, rule := range shellRules {
			for _, keyword := range rule.keywords {
				if containsAtWordStart(queryLower, keyword) {
					return rule.command
				}
			}
		}
		return "find_files"
	}

	return strings.ReplaceAll(skillName, "-", "_")
}

// containsAtWordStart reports whether keyword occurs in s at a position
// not preceded by a letter.
func containsAtWordStart(s, keyword string) bool {
	for i := 0; i+len(keyword) <= len(s); i++ {
		if !strings.HasPrefix(s[i:], keyword) {
			continue
		}
		if i == 0 || s[i-1] < 'a' || s[i-1] > 'z' {
			return true
		}
	}
	return false
}

var (
	numIdeasPattern   = regexp.MustCompile(`(\d+)\s+ideas?`)
	topicVerbPattern  = regexp.MustCompile(`(?i)generate|brainstorm|give me|create|come up with|i need`)
	topicCountPattern = regexp.MustCompile(`(?i)\d+\s+ideas?\s+(for|about|on)?`)
	mdFilePattern     = regexp.MustCompile(`(?i)(\S+\.md)`)
	findFilePattern   = regexp.MustCompile(`(?:find|locate|where is|identify where)\s+(\S+\.\w+)`)
	quotedPattern     = regexp.MustCompile(`["']([^"']+)["']`)
)

// grepKeywordMap expands a topic keyword into related search terms.
var grepKeywordMap = map[string][]string{
	"performance":  {"performance", "speed", "optimization", "fast"},
	"architecture": {"architecture", "component", "design", "structure"},
	"codebase":     {"codebase", "implementation", "technical"},
	"speed":        {"speed", "performance", "fast", "optimization"},
}

// ExtractParameters derives the parameter map for a skill call from its
// sub-query. The policy is keyword-driven and deliberately conservative;
// unknown skills get the sub-query passed through as "query".
func ExtractParameters(skillName, subQuery string, opts InferenceOptions) map[string]any {
	switch skillName {
	case "calendar-assistant":
		return map[string]any{"query": subQuery}

	case "nvidia-ideagen":
		return ideagenParameters(subQuery)

	case "shell-commands":
		return shellParameters(subQuery, opts)

	default:
		return map[string]any{"query": subQuery}
	}
}

// ideagenParameters extracts the topic and idea count.
func ideagenParameters(subQuery string) map[string]any {
	numIdeas := 5
	if m := numIdeasPattern.FindStringSubmatch(strings.ToLower(subQuery)); m != nil {
		if n := atoiSafe(m[1]); n >= 1 && n <= 10 {
			numIdeas = n
		}
	}

	topic := topicVerbPattern.ReplaceAllString(subQuery, "")
	topic = topicCountPattern.ReplaceAllString(topic, "")
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = subQuery
	}

	return map[string]any{
		"topic":                   topic,
		"num_ideas":               numIdeas,
		"use_parallel_processing": true,
	}
}

// shellParameters extracts parameters matching the command the rule list
// would route to.
func shellParameters(subQuery string, opts InferenceOptions) map[string]any {
	queryLower := strings.ToLower(subQuery)
	parameters := map[string]any{}

	switch InferCommand("shell-commands", subQuery, opts) {
	case "run_command":
		parameters["command"] = subQuery

	case "find_files":
		switch {
		case strings.Contains(queryLower, "readme"):
			parameters["pattern"] = "README.md"
		case strings.Contains(queryLower, ".md"):
			if m := mdFilePattern.FindStringSubmatch(subQuery); m != nil {
				parameters["pattern"] = m[1]
			} else {
				parameters["pattern"] = "*.md"
			}
		default:
			if m := findFilePattern.FindStringSubmatch(queryLower); m != nil {
				parameters["pattern"] = m[1]
			} else {
				parameters["pattern"] = "*"
			}
		}
		parameters["search_path"] = "."
		if opts.MaxFindResults > 0 {
			parameters["max_results"] = opts.MaxFindResults
		}

	case "grep_in_file":
		if strings.Contains(queryLower, "readme") {
			parameters["filepath"] = "README.md"
		} else if m := mdFilePattern.FindStringSubmatch(subQuery); m != nil {
			parameters["filepath"] = m[1]
		} else {
			parameters["filepath"] = "README.md"
		}

		var keywords []string
		for _, key := range []string{"performance", "architecture", "codebase", "speed"} {
			if key == "speed" && strings.Contains(queryLower, "performance") {
				continue
			}
			if strings.Contains(queryLower, key) {
				keywords = append(keywords, grepKeywordMap[key]...)
			}
		}

		if len(keywords) == 0 {
			if m := quotedPattern.FindStringSubmatch(subQuery); m != nil {
				parameters["search_pattern"] = m[1]
			} else {
				parameters["search_pattern"] = ".*"
			}
		} else {
			parameters["search_pattern"] = strings.Join(dedupe(keywords), "|")
		}
		parameters["case_sensitive"] = false
		parameters["context_lines"] = 10
		parameters["show_line_numbers"] = true

	case "list_directory":
		parameters["path"] = "."

	case "cat_file", "get_file_info":
		if strings.Contains(queryLower, "readme") {
			parameters["filepath"] = "README.md"
		} else if m := mdFilePattern.FindStringSubmatch(subQuery); m != nil {
			parameters["filepath"] = m[1]
		} else {
			parameters["filepath"] = "README.md"
		}
	}

	return parameters
}

// dedupe removes duplicates preserving first-seen order.
func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	var result []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}

// atoiSafe parses a small positive integer, returning 0 on failure.
func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
		if n > 1000000 {
			return 0
		}
	}
	return n
}
