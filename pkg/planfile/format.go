// Package planfile implements the plan store: an append-mostly text file
// of anchor-delimited records that holds all plan state. The format is
// grep-addressable by design, and field mutations rewrite only the
// targeted anchor values so the file stays stable under inspection.
package planfile

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Step status values. Transitions only move forward:
// pending -> in_progress -> completed|failed.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// maxResultLen bounds the stored step result.
const maxResultLen = 500

// Step is one entry of a plan.
type Step struct {
	StepNr    int    `json:"step_nr"`
	SkillName string `json:"skill_name"`
	Rationale string `json:"rationale"`
	SubQuery  string `json:"sub_query,omitempty"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
}

// Plan is a decomposed query with its ordered steps.
type Plan struct {
	PlanID     string            `json:"plan_id"`
	PlanNumber string            `json:"plan_number"`
	Timestamp  string            `json:"timestamp"`
	Query      string            `json:"query"`
	MultiSteps bool              `json:"multi_steps"`
	TotalSteps int               `json:"total_steps"`
	Context    map[string]string `json:"context,omitempty"`
	Steps      []Step            `json:"steps"`
}

// Summary is the header metadata of one plan in file order.
type Summary struct {
	PlanNumber string `json:"plan_number"`
	PlanID     string `json:"plan_id"`
	Timestamp  string `json:"timestamp"`
	Query      string `json:"query"`
	MultiSteps bool   `json:"multi_steps"`
	TotalSteps int    `json:"total_steps"`
}

var (
	planBlockPattern = regexp.MustCompile(`(?s)<<<PLAN:(\d{6})>>>(.*?)<<<END_PLAN:(\d{6})>>>`)
	queryPattern     = regexp.MustCompile(`(?s)>>>QUERY:\d{6}>>>\n(.*?)\n<<<QUERY:\d{6}<<<`)
	contextPattern   = regexp.MustCompile(`(?s)>>>CONTEXT:\d{6}>>>\n(.*?)<<<CONTEXT:\d{6}<<<`)
	stepPattern      = regexp.MustCompile(`(?s)---STEP:(\d{3}):\d{6}---(.*?)---END_STEP:(\d{3}):\d{6}---`)
	anchorPattern    = regexp.MustCompile(`@([A-Z_]+):([^@]*)@`)

	totalPlansPattern  = regexp.MustCompile(`@TOTAL_PLANS:(\d+)@`)
	lastUpdatedPattern = regexp.MustCompile(`@LAST_UPDATED:[^@]*@`)
)

// sanitizeValue makes a value safe for anchor embedding: the reserved @
// becomes (at) and newlines collapse to spaces. The substitution is
// one-way; readers see (at) as-is.
func sanitizeValue(value string) string {
	value = strings.ReplaceAll(value, "@", "(at)")
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	return value
}

// sanitizeResult bounds a step result to maxResultLen and escapes it.
func sanitizeResult(result string) string {
	result = sanitizeValue(result)
	if len(result) > maxResultLen {
		result = result[:maxResultLen-3] + "..."
	}
	return result
}

// fileHeader renders the header block for a new plan file.
func fileHeader(now time.Time) string {
	timestamp := now.Format(time.RFC3339Nano)
	rule := strings.Repeat("=", 80)

	var b strings.Builder
	b.WriteString(rule + "\n")
	b.WriteString("                    QUERY DECOMPOSITION PLANS\n")
	b.WriteString(rule + "\n\n")
	b.WriteString("@FILE_CREATED:" + timestamp + "@\n")
	b.WriteString("@LAST_UPDATED:" + timestamp + "@\n")
	b.WriteString("@TOTAL_PLANS:0@\n\n")
	b.WriteString("This file stores query decomposition plans in a grep-friendly anchor format.\n")
	b.WriteString("Each plan can be easily searched, modified, or have steps added/updated.\n\n")
	b.WriteString(rule + "\n\n")
	return b.String()
}

// renderPlan renders one complete plan block, trailing separator included.
func renderPlan(plan *Plan) string {
	num := plan.PlanNumber

	var b strings.Builder
	b.WriteString("\n<<<PLAN:" + num + ">>>\n")
	b.WriteString("@PLAN_ID:" + plan.PlanID + "@\n")
	b.WriteString("@PLAN_NUMBER:" + num + "@\n")
	b.WriteString("@TIMESTAMP:" + plan.Timestamp + "@\n")
	b.WriteString("@MULTI_STEPS:" + strconv.FormatBool(plan.MultiSteps) + "@\n")
	b.WriteString("@TOTAL_STEPS:" + strconv.Itoa(len(plan.Steps)) + "@\n")
	b.WriteString("\n>>>QUERY:" + num + ">>>\n" + plan.Query + "\n<<<QUERY:" + num + "<<<\n")

	if len(plan.Context) > 0 {
		b.WriteString("\n>>>CONTEXT:" + num + ">>>\n")
		for _, key := range sortedKeys(plan.Context) {
			value := plan.Context[key]
			if value == "" {
				continue
			}
			b.WriteString("@" + strings.ToUpper(key) + ":" + sanitizeValue(value) + "@\n")
		}
		b.WriteString("<<<CONTEXT:" + num + "<<<\n")
	}

	b.WriteString("\n>>>STEPS:" + num + ">>>\n")
	for _, step := range plan.Steps {
		b.WriteString(renderStep(&step, num))
	}
	b.WriteString("<<<STEPS:" + num + "<<<\n")
	b.WriteString("\n<<<END_PLAN:" + num + ">>>\n")
	b.WriteString("\n" + strings.Repeat("=", 80) + "\n")
	return b.String()
}

// renderStep renders one step block within a plan.
func renderStep(step *Step, planNum string) string {
	status := step.Status
	if status == "" {
		status = StatusPending
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("\n---STEP:%03d:%s---\n", step.StepNr, planNum))
	b.WriteString("@STEP_NR:" + strconv.Itoa(step.StepNr) + "@\n")
	b.WriteString("@SKILL_NAME:" + sanitizeValue(step.SkillName) + "@\n")
	b.WriteString("@RATIONALE:" + sanitizeValue(step.Rationale) + "@\n")
	if step.SubQuery != "" {
		b.WriteString("@SUB_QUERY:" + sanitizeValue(step.SubQuery) + "@\n")
	}
	b.WriteString("@STATUS:" + status + "@\n")
	b.WriteString("@RESULT:" + sanitizeResult(step.Result) + "@\n")
	b.WriteString(fmt.Sprintf("---END_STEP:%03d:%s---\n", step.StepNr, planNum))
	return b.String()
}

// parsePlanBlock parses the body between plan open/close markers.
func parsePlanBlock(planNum, body string) *Plan {
	plan := &Plan{PlanNumber: planNum}

	anchors := anchorValues(stripSubBlocks(body))
	plan.PlanID = anchors["PLAN_ID"]
	plan.Timestamp = anchors["TIMESTAMP"]
	plan.MultiSteps = anchors["MULTI_STEPS"] == "true"
	if n, err := strconv.Atoi(anchors["TOTAL_STEPS"]); err == nil {
		plan.TotalSteps = n
	}

	if m := queryPattern.FindStringSubmatch(body); m != nil {
		plan.Query = strings.TrimSpace(m[1])
	}

	if m := contextPattern.FindStringSubmatch(body); m != nil {
		ctx := anchorValues(m[1])
		if len(ctx) > 0 {
			plan.Context = ctx
		}
	}

	for _, sm := range stepPattern.FindAllStringSubmatch(body, -1) {
		stepAnchors := anchorValues(sm[2])
		step := Step{
			SkillName: stepAnchors["SKILL_NAME"],
			Rationale: stepAnchors["RATIONALE"],
			SubQuery:  stepAnchors["SUB_QUERY"],
			Status:    stepAnchors["STATUS"],
			Result:    stepAnchors["RESULT"],
		}
		if n, err := strconv.Atoi(stepAnchors["STEP_NR"]); err == nil {
			step.StepNr = n
		}
		if step.Status == "" {
			step.Status = StatusPending
		}
		plan.Steps = append(plan.Steps, step)
	}

	return plan
}

// anchorValues extracts @KEY:value@ pairs from text.
func anchorValues(text string) map[string]string {
	values := make(map[string]string)
	for _, m := range anchorPattern.FindAllStringSubmatch(text, -1) {
		values[m[1]] = m[2]
	}
	return values
}

// stripSubBlocks removes step and context blocks so plan-level anchor
// extraction does not pick up step fields.
func stripSubBlocks(body string) string {
	body = stepPattern.ReplaceAllString(body, "")
	body = contextPattern.ReplaceAllString(body, "")
	return body
}

// sortedKeys returns map keys in lexical order for deterministic output.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
