package planfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepwise-dev/stepwise/internal/logger"
)

// Store owns a single plan file. All mutations go through it; writers
// are serialized behind a mutex and every rewrite lands via a temp file
// rename so readers never observe a torn file.
type Store struct {
	mu sync.RWMutex

	path       string
	plansCount int
}

// DefaultFileName is the conventional plan file name.
const DefaultFileName = "stepwised_plan.txt"

// Open opens (or creates) the plan file at path.
func Open(path string) (*Store, error) {
	log := logger.GetLogger()

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create plans dir: %w", err)
		}
	}

	s := &Store{path: path}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(fileHeader(time.Now())), 0o644); err != nil {
			return nil, fmt.Errorf("initialize plan file: %w", err)
		}
		log.Info().Str("path", path).Msg("Created new plan file")
		return s, nil
	}

	if err := s.loadPlanCount(); err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Str("plans", strconv.Itoa(s.plansCount)).Msg("Opened plan file")
	return s, nil
}

// Path returns the plan file path.
func (s *Store) Path() string {
	return s.path
}

// loadPlanCount reads TOTAL_PLANS from the header, falling back to
// counting plan markers.
func (s *Store) loadPlanCount() error {
	content, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read plan file: %w", err)
	}

	if m := totalPlansPattern.FindSubmatch(content); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil {
			s.plansCount = n
			return nil
		}
	}
	s.plansCount = strings.Count(string(content), "<<<PLAN:")
	return nil
}

// Create appends a new plan block and returns its plan ID. The header's
// TOTAL_PLANS and LAST_UPDATED fields are rewritten in the same commit.
// MultiSteps is derived from the step count, never trusted from callers.
func (s *Store) Create(userQuery string, steps []Step, context map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("read plan file: %w", err)
	}

	s.plansCount++
	plan := &Plan{
		PlanID:     uuid.NewString(),
		PlanNumber: fmt.Sprintf("%06d", s.plansCount),
		Timestamp:  time.Now().Format(time.RFC3339Nano),
		Query:      userQuery,
		MultiSteps: len(steps) > 1,
		Context:    context,
		Steps:      steps,
	}

	updated := string(content) + renderPlan(plan)
	updated = s.refreshHeader(updated)

	if err := s.commit(updated); err != nil {
		s.plansCount--
		return "", err
	}

	logger.GetLogger().Debug().
		Str("plan_id", plan.PlanID).
		Str("plan_number", plan.PlanNumber).
		Str("steps", strconv.Itoa(len(steps))).
		Msg("Plan written")

	return plan.PlanID, nil
}

// Get returns the plan with the given ID, or nil when absent.
func (s *Store) Get(planID string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	content, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	for _, m := range planBlockPattern.FindAllStringSubmatch(string(content), -1) {
		if m[1] != m[3] {
			continue
		}
		if strings.Contains(m[2], "@PLAN_ID:"+planID+"@") {
			plan := parsePlanBlock(m[1], m[2])
			return plan, nil
		}
	}
	return nil, nil
}

// FindByQuery returns the IDs of plans whose stored query matches text.
// Matching is case-insensitive substring unless exact is true.
func (s *Store) FindByQuery(text string, exact bool) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	content, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	var planIDs []string
	needle := strings.ToLower(text)

	for _, m := range planBlockPattern.FindAllStringSubmatch(string(content), -1) {
		if m[1] != m[3] {
			continue
		}
		qm := queryPattern.FindStringSubmatch(m[2])
		if qm == nil {
			continue
		}
		stored := strings.ToLower(strings.TrimSpace(qm[1]))

		matched := false
		if exact {
			matched = stored == needle
		} else {
			matched = strings.Contains(stored, needle)
		}
		if !matched {
			continue
		}
		if anchors := anchorValues(stripSubBlocks(m[2])); anchors["PLAN_ID"] != "" {
			planIDs = append(planIDs, anchors["PLAN_ID"])
		}
	}
	return planIDs, nil
}

// List returns header metadata of every plan in file order.
func (s *Store) List() ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	content, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	var summaries []Summary
	for _, m := range planBlockPattern.FindAllStringSubmatch(string(content), -1) {
		if m[1] != m[3] {
			continue
		}
		anchors := anchorValues(stripSubBlocks(m[2]))
		summary := Summary{
			PlanNumber: m[1],
			PlanID:     anchors["PLAN_ID"],
			Timestamp:  anchors["TIMESTAMP"],
			MultiSteps: anchors["MULTI_STEPS"] == "true",
		}
		if n, err := strconv.Atoi(anchors["TOTAL_STEPS"]); err == nil {
			summary.TotalSteps = n
		}
		if qm := queryPattern.FindStringSubmatch(m[2]); qm != nil {
			summary.Query = strings.TrimSpace(qm[1])
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// UpdateStepStatus rewrites the STATUS anchor (and the RESULT anchor when
// a result is given) of one step in place. No other bytes change.
func (s *Store) UpdateStepStatus(planID string, stepNr int, status string, result ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read plan file: %w", err)
	}

	planStart, planEnd, err := locatePlan(string(content), planID)
	if err != nil {
		return err
	}

	block := string(content[planStart:planEnd])
	stepStart, stepEnd, err := locateStep(block, stepNr)
	if err != nil {
		return fmt.Errorf("plan %s: %w", planID, err)
	}

	stepBlock := block[stepStart:stepEnd]
	updatedStep := replaceAnchor(stepBlock, "STATUS", status)
	if len(result) > 0 {
		updatedStep = replaceAnchor(updatedStep, "RESULT", sanitizeResult(result[0]))
	}

	if updatedStep == stepBlock {
		return nil
	}

	updated := string(content[:planStart]) + block[:stepStart] + updatedStep + block[stepEnd:] + string(content[planEnd:])
	return s.commit(updated)
}

// AddStep appends a new step to an existing plan, bumping the plan's
// TOTAL_STEPS anchor and refreshing the header's LAST_UPDATED.
func (s *Store) AddStep(planID, skillName, rationale, subQuery, status string) error {
	if status == "" {
		status = StatusPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read plan file: %w", err)
	}

	planStart, planEnd, err := locatePlan(string(content), planID)
	if err != nil {
		return err
	}
	block := string(content[planStart:planEnd])

	anchors := anchorValues(stripSubBlocks(block))
	planNum := anchors["PLAN_NUMBER"]
	currentTotal, _ := strconv.Atoi(anchors["TOTAL_STEPS"])
	newStepNr := currentTotal + 1

	step := Step{
		StepNr:    newStepNr,
		SkillName: skillName,
		Rationale: rationale,
		SubQuery:  subQuery,
		Status:    status,
	}

	closer := "<<<STEPS:" + planNum + "<<<"
	idx := strings.Index(block, closer)
	if idx < 0 {
		return fmt.Errorf("plan %s: steps block closer not found", planID)
	}

	updatedBlock := block[:idx] + renderStep(&step, planNum) + block[idx:]
	updatedBlock = replaceAnchor(updatedBlock, "TOTAL_STEPS", strconv.Itoa(newStepNr))

	updated := string(content[:planStart]) + updatedBlock + string(content[planEnd:])
	updated = s.refreshLastUpdated(updated)

	if err := s.commit(updated); err != nil {
		return err
	}

	logger.GetLogger().Debug().
		Str("plan_id", planID).
		Str("step_nr", strconv.Itoa(newStepNr)).
		Str("skill", skillName).
		Msg("Step added to plan")
	return nil
}

// commit writes content to a temp file and renames it over the plan file.
func (s *Store) commit(content string) error {
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write temp plan file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename plan file: %w", err)
	}
	return nil
}

// refreshHeader rewrites TOTAL_PLANS and LAST_UPDATED in the header.
func (s *Store) refreshHeader(content string) string {
	content = totalPlansPattern.ReplaceAllString(content, "@TOTAL_PLANS:"+strconv.Itoa(s.plansCount)+"@")
	return s.refreshLastUpdated(content)
}

// refreshLastUpdated advances the header's LAST_UPDATED anchor.
func (s *Store) refreshLastUpdated(content string) string {
	timestamp := time.Now().Format(time.RFC3339Nano)
	return lastUpdatedPattern.ReplaceAllString(content, "@LAST_UPDATED:"+timestamp+"@")
}

// locatePlan returns the byte range of the plan block holding planID.
func locatePlan(content, planID string) (start, end int, err error) {
	for _, loc := range planBlockPattern.FindAllStringSubmatchIndex(content, -1) {
		body := content[loc[4]:loc[5]]
		if strings.Contains(body, "@PLAN_ID:"+planID+"@") {
			return loc[0], loc[1], nil
		}
	}
	return 0, 0, fmt.Errorf("plan %s not found", planID)
}

// locateStep returns the byte range of step stepNr inside a plan block.
func locateStep(block string, stepNr int) (start, end int, err error) {
	marker := fmt.Sprintf("---STEP:%03d:", stepNr)
	endMarker := fmt.Sprintf("---END_STEP:%03d:", stepNr)

	start = strings.Index(block, marker)
	if start < 0 {
		return 0, 0, fmt.Errorf("step %d not found", stepNr)
	}
	endIdx := strings.Index(block[start:], endMarker)
	if endIdx < 0 {
		return 0, 0, fmt.Errorf("step %d has no end marker", stepNr)
	}
	// Extend through the end-marker line.
	end = start + endIdx
	if nl := strings.Index(block[end:], "\n"); nl >= 0 {
		end += nl + 1
	} else {
		end = len(block)
	}
	return start, end, nil
}

// replaceAnchor substitutes the first @key:...@ anchor value in text.
func replaceAnchor(text, key, value string) string {
	prefix := "@" + key + ":"
	start := strings.Index(text, prefix)
	if start < 0 {
		return text
	}
	valueStart := start + len(prefix)
	valueEnd := strings.Index(text[valueStart:], "@")
	if valueEnd < 0 {
		return text
	}
	return text[:valueStart] + value + text[valueStart+valueEnd:]
}

// SearchExamples returns a cheat sheet of grep/sed commands for working
// with the plan file by hand.
func (s *Store) SearchExamples() string {
	f := s.path
	return strings.Join([]string{
		"# Find all plans (just markers):",
		"grep '<<<PLAN:' " + f,
		"",
		"# View full plan for plan number 3:",
		"sed -n '/<<<PLAN:000003>>>/,/<<<END_PLAN:000003>>>/p' " + f,
		"",
		"# Find plans containing specific keyword in query:",
		"grep -i -C 10 \"calendar\" " + f,
		"",
		"# Find all multi-step plans:",
		"grep -B 2 '@MULTI_STEPS:true@' " + f,
		"",
		"# Find all pending steps:",
		"grep '@STATUS:pending@' " + f,
		"",
		"# Find all steps with specific skill:",
		"grep '@SKILL_NAME:calendar-assistant@' " + f,
		"",
		"# Find plan by ID:",
		"grep -A 50 '@PLAN_ID:your-uuid-here@' " + f,
		"",
		"# Count total plans:",
		"grep -c '<<<PLAN:' " + f,
	}, "\n")
}
