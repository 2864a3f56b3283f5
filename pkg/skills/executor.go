package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/stepwise-dev/stepwise/internal/logger"
)

const (
	// DefaultTimeout bounds a skill call when the caller passes none.
	DefaultTimeout = 30 * time.Second

	// MaxTimeout is the hard per-call ceiling.
	MaxTimeout = 120 * time.Second

	// killGrace is how long a child gets between SIGTERM and SIGKILL.
	killGrace = 2 * time.Second
)

// Executor runs skill entry scripts as subprocesses over the
// JSON-on-stdio protocol. It is reentrant; concurrency is bounded by a
// worker pool of at most min(2*CPU, 8) slots. Calls are never cached.
type Executor struct {
	pool *semaphore.Weighted
}

// NewExecutor creates a subprocess executor with the default pool size.
func NewExecutor() *Executor {
	size := runtime.NumCPU() * 2
	if size > 8 {
		size = 8
	}
	if size < 1 {
		size = 1
	}
	return &Executor{pool: semaphore.NewWeighted(int64(size))}
}

// Execute runs a named command of a skill with the given parameters.
// Failures surface as data on the Result, including a cancelled pool
// acquisition, whose Error starts with "cancelled: ".
func (e *Executor) Execute(ctx context.Context, skill *Skill, command string, parameters map[string]any, timeout time.Duration) *Result {
	start := time.Now()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	if err := e.pool.Acquire(ctx, 1); err != nil {
		return &Result{
			Success:  false,
			Error:    "cancelled: " + err.Error(),
			ExitCode: -1,
			Duration: time.Since(start),
		}
	}
	defer e.pool.Release(1)

	result := e.run(ctx, skill, command, parameters, timeout)
	result.Duration = time.Since(start)

	log := logger.GetLogger()
	if result.Success {
		log.Debug().
			Str("skill", skill.Name).
			Str("command", command).
			Str("duration", result.Duration.String()).
			Msg("Skill call succeeded")
	} else {
		log.Warn().
			Str("skill", skill.Name).
			Str("command", command).
			Str("error", result.Error).
			Str("exit_code", strconv.Itoa(result.ExitCode)).
			Msg("Skill call failed")
	}
	return result
}

// Describe queries the skill for its tool descriptor table.
func (e *Executor) Describe(ctx context.Context, skill *Skill) ([]ToolDescriptor, error) {
	result := e.Execute(ctx, skill, "describe", map[string]any{}, DefaultTimeout)
	if !result.Success {
		return nil, fmt.Errorf("describe %s: %s", skill.Name, result.Error)
	}

	raw, err := json.Marshal(result.Output)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", skill.Name, err)
	}

	var payload struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("describe %s: %w", skill.Name, err)
	}
	return payload.Tools, nil
}

// run starts the entry script, feeds the request, and collects output.
func (e *Executor) run(parent context.Context, skill *Skill, command string, parameters map[string]any, timeout time.Duration) *Result {
	if parameters == nil {
		parameters = map[string]any{}
	}

	input, err := json.Marshal(request{Command: command, Parameters: parameters})
	if err != nil {
		return &Result{Success: false, Error: "marshal request: " + err.Error(), ExitCode: -1}
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cmd := exec.Command(skill.EntryScript, "--json")
	cmd.Dir = skill.Path
	cmd.Env = os.Environ()
	cmd.Stdin = bytes.NewReader(input)
	setProcGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return &Result{Success: false, Error: "start entry script: " + err.Error(), ExitCode: -1}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		timedOut = parent.Err() == nil
		terminateTree(cmd, killGrace)
		waitErr = <-done
	}

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	if timedOut {
		return &Result{
			Success:  false,
			Output:   stdout.String(),
			Error:    "timeout",
			ExitCode: exitCode,
		}
	}
	if parent.Err() != nil {
		return &Result{
			Success:  false,
			Output:   stdout.String(),
			Error:    "cancelled",
			ExitCode: exitCode,
		}
	}

	return interpretOutput(stdout.String(), stderr.String(), exitCode)
}

// interpretOutput applies the protocol rules to the child's output.
func interpretOutput(stdout, stderr string, exitCode int) *Result {
	trimmed := strings.TrimSpace(stdout)

	var parsed any
	if trimmed != "" && json.Unmarshal([]byte(trimmed), &parsed) == nil {
		result := &Result{Output: parsed, ExitCode: exitCode}

		// An object with success:false carries its own error.
		if obj, ok := parsed.(map[string]any); ok {
			if success, ok := obj["success"].(bool); ok {
				result.Success = success
				if !success {
					if msg, ok := obj["error"].(string); ok {
						result.Error = msg
					} else {
						result.Error = "skill reported failure"
					}
				}
				return result
			}
		}

		result.Success = exitCode == 0
		if !result.Success {
			result.Error = diagnostic(stderr, exitCode)
		}
		return result
	}

	// Unparseable stdout: plain text from a clean exit still counts.
	if exitCode == 0 && trimmed != "" {
		return &Result{Success: true, Output: trimmed, ExitCode: exitCode}
	}

	return &Result{
		Success:  false,
		Output:   stdout,
		Error:    diagnostic(stderr, exitCode),
		ExitCode: exitCode,
	}
}

// diagnostic builds an error string from stderr and the exit code.
func diagnostic(stderr string, exitCode int) string {
	stderr = strings.TrimSpace(stderr)
	if stderr != "" {
		if len(stderr) > 200 {
			stderr = stderr[:200]
		}
		return fmt.Sprintf("exit code %d: %s", exitCode, stderr)
	}
	return fmt.Sprintf("exit code %d", exitCode)
}
