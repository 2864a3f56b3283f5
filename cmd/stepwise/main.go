// Package main provides the CLI entry point for stepwise.
//
// stepwise is an agent orchestration runtime: it decomposes a request
// into a plan of skill invocations, executes the skills as subprocesses,
// and keeps plan state in a grep-addressable flat file so the LLM prompt
// stays byte-identical across iterations.
//
// Usage:
//
//	stepwise --query "<text>"       - Run one query and print the reply
//	echo "<text>" | stepwise        - Same, reading the query from stdin
//	stepwise --baseline ...         - Use the baseline (plan-in-prompt) mode
//	stepwise --serve                - Start the operational REST API
//	stepwise --mcp                  - Serve MCP tools over stdio
//	stepwise --examples             - Print grep/sed recipes for the plan file
//
// Exit codes: 0 success, 1 validation error, 2 LLM failure after
// retries, 3 subprocess failure bubbled up, 130 cancelled.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/stepwise-dev/stepwise/internal/api"
	"github.com/stepwise-dev/stepwise/internal/config"
	"github.com/stepwise-dev/stepwise/internal/logger"
	"github.com/stepwise-dev/stepwise/internal/mcp"
	"github.com/stepwise-dev/stepwise/internal/memory"
	"github.com/stepwise-dev/stepwise/pkg/decompose"
	"github.com/stepwise-dev/stepwise/pkg/llm"
	"github.com/stepwise-dev/stepwise/pkg/orchestrate"
	"github.com/stepwise-dev/stepwise/pkg/planfile"
	"github.com/stepwise-dev/stepwise/pkg/skills"
)

const (
	exitOK         = 0
	exitValidation = 1
	exitLLM        = 2
	exitSubprocess = 3
	exitCancelled  = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	query := flag.String("query", "", "query text (reads stdin when empty)")
	configPath := flag.String("config", config.DefaultConfigPath(), "path to config.toml")
	skillsDir := flag.String("skills", "", "skills base directory (overrides config)")
	planFile := flag.String("plan-file", "", "plan file path (overrides config)")
	baseline := flag.Bool("baseline", false, "use the baseline plan-in-prompt mode")
	serve := flag.Bool("serve", false, "start the operational REST API")
	mcpMode := flag.Bool("mcp", false, "serve MCP tools over stdio")
	examples := flag.Bool("examples", false, "print grep/sed recipes for the plan file")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall request deadline")
	flag.Parse()

	// .env is a convenience for NVIDIA_API_KEY and friends.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "stepwise:", err)
		return exitValidation
	}
	if *skillsDir != "" {
		cfg.Skills.BaseDir = *skillsDir
	}
	if *planFile != "" {
		cfg.Plans.Dir = filepath.Dir(*planFile)
		cfg.Plans.FileName = filepath.Base(*planFile)
	}

	log := logger.SetupLogger(cfg)
	defer logger.Stop()

	store, err := planfile.Open(cfg.PlanFilePath())
	if err != nil {
		log.Error().Err(err).Msg("Failed to open plan file")
		return exitValidation
	}

	if *examples {
		fmt.Println(store.SearchExamples())
		return exitOK
	}

	discovered, err := skills.Discover(cfg.Skills.BaseDir)
	if err != nil {
		log.Error().Err(err).Msg("Skill discovery failed")
		return exitValidation
	}
	registry, err := skills.NewRegistry(discovered, cfg.Skills.Exclude)
	if err != nil {
		log.Error().Err(err).Msg("Skill registry startup failed")
		return exitValidation
	}

	provider := buildProvider(cfg)
	executor := skills.NewExecutor()

	retry := llm.DefaultRetryPolicy()
	if cfg.LLM.MaxRetries > 0 {
		retry.MaxRetries = cfg.LLM.MaxRetries
	}

	decomposer := decompose.New(provider, registry, store, decompose.Options{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Retry:       retry,
	})

	opts := orchestrate.Options{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Retry:       retry,
		Inference: orchestrate.InferenceOptions{
			SafeMode:       cfg.Skills.SafeMode,
			MaxFindResults: cfg.Skills.MaxFindResults,
		},
	}

	var runner api.Runner
	if *baseline {
		runner = orchestrate.NewBaseline(decomposer, registry, executor, store, provider, opts)
	} else {
		stable := orchestrate.NewStable(decomposer, registry, executor, store, provider, opts)
		if cfg.Memory.Enabled {
			recall, err := memory.New(cfg.Memory.MaxRecalls, nil)
			if err != nil {
				log.Warn().Err(err).Msg("Recall store unavailable, continuing without memory")
			} else {
				stable.WithMemory(recall)
			}
		}
		runner = stable
	}

	ctx, cancel := signalContext()
	defer cancel()

	if *mcpMode {
		server := mcp.NewServer(registry, store, runner)
		if err := server.ServeStdio(); err != nil {
			log.Error().Err(err).Msg("MCP server failed")
			return exitValidation
		}
		return exitOK
	}

	if *serve {
		server := api.NewServer(cfg, registry, store, runner)
		if err := server.ListenAndServe(ctx); err != nil {
			log.Error().Err(err).Msg("API server failed")
			return exitValidation
		}
		return exitOK
	}

	userQuery := strings.TrimSpace(*query)
	if userQuery == "" {
		userQuery = readStdinQuery()
	}
	if userQuery == "" {
		fmt.Fprintln(os.Stderr, "stepwise: no query given (use --query or pipe text to stdin)")
		return exitValidation
	}

	runCtx, cancelRun := context.WithTimeout(ctx, *timeout)
	defer cancelRun()

	result, err := runner.Run(runCtx, userQuery)
	if err != nil {
		log.Error().Err(err).Msg("Request failed")
		return classifyError(err)
	}
	if result.Cancelled {
		fmt.Fprintln(os.Stderr, "stepwise: cancelled")
		return exitCancelled
	}

	fmt.Println(result.Output)
	return exitOK
}

// buildProvider selects the LLM backend per config/environment.
func buildProvider(cfg *config.Config) llm.Provider {
	if cfg.LLM.UseSelfHosted {
		return llm.NewSelfHostedProvider(cfg.LLM.SelfHostedURL)
	}
	return llm.NewNVIDIAProvider(cfg.LLM.APIKey)
}

// readStdinQuery reads the query from stdin when it is not a terminal.
func readStdinQuery() string {
	info, err := os.Stdin.Stat()
	if err != nil || (info.Mode()&os.ModeCharDevice) != 0 {
		return ""
	}

	var b strings.Builder
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(scanner.Text())
	}
	return strings.TrimSpace(b.String())
}

// classifyError maps a fatal error to the documented exit codes.
func classifyError(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return exitCancelled
	}

	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		return exitLLM
	}
	msg := err.Error()
	if strings.Contains(msg, "LLM call") {
		return exitLLM
	}
	if strings.Contains(msg, "entry script") || strings.Contains(msg, "skill") {
		return exitSubprocess
	}
	return exitValidation
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
