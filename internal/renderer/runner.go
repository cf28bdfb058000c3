package renderer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/umlforge/umlforge/internal/apperrors"
	"github.com/umlforge/umlforge/internal/config"
)

// maxStderrBytes caps the diagnostic text carried on engine failures.
const maxStderrBytes = 2048

// Runner executes the rendering engine once per invocation: it spawns the
// process, streams the diagram to stdin, collects stdout/stderr, and enforces
// the render timeout with graceful-then-forced termination.
type Runner struct {
	cfg *config.Config
	log zerolog.Logger

	// newCommand builds the engine invocation for one run.
	newCommand CommandFactory
}

// CommandFactory builds the engine command for one invocation.
type CommandFactory func(ctx context.Context, format string) *exec.Cmd

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCommandFactory replaces the engine command construction. Used by tests
// to substitute stand-in processes.
func WithCommandFactory(f CommandFactory) RunnerOption {
	return func(r *Runner) {
		r.newCommand = f
	}
}

// NewRunner creates a Runner for the configured engine.
func NewRunner(cfg *config.Config, log zerolog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		cfg: cfg,
		log: log,
	}
	r.newCommand = r.engineCommand
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) engineCommand(ctx context.Context, format string) *exec.Cmd {
	argv := r.cfg.PlantUMLCommand(format)
	return exec.CommandContext(ctx, argv[0], argv[1:]...)
}

// Run executes the engine once with the diagram on stdin and returns the
// rendered bytes from stdout. On timeout the process receives SIGTERM and,
// after the configured grace period, SIGKILL; the invocation is reported as
// a RenderTimeoutError either way. A non-zero exit or empty output is a
// RenderEngineError carrying the truncated stderr text.
func (r *Runner) Run(ctx context.Context, diagram, format string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Render.Timeout)
	defer cancel()

	// Keep a scratch copy of the input for the lifetime of the invocation.
	scratch, err := os.CreateTemp(r.cfg.TempDir, "diagram-*.puml")
	if err != nil {
		return nil, fmt.Errorf("creating scratch file: %w", err)
	}
	scratchName := scratch.Name()
	defer os.Remove(scratchName)
	if _, err := scratch.WriteString(diagram); err != nil {
		scratch.Close()
		return nil, fmt.Errorf("writing scratch file: %w", err)
	}
	if err := scratch.Close(); err != nil {
		return nil, fmt.Errorf("closing scratch file: %w", err)
	}

	cmd := r.newCommand(ctx, format)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = strings.NewReader(diagram)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Graceful-then-forced termination: on context cancellation the process
	// gets SIGTERM, and SIGKILL once the grace period elapses.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.cfg.Render.GracePeriod

	r.log.Debug().Str("format", format).Msg("Invoking rendering engine")

	runErr := cmd.Run()

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			r.log.Warn().Str("format", format).Dur("timeout", r.cfg.Render.Timeout).Msg("Rendering engine timed out")
			return nil, apperrors.NewRenderTimeoutError(r.cfg.Render.Timeout)
		}
		return nil, ctxErr
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			diag := summarizeStderr(stderr.Bytes())
			r.log.Error().Int("exit_code", exitErr.ExitCode()).Str("stderr", diag).Msg("Rendering engine failed")
			return nil, apperrors.NewRenderEngineError(exitErr.ExitCode(), diag)
		}
		return nil, fmt.Errorf("starting rendering engine: %w", runErr)
	}

	if stdout.Len() == 0 {
		diag := summarizeStderr(stderr.Bytes())
		if diag == "" {
			diag = "engine produced no output"
		}
		return nil, apperrors.NewRenderEngineError(0, diag)
	}

	return stdout.Bytes(), nil
}

// summarizeStderr trims and caps the captured diagnostic text so error
// payloads stay bounded.
func summarizeStderr(stderr []byte) string {
	text := strings.TrimSpace(string(stderr))
	if len(text) > maxStderrBytes {
		text = text[:maxStderrBytes] + "... (truncated)"
	}
	return text
}
