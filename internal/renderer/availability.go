package renderer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/umlforge/umlforge/internal/apperrors"
)

const probeDiagram = "@startuml\nAlice -> Bob: probe\n@enduml"

// CheckAvailability verifies that the rendering engine can actually produce
// output: the jar must exist, the Java runtime must execute, and a probe
// diagram must render. Called once at startup.
func (r *Runner) CheckAvailability(ctx context.Context) error {
	javaPath := r.cfg.PlantUML.JavaPath
	jarPath := r.cfg.PlantUML.JarPath

	if _, err := os.Stat(jarPath); err != nil {
		return apperrors.NewEngineNotFoundError(javaPath, jarPath, err)
	}

	if err := exec.CommandContext(ctx, javaPath, "-version").Run(); err != nil {
		return apperrors.NewEngineNotFoundError(javaPath, jarPath, fmt.Errorf("java runtime check failed: %w", err))
	}

	format := "png"
	if len(r.cfg.Render.AllowedFormats) > 0 {
		format = r.cfg.Render.AllowedFormats[0]
	}
	if _, err := r.Run(ctx, probeDiagram, format); err != nil {
		return apperrors.NewEngineNotFoundError(javaPath, jarPath, fmt.Errorf("probe render failed: %w", err))
	}

	r.log.Info().Str("jar", jarPath).Msg("Rendering engine available")
	return nil
}

// Version reports the engine version string, or an error when the engine
// cannot be executed.
func (r *Runner) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx,
		r.cfg.PlantUML.JavaPath, "-jar", r.cfg.PlantUML.JarPath, "-version").CombinedOutput()
	if err != nil {
		return "", apperrors.NewEngineNotFoundError(r.cfg.PlantUML.JavaPath, r.cfg.PlantUML.JarPath, err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line), nil
}
