// Package validator implements the pre-render input checks: size and format
// limits, @startuml/@enduml structure, and a weighted complexity score that
// rejects diagrams too large for the engine's time budget.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/umlforge/umlforge/internal/apperrors"
	"github.com/umlforge/umlforge/internal/config"
)

// complexityWeights maps diagram element patterns to their complexity score.
// The total weighted match count is compared against the configured cap.
var complexityWeights = map[*regexp.Regexp]int{
	// Classes and interfaces
	regexp.MustCompile(`(?im)\babstract\s+class\s+\w+`): 6,
	regexp.MustCompile(`(?im)\bclass\s+\w+`):            5,
	regexp.MustCompile(`(?im)\binterface\s+\w+`):        5,
	regexp.MustCompile(`(?im)\benum\s+\w+`):             4,
	// Relations
	regexp.MustCompile(`-->`):  2,
	regexp.MustCompile(`<--`):  2,
	regexp.MustCompile(`\|>`):  3,
	regexp.MustCompile(`<\|`):  3,
	regexp.MustCompile(`\*--`): 3,
	regexp.MustCompile(`--\*`): 3,
	regexp.MustCompile(`o--`):  3,
	regexp.MustCompile(`--o`):  3,
	// Sequence diagram elements
	regexp.MustCompile(`(?im)\bparticipant\s+\w+`): 3,
	regexp.MustCompile(`(?im)\bactor\s+\w+`):       3,
	regexp.MustCompile(`(?im)\bactivate\s+\w+`):    2,
	regexp.MustCompile(`(?im)\bdeactivate\s+\w+`):  2,
	regexp.MustCompile(`(?im)\balt\b`):             4,
	regexp.MustCompile(`(?im)\bopt\b`):             3,
	regexp.MustCompile(`(?im)\bloop\b`):            4,
	regexp.MustCompile(`(?im)\bpar\b`):             4,
	regexp.MustCompile(`(?im)\bnote\s+`):           2,
	// Use case, activity, and state elements
	regexp.MustCompile(`(?im)\busecase\s+`):   3,
	regexp.MustCompile(`(?im)\bif\s*\(`):      4,
	regexp.MustCompile(`(?im)\bwhile\s*\(`):   4,
	regexp.MustCompile(`(?im)\brepeat\b`):     4,
	regexp.MustCompile(`(?im)\bstate\s+\w+`):  3,
	regexp.MustCompile(`\[\*\]`):              2,
	// Component and deployment elements
	regexp.MustCompile(`(?im)\bcomponent\s+`): 4,
	regexp.MustCompile(`(?im)\bpackage\s+`):   3,
	regexp.MustCompile(`(?im)\bnode\s+`):      4,
	regexp.MustCompile(`(?im)\bdatabase\s+`):  4,
	regexp.MustCompile(`(?im)\bartifact\s+`):  3,
}

// Metadata describes a diagram without rendering it.
type Metadata struct {
	Kind       string `json:"kind"`
	Lines      int    `json:"lines"`
	Complexity int    `json:"complexity"`
}

// Validate runs all pre-render checks on the diagram text and requested
// format. Every failure is reported as a ValidationError; the render pipeline
// is never invoked for input that fails here.
func Validate(diagram, format string, cfg *config.Config) error {
	if strings.TrimSpace(diagram) == "" {
		return apperrors.NewValidationError("diagram", "must not be empty")
	}

	if size := len(diagram); size > cfg.Render.MaxInputSize {
		return apperrors.NewValidationError("diagram",
			fmt.Sprintf("size %d bytes exceeds the %d byte limit", size, cfg.Render.MaxInputSize))
	}

	if err := ValidateFormat(format, cfg.Render.AllowedFormats); err != nil {
		return err
	}

	if err := validateStructure(diagram); err != nil {
		return err
	}

	if score := Complexity(diagram); score > cfg.Render.MaxComplexity {
		return apperrors.NewValidationError("diagram",
			fmt.Sprintf("complexity score %d exceeds the configured maximum %d", score, cfg.Render.MaxComplexity))
	}

	return nil
}

// ValidateFormat checks that format is one of the allowed output formats.
func ValidateFormat(format string, allowed []string) error {
	for _, f := range allowed {
		if format == f {
			return nil
		}
	}
	return apperrors.NewValidationError("format",
		fmt.Sprintf("unsupported output format %q (allowed: %s)", format, strings.Join(allowed, ", ")))
}

// validateStructure checks the @startuml/@enduml framing: the diagram must
// start and end with the markers, and blocks must be balanced and not nested.
func validateStructure(diagram string) error {
	trimmed := strings.TrimSpace(diagram)

	if !strings.HasPrefix(trimmed, "@startuml") {
		return apperrors.NewValidationError("diagram", "must start with @startuml")
	}
	if !strings.HasSuffix(trimmed, "@enduml") {
		return apperrors.NewValidationError("diagram", "must end with @enduml")
	}

	open := false
	for i, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "@startuml"):
			if open {
				return apperrors.NewValidationError("diagram",
					fmt.Sprintf("nested @startuml on line %d", i+1))
			}
			open = true
		case strings.HasPrefix(line, "@enduml"):
			if !open {
				return apperrors.NewValidationError("diagram",
					fmt.Sprintf("@enduml without matching @startuml on line %d", i+1))
			}
			open = false
		}
	}
	if open {
		return apperrors.NewValidationError("diagram", "unclosed @startuml block")
	}
	return nil
}

// Complexity computes the weighted element score used to bound diagram size.
func Complexity(diagram string) int {
	score := 0
	for pattern, weight := range complexityWeights {
		score += len(pattern.FindAllStringIndex(diagram, -1)) * weight
	}
	return score
}

// Describe extracts lightweight metadata from a diagram: its detected kind,
// line count, and complexity score.
func Describe(diagram string) Metadata {
	lines := 0
	for _, line := range strings.Split(diagram, "\n") {
		if strings.TrimSpace(line) != "" {
			lines++
		}
	}
	return Metadata{
		Kind:       detectKind(diagram),
		Lines:      lines,
		Complexity: Complexity(diagram),
	}
}

var kindPatterns = []struct {
	kind    string
	pattern *regexp.Regexp
}{
	{"class", regexp.MustCompile(`(?im)\b(class|interface|enum)\s+\w+`)},
	{"usecase", regexp.MustCompile(`(?im)\busecase\s+`)},
	{"state", regexp.MustCompile(`(?im)(\bstate\s+\w+|\[\*\])`)},
	{"component", regexp.MustCompile(`(?im)\bcomponent\s+`)},
	{"activity", regexp.MustCompile(`(?im)\b(start|stop|fork|while)\b`)},
	{"sequence", regexp.MustCompile(`(?im)(\bparticipant\s+|\bactor\s+|->)`)},
}

func detectKind(diagram string) string {
	for _, k := range kindPatterns {
		if k.pattern.MatchString(diagram) {
			return k.kind
		}
	}
	return "generic"
}
