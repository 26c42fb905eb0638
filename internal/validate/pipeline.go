package validate

import (
	"fmt"
)

// Input is what every check sees: the raw entry-file payload and the
// component names the session's manifest declares.
type Input struct {
	Code         string
	Capabilities []string
}

// Check is one independent validation. Checks are pure functions of Input and
// must not depend on each other's output.
type Check interface {
	Category() string
	Check(in Input) ([]Notice, error)
}

// Pipeline runs its checks in a fixed order and merges their notices. A check
// that fails or panics contributes exactly one synthetic error notice tagged
// with its own category; the remaining checks still run.
type Pipeline struct {
	checks []Check
}

func NewPipeline(checks ...Check) *Pipeline {
	return &Pipeline{checks: checks}
}

// DefaultChecks is the built-in check order.
func DefaultChecks() []Check {
	return []Check{
		ScopeCheck{},
		SizeCheck{},
		SyntaxCheck{},
	}
}

func (p *Pipeline) Run(in Input) []Notice {
	merged := []Notice{}
	for _, check := range p.checks {
		notices := runOne(check, in)
		merged = append(merged, notices...)
	}
	return merged
}

func runOne(check Check, in Input) (notices []Notice) {
	defer func() {
		if r := recover(); r != nil {
			notices = []Notice{{
				Severity: SeverityError,
				Category: check.Category(),
				Message:  fmt.Sprintf("check panicked: %v", r),
			}}
		}
	}()

	out, err := check.Check(in)
	if err != nil {
		return []Notice{{
			Severity: SeverityError,
			Category: check.Category(),
			Message:  fmt.Sprintf("check failed: %v", err),
		}}
	}
	return out
}
