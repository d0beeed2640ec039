package advflow

import (
	"fmt"
	"strings"
)

// =============================================================================
// ERROR TYPES
// Three failure classes, all fail-fast:
//   ConfigError  - invalid construction input, raised before any work starts
//   ComputeError - forward/backward failure, wraps the cause unmodified
//   StateError   - a runtime invariant was violated (e.g. capture slot length)
// =============================================================================

// ConfigError reports an invalid configuration value at construction time.
type ConfigError struct {
	Component string // "NormalizationContext", "PerturbationEngine", ...
	Field     string
	Cause     string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "advflow: %s invalid configuration", e.Component)
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	fmt.Fprintf(&b, ": %s", e.Cause)
	return b.String()
}

func configErrorf(component, field, format string, args ...interface{}) error {
	return &ConfigError{
		Component: component,
		Field:     field,
		Cause:     fmt.Sprintf(format, args...),
	}
}

// ComputeError wraps a forward or backward failure. The underlying error is
// carried unmodified; no retry or partial recovery is attempted, since a
// half-applied step would corrupt the epsilon-ball or capture invariants.
type ComputeError struct {
	Component string
	Phase     string // "forward", "backward"
	Err       error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("advflow: %s %s failed: %v", e.Component, e.Phase, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// StateError reports a violated runtime invariant. It is never downgraded to
// a silent fixup: truncating or padding the capture slot would corrupt the
// regularization signal invisibly.
type StateError struct {
	Component string
	Cause     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("advflow: %s state violation: %s", e.Component, e.Cause)
}

func stateErrorf(component, format string, args ...interface{}) error {
	return &StateError{
		Component: component,
		Cause:     fmt.Sprintf(format, args...),
	}
}
