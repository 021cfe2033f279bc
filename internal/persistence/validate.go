package persistence

import (
	"fmt"
	"strings"
)

// Evidence minimums. Trimmed lengths; whitespace padding does not
// satisfy the gate.
const (
	minNotesLen   = 20
	minStepsLen   = 10
	minResultsLen = 10
)

func (r *Repository) validateSubmission(sub *Submission) error {
	if strings.TrimSpace(sub.DuplicateGuard) == "" {
		return &ValidationError{Field: "duplicate_guard", Reason: "must not be empty"}
	}
	if len(sub.DuplicateGuard) > r.limits.MaxGuardLen {
		return tooLong("duplicate_guard", r.limits.MaxGuardLen)
	}
	if sub.Priority < P0 || sub.Priority > P4 {
		return &ValidationError{Field: "priority", Reason: "must be between 0 and 4"}
	}
	if strings.TrimSpace(sub.Message) == "" {
		return &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if len(sub.Message) > r.limits.MaxMessageLen {
		return tooLong("message", r.limits.MaxMessageLen)
	}
	if len(sub.Source) > r.limits.MaxSourceLen {
		return tooLong("source", r.limits.MaxSourceLen)
	}
	if len(sub.ErrorType) > r.limits.MaxErrorTypeLen {
		return tooLong("error_type", r.limits.MaxErrorTypeLen)
	}
	if len(sub.StackTrace) > r.limits.MaxStackTraceLen {
		return tooLong("stack_trace", r.limits.MaxStackTraceLen)
	}
	if len(sub.RunLabel) > r.limits.MaxLabelLen {
		return tooLong("run_label", r.limits.MaxLabelLen)
	}
	if len(sub.Owner) > r.limits.MaxLabelLen {
		return tooLong("owner", r.limits.MaxLabelLen)
	}
	if len(sub.Branch) > r.limits.MaxLabelLen {
		return tooLong("branch", r.limits.MaxLabelLen)
	}
	return nil
}

func (r *Repository) validatePatch(p *Patch) error {
	if p.Priority != nil && (*p.Priority < P0 || *p.Priority > P4) {
		return &ValidationError{Field: "priority", Reason: "must be between 0 and 4"}
	}
	if p.Message != nil {
		if strings.TrimSpace(*p.Message) == "" {
			return &ValidationError{Field: "message", Reason: "must not be empty"}
		}
		if len(*p.Message) > r.limits.MaxMessageLen {
			return tooLong("message", r.limits.MaxMessageLen)
		}
	}
	if p.Source != nil && len(*p.Source) > r.limits.MaxSourceLen {
		return tooLong("source", r.limits.MaxSourceLen)
	}
	if p.ErrorType != nil && len(*p.ErrorType) > r.limits.MaxErrorTypeLen {
		return tooLong("error_type", r.limits.MaxErrorTypeLen)
	}
	if p.StackTrace != nil && len(*p.StackTrace) > r.limits.MaxStackTraceLen {
		return tooLong("stack_trace", r.limits.MaxStackTraceLen)
	}
	if p.RunLabel != nil && len(*p.RunLabel) > r.limits.MaxLabelLen {
		return tooLong("run_label", r.limits.MaxLabelLen)
	}
	if p.Owner != nil && len(*p.Owner) > r.limits.MaxLabelLen {
		return tooLong("owner", r.limits.MaxLabelLen)
	}
	if p.Branch != nil && len(*p.Branch) > r.limits.MaxLabelLen {
		return tooLong("branch", r.limits.MaxLabelLen)
	}
	return nil
}

func validateEvidence(ev *Evidence) error {
	if len(strings.TrimSpace(ev.Notes)) < minNotesLen {
		return tooShort("completion_notes", minNotesLen)
	}
	if len(strings.TrimSpace(ev.TestSteps)) < minStepsLen {
		return tooShort("test_steps", minStepsLen)
	}
	if len(strings.TrimSpace(ev.TestResults)) < minResultsLen {
		return tooShort("test_results", minResultsLen)
	}
	return nil
}

func tooLong(field string, max int) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf("exceeds %d characters", max)}
}

func tooShort(field string, min int) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf("requires at least %d characters", min)}
}
