package domain

import (
	"fmt"
	"time"
)

// Severity captures rule outcomes.
type Severity string

// Rule severities determine whether a run may be published.
const (
	// SeverityError blocks downstream consumption of the run.
	SeverityError Severity = "error"
	// SeverityWarn is logged but does not block.
	SeverityWarn Severity = "warn"
	SeverityInfo Severity = "info"
)

// Violation is one failed check with enough context for remediation.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Key      Key      `json:"key"`
	Period   *Date    `json:"period,omitempty"`
	EventID  EventID  `json:"event_id,omitempty"`
	Value    string   `json:"value,omitempty"`
}

func (v Violation) String() string {
	s := fmt.Sprintf("%s[%s] %s: %s", v.Rule, v.Severity, v.Key, v.Message)
	if v.Period != nil {
		s += " period=" + v.Period.String()
	}
	return s
}

// Result aggregates violations.
type Result struct {
	Violations []Violation
}

// Merge appends the violations from other.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking reports whether any violation is error severity.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			return true
		}
	}
	return false
}

// MaxSampleViolations caps the samples carried per rule in a report.
const MaxSampleViolations = 10

// ValidationResult is the outcome of one rule across a run.
type ValidationResult struct {
	RuleName         string      `json:"rule_name"`
	Severity         Severity    `json:"severity"`
	Passed           bool        `json:"passed"`
	AffectedCount    int         `json:"affected_count"`
	SampleViolations []Violation `json:"sample_violations"`
}

// SeveritySummary rolls up results of one severity.
type SeveritySummary struct {
	Rules    int `json:"rules"`
	Failed   int `json:"failed"`
	Affected int `json:"affected"`
}

// Report is the structured output of a validator pass.
type Report struct {
	RunID       string                       `json:"run_id,omitempty"`
	ScenarioID  string                       `json:"scenario_id"`
	PlanID      string                       `json:"plan_id"`
	AsOf        Date                         `json:"as_of"`
	GeneratedAt time.Time                    `json:"generated_at"`
	Entities    int                          `json:"entities"`
	Results     []ValidationResult           `json:"results"`
	Summary     map[Severity]SeveritySummary `json:"summary"`
	Blocking    bool                         `json:"blocking"`
	Violations  []Violation                  `json:"violations,omitempty"`
}

// Err returns a ValidationFailure when any error-severity rule failed.
func (r Report) Err() error {
	if !r.Blocking {
		return nil
	}
	var failed []string
	for _, res := range r.Results {
		if !res.Passed && res.Severity == SeverityError {
			failed = append(failed, res.RuleName)
		}
	}
	return &Error{
		Code:    CodeValidationFailure,
		Message: fmt.Sprintf("blocking validation failures: %v", failed),
		Key:     Key{ScenarioID: r.ScenarioID, PlanID: r.PlanID},
	}
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return fmt.Sprintf("%d blocking rule violations", len(e.Result.Violations))
}

// Is matches ErrValidationFailure.
func (e RuleViolationError) Is(target error) bool {
	return target == ErrValidationFailure
}
