package core

import "planstate/pkg/domain"

type (
	Severity           = domain.Severity
	Violation          = domain.Violation
	Result             = domain.Result
	Rule               = domain.Rule
	RuleView           = domain.RuleView
	RulesEngine        = domain.RulesEngine
	RuleViolationError = domain.RuleViolationError
	PersistentStore    = domain.PersistentStore
)

const (
	SeverityError = domain.SeverityError
	SeverityWarn  = domain.SeverityWarn
	SeverityInfo  = domain.SeverityInfo
)
