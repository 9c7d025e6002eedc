package core

import (
	"fmt"
	"runtime"
	"time"

	"planstate/pkg/domain"

	"github.com/shopspring/decimal"
)

// RehirePolicy selects how a returning entity's value is seeded.
type RehirePolicy string

// Rehire policies. There is no implicit default: a rehire encountered with
// an unset policy fails the entity with an invalid_config error.
const (
	RehireRestorePrior    RehirePolicy = "restore_prior"
	RehireResetToBaseline RehirePolicy = "reset_to_baseline"
)

// BoundsPolicy selects what happens to out-of-range values.
type BoundsPolicy string

// Bounds policies.
const (
	BoundsClamp  BoundsPolicy = "clamp"
	BoundsReject BoundsPolicy = "reject"
)

// Bounds is an inclusive value range.
type Bounds struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Clamp pins v into the range and reports whether it moved.
func (b Bounds) Clamp(v decimal.Decimal) (decimal.Decimal, bool) {
	if v.LessThan(b.Min) {
		return b.Min, true
	}
	if v.GreaterThan(b.Max) {
		return b.Max, true
	}
	return v, false
}

// Contains reports whether v is inside the range.
func (b Bounds) Contains(v decimal.Decimal) bool {
	return !v.LessThan(b.Min) && !v.GreaterThan(b.Max)
}

// Config is the engine policy. It is passed explicitly to every component.
type Config struct {
	DefaultBounds   Bounds
	PlanBounds      map[string]Bounds
	DefaultBaseline *decimal.Decimal
	Baselines       map[string]decimal.Decimal

	// PeriodMonths is the grid period length; it must divide 12.
	PeriodMonths   int
	DeltaThreshold int
	Precedence     map[domain.EventType]int
	MaxPriority    int

	RehirePolicy RehirePolicy
	BoundsPolicy BoundsPolicy

	RetentionWindow      time.Duration
	Concurrency          int
	RetryAttempts        uint
	RetryInitialInterval time.Duration
	ReconcileEpsilon     decimal.Decimal
	ReferentialIntegrity bool
	DetailedReport       bool
}

// DefaultPrecedence is the standard same-day ranking, lower wins.
func DefaultPrecedence() map[domain.EventType]int {
	return map[domain.EventType]int{
		domain.EventEnrollment:   1,
		domain.EventEscalation:   2,
		domain.EventBaseline:     3,
		domain.EventCarryforward: 4,
		domain.EventHire:         1,
		domain.EventTermination:  1,
		domain.EventRehire:       1,
	}
}

// DefaultConfig returns the engine defaults. Baselines and the rehire policy
// are left unset and must be supplied by the deployment.
func DefaultConfig() Config {
	return Config{
		DefaultBounds:        Bounds{Min: decimal.Zero, Max: decimal.NewFromInt(1)},
		PlanBounds:           map[string]Bounds{},
		Baselines:            map[string]decimal.Decimal{},
		PeriodMonths:         1,
		DeltaThreshold:       2000,
		Precedence:           DefaultPrecedence(),
		MaxPriority:          9,
		BoundsPolicy:         BoundsClamp,
		RetentionWindow:      90 * 24 * time.Hour,
		Concurrency:          runtime.NumCPU(),
		RetryAttempts:        5,
		RetryInitialInterval: 25 * time.Millisecond,
		ReconcileEpsilon:     decimal.New(1, -9),
		ReferentialIntegrity: true,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return &domain.Error{Code: domain.CodeInvalidConfig, Message: fmt.Sprintf(format, args...)}
	}
	if c.PeriodMonths <= 0 || 12%c.PeriodMonths != 0 {
		return invalid("period_months %d must divide 12", c.PeriodMonths)
	}
	if c.DeltaThreshold <= 0 {
		return invalid("delta_threshold must be positive")
	}
	if c.MaxPriority <= 0 {
		return invalid("max_priority must be positive")
	}
	if c.DefaultBounds.Min.GreaterThan(c.DefaultBounds.Max) {
		return invalid("default bounds min %s exceeds max %s", c.DefaultBounds.Min, c.DefaultBounds.Max)
	}
	for plan, b := range c.PlanBounds {
		if b.Min.GreaterThan(b.Max) {
			return invalid("plan %s bounds min %s exceeds max %s", plan, b.Min, b.Max)
		}
	}
	for t, p := range c.Precedence {
		if !t.Known() {
			return invalid("precedence for unknown event type %q", t)
		}
		if p < 1 || p > c.MaxPriority {
			return invalid("precedence %d for %s outside [1,%d]", p, t, c.MaxPriority)
		}
	}
	switch c.RehirePolicy {
	case "", RehireRestorePrior, RehireResetToBaseline:
	default:
		return invalid("unknown rehire_policy %q", c.RehirePolicy)
	}
	switch c.BoundsPolicy {
	case BoundsClamp, BoundsReject:
	default:
		return invalid("unknown bounds_policy %q", c.BoundsPolicy)
	}
	if c.Concurrency < 0 {
		return invalid("concurrency must not be negative")
	}
	if c.ReconcileEpsilon.IsNegative() {
		return invalid("reconcile_epsilon must not be negative")
	}
	return nil
}

// BoundsFor returns the plan's bounds or the default.
func (c Config) BoundsFor(planID string) Bounds {
	if b, ok := c.PlanBounds[planID]; ok {
		return b
	}
	return c.DefaultBounds
}

// BaselineFor returns the plan's baseline default.
func (c Config) BaselineFor(planID string) (decimal.Decimal, bool) {
	if v, ok := c.Baselines[planID]; ok {
		return v, true
	}
	if c.DefaultBaseline != nil {
		return *c.DefaultBaseline, true
	}
	return decimal.Decimal{}, false
}

// PriorityFor returns the configured priority for an event type.
func (c Config) PriorityFor(t domain.EventType) (int, bool) {
	p, ok := c.Precedence[t]
	return p, ok
}

// syntheticPriority ranks policy-inserted changes below every real event.
func (c Config) syntheticPriority() int {
	return c.MaxPriority + 1
}

// PeriodsPerYear returns the grid size for a full year.
func (c Config) PeriodsPerYear() int {
	return 12 / c.PeriodMonths
}

func (c Config) workers() int {
	if c.Concurrency <= 0 {
		return 1
	}
	return c.Concurrency
}
