package core

import (
	"planstate/pkg/domain"

	"github.com/shopspring/decimal"
)

// marks is the fold accumulator behind a snapshot: the precedence winner for
// the effective value and for each contributing event type. Folding is
// commutative and idempotent, so events may be applied in any order and more
// than once.
type marks map[string]domain.StateMark

func (m marks) fold(e domain.Event, asOf domain.Date) bool {
	if e.EventType.IsLifecycle() || e.EffectiveDate.After(asOf) {
		return false
	}
	mark := domain.MarkOf(changeOf(e))
	m.offer(domain.BalanceEffective, mark)
	m.offer(string(e.EventType), mark)
	return true
}

func (m marks) offer(name string, mark domain.StateMark) {
	if cur, ok := m[name]; ok && !mark.Beats(cur) {
		return
	}
	m[name] = mark
}

func (m marks) clone() marks {
	out := make(marks, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// seedRehire adds the policy-inserted change for a rehire on or before asOf.
func (m marks) seedRehire(key domain.Key, lc domain.Lifecycle, asOf domain.Date, cfg Config) error {
	seeded, err := applyRehirePolicy(key, nil, lc, cfg)
	if err != nil {
		return err
	}
	for _, c := range seeded {
		if !c.EffectiveDate.After(asOf) {
			m.offer(domain.BalanceEffective, domain.MarkOf(c))
		}
	}
	return nil
}

// stateValue is the composed point-in-time state of one key.
type stateValue struct {
	Value           decimal.Decimal
	Balances        map[string]decimal.Decimal
	Mark            *domain.StateMark
	SourceType      domain.SourceType
	IsActive        bool
	BoundsViolation bool
}

// compose derives the clamped state at asOf from folded marks and lifecycle.
func compose(key domain.Key, asOf domain.Date, m marks, lc domain.Lifecycle, cfg Config) (stateValue, error) {
	bounds := cfg.BoundsFor(key.PlanID)
	out := stateValue{
		Balances: make(map[string]decimal.Decimal, len(m)+1),
		IsActive: lc.ActiveOn(asOf),
	}
	clamp := func(name string, v decimal.Decimal) (decimal.Decimal, error) {
		c, moved := bounds.Clamp(v)
		if !moved {
			return v, nil
		}
		if cfg.BoundsPolicy == BoundsReject {
			return v, &domain.Error{Code: domain.CodeBoundsViolation, Key: key, Rule: name, Value: v.String(),
				Message: "value outside [" + bounds.Min.String() + "," + bounds.Max.String() + "]"}
		}
		out.BoundsViolation = true
		return c, nil
	}
	for name, mark := range m {
		if name == domain.BalanceEffective {
			continue
		}
		v, err := clamp(name, mark.Value)
		if err != nil {
			return stateValue{}, err
		}
		out.Balances[name] = v
	}
	if mark, ok := m[domain.BalanceEffective]; ok {
		v, err := clamp(domain.BalanceEffective, mark.Value)
		if err != nil {
			return stateValue{}, err
		}
		mk := mark
		out.Mark = &mk
		out.Value = v
		out.SourceType = domain.SourceEvent
		if mark.Synthetic {
			out.SourceType = domain.SourceBaseline
		}
	} else {
		baseline, ok := cfg.BaselineFor(key.PlanID)
		switch {
		case ok:
			v, err := clamp(domain.BalanceEffective, baseline)
			if err != nil {
				return stateValue{}, err
			}
			out.Value = v
		case out.IsActive:
			return stateValue{}, &domain.Error{Code: domain.CodeMissingBaseline, Key: key, Message: "no prior state and no baseline configured"}
		default:
			out.Value = decimal.Zero
		}
		out.SourceType = domain.SourceBaseline
	}
	if _, seeded := out.Balances[string(domain.EventBaseline)]; !seeded {
		if baseline, ok := cfg.BaselineFor(key.PlanID); ok {
			out.Balances[string(domain.EventBaseline)], _ = bounds.Clamp(baseline)
		}
	}
	out.Balances[domain.BalanceEffective] = out.Value
	return out, nil
}

// replayState recomputes state at asOf from a full event list.
func replayState(key domain.Key, events []domain.Event, asOf domain.Date, cfg Config) (stateValue, marks, domain.Lifecycle, error) {
	m := marks{}
	var lifecycleEvents []domain.Event
	for _, e := range events {
		if e.EffectiveDate.After(asOf) {
			continue
		}
		if e.EventType.IsLifecycle() {
			lifecycleEvents = append(lifecycleEvents, e)
			continue
		}
		m.fold(e, asOf)
	}
	lc := ResolveLifecycle(lifecycleEvents)
	if err := m.seedRehire(key, lc, asOf, cfg); err != nil {
		return stateValue{}, nil, lc, err
	}
	st, err := compose(key, asOf, m, lc, cfg)
	return st, m, lc, err
}
