package core

import (
	"cmp"
	"fmt"
	"slices"

	"planstate/pkg/domain"
)

// NormalizeEvent rejects unknown types and out-of-domain priorities and
// fills a zero priority from the precedence table.
func (c Config) NormalizeEvent(e domain.Event) (domain.Event, error) {
	if err := e.Key.Validate(); err != nil {
		return e, err
	}
	invalid := func(msg string) *domain.Error {
		return &domain.Error{Code: domain.CodeInvalidEvent, Key: e.Key, EventID: e.EventID, Message: msg}
	}
	if !e.EventType.Known() {
		return e, invalid(fmt.Sprintf("unknown event_type %q", e.EventType))
	}
	if e.EffectiveDate.IsZero() {
		return e, invalid("effective_date is required")
	}
	if e.Priority == 0 {
		p, ok := c.PriorityFor(e.EventType)
		if !ok {
			return e, invalid(fmt.Sprintf("no precedence configured for %s", e.EventType))
		}
		e.Priority = p
	}
	if e.Priority < 1 || e.Priority > c.MaxPriority {
		err := invalid(fmt.Sprintf("priority outside [1,%d]", c.MaxPriority))
		err.Value = fmt.Sprint(e.Priority)
		return e, err
	}
	for _, src := range e.SourceEventIDs {
		if src == 0 {
			return e, invalid("source_event_ids must be non-zero")
		}
	}
	return e, nil
}

// compareCandidates ranks same-date events: lower priority first, then lower id.
func compareCandidates(a, b domain.Event) int {
	if c := a.EffectiveDate.Compare(b.EffectiveDate); c != 0 {
		return c
	}
	if a.Priority != b.Priority {
		return a.Priority - b.Priority
	}
	switch {
	case a.EventID < b.EventID:
		return -1
	case a.EventID > b.EventID:
		return 1
	}
	return 0
}

// Resolve produces one StateChange per effective date from the value events
// of a single key, in chronological order. Lifecycle events are ignored.
func Resolve(events []domain.Event) []domain.StateChange {
	candidates := make([]domain.Event, 0, len(events))
	for _, e := range events {
		if e.EventType.IsLifecycle() {
			continue
		}
		candidates = append(candidates, e)
	}
	slices.SortFunc(candidates, compareCandidates)

	changes := make([]domain.StateChange, 0, len(candidates))
	for i, e := range candidates {
		if i > 0 && candidates[i-1].EffectiveDate.Equal(e.EffectiveDate) {
			continue
		}
		changes = append(changes, changeOf(e))
	}
	return changes
}

func changeOf(e domain.Event) domain.StateChange {
	var sources []domain.EventID
	if len(e.SourceEventIDs) > 0 {
		sources = append([]domain.EventID(nil), e.SourceEventIDs...)
	}
	return domain.StateChange{
		Key:            e.Key,
		EffectiveDate:  e.EffectiveDate,
		Value:          e.Value,
		Priority:       e.Priority,
		EventID:        e.EventID,
		EventType:      e.EventType,
		SourceEventIDs: sources,
	}
}

// ResolveLifecycle folds lifecycle events into active segments. Events are
// applied in (date, kind, id) order with terminations ahead of same-day
// rehires: the earliest hire opens the first segment, a termination closes
// the open segment and a rehire (or later hire) opens a new one. Without a
// hire the first segment is open from the beginning of time; events dated
// before the first hire are ignored.
func ResolveLifecycle(events []domain.Event) domain.Lifecycle {
	var ordered []domain.Event
	for _, e := range events {
		if e.EventType.IsLifecycle() {
			ordered = append(ordered, e)
		}
	}
	if len(ordered) == 0 {
		return domain.Lifecycle{}
	}
	slices.SortStableFunc(ordered, func(a, b domain.Event) int {
		if c := a.EffectiveDate.Compare(b.EffectiveDate); c != 0 {
			return c
		}
		if c := cmp.Compare(lifecycleRank(a.EventType), lifecycleRank(b.EventType)); c != 0 {
			return c
		}
		return cmp.Compare(a.EventID, b.EventID)
	})

	var segs []domain.Segment
	var firstHire *domain.Date
	for _, e := range ordered {
		if e.EventType == domain.EventHire {
			d := e.EffectiveDate
			firstHire = &d
			break
		}
	}
	if firstHire != nil {
		segs = append(segs, domain.Segment{Start: *firstHire})
	} else {
		segs = append(segs, domain.Segment{})
	}
	for _, e := range ordered {
		d := e.EffectiveDate
		if firstHire != nil && d.Before(*firstHire) {
			continue
		}
		open := segs[len(segs)-1].End == nil
		switch e.EventType {
		case domain.EventTermination:
			if open {
				segs[len(segs)-1].End = &d
			}
		case domain.EventHire, domain.EventRehire:
			if !open {
				segs = append(segs, domain.Segment{Start: d})
			}
		}
	}
	return domain.Lifecycle{Active: segs}
}

func lifecycleRank(t domain.EventType) int {
	switch t {
	case domain.EventHire:
		return 0
	case domain.EventTermination:
		return 1
	default:
		return 2
	}
}

// applyRehirePolicy returns the changes merged with the policy-inserted seed
// for every rehire segment. A real change on a rehire date keeps precedence
// over the seed.
func applyRehirePolicy(key domain.Key, changes []domain.StateChange, lc domain.Lifecycle, cfg Config) ([]domain.StateChange, error) {
	rehires := lc.Rehires()
	if len(rehires) == 0 {
		return changes, nil
	}
	switch cfg.RehirePolicy {
	case RehireRestorePrior:
		return changes, nil
	case RehireResetToBaseline:
	default:
		return nil, &domain.Error{Code: domain.CodeInvalidConfig, Key: key, Message: "rehire encountered but rehire_policy is not configured"}
	}
	baseline, ok := cfg.BaselineFor(key.PlanID)
	if !ok {
		return nil, &domain.Error{Code: domain.CodeMissingBaseline, Key: key, Message: "rehire reset requires a plan baseline"}
	}
	out := make([]domain.StateChange, 0, len(changes)+len(rehires))
	i := 0
	for _, rehire := range rehires {
		for i < len(changes) && changes[i].EffectiveDate.Before(rehire) {
			out = append(out, changes[i])
			i++
		}
		if i < len(changes) && changes[i].EffectiveDate.Equal(rehire) {
			continue
		}
		out = append(out, domain.StateChange{
			Key:           key,
			EffectiveDate: rehire,
			Value:         baseline,
			Priority:      cfg.syntheticPriority(),
			EventType:     domain.EventBaseline,
			Synthetic:     true,
		})
	}
	return append(out, changes[i:]...), nil
}
