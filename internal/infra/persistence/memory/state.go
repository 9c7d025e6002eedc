package memory

import (
	"sort"
	"sync/atomic"
)

// State is a point-in-time copy of every record held by the store. Durable
// backends hydrate the store from it on open.
type State struct {
	Events    []Event                  `json:"events"`
	Snapshots []Snapshot               `json:"snapshots"`
	Runs      []Run                    `json:"runs"`
	Periods   map[string][]PeriodState `json:"periods"`
	Entities  []Entity                 `json:"entities"`
}

// ExportState returns a deep copy of the store contents.
func (s *Store) ExportState() State {
	var st State
	s.mu.RLock()
	for _, events := range s.events {
		for _, e := range events {
			st.Events = append(st.Events, e.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(st.Events, func(i, j int) bool { return st.Events[i].Sequence < st.Events[j].Sequence })

	s.snapMu.RLock()
	for _, hist := range s.history {
		for _, h := range hist {
			st.Snapshots = append(st.Snapshots, h.Clone())
		}
	}
	s.current.Range(func(_, v any) bool {
		if snap := v.(*atomic.Pointer[Snapshot]).Load(); snap != nil {
			st.Snapshots = append(st.Snapshots, snap.Clone())
		}
		return true
	})
	s.snapMu.RUnlock()

	s.runMu.RLock()
	for _, id := range s.runOrder {
		st.Runs = append(st.Runs, s.runs[id])
	}
	st.Periods = make(map[string][]PeriodState, len(s.periods))
	for runID, rows := range s.periods {
		for _, row := range rows {
			st.Periods[runID] = append(st.Periods[runID], row.Clone())
		}
	}
	s.runMu.RUnlock()

	s.entityMu.RLock()
	for _, e := range s.entities {
		st.Entities = append(st.Entities, e)
	}
	s.entityMu.RUnlock()
	return st
}

// ImportState loads records without invoking the writer. Snapshots flagged
// IsCurrent become current; the rest are retained as history.
func (s *Store) ImportState(st State) {
	s.mu.Lock()
	for _, e := range st.Events {
		if _, ok := s.ids[e.EventID]; ok {
			continue
		}
		s.insertLocked(e.Clone())
	}
	s.mu.Unlock()

	s.snapMu.Lock()
	for _, snap := range st.Snapshots {
		snap = snap.Clone()
		if snap.IsCurrent {
			ptr := s.currentPtr(snap.Key)
			if prev := ptr.Load(); prev != nil && prev.Version > snap.Version {
				continue
			}
			ptr.Store(&snap)
			continue
		}
		s.history[snap.Key] = append(s.history[snap.Key], snap)
	}
	s.snapMu.Unlock()

	s.runMu.Lock()
	sort.SliceStable(st.Runs, func(i, j int) bool { return st.Runs[i].CreatedAt.Before(st.Runs[j].CreatedAt) })
	for _, run := range st.Runs {
		s.putRunLocked(run)
	}
	for runID, rows := range st.Periods {
		s.upsertPeriodsLocked(runID, rows)
	}
	s.runMu.Unlock()

	s.entityMu.Lock()
	for _, e := range st.Entities {
		s.entities[entityKey{planID: e.PlanID, entityID: e.EntityID}] = e
	}
	s.entityMu.Unlock()
}

// Stats reports record counts, used by the CLI and tests.
func (s *Store) Stats() map[string]int {
	st := s.ExportState()
	rows := 0
	for _, r := range st.Periods {
		rows += len(r)
	}
	return map[string]int{
		"events":    len(st.Events),
		"snapshots": len(st.Snapshots),
		"runs":      len(st.Runs),
		"periods":   rows,
		"entities":  len(st.Entities),
	}
}
