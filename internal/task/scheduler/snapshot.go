package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.c != nil, Timezone: s.cfg.Timezone}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		ti := TaskInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout, Spread: d.spread, Running: d.state.Running()}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			ti.Next, ti.Prev = e.Next, e.Prev
		}
		snap.Tasks = append(snap.Tasks, ti)
	}
	eng := s.engine
	s.mu.Unlock()

	if eng != nil {
		es := eng.Snapshot()
		for i := range snap.Tasks {
			snap.Tasks[i].Stats = es.Tasks[snap.Tasks[i].Name]
		}
		snap.History = es.History
	}
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Name < snap.Tasks[j].Name })
	return snap
}
