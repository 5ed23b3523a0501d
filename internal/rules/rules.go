package rules

import (
	"sort"
	"sync/atomic"

	"jobflow/internal/domain"
)

// Snapshot is an immutable view of statuses, transitions and criteria.
type Snapshot struct {
	statuses    map[string]domain.Status
	ordered     []domain.Status
	exact       map[string]map[string]domain.Transition // from -> to -> edge
	wildcard    map[string]domain.Transition            // to -> edge
	criteria    map[string]domain.Criterion
	criteriaSeq []domain.Criterion
}

// NewSnapshot indexes the given rows. Inactive transitions are dropped; inactive
// statuses and criteria stay resolvable for history and old evaluations.
func NewSnapshot(statuses []domain.Status, transitions []domain.Transition, criteria []domain.Criterion) *Snapshot {
	s := &Snapshot{
		statuses: make(map[string]domain.Status, len(statuses)),
		exact:    map[string]map[string]domain.Transition{},
		wildcard: map[string]domain.Transition{},
		criteria: make(map[string]domain.Criterion, len(criteria)),
	}
	for _, st := range statuses {
		s.statuses[st.Key] = st
		s.ordered = append(s.ordered, st)
	}
	sort.SliceStable(s.ordered, func(i, j int) bool {
		return lessStatus(s.ordered[i], s.ordered[j])
	})
	for _, t := range transitions {
		if !t.Active {
			continue
		}
		if t.FromStatus == domain.WildcardStatus {
			s.wildcard[t.ToStatus] = t
			continue
		}
		if s.exact[t.FromStatus] == nil {
			s.exact[t.FromStatus] = map[string]domain.Transition{}
		}
		s.exact[t.FromStatus][t.ToStatus] = t
	}
	for _, c := range criteria {
		s.criteria[c.Key] = c
		s.criteriaSeq = append(s.criteriaSeq, c)
	}
	sort.Slice(s.criteriaSeq, func(i, j int) bool { return s.criteriaSeq[i].Key < s.criteriaSeq[j].Key })
	return s
}

func lessStatus(a, b domain.Status) bool {
	if a.SortOrder != b.SortOrder {
		return a.SortOrder < b.SortOrder
	}
	return a.Key < b.Key
}

// Status looks up a status by key.
func (s *Snapshot) Status(key string) (domain.Status, bool) {
	st, ok := s.statuses[key]
	return st, ok
}

// Statuses returns every known status ordered by sort order.
func (s *Snapshot) Statuses() []domain.Status {
	return append([]domain.Status(nil), s.ordered...)
}

func (s *Snapshot) Criterion(key string) (domain.Criterion, bool) {
	c, ok := s.criteria[key]
	return c, ok
}

func (s *Snapshot) Criteria() []domain.Criterion {
	return append([]domain.Criterion(nil), s.criteriaSeq...)
}

// Legal returns the transitions role may take from current. An exact edge
// shadows a wildcard edge to the same target, and a wildcard edge never
// offers current itself.
func (s *Snapshot) Legal(current, role string) []domain.TransitionView {
	var out []domain.Transition
	for _, t := range s.candidates(current, role) {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return lessStatus(s.statuses[out[i].ToStatus], s.statuses[out[j].ToStatus])
	})
	views := make([]domain.TransitionView, 0, len(out))
	for _, t := range out {
		st := s.statuses[t.ToStatus]
		views = append(views, domain.TransitionView{
			ToStatus:      domain.StatusRef{Key: st.Key, Label: st.Label, Color: st.Color},
			RequiresNote:  t.RequiresNote,
			RequiresParts: t.RequiresParts,
		})
	}
	return views
}

// Match resolves the edge governing current -> to for role. ok is false when
// no legal edge exists.
func (s *Snapshot) Match(current, to, role string) (domain.Transition, bool) {
	t, found := s.candidates(current, role)[to]
	return t, found
}

// candidates merges the exact and wildcard edges out of current that role may
// use and whose target is an active status.
func (s *Snapshot) candidates(current, role string) map[string]domain.Transition {
	out := map[string]domain.Transition{}
	for to, t := range s.wildcard {
		if to == current || !t.AllowsRole(role) {
			continue
		}
		out[to] = t
	}
	for to, t := range s.exact[current] {
		if t.AllowsRole(role) {
			out[to] = t
		}
	}
	for to := range out {
		if st, ok := s.statuses[to]; !ok || !st.Active {
			delete(out, to)
		}
	}
	return out
}

// Registry hands out the current snapshot; Swap replaces it atomically.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

func NewRegistry(s *Snapshot) *Registry {
	r := &Registry{}
	if s == nil {
		s = NewSnapshot(nil, nil, nil)
	}
	r.current.Store(s)
	return r
}

func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

func (r *Registry) Swap(s *Snapshot) {
	r.current.Store(s)
}
