package traversal

import "sort"

// ExclusionSet is the set of object ids a traversal pass must not yield.
// One *ExclusionSet is shared by every Level of a pass; levels never copy it.
type ExclusionSet struct {
	ids map[string]struct{}
}

// NewExclusionSet creates a set holding ids.
func NewExclusionSet(ids ...string) *ExclusionSet {
	s := &ExclusionSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

func (s *ExclusionSet) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *ExclusionSet) Add(id string) {
	s.ids[id] = struct{}{}
}

func (s *ExclusionSet) Len() int {
	return len(s.ids)
}

// snapshot returns the current members, sorted.
func (s *ExclusionSet) snapshot() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// reset replaces the contents in place so every holder of the pointer sees it.
func (s *ExclusionSet) reset(ids []string) {
	clear(s.ids)
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
}
