// Package allowlist provides an index-addressed set: a map from member to
// its slot in a compact slice, so Add, Remove and Contains are O(1) and the
// members can be listed in a stable order. Remove swaps the last member into
// the freed slot.
package allowlist

// Set is an enumerable set of comparable members. The zero value is empty
// and ready to use. A Set is not safe for concurrent use.
type Set[T comparable] struct {
	index   map[T]int
	members []T
}

// New returns a set holding the given members.
func New[T comparable](members ...T) *Set[T] {
	s := &Set[T]{}
	for _, m := range members {
		s.Add(m)
	}
	return s
}

// Add inserts m and reports whether it was not already present.
func (s *Set[T]) Add(m T) bool {
	if s.index == nil {
		s.index = make(map[T]int)
	}
	if _, ok := s.index[m]; ok {
		return false
	}
	s.index[m] = len(s.members)
	s.members = append(s.members, m)
	return true
}

// Remove deletes m and reports whether it was present.
func (s *Set[T]) Remove(m T) bool {
	i, ok := s.index[m]
	if !ok {
		return false
	}
	last := len(s.members) - 1
	if i != last {
		moved := s.members[last]
		s.members[i] = moved
		s.index[moved] = i
	}
	var zero T
	s.members[last] = zero
	s.members = s.members[:last]
	delete(s.index, m)
	return true
}

// Contains reports whether m is a member.
func (s *Set[T]) Contains(m T) bool {
	_, ok := s.index[m]
	return ok
}

// Len returns the number of members.
func (s *Set[T]) Len() int {
	return len(s.members)
}

// At returns the member in slot i.
func (s *Set[T]) At(i int) T {
	return s.members[i]
}

// Members returns a copy of the members in slot order.
func (s *Set[T]) Members() []T {
	out := make([]T, len(s.members))
	copy(out, s.members)
	return out
}
