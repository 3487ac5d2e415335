package utils

// Set implements a set, a structure with unique elements.
// The zero value is not usable, use MakeSet or SetWith.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set of the given type. The optional size is used as capacity hint.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// SetWith creates a Set with the given elements inserted.
func SetWith[T comparable](elements ...T) Set[T] {
	s := MakeSet[T](len(elements))
	s.Insert(elements...)
	return s
}

// Has returns whether the set contains the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert the given keys into the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Sub returns a new Set with the elements of s that are not in s2.
func (s Set[T]) Sub(s2 Set[T]) Set[T] {
	result := MakeSet[T](len(s))
	for key := range s {
		if !s2.Has(key) {
			result.Insert(key)
		}
	}
	return result
}

// Equal returns whether the two sets have exactly the same elements.
func (s Set[T]) Equal(s2 Set[T]) bool {
	if len(s) != len(s2) {
		return false
	}
	for key := range s {
		if !s2.Has(key) {
			return false
		}
	}
	return true
}
