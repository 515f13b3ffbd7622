package util

import (
	"math/rand"
	"sync"
)

// ArraySet is a small insertion-ordered set backed by a slice. Hosts of a
// file are kept here, and the first element is treated as the primary.
// It is thread-safe since a mutex is used.
type ArraySet[T comparable] struct {
	arr  []T
	lock sync.RWMutex
}

// Add appends element unless it is already present.
func (s *ArraySet[T]) Add(element T) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, v := range s.arr {
		if v == element {
			return
		}
	}
	s.arr = append(s.arr, element)
}

// Delete removes element, keeping the order of the rest.
// It reports whether element was present.
func (s *ArraySet[T]) Delete(element T) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i, v := range s.arr {
		if v == element {
			s.arr = append(s.arr[:i], s.arr[i+1:]...)
			return true
		}
	}
	return false
}

func (s *ArraySet[T]) Contains(element T) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, v := range s.arr {
		if v == element {
			return true
		}
	}
	return false
}

// Size returns the size of the set.
func (s *ArraySet[T]) Size() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.arr)
}

// First returns the oldest element, or false if the set is empty.
func (s *ArraySet[T]) First() (T, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var zero T
	if len(s.arr) == 0 {
		return zero, false
	}
	return s.arr[0], true
}

// RandomPick picks a random element from the set, or false if it is empty.
func (s *ArraySet[T]) RandomPick() (T, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var zero T
	if len(s.arr) == 0 {
		return zero, false
	}
	return s.arr[rand.Intn(len(s.arr))], true
}

// GetAll returns a copy of all elements in insertion order.
func (s *ArraySet[T]) GetAll() []T {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return append([]T(nil), s.arr...)
}

// GetAllAndClear returns all elements and empties the set.
func (s *ArraySet[T]) GetAllAndClear() []T {
	s.lock.Lock()
	defer s.lock.Unlock()
	old := s.arr
	s.arr = nil
	return old
}
