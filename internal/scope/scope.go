// Package scope holds the process-lifetime registry of shared host resources.
//
// Values are keyed by their static Go type, so there is at most one value per type.
// Native functions read from the registry; bootstrap code fills it before any script loads.
package scope

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrNotFound is returned when no value of the requested type was inserted.
var ErrNotFound = errors.New("scope: value not found")

// Scope is safe for concurrent use. The zero value is not usable; call New.
type Scope struct {
	mu    sync.RWMutex
	items map[reflect.Type]any
}

func New() *Scope {
	return &Scope{items: make(map[reflect.Type]any)}
}

// Insert stores v under the type T, replacing any previous value of that type.
// T may be an interface type; callers then retrieve it with the same interface.
func Insert[T any](s *Scope, v T) {
	key := reflect.TypeFor[T]()
	s.mu.Lock()
	s.items[key] = v
	s.mu.Unlock()
}

// Get returns the value stored under T.
func Get[T any](s *Scope) (T, error) {
	var zero T
	key := reflect.TypeFor[T]()

	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	// A nil interface value is stored as untyped nil and fails the assertion.
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is nil", ErrNotFound, key)
	}
	return t, nil
}

// MustGet is Get for bootstrap code where absence is a wiring bug.
func MustGet[T any](s *Scope) T {
	v, err := Get[T](s)
	if err != nil {
		panic(err)
	}
	return v
}

// Update runs fn with a pointer to the stored value under the write lock and
// stores the result back. fn must not call back into the Scope.
func Update[T any](s *Scope, fn func(*T)) error {
	key := reflect.TypeFor[T]()

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.items[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	cur, ok := v.(T)
	if !ok {
		return fmt.Errorf("%w: %s is nil", ErrNotFound, key)
	}
	fn(&cur)
	s.items[key] = cur
	return nil
}

// Has reports whether a usable value of type T is present.
func Has[T any](s *Scope) bool {
	_, err := Get[T](s)
	return err == nil
}

// Len returns the number of stored types.
func (s *Scope) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
