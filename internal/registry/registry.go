package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Sentinel errors for registry operations.
var (
	// ErrConflict is returned when a tag is registered twice.
	ErrConflict = errors.New("registry: tag already registered")

	// ErrNotFound is returned when a tag has no registered entry.
	ErrNotFound = errors.New("registry: unknown entry")
)

// ConflictError reports a duplicate registration.
type ConflictError struct {
	Kind string
	Tag  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already registered", e.Kind, e.Tag)
}

// Is allows errors.Is(err, registry.ErrConflict).
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NotFoundError reports a tag that could not be resolved.
type NotFoundError struct {
	Kind string
	Tag  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q is not registered", e.Kind, e.Tag)
}

// Is allows errors.Is(err, registry.ErrNotFound).
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Registry maps unique string tags to values of type T. Entries are never
// removed individually; Reset clears the whole registry for tests. Safe for
// concurrent use.
type Registry[T any] struct {
	kind string

	mu      sync.RWMutex
	entries map[string]T
}

// New creates an empty registry. kind names what the registry holds and is
// used in error messages ("core", "extension", ...).
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:    kind,
		entries: make(map[string]T),
	}
}

// Kind returns the registry's kind label.
func (r *Registry[T]) Kind() string {
	return r.kind
}

// Register adds v under tag. A second registration for the same tag fails
// with a *ConflictError and leaves the first entry in place.
func (r *Registry[T]) Register(tag string, v T) error {
	if tag == "" {
		return fmt.Errorf("%s tag must not be empty", r.kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[tag]; exists {
		return &ConflictError{Kind: r.kind, Tag: tag}
	}
	r.entries[tag] = v
	return nil
}

// Reset drops every entry. Only tests should call it.
func (r *Registry[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]T)
}

// MustRegister is like Register but panics on error. Intended for
// process start-up wiring where a duplicate is a programming mistake.
func (r *Registry[T]) MustRegister(tag string, v T) {
	if err := r.Register(tag, v); err != nil {
		panic(err)
	}
}

// Resolve returns the entry registered under tag, or a *NotFoundError.
func (r *Registry[T]) Resolve(tag string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.entries[tag]
	if !ok {
		var zero T
		return zero, &NotFoundError{Kind: r.kind, Tag: tag}
	}
	return v, nil
}

// Has reports whether tag is registered.
func (r *Registry[T]) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[tag]
	return ok
}

// Len returns the number of registered entries.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Tags returns all registered tags sorted by name for stable output.
func (r *Registry[T]) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.entries))
	for tag := range r.entries {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
