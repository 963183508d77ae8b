package weights

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/unidenoise/internal/tensor"
)

// ErrUnknownParameter is returned when a parameter key does not exist.
var ErrUnknownParameter = errors.New("weights: unknown parameter")

// Parameters is the narrow view of model weights that resource patches and
// the ledger operate on.
type Parameters interface {
	// Parameter returns the current value stored under key.
	Parameter(key string) (*tensor.Tensor, error)

	// SetParameter replaces the value stored under key. The shape must match
	// the existing parameter.
	SetParameter(key string, v *tensor.Tensor) error
}

// Compile-time interface satisfaction check.
var _ Parameters = (*Store)(nil)

// Store is an in-memory parameter set. It is safe for concurrent use, but
// callers must still serialize runs that patch the same Store.
type Store struct {
	mu     sync.RWMutex
	params map[string]*tensor.Tensor
}

// NewStore creates a Store holding copies of the given parameters.
func NewStore(params map[string]*tensor.Tensor) *Store {
	s := &Store{params: make(map[string]*tensor.Tensor, len(params))}
	for k, v := range params {
		s.params[k] = v.Clone()
	}
	return s
}

// Parameter returns a copy of the value stored under key.
func (s *Store) Parameter(key string) (*tensor.Tensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.params[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParameter, key)
	}
	return v.Clone(), nil
}

// SetParameter replaces the value stored under key.
func (s *Store) SetParameter(key string, v *tensor.Tensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.params[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownParameter, key)
	}
	if !cur.SameShape(v) {
		return fmt.Errorf("%w: parameter %q has shape %v, got %v",
			tensor.ErrShapeMismatch, key, cur.Shape, v.Shape)
	}
	s.params[key] = v.Clone()
	return nil
}

// Keys returns all parameter keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.params))
	for k := range s.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns deep copies of every parameter.
func (s *Store) Snapshot() map[string]*tensor.Tensor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*tensor.Tensor, len(s.params))
	for k, v := range s.params {
		out[k] = v.Clone()
	}
	return out
}
