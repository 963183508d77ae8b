package weights

import (
	"errors"
	"fmt"
	"sync"

	"github.com/seantiz/unidenoise/internal/tensor"
)

// ErrLedgerClosed is returned when recording into a ledger that has already
// been restored.
var ErrLedgerClosed = errors.New("weights: ledger already restored")

// Ledger records the original value of every parameter touched during one
// run. The first recording of a key wins; later recordings of the same key
// are ignored so layered patches still restore to the pre-run value.
type Ledger struct {
	mu        sync.Mutex
	originals map[string]*tensor.Tensor
	order     []string
	closed    bool
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{originals: make(map[string]*tensor.Tensor)}
}

// Save records v as the original value for key unless key is already
// recorded. It reports whether this call recorded the value.
func (l *Ledger) Save(key string, v *tensor.Tensor) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, ErrLedgerClosed
	}
	if _, ok := l.originals[key]; ok {
		return false, nil
	}
	l.originals[key] = v.Clone()
	l.order = append(l.order, key)
	return true, nil
}

// Apply records the current value of key (if not yet recorded), then
// replaces it with fn(current).
func (l *Ledger) Apply(params Parameters, key string, fn func(cur *tensor.Tensor) (*tensor.Tensor, error)) error {
	cur, err := params.Parameter(key)
	if err != nil {
		return err
	}
	if _, err := l.Save(key, cur); err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return fmt.Errorf("patch %q: %w", key, err)
	}
	return params.SetParameter(key, next)
}

// Original returns a copy of the recorded original for key.
func (l *Ledger) Original(key string) (*tensor.Tensor, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.originals[key]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// Keys returns recorded keys in recording order.
func (l *Ledger) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

// Restore writes every recorded original back into params exactly once and
// closes the ledger. Calling Restore again is a no-op. Every key is attempted
// even if an earlier write fails; failures are joined into the returned error.
func (l *Ledger) Restore(params Parameters) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, nil
	}
	l.closed = true

	var errs []error
	restored := 0
	for _, key := range l.order {
		if err := params.SetParameter(key, l.originals[key]); err != nil {
			errs = append(errs, fmt.Errorf("restore %q: %w", key, err))
			continue
		}
		restored++
	}
	return restored, errors.Join(errs...)
}
