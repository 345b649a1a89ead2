package messaging

import (
	"context"
	"sync"
	"time"
)

// Pending is a single-fulfillment slot for one outstanding request.
// It completes exactly once, with a value or an error.
type Pending[T any] struct {
	key       string
	createdAt time.Time
	registry  *Registry[T]

	done  chan struct{}
	value T
	err   error
}

// Key returns the correlation key the slot was registered under
func (p *Pending[T]) Key() string {
	return p.key
}

// CreatedAt returns the registration time
func (p *Pending[T]) CreatedAt() time.Time {
	return p.createdAt
}

// Done is closed when the slot completes
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (p *Pending[T]) Result() (T, error) {
	return p.value, p.err
}

// Wait blocks until the slot completes or ctx is done
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel removes the slot from its registry if the registry still maps the
// key to this slot. It reports whether the slot was removed; false means the
// slot already completed.
func (p *Pending[T]) Cancel() bool {
	return p.registry.cancel(p)
}

// complete fills the slot; caller holds the registry lock
func (p *Pending[T]) complete(value T, err error) {
	p.value = value
	p.err = err
	close(p.done)
}

// Registry maps correlation keys to pending slots. All mutations happen under
// one mutex and slots are completed while it is held, so a slot observed as
// removed is always already complete.
type Registry[T any] struct {
	mu      sync.Mutex
	pending map[string]*Pending[T]
	now     func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		pending: make(map[string]*Pending[T]),
		now:     time.Now,
	}
}

// Register creates a slot for key. A slot already registered under key is
// completed with ErrSuperseded and replaced.
func (r *Registry[T]) Register(key string) *Pending[T] {
	p := &Pending[T]{
		key:       key,
		createdAt: r.now(),
		registry:  r,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.pending[key]; ok {
		var zero T
		old.complete(zero, ErrSuperseded)
	}
	r.pending[key] = p
	return p
}

// Resolve completes the slot registered under key with value. It reports
// false when no slot is waiting, for example after a timeout or for a
// duplicate result.
func (r *Registry[T]) Resolve(key string, value T) bool {
	return r.finish(key, value, nil)
}

// Fail completes the slot registered under key with err
func (r *Registry[T]) Fail(key string, err error) bool {
	var zero T
	return r.finish(key, zero, err)
}

func (r *Registry[T]) finish(key string, value T, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[key]
	if !ok {
		return false
	}
	delete(r.pending, key)
	p.complete(value, err)
	return true
}

// Cancel removes whatever slot is registered under key without completing it
func (r *Registry[T]) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[key]; !ok {
		return false
	}
	delete(r.pending, key)
	return true
}

func (r *Registry[T]) cancel(p *Pending[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.pending[p.key]
	if !ok || current != p {
		return false
	}
	delete(r.pending, p.key)
	return true
}

// Len returns the number of waiting slots
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Oldest returns the age of the longest waiting slot, or zero when empty
func (r *Registry[T]) Oldest() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest time.Time
	for _, p := range r.pending {
		if oldest.IsZero() || p.createdAt.Before(oldest) {
			oldest = p.createdAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return r.now().Sub(oldest)
}
