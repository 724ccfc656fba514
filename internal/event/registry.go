package event

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/fedgate/internal/errs"
)

// Listener receives values fanned out by a Registry.
type Listener[E any] interface {
	Handle(ctx context.Context, e E) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc[E any] func(ctx context.Context, e E) error

// Handle calls f.
func (f ListenerFunc[E]) Handle(ctx context.Context, e E) error { return f(ctx, e) }

type entry[E any] struct {
	name string
	l    Listener[E]
}

// Registry fans values out to named listeners. A failing listener never
// affects the others or the caller.
type Registry[E any] struct {
	log *zap.Logger

	mu        sync.RWMutex
	listeners []entry[E] // registration order
}

// NewRegistry returns an empty registry.
func NewRegistry[E any](log *zap.Logger) *Registry[E] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry[E]{log: log}
}

// Register adds l under name. Names are unique per registry.
func (r *Registry[E]) Register(name string, l Listener[E]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.listeners {
		if e.name == name {
			return fmt.Errorf("listener %q: %w", name, errs.ErrAlreadyExists)
		}
	}
	r.listeners = append(r.listeners, entry[E]{name: name, l: l})
	return nil
}

// Unregister removes the listener registered under name, if any.
// Dispatches already in flight may still reach it.
func (r *Registry[E]) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.listeners {
		if e.name == name {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Names lists registered listeners in sorted order.
func (r *Registry[E]) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.listeners))
	for _, e := range r.listeners {
		out = append(out, e.name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Dispatch delivers e to every listener registered at call time, in
// registration order. It returns the number of listeners that failed.
func (r *Registry[E]) Dispatch(ctx context.Context, e E) int {
	r.mu.RLock()
	snapshot := make([]entry[E], len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.RUnlock()

	failed := 0
	for _, en := range snapshot {
		if !r.invoke(ctx, en, e) {
			failed++
		}
	}
	return failed
}

func (r *Registry[E]) invoke(ctx context.Context, en entry[E], e E) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("listener panic",
				zap.String("listener", en.name),
				zap.Any("reason", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			ok = false
		}
	}()
	if err := en.l.Handle(ctx, e); err != nil {
		r.log.Warn("listener failed", zap.String("listener", en.name), zap.Error(err))
		return false
	}
	return true
}
