package relay

import (
	"context"
	"log/slog"
	"sync"
)

// InjectorRegistry is the ordered list of Injectors; each runs on its own
// goroutine, posting synthetic packets into writer-side queues (spec.md
// §2/§4.4). Mutation preconditions mirror FilterRegistry.
type InjectorRegistry struct {
	mu        sync.Mutex
	injectors []Injector
	state     func() State
	logger    *slog.Logger
}

func newInjectorRegistry(state func() State, logger *slog.Logger) *InjectorRegistry {
	return &InjectorRegistry{state: state, logger: logger}
}

func (r *InjectorRegistry) Add(inj Injector) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !mutationAllowed(r.state()) {
		r.logger.Warn("injector add rejected: registry not mutable in this state", "state", r.state())
		return false
	}
	r.injectors = append(r.injectors, inj)
	return true
}

func (r *InjectorRegistry) Remove(index int, freeMemory bool) (Injector, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !mutationAllowed(r.state()) {
		r.logger.Warn("injector remove rejected: registry not mutable in this state", "state", r.state())
		return nil, false
	}
	if index < 0 || index >= len(r.injectors) {
		r.logger.Warn("injector remove rejected: index out of bounds", "index", index, "count", len(r.injectors))
		return nil, false
	}
	removed := r.injectors[index]
	r.injectors = append(r.injectors[:index], r.injectors[index+1:]...)
	if freeMemory {
		return nil, true
	}
	return removed, true
}

func (r *InjectorRegistry) Get(index int) Injector {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.injectors) {
		return nil
	}
	return r.injectors[index]
}

func (r *InjectorRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.injectors)
}

func (r *InjectorRegistry) snapshot() []Injector {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Injector, len(r.injectors))
	copy(out, r.injectors)
	return out
}

// injectorHandle tracks one spawned injector goroutine so teardown can
// signal and join it (spec.md §4.7 steps 1 and 3).
type injectorHandle struct {
	inj  Injector
	done chan struct{}
}

func spawnInjector(ctx context.Context, inj Injector, emit func(Packet) bool) *injectorHandle {
	h := &injectorHandle{inj: inj, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		inj.Listen(ctx, emit)
	}()
	return h
}
