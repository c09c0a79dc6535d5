package relay

import (
	"log/slog"
	"sync"
)

// FilterRegistry is the ordered list of PacketFilters bound to endpoints at
// setup (spec.md §2/§4.4). Mutation is permitted only while the owning
// RelayManager is in StateIdle or StateReset (spec.md §3 invariant 5); any
// other state makes add/remove a logged no-op (spec.md §7
// "State-violation").
type FilterRegistry struct {
	mu      sync.Mutex
	filters []PacketFilter
	state   func() State
	logger  *slog.Logger
}

func newFilterRegistry(state func() State, logger *slog.Logger) *FilterRegistry {
	return &FilterRegistry{state: state, logger: logger}
}

func mutationAllowed(s State) bool {
	return s == StateIdle || s == StateReset
}

// Add appends f to the registry. Returns false (logged, no-op) if the
// owning manager is not in Idle or Reset.
func (r *FilterRegistry) Add(f PacketFilter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !mutationAllowed(r.state()) {
		r.logger.Warn("filter add rejected: registry not mutable in this state", "state", r.state())
		return false
	}
	r.filters = append(r.filters, f)
	return true
}

// Remove deletes the filter at index, shifting the tail down to preserve
// ordering and index stability for subsequent calls in the same batch
// (spec.md §4.4 removal policy). If freeMemory is false the removed filter
// is returned to the caller instead of being discarded.
func (r *FilterRegistry) Remove(index int, freeMemory bool) (PacketFilter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !mutationAllowed(r.state()) {
		r.logger.Warn("filter remove rejected: registry not mutable in this state", "state", r.state())
		return nil, false
	}
	if index < 0 || index >= len(r.filters) {
		r.logger.Warn("filter remove rejected: index out of bounds", "index", index, "count", len(r.filters))
		return nil, false
	}
	removed := r.filters[index]
	r.filters = append(r.filters[:index], r.filters[index+1:]...)
	if freeMemory {
		return nil, true
	}
	return removed, true
}

// Get returns the filter at index, or nil if out of bounds.
func (r *FilterRegistry) Get(index int) PacketFilter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.filters) {
		return nil
	}
	return r.filters[index]
}

// Count returns the number of registered filters.
func (r *FilterRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.filters)
}

// snapshot returns a read-only copy of the current filter list, taken at
// bind time. Workers only ever see this snapshot, never the live slice —
// the registry is quiescent while they run (spec.md §3 invariant 5, §9).
func (r *FilterRegistry) snapshot() []PacketFilter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PacketFilter, len(r.filters))
	copy(out, r.filters)
	return out
}
