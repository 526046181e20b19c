package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/taskhive/tenantdb/internal/metrics"
	"github.com/taskhive/tenantdb/internal/model"
	"github.com/taskhive/tenantdb/pkg/schema"
)

// EntryState is the lifecycle state of a tenant connection entry.
type EntryState int

const (
	// StateCreating: a connection attempt is in flight; concurrent callers
	// wait on it rather than racing their own.
	StateCreating EntryState = iota
	// StateActive: the handle is installed and usable.
	StateActive
	// StateEvicting: the sweeper, Invalidate, or shutdown claimed the entry;
	// no caller may receive its handle anymore.
	StateEvicting
	// StateClosed: the underlying connection close has returned.
	StateClosed
)

func (s EntryState) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateEvicting:
		return "evicting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// entry owns exactly one tenant's connection handle and its bound models.
// The entry lock guards all mutable fields; the registry map lock is never
// required to touch them.
type entry struct {
	tenantID string
	dbName   string

	// ready is closed once the creation attempt resolves, success or failure.
	ready chan struct{}

	mu           sync.Mutex
	state        EntryState
	handle       *Handle
	err          error
	lastAccessed time.Time
	models       map[string]*model.Model
}

func newEntry(tenantID, dbName string) *entry {
	return &entry{
		tenantID: tenantID,
		dbName:   dbName,
		ready:    make(chan struct{}),
		state:    StateCreating,
		models:   make(map[string]*model.Model),
	}
}

// install transitions Creating -> Active with the given handle and wakes all
// waiters.
func (e *entry) install(h *Handle) {
	e.mu.Lock()
	e.handle = h
	e.state = StateActive
	e.lastAccessed = time.Now()
	e.mu.Unlock()
	close(e.ready)
}

// fail records a creation failure and wakes all waiters. The entry is dead;
// the registry removes it so the next Acquire retries cleanly.
func (e *entry) fail(err error) {
	e.mu.Lock()
	e.err = err
	e.state = StateClosed
	e.mu.Unlock()
	close(e.ready)
}

// acquireActive re-checks state under the entry lock and, if still Active,
// refreshes the access time and returns the handle. This is the check that
// keeps a concurrently evicted entry's handle from ever reaching a caller.
func (e *entry) acquireActive() (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateActive {
		return nil, false
	}
	e.lastAccessed = time.Now()
	return e.handle, true
}

// creationErr returns the error recorded by fail, if any.
func (e *entry) creationErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// bindModel returns the cached model for the descriptor, binding it on first
// use. Idempotent per (entry, model name); guarded by the entry lock so
// concurrent binds for the same entry are safe.
func (e *entry) bindModel(desc *schema.Descriptor) (*model.Model, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateActive {
		return nil, false
	}
	e.lastAccessed = time.Now()
	if m, ok := e.models[desc.Name]; ok {
		return m, true
	}
	m := model.Bind(e.handle.Database(), desc)
	e.models[desc.Name] = m
	metrics.ModelsBound.WithLabelValues(desc.Name).Inc()
	return m, true
}

// beginEviction transitions Active -> Evicting. Returns false if the entry is
// not Active (Creating entries are never swept; Evicting/Closed are already
// claimed by another path).
func (e *entry) beginEviction() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateActive {
		return false
	}
	e.state = StateEvicting
	return true
}

// beginEvictionIfIdle is beginEviction gated on the idle threshold, checked
// atomically so a concurrent Acquire that just refreshed the entry wins.
func (e *entry) beginEvictionIfIdle(now time.Time, threshold time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateActive {
		return false
	}
	if now.Sub(e.lastAccessed) <= threshold {
		return false
	}
	e.state = StateEvicting
	return true
}

// finishClose marks the close call as returned.
func (e *entry) finishClose() {
	e.mu.Lock()
	e.state = StateClosed
	e.mu.Unlock()
}

// idleFor reports how long the entry has gone without an Acquire.
func (e *entry) idleFor(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Sub(e.lastAccessed)
}

// snapshot captures the entry's introspection view.
func (e *entry) snapshot() TenantStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.models))
	for name := range e.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return TenantStats{
		TenantID:     e.tenantID,
		DBName:       e.dbName,
		State:        e.state.String(),
		LastAccessed: e.lastAccessed,
		Models:       names,
	}
}
