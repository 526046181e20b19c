// Package registry is the core of the tenant connection manager: a
// concurrency-safe cache of per-tenant database connections with single-flight
// creation, idle eviction, forced invalidation, and bounded shutdown draining.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taskhive/tenantdb/internal/config"
	"github.com/taskhive/tenantdb/internal/metrics"
	"github.com/taskhive/tenantdb/internal/model"
	"github.com/taskhive/tenantdb/pkg/schema"
)

// TenantStats is the introspection view of one connection entry.
type TenantStats struct {
	TenantID     string    `json:"tenant_id"`
	DBName       string    `json:"db_name"`
	State        string    `json:"state"`
	LastAccessed time.Time `json:"last_accessed"`
	Models       []string  `json:"models"`
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	TotalCreated      uint64        `json:"total_created"`
	ActiveConnections int           `json:"active_connections"`
	Tenants           []TenantStats `json:"tenants"`
}

// Registry caches one connection entry per tenant. The registry lock guards
// only map insert/remove/lookup; per-entry state lives behind each entry's own
// lock so unrelated tenants never serialize on connection I/O.
type Registry struct {
	cfg     *config.Config
	factory Factory
	logger  *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	totalCreated atomic.Uint64
	shuttingDown atomic.Bool

	// onInvalidate, when set, broadcasts local Invalidate calls to peer
	// instances. Remote events come back through InvalidateLocal.
	onInvalidate func(tenantID string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a registry and starts the idle sweep loop.
func New(cfg *config.Config, factory Factory, logger *zap.Logger) *Registry {
	r := &Registry{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}

	r.wg.Add(1)
	go r.sweepLoop()

	logger.Info("Registry initialized",
		zap.Duration("idle_eviction", cfg.Database.IdleEviction),
		zap.Duration("sweep_interval", cfg.Manager.SweepInterval))

	return r
}

// SetInvalidationBroadcast wires the cross-instance invalidation publisher.
func (r *Registry) SetInvalidationBroadcast(fn func(tenantID string)) {
	r.onInvalidate = fn
}

// Acquire returns the tenant's live handle, creating the connection on first
// use. Concurrent first-use callers share one creation attempt and receive
// the same handle or the same error. Never returns a handle whose entry has
// left the Active state.
func (r *Registry) Acquire(ctx context.Context, tenantID string) (*Handle, error) {
	start := time.Now()
	h, err := r.acquire(ctx, tenantID)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if err == ErrShuttingDown {
			outcome = "shutting_down"
		}
	}
	metrics.AcquireDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return h, err
}

func (r *Registry) acquire(ctx context.Context, tenantID string) (*Handle, error) {
	for {
		if r.shuttingDown.Load() {
			return nil, ErrShuttingDown
		}

		r.mu.Lock()
		e, ok := r.entries[tenantID]
		if !ok {
			e = newEntry(tenantID, r.cfg.TenantDBName(tenantID))
			r.entries[tenantID] = e
			r.mu.Unlock()
			return r.create(e)
		}
		r.mu.Unlock()

		// An entry exists; wait for creation to resolve if it has not.
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, &ConnectionError{TenantID: tenantID, Err: ctx.Err()}
		}

		if h, ok := e.acquireActive(); ok {
			return h, nil
		}

		// Creation failed: every waiter on this attempt gets the same error.
		if err := e.creationErr(); err != nil {
			r.removeEntry(e)
			return nil, err
		}

		// The entry was evicted between lookup and use. Drop the stale
		// mapping and go through the creating path for a replacement.
		r.removeEntry(e)
	}
}

// create runs the single-flight connection attempt for a freshly installed
// placeholder entry. The registry lock is not held here; the factory call is
// bounded by the configured connect timeout.
func (r *Registry) create(e *entry) (*Handle, error) {
	createCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Database.ConnectTimeout)
	defer cancel()

	h, err := r.factory.Create(createCtx, e.tenantID)
	if err != nil {
		e.fail(err)
		r.removeEntry(e)
		r.logger.Warn("Tenant connection failed",
			zap.String("tenant_id", e.tenantID),
			zap.Error(err))
		return nil, err
	}

	// Shutdown began while connecting: do not install, release the
	// connection, and fail the waiters fast.
	if r.shuttingDown.Load() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), r.cfg.Database.ConnectTimeout)
		defer closeCancel()
		_ = h.close(closeCtx)
		e.fail(ErrShuttingDown)
		r.removeEntry(e)
		return nil, ErrShuttingDown
	}

	e.install(h)
	r.totalCreated.Add(1)
	metrics.ConnectionsCreated.Inc()
	r.updateActiveGauge()

	// Shutdown may have drained the map between the flag check above and the
	// install; tear the entry back down so the connection cannot leak.
	if r.shuttingDown.Load() {
		if e.beginEviction() {
			r.closeAndRemove(e, "shutdown")
		}
		return nil, ErrShuttingDown
	}

	return h, nil
}

// GetModel acquires the tenant's connection and returns the cached model for
// the descriptor, binding it on first use.
func (r *Registry) GetModel(ctx context.Context, tenantID string, desc *schema.Descriptor) (*model.Model, error) {
	for {
		if _, err := r.acquire(ctx, tenantID); err != nil {
			return nil, err
		}

		r.mu.RLock()
		e, ok := r.entries[tenantID]
		r.mu.RUnlock()
		if !ok {
			// Evicted between acquire and bind; retry.
			continue
		}

		if m, ok := e.bindModel(desc); ok {
			return m, nil
		}
	}
}

// Invalidate forcibly closes and removes one tenant's entry, e.g. when the
// tenant account is deactivated, and broadcasts the event to peer instances.
func (r *Registry) Invalidate(tenantID string) {
	if r.invalidate(tenantID) && r.onInvalidate != nil {
		r.onInvalidate(tenantID)
	}
}

// InvalidateLocal is Invalidate without the broadcast, used when applying an
// invalidation event received from a peer instance.
func (r *Registry) InvalidateLocal(tenantID string) {
	r.invalidate(tenantID)
}

func (r *Registry) invalidate(tenantID string) bool {
	r.mu.RLock()
	e, ok := r.entries[tenantID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if !e.beginEviction() {
		// Creating or already being torn down elsewhere.
		return false
	}

	r.closeAndRemove(e, "invalidated")
	r.logger.Info("Tenant connection invalidated", zap.String("tenant_id", tenantID))
	return true
}

// Stats returns a point-in-time snapshot of the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	tenants := make([]TenantStats, 0, len(r.entries))
	for _, e := range r.entries {
		tenants = append(tenants, e.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(tenants, func(i, j int) bool { return tenants[i].TenantID < tenants[j].TenantID })

	active := 0
	for _, t := range tenants {
		if t.State == StateActive.String() {
			active++
		}
	}

	return Stats{
		TotalCreated:      r.totalCreated.Load(),
		ActiveConnections: active,
		Tenants:           tenants,
	}
}

// Shutdown drains the registry: the sweeper stops, new Acquire calls fail
// fast with ErrShuttingDown, and all entries are closed concurrently under
// the configured deadline. Entries still open when the deadline lapses are
// logged and abandoned.
func (r *Registry) Shutdown() error {
	if !r.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	close(r.stopCh)
	r.wg.Wait()

	r.mu.Lock()
	drain := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		drain = append(drain, e)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	metrics.TenantsActive.Set(0)

	if len(drain) == 0 {
		r.logger.Info("Registry shutdown: no connections to drain")
		return nil
	}

	deadline := r.cfg.Database.ShutdownDeadline
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	done := make(chan string, len(drain))
	for _, e := range drain {
		go func(e *entry) {
			e.beginEviction()
			e.mu.Lock()
			h := e.handle
			e.mu.Unlock()
			if h != nil {
				if err := h.close(ctx); err != nil {
					r.logger.Warn("Close failed during shutdown",
						zap.String("tenant_id", e.tenantID),
						zap.Error(err))
					metrics.ConnectionErrors.WithLabelValues("shutdown_close").Inc()
				}
			}
			e.finishClose()
			metrics.EvictionsTotal.WithLabelValues("shutdown").Inc()
			done <- e.tenantID
		}(e)
	}

	remaining := make(map[string]bool, len(drain))
	for _, e := range drain {
		remaining[e.tenantID] = true
	}

	for range drain {
		select {
		case id := <-done:
			delete(remaining, id)
		case <-ctx.Done():
			open := make([]string, 0, len(remaining))
			for id := range remaining {
				open = append(open, id)
			}
			sort.Strings(open)
			r.logger.Warn("Shutdown deadline elapsed, abandoning connections",
				zap.Strings("tenants", open))
			return fmt.Errorf("shutdown deadline elapsed with %d connections still open", len(open))
		}
	}

	r.logger.Info("Registry drained", zap.Int("connections_closed", len(drain)))
	return nil
}

// closeAndRemove removes an entry already in Evicting state from the map and
// closes its handle. Close errors are logged only; the bookkeeping record is
// removed regardless so a failed close never leaks an entry.
func (r *Registry) closeAndRemove(e *entry, reason string) {
	r.removeEntry(e)

	e.mu.Lock()
	h := e.handle
	e.mu.Unlock()

	if h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Database.ConnectTimeout)
		defer cancel()
		if err := h.close(ctx); err != nil {
			r.logger.Warn("Eviction close failed",
				zap.String("tenant_id", e.tenantID),
				zap.String("reason", reason),
				zap.Error(err))
			metrics.ConnectionErrors.WithLabelValues("eviction_close").Inc()
		}
	}
	e.finishClose()
	metrics.EvictionsTotal.WithLabelValues(reason).Inc()
}

// removeEntry deletes the mapping for e, but only if the map still points at
// this exact entry; a replacement created after eviction must not be clobbered.
func (r *Registry) removeEntry(e *entry) {
	r.mu.Lock()
	if cur, ok := r.entries[e.tenantID]; ok && cur == e {
		delete(r.entries, e.tenantID)
	}
	r.mu.Unlock()
	r.updateActiveGauge()
}

func (r *Registry) updateActiveGauge() {
	r.mu.RLock()
	n := len(r.entries)
	r.mu.RUnlock()
	metrics.TenantsActive.Set(float64(n))
}
