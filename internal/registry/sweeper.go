package registry

import (
	"time"

	"go.uber.org/zap"
)

// sweepLoop retires idle entries on a fixed period. Started by New, stopped
// by Shutdown before any draining begins.
func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Manager.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepOnce(time.Now())
		}
	}
}

// sweepOnce enumerates the entry set and evicts every Active entry idle
// longer than the configured threshold. Creating entries are never swept.
// Returns the number of entries evicted.
func (r *Registry) sweepOnce(now time.Time) int {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	evicted := 0
	for _, e := range candidates {
		// Idle check and Evicting transition happen atomically under the
		// entry lock, so an entry acquired again since the snapshot stays.
		if !e.beginEvictionIfIdle(now, r.cfg.Database.IdleEviction) {
			continue
		}
		r.closeAndRemove(e, "idle")
		r.logger.Info("Idle tenant connection evicted",
			zap.String("tenant_id", e.tenantID),
			zap.Duration("idle", e.idleFor(now)))
		evicted++
	}

	return evicted
}
