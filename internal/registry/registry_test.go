package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/taskhive/tenantdb/internal/config"
	"github.com/taskhive/tenantdb/pkg/schema"
)

// fakeFactory hands out lazily connecting handles without touching a real
// deployment (the driver only dials on first operation, which tests never
// perform). Calls are counted per tenant.
type fakeFactory struct {
	mu    sync.Mutex
	calls map[string]int
	delay time.Duration
	fail  map[string]error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

func (f *fakeFactory) Create(ctx context.Context, tenantID string) (*Handle, error) {
	f.mu.Lock()
	f.calls[tenantID]++
	failErr := f.fail[tenantID]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &ConnectionError{TenantID: tenantID, Err: ctx.Err()}
		}
	}

	if failErr != nil {
		return nil, &ConnectionError{TenantID: tenantID, Err: failErr}
	}

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI("mongodb://127.0.0.1:27017").
		SetServerSelectionTimeout(time.Second))
	if err != nil {
		return nil, &ConnectionError{TenantID: tenantID, Err: err}
	}

	dbName := "tenant_" + tenantID
	return &Handle{client: client, db: client.Database(dbName), dbName: dbName}, nil
}

func (f *fakeFactory) callCount(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tenantID]
}

func (f *fakeFactory) setFailure(tenantID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, tenantID)
	} else {
		f.fail[tenantID] = err
	}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Database.BaseURL = "mongodb://127.0.0.1:27017"
	cfg.Database.DBPrefix = "tenant_"
	cfg.Database.MaxPoolSizePerTenant = 10
	cfg.Database.ConnectTimeout = 2 * time.Second
	cfg.Database.IdleEviction = 30 * time.Minute
	cfg.Database.ShutdownDeadline = 2 * time.Second
	// Sweeps are triggered manually in tests.
	cfg.Manager.SweepInterval = time.Hour
	return cfg
}

func newTestRegistry(t *testing.T, f Factory) *Registry {
	t.Helper()
	r := New(testConfig(), f, zap.NewNop())
	t.Cleanup(func() { _ = r.Shutdown() })
	return r
}

func TestAcquire_FirstUseInvokesFactoryOnce(t *testing.T) {
	f := newFakeFactory()
	r := newTestRegistry(t, f)

	h1, err := r.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, h1)
	assert.Equal(t, 1, f.callCount("t1"))
	assert.Equal(t, "tenant_t1", h1.DBName())

	// Cache hit: same handle, no new factory call.
	h2, err := r.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, f.callCount("t1"))
}

func TestAcquire_ConcurrentCallersShareOneAttempt(t *testing.T) {
	f := newFakeFactory()
	f.delay = 50 * time.Millisecond
	r := newTestRegistry(t, f)

	const n = 50
	handles := make([]*Handle, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = r.Acquire(context.Background(), "t1")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.callCount("t1"), "single-flight: exactly one factory invocation")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0], handles[i], "all callers receive the identical handle")
	}
}

func TestAcquire_FailureSharedAndNeverCached(t *testing.T) {
	f := newFakeFactory()
	f.delay = 30 * time.Millisecond
	f.setFailure("t1", fmt.Errorf("auth failed"))
	r := newTestRegistry(t, f)

	const n = 10
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Acquire(context.Background(), "t1")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.callCount("t1"), "waiters share the failed attempt")
	for i := 0; i < n; i++ {
		require.Error(t, errs[i])
		var connErr *ConnectionError
		assert.ErrorAs(t, errs[i], &connErr)
	}

	// The failure is not cached: the next Acquire retries from scratch.
	f.setFailure("t1", nil)
	h, err := r.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 2, f.callCount("t1"))
}

func TestAcquire_CancelledWaiterGetsConnectionError(t *testing.T) {
	f := newFakeFactory()
	f.delay = 300 * time.Millisecond
	r := newTestRegistry(t, f)

	go func() { _, _ = r.Acquire(context.Background(), "t1") }()

	// Wait for the creator's placeholder so the second call becomes a waiter.
	require.Eventually(t, func() bool {
		r.mu.RLock()
		defer r.mu.RUnlock()
		_, ok := r.entries["t1"]
		return ok
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Acquire(ctx, "t1")

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "t1", connErr.TenantID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_StaleEvictingEntryIsReplaced(t *testing.T) {
	f := newFakeFactory()
	r := newTestRegistry(t, f)

	h1, err := r.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	// Simulate the sweeper claiming the entry between a caller's map lookup
	// and its use of the handle.
	r.mu.RLock()
	e := r.entries["t1"]
	r.mu.RUnlock()
	require.True(t, e.beginEviction())

	h2, err := r.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	assert.NotSame(t, h1, h2, "never hand out a handle in Evicting state")
	assert.Equal(t, 2, f.callCount("t1"))
}

func TestSweep_EvictsIdleEntries(t *testing.T) {
	f := newFakeFactory()
	r := newTestRegistry(t, f)

	h1, err := r.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	_, err = r.Acquire(context.Background(), "t2")
	require.NoError(t, err)

	// Backdate t1's last access past the idle threshold.
	r.mu.RLock()
	e := r.entries["t1"]
	r.mu.RUnlock()
	e.mu.Lock()
	e.lastAccessed = time.Now().Add(-time.Hour)
	e.mu.Unlock()

	evicted := r.sweepOnce(time.Now())
	assert.Equal(t, 1, evicted)

	stats := r.Stats()
	assert.Equal(t, 1, stats.ActiveConnections)
	for _, ts := range stats.Tenants {
		assert.NotEqual(t, "t1", ts.TenantID, "evicted tenant no longer listed")
	}

	// The next Acquire creates a fresh handle.
	h2, err := r.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	assert.NotSame(t, h1, h2)
	assert.Equal(t, 2, f.callCount("t1"))
}

func TestSweep_NeverTouchesCreatingEntries(t *testing.T) {
	f := newFakeFactory()
	r := newTestRegistry(t, f)

	e := newEntry("t1", "tenant_t1")
	e.lastAccessed = time.Now().Add(-time.Hour)
	r.mu.Lock()
	r.entries["t1"] = e
	r.mu.Unlock()

	assert.Equal(t, 0, r.sweepOnce(time.Now()))
	assert.Equal(t, StateCreating, func() EntryState {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.state
	}())

	// Resolve the placeholder so Shutdown does not wait on it.
	e.fail(fmt.Errorf("abandoned"))
	r.removeEntry(e)
}

func TestSweep_RecentlyUsedEntrySurvives(t *testing.T) {
	f := newFakeFactory()
	r := newTestRegistry(t, f)

	h1, err := r.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, 0, r.sweepOnce(time.Now()))

	h2, err := r.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	assert.Same(t, h1, h2)
}

func TestInvalidate_ForcesFreshHandle(t *testing.T) {
	f := newFakeFactory()
	r := newTestRegistry(t, f)

	var broadcast []string
	r.SetInvalidationBroadcast(func(tenantID string) {
		broadcast = append(broadcast, tenantID)
	})

	h1, err := r.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	r.Invalidate("t1")
	assert.Equal(t, []string{"t1"}, broadcast)

	h2, err := r.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	assert.NotSame(t, h1, h2)
	assert.Equal(t, 2, f.callCount("t1"))
}

func TestInvalidateLocal_DoesNotRebroadcast(t *testing.T) {
	f := newFakeFactory()
	r := newTestRegistry(t, f)

	var broadcast []string
	r.SetInvalidationBroadcast(func(tenantID string) {
		broadcast = append(broadcast, tenantID)
	})

	_, err := r.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	r.InvalidateLocal("t1")
	assert.Empty(t, broadcast, "remote invalidations must not echo back")
	assert.Equal(t, 0, r.Stats().ActiveConnections)
}

func TestAcquireAndInvalidate_Interleaved(t *testing.T) {
	f := newFakeFactory()
	r := newTestRegistry(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h, err := r.Acquire(context.Background(), "t1")
				require.NoError(t, err)
				require.NotNil(t, h)
			}
		}()
	}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				r.Invalidate("t1")
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	// Every Acquire got a live handle despite forced evictions racing it.
	h, err := r.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestGetModel_IdempotentPerEntry(t *testing.T) {
	f := newFakeFactory()
	r := newTestRegistry(t, f)

	m1, err := r.GetModel(context.Background(), "t1", schema.Tasks)
	require.NoError(t, err)
	m2, err := r.GetModel(context.Background(), "t1", schema.Tasks)
	require.NoError(t, err)
	assert.Same(t, m1, m2, "repeated binds return the cached model")
	assert.Equal(t, 1, f.callCount("t1"))

	// A different tenant binds its own model object.
	m3, err := r.GetModel(context.Background(), "t2", schema.Tasks)
	require.NoError(t, err)
	assert.NotSame(t, m1, m3)
}

func TestGetModel_ConcurrentBindsSafe(t *testing.T) {
	f := newFakeFactory()
	r := newTestRegistry(t, f)

	const n = 20
	models := make([]interface{}, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := r.GetModel(context.Background(), "t1", schema.Projects)
			require.NoError(t, err)
			models[i] = m
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, models[0], models[i])
	}
}

func TestStats_ReflectsEntriesAndModels(t *testing.T) {
	f := newFakeFactory()
	r := newTestRegistry(t, f)

	_, err := r.GetModel(context.Background(), "t1", schema.Tasks)
	require.NoError(t, err)
	_, err = r.GetModel(context.Background(), "t1", schema.Users)
	require.NoError(t, err)
	_, err = r.Acquire(context.Background(), "t2")
	require.NoError(t, err)

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.TotalCreated)
	assert.Equal(t, 2, stats.ActiveConnections)
	require.Len(t, stats.Tenants, 2)

	assert.Equal(t, "t1", stats.Tenants[0].TenantID)
	assert.Equal(t, "tenant_t1", stats.Tenants[0].DBName)
	assert.Equal(t, "active", stats.Tenants[0].State)
	assert.Equal(t, []string{"Task", "User"}, stats.Tenants[0].Models)
	assert.False(t, stats.Tenants[0].LastAccessed.IsZero())

	assert.Equal(t, "t2", stats.Tenants[1].TenantID)
	assert.Empty(t, stats.Tenants[1].Models)
}

func TestShutdown_DrainsAndRejectsNewAcquires(t *testing.T) {
	f := newFakeFactory()
	r := New(testConfig(), f, zap.NewNop())

	for i := 1; i <= 5; i++ {
		_, err := r.Acquire(context.Background(), fmt.Sprintf("t%d", i))
		require.NoError(t, err)
	}
	require.Equal(t, 5, r.Stats().ActiveConnections)

	require.NoError(t, r.Shutdown())

	stats := r.Stats()
	assert.Equal(t, 0, stats.ActiveConnections)
	assert.Empty(t, stats.Tenants)

	_, err := r.Acquire(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrShuttingDown)

	// Shutdown is idempotent.
	assert.NoError(t, r.Shutdown())
}

func TestConnectionError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("dial tcp: refused")
	err := &ConnectionError{TenantID: "t1", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "t1")
}
