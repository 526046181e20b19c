package registry

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/taskhive/tenantdb/internal/config"
	"github.com/taskhive/tenantdb/internal/metrics"
)

// Handle is one tenant's live connection to its logical database. Handles are
// shared references owned by the registry entry; callers must not close them.
type Handle struct {
	client *mongo.Client
	db     *mongo.Database
	dbName string
}

// Database returns the tenant-scoped database for query execution.
func (h *Handle) Database() *mongo.Database {
	return h.db
}

// DBName returns the physical database name this handle is bound to.
func (h *Handle) DBName() string {
	return h.dbName
}

// close disconnects the underlying client. Only the owning entry calls this.
func (h *Handle) close(ctx context.Context) error {
	if h.client == nil {
		return nil
	}
	return h.client.Disconnect(ctx)
}

// Factory opens one physical connection to a tenant's logical database.
type Factory interface {
	Create(ctx context.Context, tenantID string) (*Handle, error)
}

// MongoFactory is the production Factory. Each tenant gets its own client so
// pool limits and teardown are isolated per tenant.
type MongoFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewMongoFactory creates a factory from the loaded configuration.
func NewMongoFactory(cfg *config.Config, logger *zap.Logger) *MongoFactory {
	return &MongoFactory{cfg: cfg, logger: logger}
}

// Create connects to baseURL, bounded by the configured connect timeout, and
// scopes the handle to the tenant's database (dbPrefix + tenantID). Failures
// are reported as ConnectionError and must not be cached by the caller.
func (f *MongoFactory) Create(ctx context.Context, tenantID string) (*Handle, error) {
	dbName := f.cfg.TenantDBName(tenantID)
	timeout := f.cfg.Database.ConnectTimeout

	clientOpts := options.Client().
		ApplyURI(f.cfg.Database.BaseURL).
		SetMaxPoolSize(uint64(f.cfg.Database.MaxPoolSizePerTenant)).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout).
		SetAppName("tenantdb-" + f.cfg.Manager.InstanceID).
		SetRetryWrites(true).
		SetRetryReads(true)

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		metrics.ConnectionErrors.WithLabelValues("connect").Inc()
		return nil, &ConnectionError{TenantID: tenantID, Err: err}
	}

	// Connect is lazy; ping to verify the deployment is actually reachable
	// before the handle is installed.
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		metrics.ConnectionErrors.WithLabelValues("ping").Inc()
		return nil, &ConnectionError{TenantID: tenantID, Err: err}
	}

	f.logger.Info("Tenant connection established",
		zap.String("tenant_id", tenantID),
		zap.String("db_name", dbName))

	return &Handle{
		client: client,
		db:     client.Database(dbName),
		dbName: dbName,
	}, nil
}
