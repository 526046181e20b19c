// Package admin exposes the operational HTTP API: registry introspection,
// connection pre-warming, and forced invalidation.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/taskhive/tenantdb/internal/config"
	"github.com/taskhive/tenantdb/internal/registry"
)

// tenantIDPattern matches the tenant identifiers the provisioning system
// issues. Anything else is rejected before it can reach the registry.
var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// Registry is the slice of the connection registry the admin API needs.
type Registry interface {
	Acquire(ctx context.Context, tenantID string) (*registry.Handle, error)
	Invalidate(tenantID string)
	Stats() registry.Stats
}

// Instances reports cluster membership.
type Instances interface {
	ActiveInstances(ctx context.Context) ([]string, error)
	IsFallback() bool
}

// Server is the admin HTTP server.
type Server struct {
	cfg       *config.Config
	registry  Registry
	instances Instances
	logger    *zap.Logger
}

// NewServer creates the admin server.
func NewServer(cfg *config.Config, reg Registry, instances Instances, logger *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		registry:  reg,
		instances: instances,
		logger:    logger,
	}
}

// Router builds the admin route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{id}/warm", s.handleWarm).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{id}/connection", s.handleInvalidate).Methods(http.MethodDelete)
	return r
}

// Serve starts the admin HTTP server on the configured port.
func (s *Server) Serve() *http.Server {
	addr := fmt.Sprintf(":%d", s.cfg.Manager.AdminPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		s.logger.Info("Admin server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server error", zap.Error(err))
		}
	}()

	return server
}

// statusResponse is the GET /status payload.
type statusResponse struct {
	InstanceID   string         `json:"instance_id"`
	FallbackMode bool           `json:"fallback_mode"`
	Instances    []string       `json:"instances,omitempty"`
	Registry     registry.Stats `json:"registry"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		InstanceID: s.cfg.Manager.InstanceID,
		Registry:   s.registry.Stats(),
	}

	if s.instances != nil {
		resp.FallbackMode = s.instances.IsFallback()
		if list, err := s.instances.ActiveInstances(r.Context()); err == nil {
			resp.Instances = list
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenantID(w, r)
	if !ok {
		return
	}

	h, err := s.registry.Acquire(r.Context(), tenantID)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, registry.ErrShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("Warm request failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"tenant_id": tenantID,
		"db_name":   h.DBName(),
	})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenantID(w, r)
	if !ok {
		return
	}

	s.registry.Invalidate(tenantID)
	w.WriteHeader(http.StatusNoContent)
}

// tenantID extracts and validates the tenant route variable, writing the
// error response itself when validation fails.
func (s *Server) tenantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if !tenantIDPattern.MatchString(id) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid tenant id %q", id),
		})
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
