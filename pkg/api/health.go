package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/cuemby/steward/pkg/deploy"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/presence"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// HealthServer serves the health, readiness, metrics and domain status endpoints
type HealthServer struct {
	store    storage.Store
	registry *presence.Registry
	version  string
	mux      *http.ServeMux
	server   *http.Server
	logger   zerolog.Logger
}

// NewHealthServer creates a new HTTP server. store and registry may be nil
// while the controller is starting.
func NewHealthServer(store storage.Store, registry *presence.Registry, version string) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		store:    store,
		registry: registry,
		version:  version,
		mux:      mux,
		logger:   log.WithComponent("api"),
	}

	// Register endpoints
	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/live", hs.liveHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.HandleFunc("/domains", hs.domainsHandler)
	mux.Handle("/metrics", metrics.Handler())

	// Built here so that Shutdown never races with Start
	hs.server = &http.Server{
		Handler:      ReadOnly(mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return hs
}

// Start serves on addr until Shutdown is called. It returns nil right away
// when Shutdown was called first.
func (hs *HealthServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	hs.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
	if err := hs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve on %s: %w", addr, err)
	}
	return nil
}

// Shutdown stops the server, waiting for active requests until ctx is done
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

// LiveResponse represents the liveness check response
type LiveResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// DomainResponse summarizes one stored domain
type DomainResponse struct {
	UID               string                `json:"uid"`
	Name              string                `json:"name"`
	Namespace         string                `json:"namespace"`
	IntrospectVersion string                `json:"introspectVersion,omitempty"`
	Servers           []*types.ServerStatus `json:"servers,omitempty"`
	PendingRolls      []string              `json:"pendingRolls,omitempty"`
	ReadyServers      int                   `json:"readyServers"`
	ObservedServers   int                   `json:"observedServers"`
}

// healthHandler implements the /health endpoint
// Returns 503 while any registered component reports unhealthy
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := metrics.GetHealth()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, HealthResponse{
		Status:     health.Status,
		Timestamp:  health.Timestamp,
		Version:    hs.version,
		Uptime:     health.Uptime,
		Components: health.Components,
	})
}

// liveHandler implements the /live endpoint
// This is a simple liveness check - returns 200 if the process is alive
func (hs *HealthServer) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LiveResponse{
		Status: "alive",
		Uptime: metrics.Uptime().String(),
	})
}

// readyHandler implements the /ready endpoint
// This checks that the store answers and every critical component is healthy
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	// Check 1: Storage
	if hs.store != nil {
		domains, err := hs.store.ListDomains()
		if err != nil {
			checks["storage"] = fmt.Sprintf("error: %v", err)
			ready = false
			message = "Storage not accessible"
		} else {
			checks["storage"] = fmt.Sprintf("ok (%d domains)", len(domains))
		}
	} else {
		checks["storage"] = "not initialized"
		ready = false
		message = "Storage not initialized"
	}

	// Check 2: Registered components
	readiness := metrics.GetReadiness()
	for name, state := range readiness.Components {
		checks[name] = state
	}
	if readiness.Status != "ready" {
		ready = false
		if message == "" {
			message = readiness.Message
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

// domainsHandler implements the /domains endpoint
func (hs *HealthServer) domainsHandler(w http.ResponseWriter, r *http.Request) {
	if hs.store == nil {
		http.Error(w, "Storage not initialized", http.StatusServiceUnavailable)
		return
	}

	domains, err := hs.store.ListDomains()
	if err != nil {
		hs.logger.Error().Err(err).Msg("Failed to list domains")
		http.Error(w, "Failed to list domains", http.StatusInternalServerError)
		return
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i].UID < domains[j].UID })

	out := make([]DomainResponse, 0, len(domains))
	for _, d := range domains {
		resp := DomainResponse{
			UID:               d.UID,
			Name:              d.Name,
			Namespace:         d.Namespace,
			IntrospectVersion: d.IntrospectVersion,
		}
		if d.Status != nil {
			resp.Servers = d.Status.Servers
		}
		if hs.registry != nil {
			if info, ok := hs.registry.Get(d.UID); ok {
				roll := deploy.Status(info)
				resp.PendingRolls = roll.Pending
				resp.ReadyServers = roll.ReadyServers
				resp.ObservedServers = roll.TotalServers
			}
		}
		out = append(out, resp)
	}

	writeJSON(w, http.StatusOK, out)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return ReadOnly(hs.mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
