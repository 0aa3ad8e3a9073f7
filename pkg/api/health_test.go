package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/presence"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/work"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDomain(uid string) *types.Domain {
	return &types.Domain{
		UID:         uid,
		Name:        uid + "-domain",
		Namespace:   "apps",
		Image:       "app:1.0",
		AdminServer: types.AdminServer{Name: "admin-server"},
		Clusters:    []*types.Cluster{{Name: "cluster-1", Replicas: 2}},
	}
}

func registerCritical(healthy bool) {
	for _, name := range metrics.CriticalComponents {
		metrics.RegisterComponent(name, healthy, "")
	}
}

func serve(hs *HealthServer, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(w, req)
	return w
}

// TestHealthHandler tests the /health endpoint
func TestHealthHandler(t *testing.T) {
	registerCritical(true)
	hs := NewHealthServer(nil, nil, "1.0.0")

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{
			name:           "GET request succeeds",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "POST request fails",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "PUT request fails",
			method:         http.MethodPut,
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "DELETE request fails",
			method:         http.MethodDelete,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(hs, tt.method, "/health")
			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
				assert.Equal(t, "healthy", response.Status)
				assert.Equal(t, "1.0.0", response.Version)
				assert.False(t, response.Timestamp.IsZero())
				assert.NotEmpty(t, response.Uptime)
				assert.Equal(t, "healthy", response.Components[metrics.ComponentStore])
				assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			}
		})
	}
}

func TestHealthHandlerUnhealthyComponent(t *testing.T) {
	registerCritical(true)
	metrics.UpdateComponent(metrics.ComponentKubernetes, false, "connection refused")
	t.Cleanup(func() { registerCritical(true) })
	hs := NewHealthServer(nil, nil, "")

	w := serve(hs, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "unhealthy", response.Status)
	assert.Equal(t, "unhealthy: connection refused", response.Components[metrics.ComponentKubernetes])

	// Liveness does not depend on components
	w = serve(hs, http.MethodGet, "/live")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLiveHandler(t *testing.T) {
	hs := NewHealthServer(nil, nil, "")

	w := serve(hs, http.MethodGet, "/live")
	assert.Equal(t, http.StatusOK, w.Code)

	var response LiveResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "alive", response.Status)
	assert.NotEmpty(t, response.Uptime)
}

func TestHealthServerShutdownBeforeStart(t *testing.T) {
	hs := NewHealthServer(nil, nil, "")
	require.NoError(t, hs.Shutdown(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- hs.Start("127.0.0.1:0") }()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start kept serving after Shutdown")
	}
}

func TestHealthServerStartShutdown(t *testing.T) {
	hs := NewHealthServer(nil, nil, "")

	errCh := make(chan error, 1)
	go func() { errCh <- hs.Start("127.0.0.1:0") }()

	// Shutdown may win the race with Start; both orders must stop the server
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, hs.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestHealthServerInvalidAddr(t *testing.T) {
	hs := NewHealthServer(nil, nil, "")
	err := hs.Start("256.0.0.1:bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}

// TestReadyHandlerNoStore tests readiness endpoint before the store is opened
func TestReadyHandlerNoStore(t *testing.T) {
	registerCritical(true)
	hs := NewHealthServer(nil, nil, "")

	w := serve(hs, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "not ready", response.Status)
	assert.Equal(t, "not initialized", response.Checks["storage"])
	assert.NotEmpty(t, response.Message)
}

func TestReadyHandler(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.CreateDomain(testDomain("d1")))
	hs := NewHealthServer(store, nil, "")

	tests := []struct {
		name           string
		healthy        bool
		expectedStatus int
		expectedState  string
	}{
		{name: "all components healthy", healthy: true, expectedStatus: http.StatusOK, expectedState: "ready"},
		{name: "component unhealthy", healthy: false, expectedStatus: http.StatusServiceUnavailable, expectedState: "not ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registerCritical(tt.healthy)

			w := serve(hs, http.MethodGet, "/ready")
			assert.Equal(t, tt.expectedStatus, w.Code)

			var response ReadyResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedState, response.Status)
			assert.Equal(t, "ok (1 domains)", response.Checks["storage"])
			assert.Contains(t, response.Checks, metrics.ComponentEngine)
		})
	}
}

func TestDomainsHandler(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.CreateDomain(testDomain("d2")))
	require.NoError(t, store.CreateDomain(testDomain("d1")))
	require.NoError(t, store.SaveDomainStatus("d1", &types.DomainStatus{
		IntrospectVersion: "3",
		Servers:           []*types.ServerStatus{{ServerName: "admin-server", State: types.StateRunning}},
		UpdatedAt:         time.Now(),
	}))

	registry := presence.NewRegistry()
	info := registry.GetOrCreate(testDomain("d1"))
	info.Rolls().Put("cluster-1-server2", work.StepAndPacket{})

	hs := NewHealthServer(store, registry, "")
	w := serve(hs, http.MethodGet, "/domains")
	require.Equal(t, http.StatusOK, w.Code)

	var response []DomainResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Len(t, response, 2)

	assert.Equal(t, "d1", response[0].UID)
	assert.Equal(t, []string{"cluster-1-server2"}, response[0].PendingRolls)
	require.Len(t, response[0].Servers, 1)
	assert.Equal(t, types.StateRunning, response[0].Servers[0].State)

	assert.Equal(t, "d2", response[1].UID)
	assert.Empty(t, response[1].PendingRolls)
}

func TestDomainsHandlerNoStore(t *testing.T) {
	hs := NewHealthServer(nil, nil, "")
	w := serve(hs, http.MethodGet, "/domains")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// TestNewHealthServer tests health server creation
func TestNewHealthServer(t *testing.T) {
	registerCritical(true)
	hs := NewHealthServer(nil, nil, "")
	assert.NotNil(t, hs.mux)

	// Verify routes are registered by testing requests
	tests := []struct {
		path           string
		expectedStatus int
	}{
		{path: "/health", expectedStatus: http.StatusOK},
		{path: "/live", expectedStatus: http.StatusOK},
		{path: "/ready", expectedStatus: http.StatusServiceUnavailable},
		{path: "/metrics", expectedStatus: http.StatusOK},
		{path: "/nonexistent", expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := serve(hs, http.MethodGet, tt.path)
			assert.Equal(t, tt.expectedStatus, w.Code, "Path: %s", tt.path)
		})
	}
}

func TestIsReadOnlyMethod(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{method: http.MethodGet, want: true},
		{method: http.MethodHead, want: true},
		{method: http.MethodPost, want: false},
		{method: http.MethodPatch, want: false},
		{method: http.MethodDelete, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			assert.Equal(t, tt.want, isReadOnlyMethod(tt.method))
		})
	}
}

// TestHealthServerConcurrency tests concurrent requests to health endpoints
func TestHealthServerConcurrency(t *testing.T) {
	registerCritical(true)
	hs := NewHealthServer(newStore(t), presence.NewRegistry(), "")

	done := make(chan bool, 20)

	for i := 0; i < 10; i++ {
		go func() {
			w := serve(hs, http.MethodGet, "/health")
			assert.Equal(t, http.StatusOK, w.Code)
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		go func() {
			w := serve(hs, http.MethodGet, "/ready")
			// Status can be 200 or 503 depending on component state
			assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, w.Code)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		<-done
	}
}

func BenchmarkHealthHandler(b *testing.B) {
	hs := NewHealthServer(nil, nil, "")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		hs.healthHandler(w, req)
	}
}
