package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealthChecker(version string) {
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
		version:    version,
	}
}

func registerCritical(healthy bool) {
	for _, name := range CriticalComponents {
		RegisterComponent(name, healthy, "")
	}
}

func TestRegisterComponent(t *testing.T) {
	resetHealthChecker("")

	RegisterComponent(ComponentEngine, true, "running")

	require.Len(t, healthChecker.components, 1)
	comp := healthChecker.components[ComponentEngine]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "running", comp.Message)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
	}{
		{
			name:       "all healthy",
			components: map[string]bool{ComponentEngine: true, ComponentStore: true},
			wantStatus: "healthy",
		},
		{
			name:       "one unhealthy",
			components: map[string]bool{ComponentEngine: true, ComponentKubernetes: false},
			wantStatus: "unhealthy",
		},
		{
			name:       "nothing registered",
			components: map[string]bool{},
			wantStatus: "healthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealthChecker("1.0.0")
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "not connected")
			}

			health := GetHealth()
			assert.Equal(t, tt.wantStatus, health.Status)
			assert.Len(t, health.Components, len(tt.components))
			assert.Equal(t, "1.0.0", health.Version)
		})
	}
}

func TestGetHealth_UnhealthyMessage(t *testing.T) {
	resetHealthChecker("")
	RegisterComponent(ComponentKubernetes, false, "not connected")

	health := GetHealth()
	assert.Equal(t, "unhealthy: not connected", health.Components[ComponentKubernetes])
}

func TestGetReadiness(t *testing.T) {
	t.Run("all critical components ready", func(t *testing.T) {
		resetHealthChecker("")
		registerCritical(true)

		assert.Equal(t, "ready", GetReadiness().Status)
	})

	t.Run("missing critical component", func(t *testing.T) {
		resetHealthChecker("")
		RegisterComponent(ComponentEngine, true, "")

		readiness := GetReadiness()
		assert.Equal(t, "not_ready", readiness.Status)
		assert.NotEmpty(t, readiness.Message)
	})

	t.Run("critical component unhealthy", func(t *testing.T) {
		resetHealthChecker("")
		registerCritical(true)
		UpdateComponent(ComponentStore, false, "database locked")

		assert.Equal(t, "not_ready", GetReadiness().Status)
	})
}

func TestUptime(t *testing.T) {
	resetHealthChecker("")
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, Uptime(), 5*time.Millisecond)
}
