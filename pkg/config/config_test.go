package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/steward/pkg/keys"
	"github.com/cuemby/steward/pkg/work"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, DefaultTuning(), cfg.Tuning)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestNewViperReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "steward.yaml")
	content := `
workers: 4
watchBackstopRecheckDelay: 2s
additionalDeleteTime: 15s
restartEvictedPods: false
maxConcurrentRolls: 3
logLevel: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	v, err := NewViper(path)
	require.NoError(t, err)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Tuning.Workers)
	assert.Equal(t, 2*time.Second, cfg.Tuning.WatchBackstopRecheckDelay)
	assert.Equal(t, 15*time.Second, cfg.Tuning.AdditionalDeleteTime)
	assert.False(t, cfg.Tuning.RestartEvictedPods)
	assert.Equal(t, 3, cfg.Tuning.MaxConcurrentRolls)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.Tuning.DefaultShutdownTimeout, "unset keys keep defaults")
}

func TestNewViperMissingExplicitFile(t *testing.T) {
	_, err := NewViper(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewViperEnvironment(t *testing.T) {
	t.Setenv("STEWARD_MAXCONCURRENTROLLS", "5")
	t.Chdir(t.TempDir())

	v, err := NewViper("")
	require.NoError(t, err)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Tuning.MaxConcurrentRolls)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "no workers", mutate: func(c *Config) { c.Tuning.Workers = 0 }, wantErr: true},
		{name: "no rolls", mutate: func(c *Config) { c.Tuning.MaxConcurrentRolls = 0 }, wantErr: true},
		{name: "zero backstop", mutate: func(c *Config) { c.Tuning.WatchBackstopRecheckDelay = 0 }, wantErr: true},
		{name: "negative delete time", mutate: func(c *Config) { c.Tuning.AdditionalDeleteTime = -time.Second }, wantErr: true},
		{name: "zero interval", mutate: func(c *Config) { c.Tuning.ReconcileInterval = 0 }, wantErr: true},
		{name: "max below base", mutate: func(c *Config) { c.Tuning.RetryMaxDelay = time.Second }, wantErr: true},
		{name: "no data dir", mutate: func(c *Config) { c.DataDir = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Tuning: DefaultTuning(), DataDir: "/tmp/steward"}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTuningFrom(t *testing.T) {
	p := work.NewPacket()
	assert.Equal(t, DefaultTuning(), TuningFrom(p))

	custom := DefaultTuning()
	custom.AdditionalDeleteTime = time.Minute
	p.Put(keys.Tuning, custom)
	assert.Equal(t, time.Minute, TuningFrom(p).AdditionalDeleteTime)
}
