package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/steward/pkg/keys"
	"github.com/cuemby/steward/pkg/work"
	"github.com/spf13/viper"
)

// Configuration keys, also used as flag names
const (
	KeyWorkers                   = "workers"
	KeyWatchBackstopRecheckDelay = "watchBackstopRecheckDelay"
	KeyAdditionalDeleteTime      = "additionalDeleteTime"
	KeyDefaultShutdownTimeout    = "defaultShutdownTimeout"
	KeyRestartEvictedPods        = "restartEvictedPods"
	KeyMaxConcurrentRolls        = "maxConcurrentRolls"
	KeyReconcileInterval         = "reconcileInterval"
	KeyRetryBaseDelay            = "retryBaseDelay"
	KeyRetryMaxDelay             = "retryMaxDelay"
	KeyLogLevel                  = "logLevel"
	KeyLogJSON                   = "logJSON"
	KeyMetricsAddr               = "metricsAddr"
	KeyDataDir                   = "dataDir"
	KeyKubeconfig                = "kubeconfig"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "STEWARD"

// Tuning holds the parameters consulted by the reconciliation steps
type Tuning struct {
	Workers                   int
	WatchBackstopRecheckDelay time.Duration
	AdditionalDeleteTime      time.Duration
	DefaultShutdownTimeout    time.Duration
	RestartEvictedPods        bool
	MaxConcurrentRolls        int
	ReconcileInterval         time.Duration
	RetryBaseDelay            time.Duration
	RetryMaxDelay             time.Duration
}

// Config is the controller configuration
type Config struct {
	Tuning      Tuning
	LogLevel    string
	LogJSON     bool
	MetricsAddr string
	DataDir     string
	Kubeconfig  string
}

// DefaultTuning returns the tuning used when nothing is configured
func DefaultTuning() Tuning {
	return Tuning{
		Workers:                   16,
		WatchBackstopRecheckDelay: 5 * time.Second,
		AdditionalDeleteTime:      10 * time.Second,
		DefaultShutdownTimeout:    30 * time.Second,
		RestartEvictedPods:        true,
		MaxConcurrentRolls:        1,
		ReconcileInterval:         30 * time.Second,
		RetryBaseDelay:            5 * time.Second,
		RetryMaxDelay:             5 * time.Minute,
	}
}

// SetDefaults registers the default of every key on v
func SetDefaults(v *viper.Viper) {
	t := DefaultTuning()
	v.SetDefault(KeyWorkers, t.Workers)
	v.SetDefault(KeyWatchBackstopRecheckDelay, t.WatchBackstopRecheckDelay)
	v.SetDefault(KeyAdditionalDeleteTime, t.AdditionalDeleteTime)
	v.SetDefault(KeyDefaultShutdownTimeout, t.DefaultShutdownTimeout)
	v.SetDefault(KeyRestartEvictedPods, t.RestartEvictedPods)
	v.SetDefault(KeyMaxConcurrentRolls, t.MaxConcurrentRolls)
	v.SetDefault(KeyReconcileInterval, t.ReconcileInterval)
	v.SetDefault(KeyRetryBaseDelay, t.RetryBaseDelay)
	v.SetDefault(KeyRetryMaxDelay, t.RetryMaxDelay)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogJSON, false)
	v.SetDefault(KeyMetricsAddr, ":9090")
	v.SetDefault(KeyDataDir, "./steward-data")
	v.SetDefault(KeyKubeconfig, "")
}

// NewViper returns a viper instance with defaults and STEWARD_* environment
// variables registered. When configFile is empty, steward.yaml is searched in
// the working directory and /etc/steward; a missing file is not an error.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("steward")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/steward")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Load builds a Config from v and validates it
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Tuning: Tuning{
			Workers:                   v.GetInt(KeyWorkers),
			WatchBackstopRecheckDelay: v.GetDuration(KeyWatchBackstopRecheckDelay),
			AdditionalDeleteTime:      v.GetDuration(KeyAdditionalDeleteTime),
			DefaultShutdownTimeout:    v.GetDuration(KeyDefaultShutdownTimeout),
			RestartEvictedPods:        v.GetBool(KeyRestartEvictedPods),
			MaxConcurrentRolls:        v.GetInt(KeyMaxConcurrentRolls),
			ReconcileInterval:         v.GetDuration(KeyReconcileInterval),
			RetryBaseDelay:            v.GetDuration(KeyRetryBaseDelay),
			RetryMaxDelay:             v.GetDuration(KeyRetryMaxDelay),
		},
		LogLevel:    v.GetString(KeyLogLevel),
		LogJSON:     v.GetBool(KeyLogJSON),
		MetricsAddr: v.GetString(KeyMetricsAddr),
		DataDir:     v.GetString(KeyDataDir),
		Kubeconfig:  v.GetString(KeyKubeconfig),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the controller cannot run with
func (c *Config) Validate() error {
	t := c.Tuning
	if t.Workers < 1 {
		return fmt.Errorf("%s must be at least 1", KeyWorkers)
	}
	if t.MaxConcurrentRolls < 1 {
		return fmt.Errorf("%s must be at least 1", KeyMaxConcurrentRolls)
	}
	if t.WatchBackstopRecheckDelay <= 0 {
		return fmt.Errorf("%s must be positive", KeyWatchBackstopRecheckDelay)
	}
	if t.AdditionalDeleteTime < 0 || t.DefaultShutdownTimeout < 0 {
		return fmt.Errorf("delete timeouts must not be negative")
	}
	if t.ReconcileInterval <= 0 {
		return fmt.Errorf("%s must be positive", KeyReconcileInterval)
	}
	if t.RetryBaseDelay <= 0 || t.RetryMaxDelay < t.RetryBaseDelay {
		return fmt.Errorf("%s must be positive and not exceed %s", KeyRetryBaseDelay, KeyRetryMaxDelay)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%s is required", KeyDataDir)
	}
	return nil
}

// TuningFrom returns the tuning stored in packet, or DefaultTuning
func TuningFrom(packet *work.Packet) Tuning {
	if t, ok := work.Value[Tuning](packet, keys.Tuning); ok {
		return t
	}
	return DefaultTuning()
}
