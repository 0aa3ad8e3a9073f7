/*
Package config loads the Steward controller configuration.

Values are resolved by viper in this order, highest first:

 1. command-line flags bound by the steward command
 2. STEWARD_* environment variables (STEWARD_MAXCONCURRENTROLLS=2)
 3. the config file, steward.yaml in the working directory or /etc/steward
 4. DefaultTuning and the defaults registered by SetDefaults

Example steward.yaml:

	workers: 16
	watchBackstopRecheckDelay: 5s
	additionalDeleteTime: 10s
	defaultShutdownTimeout: 30s
	restartEvictedPods: true
	maxConcurrentRolls: 1
	reconcileInterval: 30s
	retryBaseDelay: 5s
	retryMaxDelay: 5m
	logLevel: info
	metricsAddr: ":9090"
	dataDir: /var/lib/steward

Tuning travels with every reconciliation attempt in the packet under
keys.Tuning; steps read it with TuningFrom.
*/
package config
