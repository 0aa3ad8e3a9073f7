/*
Package log provides structured logging for steward using zerolog.

The log package wraps zerolog with a process-wide logger, configurable level and
output format, and helpers that attach the identifiers steward uses to correlate
work: the component name, the domain UID, the server name and the fiber ID.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Safe for concurrent use by fibers        │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("engine")                  │          │
	│  │  - WithDomainUID("sales")                   │          │
	│  │  - WithServer("sales", "cluster-1-server2") │          │
	│  │  - WithFiberID("5f0c...")                   │          │
	│  └────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────┘

# Log Levels

Pod lifecycle steps follow a fixed convention: pod creation, replacement and
patching are logged at info level, an existing pod that already matches its
desired state is logged at debug level only, and API failures that terminate a
fiber are logged at error level by the reconciler that owns the fiber.

# Usage

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		Output:     os.Stdout,
	})

	podLog := log.WithServer(domain.UID, "admin-server")
	podLog.Info().Str("pod", name).Msg("Created admin server pod")

Before Init is called the global Logger is a zero zerolog.Logger, which discards
everything; tests rely on this to stay quiet.
*/
package log
