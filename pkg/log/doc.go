/*
Package log provides structured logging for Parley using zerolog.

The log package wraps zerolog behind a small surface: a global logger
initialized once via Init and child-logger constructors that attach
the fields every Parley log line carries. Output is JSON for machine
consumption or a console format for humans.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Thread-safe concurrent writes

Log Levels:
  - Debug: election timers, heartbeat rounds, per-frame stream traffic
  - Info: role transitions, commits, subscriptions, startup/shutdown
  - Warn: peers going dark, rejected votes, retried requests
  - Error: storage failures, rollback failures, encode errors

Context Loggers:
  - WithComponent: tags logs with the subsystem ("server", "replication")
  - WithNodeID: tags logs with the node's cluster identity (host:port)

# Usage

Initialize once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Create component loggers and use zerolog's fluent API:

	logger := log.WithComponent("replication")
	logger.Info().
		Uint64("term", term).
		Str("leader", leader).
		Msg("leadership acquired")

# Conventions

  - Every subsystem builds its logger once at construction, not per call
  - Node identity travels as node_id, users as username
  - Errors attach via .Err() so the field is queryable
  - Heartbeat-rate traffic stays at Debug to keep Info readable

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
