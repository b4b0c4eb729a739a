/*
Package log provides structured logging for Corral using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific child loggers, configurable log levels,
and helpers for common patterns. All logs include timestamps and support
filtering by severity for production debugging.

The broker logs to stderr by default (console format for humans, JSON
when requested); when a log directory is configured a broker.log file is
appended to as well, matching how the supervised service is expected to
run.

# Usage

Initializing:

	log.Init(log.Config{Level: log.InfoLevel, LogDir: "/var/log/corral"})

Component loggers:

	logger := log.WithComponent("exchange")
	logger.Info().Int("messages", n).Msg("exchange complete")

Message-scoped fields:

	log.WithMessageType("register").Warn().Msg("discarded invalid tags")

# Integration Points

Every package in this repository logs through this package; nothing
writes to stdout/stderr directly except the CLI's user-facing output.
*/
package log
