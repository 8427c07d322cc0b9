/*
Package log provides structured logging for the repair driver using zerolog.

The log package wraps zerolog to give JSON or human-readable console output,
run- and slice-scoped child loggers, and a choice of sink (stderr, a file, or
syslog) matching the original range-repair tool's own logging options.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error (default warn)│        │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Sink: stderr (default), a file, or syslog│          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("journal")                 │          │
	│  │  - WithRun(runID)                           │          │
	│  │  - WithSlice(sliceKey)                      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {"level":"info","slice":"1|a|b|...",       │          │
	│  │   "time":"2026-07-31T10:30:00Z",            │          │
	│  │   "message":"repair complete"}              │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF repair complete slice=1|a|b|...│          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Each sub-range queued for repair, skipped excluded slices and
    keyspaces
  - Info: Per-token progress, slice start (the pre-run jitter line), slice
    complete, dry-run argv
  - Warn: Failed attempts that will be retried, execution errors, worker abort
  - Error: Exhausted-retry failures, journal I/O failures, journal snapshots
    (the original tool's CRITICAL level; zerolog has no level above Error,
    so a snapshot line carries an extra "journal":"snapshot" field)
  - Fatal: available through log.Fatal; the command itself reports startup
    failures (bad sink, bad config file) on stderr and exits non-zero

Configuration:
  - Level: filters messages below the threshold; defaults to Warn, matching
    the original tool's default (not Info, which the sink this package was
    adapted from defaults to)
  - JSONOutput: JSON vs human-readable console
  - Output/File/Syslog: exactly one sink; unset means stderr

Context Loggers:
  - WithComponent: tag a logger with an originating subsystem
  - WithRun: tag a logger with a run's correlation ID (log-only; never
    written to the journal file, whose schema external readers depend on)
  - WithSlice: tag a logger with a slice's deterministic key so its retries
    and outcome can be followed across log lines

# Sink Selection

At most one of Syslog or File should be configured. Syslog takes priority if
both are set. Neither set means stderr, the original tool's default when
invoked without --logfile.
*/
package log
