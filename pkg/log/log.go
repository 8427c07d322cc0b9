// Package log wraps zerolog the way cuemby/warren does: a package-level
// logger plus small helpers that attach request-scoped fields, adapted
// here to the run/slice vocabulary of a repair driver and to the sink
// selection (stderr/file/syslog) and severity taxonomy the original
// range-repair tool specifies.
package log

import (
	"fmt"
	"io"
	"log/syslog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, following the teacher's own
// package-level-logger convention (the one deliberate global in this
// repository).
var Logger zerolog.Logger

// Level represents a configured minimum log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config selects the logger's level, format, and sink. At most one of
// Syslog or File should be set; if neither is, the sink is Output, or
// stderr (the original tool's default) when Output is nil.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer

	// Syslog, if non-empty, names a syslog facility (e.g. "local0",
	// "daemon", "user") to send log lines to instead of stderr or a file.
	Syslog string
	// File, if non-empty (and Syslog is not set), is a path opened in
	// append mode for log output.
	File string
}

// Init configures the global Logger from cfg. It returns an error if a
// requested file or syslog sink cannot be opened; callers should treat
// that as fatal, same as any other startup configuration failure.
func Init(cfg Config) error {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	output, err := resolveSink(cfg)
	if err != nil {
		return err
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
	return nil
}

func resolveSink(cfg Config) (io.Writer, error) {
	switch {
	case cfg.Syslog != "":
		priority, err := facilityPriority(cfg.Syslog)
		if err != nil {
			return nil, err
		}
		w, err := syslog.New(priority|syslog.LOG_INFO, "rangerepair")
		if err != nil {
			return nil, fmt.Errorf("log: dial syslog: %w", err)
		}
		return w, nil
	case cfg.File != "":
		f, err := os.OpenFile(cfg.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("log: open logfile: %w", err)
		}
		return f, nil
	case cfg.Output != nil:
		return cfg.Output, nil
	default:
		return os.Stderr, nil
	}
}

func facilityPriority(name string) (syslog.Priority, error) {
	switch strings.ToLower(name) {
	case "kern":
		return syslog.LOG_KERN, nil
	case "user":
		return syslog.LOG_USER, nil
	case "daemon":
		return syslog.LOG_DAEMON, nil
	case "auth":
		return syslog.LOG_AUTH, nil
	case "syslog":
		return syslog.LOG_SYSLOG, nil
	case "local0":
		return syslog.LOG_LOCAL0, nil
	case "local1":
		return syslog.LOG_LOCAL1, nil
	case "local2":
		return syslog.LOG_LOCAL2, nil
	case "local3":
		return syslog.LOG_LOCAL3, nil
	case "local4":
		return syslog.LOG_LOCAL4, nil
	case "local5":
		return syslog.LOG_LOCAL5, nil
	case "local6":
		return syslog.LOG_LOCAL6, nil
	case "local7":
		return syslog.LOG_LOCAL7, nil
	default:
		return 0, fmt.Errorf("log: unknown syslog facility %q", name)
	}
}

// WithComponent creates a child logger tagged with the originating
// component (e.g. "driver", "journal", "token").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRun creates a child logger tagged with a run's correlation ID. This
// is a log-correlation aid only; it is never written to the journal file,
// whose schema is fixed by external readers.
func WithRun(runID string) zerolog.Logger {
	return Logger.With().Str("run_id", runID).Logger()
}

// WithSlice creates a child logger tagged with a slice's key, for
// following one slice's retries and outcome across log lines.
func WithSlice(sliceKey string) zerolog.Logger {
	return Logger.With().Str("slice", sliceKey).Logger()
}

// Critical logs a journal snapshot at the severity the original tool's
// CRITICAL level maps to. zerolog has no native level above Error; the
// "journal":"snapshot" field is how a log consumer distinguishes this from
// an ordinary error line.
func Critical(logger zerolog.Logger, snapshot string) {
	logger.Error().Str("journal", "snapshot").Msg(snapshot)
}

func Info(msg string) { Logger.Info().Msg(msg) }

func Debug(msg string) { Logger.Debug().Msg(msg) }

func Warn(msg string) { Logger.Warn().Msg(msg) }

func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) { Logger.Error().Msgf(format, err) }

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
