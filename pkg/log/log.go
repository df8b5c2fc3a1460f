// Package log provides structured logging for logdevice using zerolog.
//
// It wraps a single global zerolog.Logger, configurable via Init, and
// exposes child-logger constructors scoped to the identifiers that recur
// throughout the write path: log id, shard id, epoch. Per the design notes
// in SPEC_FULL.md, no thread-local or package-level mutable error state is
// used elsewhere in the module — this package is the one place a global is
// deliberately kept, matching the teacher's own global Logger convention.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger instance, configured by Init.
var Logger zerolog.Logger

// Level is a logging verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with a component name, e.g.
// "sequencer", "storagepool", "rebuilding".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithLogID creates a child logger tagged with a log_id field.
func WithLogID(logID uint64) zerolog.Logger {
	return Logger.With().Uint64("log_id", logID).Logger()
}

// WithShardID creates a child logger tagged with node_index/shard_index
// fields matching the wire ShardID encoding.
func WithShardID(nodeIndex uint16, shardIndex uint8) zerolog.Logger {
	return Logger.With().
		Uint16("node_index", nodeIndex).
		Uint8("shard_index", shardIndex).
		Logger()
}

// WithEpoch creates a child logger tagged with log_id and epoch fields.
func WithEpoch(logID uint64, epoch uint32) zerolog.Logger {
	return Logger.With().
		Uint64("log_id", logID).
		Uint32("epoch", epoch).
		Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
