// Package coreruntime provides the explicit configuration/logging context
// every component receives at construction time. spec.md §9 singles out
// "global mutable singletons (globalAgentProcessManager, agentManager,
// shared logger)" for elimination in favor of "an explicit Runtime context
// value passed into each component; no package-level mutable state" — this
// package is that value: a Runtime built once from Config and threaded
// through corestore/coresupervisor/coreworkspace/corescheduler/
// corecoordinator instead of any of them reaching for a package global.
package coreruntime

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a logging verbosity threshold.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures a Runtime.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Runtime carries the configured logger and is passed as a *Runtime into
// every component's constructor.
type Runtime struct {
	Logger zerolog.Logger
}

// New builds a Runtime from cfg. JSON output in production, a
// zerolog.ConsoleWriter in development — same choice the teacher's logging
// package makes off Config.JSONOutput.
func New(cfg Config) *Runtime {
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

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var logger zerolog.Logger
	if cfg.JSONOutput {
		logger = zerolog.New(output).Level(level).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).Level(level).With().Timestamp().Logger()
	}

	return &Runtime{Logger: logger}
}

// Test returns a Runtime suitable for unit tests: debug level, writing to
// w (typically discarded via io.Discard, or os.Stderr under -v).
func Test(w io.Writer) *Runtime {
	return New(Config{Level: DebugLevel, JSONOutput: false, Output: w})
}

// WithComponent returns a child logger tagged with a component name.
func (rt *Runtime) WithComponent(component string) zerolog.Logger {
	return rt.Logger.With().Str("component", component).Logger()
}

// WithSwarmID returns a child logger tagged with a swarm id.
func (rt *Runtime) WithSwarmID(swarmID string) zerolog.Logger {
	return rt.Logger.With().Str("swarm_id", swarmID).Logger()
}

// WithAgentID returns a child logger tagged with an agent id.
func (rt *Runtime) WithAgentID(agentID string) zerolog.Logger {
	return rt.Logger.With().Str("agent_id", agentID).Logger()
}

// WithTaskID returns a child logger tagged with a task id.
func (rt *Runtime) WithTaskID(taskID string) zerolog.Logger {
	return rt.Logger.With().Str("task_id", taskID).Logger()
}
