// Package config centralizes the hub's timing constants and runtime knobs,
// all overridable by environment variables and read once at startup —
// the same shape as the teacher's client.json/env-driven config loaders.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Timing holds every tunable duration/count from spec.md §6.
type Timing struct {
	SweepInterval         time.Duration
	ProbeAfterIdle        time.Duration
	MaxIdle               time.Duration
	ProbeTimeout          time.Duration
	MaxMissedProbes       int
	ForceKillClosing      time.Duration
	CompileStartedGrace   time.Duration
	CompileFinishedGrace  time.Duration
	DefaultCommandTimeout time.Duration
	RefreshTimeout        time.Duration
}

// DefaultTiming returns the spec's stated defaults.
func DefaultTiming() Timing {
	return Timing{
		SweepInterval:         40 * time.Second,
		ProbeAfterIdle:        90 * time.Second,
		MaxIdle:               600 * time.Second,
		ProbeTimeout:          20 * time.Second,
		MaxMissedProbes:       3,
		ForceKillClosing:      10 * time.Second,
		CompileStartedGrace:   120 * time.Second,
		CompileFinishedGrace:  30 * time.Second,
		DefaultCommandTimeout: 30 * time.Second,
		RefreshTimeout:        120 * time.Second,
	}
}

// LoadTiming reads Timing from the environment, falling back to defaults for
// any var that is unset or fails to parse.
func LoadTiming() Timing {
	t := DefaultTiming()
	t.SweepInterval = durMS("ECH_SWEEP_INTERVAL_MS", t.SweepInterval)
	t.ProbeAfterIdle = durMS("ECH_PROBE_AFTER_IDLE_MS", t.ProbeAfterIdle)
	t.MaxIdle = durMS("ECH_MAX_IDLE_MS", t.MaxIdle)
	t.ProbeTimeout = durMS("ECH_PROBE_TIMEOUT_MS", t.ProbeTimeout)
	t.MaxMissedProbes = intVar("ECH_MAX_MISSED_PROBES", t.MaxMissedProbes)
	t.ForceKillClosing = durMS("ECH_FORCE_KILL_MS", t.ForceKillClosing)
	t.CompileStartedGrace = durMS("ECH_COMPILE_STARTED_GRACE_MS", t.CompileStartedGrace)
	t.CompileFinishedGrace = durMS("ECH_COMPILE_FINISHED_GRACE_MS", t.CompileFinishedGrace)
	t.DefaultCommandTimeout = durMS("ECH_COMMAND_TIMEOUT_MS", t.DefaultCommandTimeout)
	t.RefreshTimeout = durMS("ECH_REFRESH_TIMEOUT_MS", t.RefreshTimeout)
	return t
}

func durMS(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("config: ignoring invalid duration env var", "key", key, "value", v)
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

func intVar(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("config: ignoring invalid int env var", "key", key, "value", v)
		return fallback
	}
	return n
}

// Server holds HTTP-server-level and feature-gate settings.
type Server struct {
	Addr                string
	DebugEndpoints      bool
	MaxInflightUpgrades int
	EventBridgeRedisURL string
}

// LoadServer reads server-level settings from the environment.
func LoadServer() Server {
	addr := os.Getenv("ECH_ADDR")
	if addr == "" {
		addr = ":7777"
	}
	return Server{
		Addr:                addr,
		DebugEndpoints:      os.Getenv("ECH_DEBUG_ENDPOINTS") == "1",
		MaxInflightUpgrades: intVar("ECH_MAX_INFLIGHT_UPGRADES", 256),
		EventBridgeRedisURL: os.Getenv("ECH_EVENT_BRIDGE_REDIS_URL"),
	}
}
