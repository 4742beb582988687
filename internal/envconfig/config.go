// Package envconfig reads the environment variables that tune kernel dispatch
// and threading.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

var (
	// FusedKernel enables the single-pass mask/softmax/dropout kernel.
	FusedKernel = BoolWithDefault("FUSEDATTN_FUSED_KERNEL")

	// FusedMaxKeys is the largest key length the fused kernel accepts.
	FusedMaxKeys = Uint("FUSEDATTN_FUSED_MAX_KEYS", 2048)

	// NumThreads sets the worker count of the CPU substrate.
	NumThreads = Uint("FUSEDATTN_NUM_THREADS", uint(runtime.NumCPU()))
)

// LogLevel returns the log level.
// FUSEDATTN_DEBUG: 0/false = INFO (default), 1/true = DEBUG, 2 = TRACE-like.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("FUSEDATTN_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// BoolWithDefault returns a reader for a boolean variable with a default.
// Unparseable values count as true.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a reader for a boolean variable defaulting to false.
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// Uint returns a reader for an unsigned integer variable with a default.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar describes one configuration variable.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every configuration variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"FUSEDATTN_DEBUG":          {"FUSEDATTN_DEBUG", LogLevel(), "Show additional debug information (e.g. FUSEDATTN_DEBUG=1)"},
		"FUSEDATTN_FUSED_KERNEL":   {"FUSEDATTN_FUSED_KERNEL", FusedKernel(true), "Use the fused softmax/dropout kernel when it applies"},
		"FUSEDATTN_FUSED_MAX_KEYS": {"FUSEDATTN_FUSED_MAX_KEYS", FusedMaxKeys(), "Longest key sequence the fused kernel handles (default 2048)"},
		"FUSEDATTN_NUM_THREADS":    {"FUSEDATTN_NUM_THREADS", NumThreads(), "Worker goroutines for batched GEMMs and row kernels"},
	}
}

// Values returns every configuration value formatted as a string.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of surrounding quotes and spaces.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
