// Package envconfig reads the small set of QWENVL_* environment variables
// a stage process consults at startup: debug logging and a scratch
// directory for weight-archive staging.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

var (
	// Debug is set via QWENVL_DEBUG in the environment.
	Debug bool
	// TmpDir is set via QWENVL_TMPDIR in the environment and reported by
	// AsMap; no package in this module reads it (the last stage writes its
	// archive straight to --out).
	TmpDir string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"QWENVL_DEBUG":  {"QWENVL_DEBUG", Debug, "Show additional debug information (e.g. QWENVL_DEBUG=1)"},
		"QWENVL_TMPDIR": {"QWENVL_TMPDIR", TmpDir, "Location for staged weight archives"},
	}
}

// Var reads an environment variable, trimming surrounding quotes and
// whitespace the way a shell-exported value often carries them.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

func init() {
	LoadConfig()
}

// LoadConfig re-reads every QWENVL_* variable. Tests call it directly
// after mutating the environment.
func LoadConfig() {
	if debug := Var("QWENVL_DEBUG"); debug != "" {
		if d, err := strconv.ParseBool(debug); err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}
	TmpDir = Var("QWENVL_TMPDIR")
}

// LogLevel derives the slog level from QWENVL_DEBUG: unset or false is
// Info, true is Debug, and an integer multiplies logutil's level step,
// so a verbosity counter of 2 reaches Trace.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("QWENVL_DEBUG"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil && b {
			level = slog.LevelDebug
		} else if i, err := strconv.ParseInt(s, 10, 64); err == nil && i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}
