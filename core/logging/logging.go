package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Profile selects baseline logging defaults
type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config controls the global logger
type Config struct {
	Level  string
	Format string // "json" or "console"
}

var configureOnce sync.Once

// Configure sets up the global zerolog logger once per process
func Configure(profile Profile, cfg Config) {
	configureOnce.Do(func() {
		apply(profile, cfg, os.Stderr)
	})
}

// ConfigureTests quiets logging for test binaries
func ConfigureTests() {
	Configure(ProfileTest, Config{})
}

func apply(profile Profile, cfg Config, out io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, ok := parseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
		if profile == ProfileTest {
			level = zerolog.WarnLevel
		}
	}
	zerolog.SetGlobalLevel(level)

	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
