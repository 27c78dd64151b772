package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// base is the process root logger. It discards everything until Setup
// runs, so library code can log unconditionally.
var base = zerolog.Nop()

// Setup configures the root logger once, at process start. level is a
// zerolog level name ("debug", "info", "warn", "error"); anything
// unrecognized means info. HARDSHARE_LOG in the environment forces debug
// no matter what was asked for. A nil writer sends output to stderr;
// jsonOut selects raw JSON lines over the human console format.
func Setup(level string, jsonOut bool, w io.Writer) {
	if os.Getenv("HARDSHARE_LOG") != "" {
		level = "debug"
	}
	lv, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lv == zerolog.NoLevel {
		lv = zerolog.InfoLevel
	}

	if w == nil {
		w = os.Stderr
	}
	if !jsonOut {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	base = zerolog.New(w).Level(lv).With().Timestamp().Logger()
}

// For returns a logger tagged with the originating component.
func For(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// ForWD returns a logger tagged with a workspace deployment.
func ForWD(wdid string) zerolog.Logger {
	return base.With().Str("wdid", wdid).Logger()
}

// ForInstance tags entries with both the WD and the instance they
// concern.
func ForInstance(wdid, instanceID string) zerolog.Logger {
	return base.With().Str("wdid", wdid).Str("instance_id", instanceID).Logger()
}
