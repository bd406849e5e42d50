// Package logging builds the process slog.Logger: JSON for machines,
// colorized text for people at a terminal.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Format selects the handler.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
	// FormatAuto picks pretty when Out is a terminal and JSON otherwise.
	FormatAuto Format = "auto"
)

// Options configures New.
type Options struct {
	Format Format
	Level  slog.Level
	// Out defaults to os.Stderr.
	Out io.Writer
}

// New returns a logger for opts.
func New(opts Options) *slog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	return slog.New(NewHandler(out, opts.Format, opts.Level))
}

// NewHandler returns the handler for format writing to out.
func NewHandler(out io.Writer, format Format, level slog.Level) slog.Handler {
	pretty := format == FormatPretty || (format != FormatJSON && isTerminal(out))
	if pretty {
		return tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(out),
		})
	}
	return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
}

// ParseFormat accepts "json", "pretty" or "auto"; empty means auto.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatAuto, nil
	case FormatJSON, FormatPretty, FormatAuto:
		return f, nil
	default:
		return "", fmt.Errorf("unknown log format %q", s)
	}
}

// ParseLevel accepts debug, info, warn or error; empty means info.
func ParseLevel(s string) (slog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
