// Package log builds the process loggers used by the rowflow command.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/lmittmann/tint"
	"github.com/rs/zerolog"
)

// Output formats understood by NewSlog.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// DefaultFormat is json inside Kubernetes and console elsewhere.
func DefaultFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return FormatJSON
	}
	return FormatConsole
}

// ParseLevel maps debug, info, warn and error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// NewSlog returns the logger handed to runs. The console format uses tint;
// the json format routes through zerolog via logr.
func NewSlog(w io.Writer, format string, level slog.Level) (*slog.Logger, error) {
	switch format {
	case FormatConsole, "":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})), nil
	case FormatJSON:
		zerologOnce.Do(configureZerolog)
		zl := zerolog.New(w).With().Timestamp().Logger().Level(zerolog.Level(-8))
		return slog.New(&levelHandler{Handler: logr.ToSlogHandler(zerologr.New(&zl)), level: level}), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

var zerologOnce sync.Once

// configureZerolog sets the zerolog and zerologr package settings once per
// process. Filtering happens on the slog side, so zerolog and zerologr pass
// every verbosity through.
func configureZerolog() {
	zerolog.SetGlobalLevel(zerolog.Level(-8))
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"
	zerologr.SetMaxV(8)
}

// levelHandler drops records below level.
type levelHandler struct {
	slog.Handler
	level slog.Level
}

func (h *levelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level && h.Handler.Enabled(ctx, l)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithAttrs(attrs), level: h.level}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithGroup(name), level: h.level}
}
