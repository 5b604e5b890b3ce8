// Package logging provides the process-wide slog handler: fan-out to
// multiple writers, each with its own minimum level, with a global level
// floor that can be adjusted at runtime.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

var (
	globalLevel  = slog.LevelInfo
	handlerMutex sync.RWMutex
)

// SetLevel sets the global level floor. Records below this level are
// dropped regardless of per-output levels.
func SetLevel(levelStr string) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	globalLevel = ParseLevel(levelStr)
}

// ParseLevel parses a level name, defaulting to info on an unknown value.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// multiHandler fans a record out to every output whose level it meets.
type multiHandler struct {
	outputs map[io.Writer]slog.Level
	mu      *sync.Mutex
	attrs   []slog.Attr
}

// NewMultiLevelHandler builds a slog.Handler that writes to each output
// only when the record's level clears both the global floor and that
// output's own minimum level.
func NewMultiLevelHandler(outputs map[io.Writer]slog.Level) slog.Handler {
	return &multiHandler{outputs: outputs, mu: &sync.Mutex{}}
}

func (h *multiHandler) Enabled(_ context.Context, level slog.Level) bool {
	handlerMutex.RLock()
	floor := globalLevel
	handlerMutex.RUnlock()

	if level < floor {
		return false
	}
	for _, outLevel := range h.outputs {
		if level >= outLevel {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(_ context.Context, record slog.Record) error {
	handlerMutex.RLock()
	floor := globalLevel
	handlerMutex.RUnlock()

	if record.Level < floor {
		return nil
	}

	timestamp := record.Time.Format("15:04:05.000")
	var attrs []string
	for _, a := range h.attrs {
		attrs = append(attrs, a.Key+"="+a.Value.String())
	}
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a.Key+"="+a.Value.String())
		return true
	})

	line := "[" + timestamp + "] [" + strings.ToUpper(record.Level.String()) + "] " + record.Message
	if len(attrs) > 0 {
		line += " " + strings.Join(attrs, " ")
	}
	line += "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	for out, outLevel := range h.outputs {
		if record.Level >= outLevel && out != nil {
			_, _ = out.Write([]byte(line))
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &multiHandler{outputs: h.outputs, mu: h.mu, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *multiHandler) WithGroup(_ string) slog.Handler {
	return h
}

// Init installs the default logger writing to a single output at the
// given level, with the global floor set from levelStr.
func Init(out io.Writer, levelStr string) {
	SetLevel(levelStr)
	handler := NewMultiLevelHandler(map[io.Writer]slog.Level{out: ParseLevel(levelStr)})
	slog.SetDefault(slog.New(handler))
}

// InitWithLevels installs the default logger across several outputs,
// each with an independent minimum level.
func InitWithLevels(outputs map[io.Writer]slog.Level) {
	slog.SetDefault(slog.New(NewMultiLevelHandler(outputs)))
}
