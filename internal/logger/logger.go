// Package logger provides component-scoped slog loggers with per-component
// level overrides.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var (
	mu              sync.RWMutex
	defaultLevel    = slog.LevelInfo
	componentLevels = map[string]slog.Level{}
	format          = "text"
	loggerCache     sync.Map
)

var output io.Writer = os.Stderr

// Configure resets the output format, the default level and the per-component
// overrides. Loggers handed out earlier keep their handler.
func Configure(logFormat string, level LogLevel, components map[string]LogLevel) {
	mu.Lock()
	defaultLevel = parseLevel(string(level))
	format = strings.ToLower(logFormat)
	componentLevels = make(map[string]slog.Level, len(components))
	for name, lvl := range components {
		componentLevels[name] = parseLevel(string(lvl))
	}
	mu.Unlock()

	loggerCache = sync.Map{}
}

// SetOutput redirects every logger created afterwards. A nil writer restores
// stderr.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	output = w
	mu.Unlock()
	loggerCache = sync.Map{}
}

// Get returns the logger of a component, creating it on first use.
func Get(name string) *slog.Logger {
	if l, ok := loggerCache.Load(name); ok {
		return l.(*slog.Logger)
	}

	mu.RLock()
	w, f := output, format
	mu.RUnlock()

	var handler slog.Handler
	if f == "json" {
		handler = newJSONHandler(w, name)
	} else {
		handler = NewTextHandler(w, name)
	}

	l := slog.New(handler)
	actual, _ := loggerCache.LoadOrStore(name, l)
	return actual.(*slog.Logger)
}

// SetComponentLevel overrides the level of one component and its children.
func SetComponentLevel(name string, level LogLevel) {
	mu.Lock()
	componentLevels[name] = parseLevel(string(level))
	mu.Unlock()
}

// TextHandler writes one line per record: timestamp, component, message and
// attributes in sorted key order.
type TextHandler struct {
	mu        *sync.Mutex
	w         io.Writer
	attrs     []slog.Attr
	component string
}

func NewTextHandler(w io.Writer, component string) *TextHandler {
	return &TextHandler{mu: &sync.Mutex{}, w: w, component: component}
}

func (h *TextHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= effectiveLevel(h.component)
}

func (h *TextHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 256)
	buf = append(buf, r.Time.Format("2006/01/02 15:04:05.000")...)
	buf = append(buf, ' ')
	buf = append(buf, r.Level.String()...)
	if h.component != "" {
		buf = append(buf, fmt.Sprintf(" [%s]", h.component)...)
	}
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)
	for _, k := range keys {
		buf = append(buf, fmt.Sprintf(" %s=%v", k, attrs[k])...)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *TextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TextHandler{
		mu:        h.mu,
		w:         h.w,
		attrs:     append(append([]slog.Attr(nil), h.attrs...), attrs...),
		component: h.component,
	}
}

func (h *TextHandler) WithGroup(name string) slog.Handler {
	return &TextHandler{mu: h.mu, w: h.w, attrs: h.attrs, component: childComponent(h.component, name)}
}

type jsonHandler struct {
	inner     slog.Handler
	component string
}

func newJSONHandler(w io.Writer, component string) *jsonHandler {
	return &jsonHandler{
		inner:     slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}),
		component: component,
	}
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= effectiveLevel(h.component)
}

func (h *jsonHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.component != "" {
		r.AddAttrs(slog.String("component", h.component))
	}
	return h.inner.Handle(ctx, r)
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &jsonHandler{inner: h.inner.WithAttrs(attrs), component: h.component}
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	return &jsonHandler{inner: h.inner, component: childComponent(h.component, name)}
}

func childComponent(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// effectiveLevel walks up the dotted component path until an override
// matches, falling back to the default level.
func effectiveLevel(component string) slog.Level {
	mu.RLock()
	defer mu.RUnlock()

	path := component
	for path != "" {
		if level, ok := componentLevels[path]; ok {
			return level
		}
		idx := strings.LastIndex(path, ".")
		if idx < 0 {
			break
		}
		path = path[:idx]
	}
	return defaultLevel
}
