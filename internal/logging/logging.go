// Package logging provides the broker's structured-logging conventions.
//
// Rules followed throughout this module:
//   - Loggers are always passed in, never read from a package global.
//   - Each component scopes its logger once, at construction, with
//     logger.With("component", "...").
//   - Output format, destination, and default level are main()'s concern
//     only; nothing below cmd/shvbroker calls slog.SetDefault.
//   - Logging stays off hot paths: per-frame tracing lives behind the
//     "rpc" component so it can be switched on independently of the
//     lifecycle logging (connect/mount/disconnect) that is always on.
package logging

import (
	"context"
	"log/slog"
	"maps"
	"sync/atomic"
)

// discardHandler drops every record; it backs Discard().
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that produces no output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// FrameTrace logs one frame crossing a connection at Debug level under
// the "rpc" component — the per-frame tracing path the package doc
// comment above promises, switchable independently of the
// connect/mount/disconnect lifecycle logging that stays on by default.
// Call sites do not need their own Enabled check: a component with no
// override simply logs at the handler's defaultLevel, which in
// practice means this call is a no-op allocation-only cost unless
// "rpc" has been raised to Debug via --verbose=rpc.
func FrameTrace(logger *slog.Logger, direction string, clientID int64, kind, shvPath, method string) {
	logger.With("component", "rpc").Debug("frame",
		"direction", direction,
		"client_id", clientID,
		"kind", kind,
		"shv_path", shvPath,
		"method", method,
	)
}

// Default returns logger if it is non-nil, otherwise a discard logger.
// Components take a *slog.Logger constructor argument and call this once:
//
//	func New(cfg Config) *Thing {
//	    logger := logging.Default(cfg.Logger).With("component", "thing")
//	    return &Thing{logger: logger}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentFilterHandler wraps a slog.Handler and applies a per-component
// minimum level, read from a "component" attribute on each record. This is
// what backs the CLI's --verbose/-v module selector: a module name maps to
// a component tag, and selecting it raises that tag's minimum to Debug
// without touching any other component's verbosity.
//
// Level changes are copy-on-write over an atomic map pointer, so Handle
// never takes a lock on its hot path.
type ComponentFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level

	// preAttrs holds attributes attached via WithAttrs before any group,
	// which is where a component's own "component" tag usually lives.
	preAttrs []slog.Attr

	// levels is shared by every handler derived from the same root via
	// WithAttrs/WithGroup, so SetLevel affects all of them.
	levels *atomic.Pointer[map[string]slog.Level]
}

// NewComponentFilterHandler wraps next, filtering records below defaultLevel
// unless their component has an explicit override via SetLevel.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	p := &atomic.Pointer[map[string]slog.Level]{}
	empty := make(map[string]slog.Level)
	p.Store(&empty)
	return &ComponentFilterHandler{next: next, defaultLevel: defaultLevel, levels: p}
}

// Enabled always defers to Handle, since the component tag (needed to pick
// the right minimum level) isn't available until the record's attrs are
// visible.
func (h *ComponentFilterHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	levels := *h.levels.Load()

	component := h.component(r)
	min := h.defaultLevel
	if lvl, ok := levels[component]; ok && component != "" {
		min = lvl
	}
	if r.Level < min {
		return nil
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) component(r slog.Record) string {
	// The innermost With("component", ...) wins, so a logger re-tagged
	// for a narrower component (FrameTrace's "rpc") is filtered by it.
	for i := len(h.preAttrs) - 1; i >= 0; i-- {
		a := h.preAttrs[i]
		if a.Key == "component" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				return s
			}
		}
	}
	var component string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				component = s
				return false
			}
		}
		return true
	})
	return component
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	merged := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(merged, h.preAttrs)
	merged = append(merged, attrs...)
	return &ComponentFilterHandler{
		next:         h.next.WithAttrs(attrs),
		defaultLevel: h.defaultLevel,
		preAttrs:     merged,
		levels:       h.levels,
	}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ComponentFilterHandler{
		next:         h.next.WithGroup(name),
		defaultLevel: h.defaultLevel,
		preAttrs:     h.preAttrs,
		levels:       h.levels,
	}
}

// SetLevel raises (or lowers) the minimum level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	old := *h.levels.Load()
	next := make(map[string]slog.Level, len(old)+1)
	maps.Copy(next, old)
	next[component] = level
	h.levels.Store(&next)
}

// ClearLevel reverts a component to defaultLevel.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	old := *h.levels.Load()
	if _, ok := old[component]; !ok {
		return
	}
	next := make(map[string]slog.Level, len(old))
	for k, v := range old {
		if k != component {
			next[k] = v
		}
	}
	h.levels.Store(&next)
}

// Level returns the effective minimum level for component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	levels := *h.levels.Load()
	if lvl, ok := levels[component]; ok {
		return lvl
	}
	return h.defaultLevel
}

// DefaultLevel returns the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.defaultLevel
}
