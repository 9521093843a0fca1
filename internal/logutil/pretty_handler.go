package logutil

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	rootComponent = "forwardctl"
	stampLayout   = "2006-01-02 15:04:05,000"
)

// leadKeys are printed ahead of other fields so lines belonging to one sync
// request or one account can be followed by eye.
var leadKeys = []string{"request_id", "trigger", "account_id", "rule_id", "port"}

type field struct {
	key   string
	value string
}

// PrettyHandler renders records as
// "2006-01-02 15:04:05,000 - LEVEL - component: message | key: value".
type PrettyHandler struct {
	w       io.Writer
	level   slog.Leveler
	replace func(groups []string, a slog.Attr) slog.Attr
	mu      *sync.Mutex

	component string
	groups    []string
	preset    []field
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{w: w, level: slog.LevelInfo, mu: &sync.Mutex{}}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.replace = opts.ReplaceAttr
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	component := h.component
	fields := slices.Clone(h.preset)
	r.Attrs(func(a slog.Attr) bool {
		fields = h.appendAttr(fields, &component, h.groups, a)
		return true
	})
	sortLeading(fields)

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	var buf bytes.Buffer
	buf.WriteString(t.Local().Format(stampLayout))
	buf.WriteString(" - ")
	buf.WriteString(r.Level.String())
	buf.WriteString(" - ")
	buf.WriteString(normalizeComponent(component))
	buf.WriteString(": ")
	buf.WriteString(r.Message)
	for _, f := range fields {
		buf.WriteString(" | ")
		buf.WriteString(f.key)
		buf.WriteString(": ")
		buf.WriteString(f.value)
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

// WithAttrs renders the attributes once; the component attribute is lifted
// out of the field list.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := h.clone()
	for _, a := range attrs {
		cp.preset = cp.appendAttr(cp.preset, &cp.component, cp.groups, a)
	}
	return cp
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := h.clone()
	cp.groups = append(cp.groups, name)
	return cp
}

func (h *PrettyHandler) clone() *PrettyHandler {
	cp := *h
	cp.groups = slices.Clip(h.groups)
	cp.preset = slices.Clip(h.preset)
	return &cp
}

func (h *PrettyHandler) appendAttr(fields []field, component *string, groups []string, a slog.Attr) []field {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		sub := groups
		if a.Key != "" {
			sub = append(slices.Clip(groups), a.Key)
		}
		for _, ga := range a.Value.Group() {
			fields = h.appendAttr(fields, component, sub, ga)
		}
		return fields
	}
	if h.replace != nil {
		a = h.replace(groups, a)
		a.Value = a.Value.Resolve()
	}
	if a.Equal(slog.Attr{}) || a.Key == "" {
		return fields
	}
	if a.Key == "component" && len(groups) == 0 {
		*component = a.Value.String()
		return fields
	}

	key := a.Key
	for i := len(groups) - 1; i >= 0; i-- {
		key = groups[i] + "." + key
	}
	return append(fields, field{key: key, value: renderValue(a.Value)})
}

func renderValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Local().Format(stampLayout)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
	}
	return v.String()
}

// sortLeading moves lead keys to the front in their fixed order and keeps the
// rest as logged.
func sortLeading(fields []field) {
	slices.SortStableFunc(fields, func(a, b field) int {
		return leadRank(a.key) - leadRank(b.key)
	})
}

func leadRank(key string) int {
	if i := slices.Index(leadKeys, key); i >= 0 {
		return i
	}
	return len(leadKeys)
}

// normalizeComponent prefixes bare component names with the daemon name so
// pretty output reads "forwardctl.syncer" rather than "syncer".
func normalizeComponent(component string) string {
	switch {
	case component == "" || component == "main":
		return rootComponent
	case component == rootComponent || strings.HasPrefix(component, rootComponent+"."):
		return component
	case component == "http":
		return rootComponent + ".webhook"
	}
	return rootComponent + "." + component
}
