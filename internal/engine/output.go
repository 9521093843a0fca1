package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// outputRing holds the most recent engine output lines.
type outputRing struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newOutputRing(size int) *outputRing {
	if size <= 0 {
		size = 200
	}
	return &outputRing{lines: make([]string, size)}
}

func (o *outputRing) add(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lines[o.next] = line
	o.next = (o.next + 1) % len(o.lines)
	if o.next == 0 {
		o.full = true
	}
}

// tail returns up to n of the newest lines, oldest first. n <= 0 means all.
func (o *outputRing) tail(n int) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	count := o.next
	if o.full {
		count = len(o.lines)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]string, 0, n)
	start := o.next - n
	if start < 0 {
		start += len(o.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, o.lines[(start+i)%len(o.lines)])
	}
	return out
}

// engineRecord is the subset of the engine's JSON log line we relay.
type engineRecord struct {
	Level   string `json:"level"`
	Msg     string `json:"msg"`
	Service string `json:"service"`
	Kind    string `json:"kind"`
}

// relay re-emits one engine output line through slog. Structured lines keep
// their level and service; anything else is debug noise.
func relay(logger *slog.Logger, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	var rec engineRecord
	if !strings.HasPrefix(line, "{") || json.Unmarshal([]byte(line), &rec) != nil || rec.Msg == "" {
		logger.Debug(line, "source", "engine_output")
		return
	}
	attrs := []any{"source", "engine_output"}
	if rec.Service != "" {
		attrs = append(attrs, "service", rec.Service)
	}
	if rec.Kind != "" {
		attrs = append(attrs, "kind", rec.Kind)
	}
	logger.Log(context.Background(), engineLevel(rec.Level), rec.Msg, attrs...)
}

// engineLevel maps engine levels onto slog. Engine info lines are chatty
// per-connection traces, so they drop to debug.
func engineLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "error", "fatal", "panic":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}
