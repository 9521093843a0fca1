// Package loop runs periodic background work with an on/off switch, so the
// daemon's simple mode can pause every loop without tearing it down.
package loop

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
)

type Loop struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	clock    quartz.Clock
	enabled  atomic.Bool
	runs     atomic.Int64
	kick     chan struct{}
}

func loopLogger() *slog.Logger {
	return slog.Default().With("component", "loop")
}

// New returns an enabled loop calling fn every interval.
func New(name string, interval time.Duration, clock quartz.Clock, fn func(ctx context.Context)) *Loop {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	l := &Loop{
		name:     name,
		interval: interval,
		fn:       fn,
		clock:    clock,
		kick:     make(chan struct{}, 1),
	}
	l.enabled.Store(true)
	return l
}

func (l *Loop) Name() string { return l.name }

// SetEnabled switches the loop. Turning it back on runs an iteration right
// away instead of waiting out the interval.
func (l *Loop) SetEnabled(on bool) {
	if l.enabled.Swap(on) == on {
		return
	}
	loopLogger().Info("loop toggled", "loop", l.name, "enabled", on)
	if on {
		l.wake()
	}
}

func (l *Loop) Enabled() bool { return l.enabled.Load() }

// Runs counts completed iterations.
func (l *Loop) Runs() int64 { return l.runs.Load() }

// wake requests an iteration ahead of the next tick.
func (l *Loop) wake() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Tick runs one iteration if the loop is enabled. A panic in fn is logged
// and swallowed so the loop survives it.
func (l *Loop) Tick(ctx context.Context) bool {
	if !l.Enabled() {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			loopLogger().Error("loop iteration panicked", "loop", l.name, "panic", r)
		}
		l.runs.Add(1)
	}()
	l.fn(ctx)
	return true
}

// Run blocks until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	ticker := l.clock.NewTicker(l.interval, "loop", l.name)
	defer ticker.Stop()

	loopLogger().Debug("loop started", "loop", l.name, "interval", l.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		case <-l.kick:
			l.Tick(ctx)
		}
	}
}

// Group toggles several loops together.
type Group []*Loop

func (g Group) SetEnabled(on bool) {
	for _, l := range g {
		l.SetEnabled(on)
	}
}

func (g Group) Run(ctx context.Context) {
	for _, l := range g {
		go l.Run(ctx)
	}
}
