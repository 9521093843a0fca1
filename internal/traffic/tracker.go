package traffic

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"

	"forwardctl/internal/loop"
)

// Key identifies one counter stream of the engine.
type Key struct {
	AccountID int64
	Port      int
	Proto     string
}

type trackState struct {
	input  int64
	output int64
	seen   time.Time
}

// Tracker turns lifetime counters into increments. A counter that went down
// means the engine restarted; the new value is then the increment itself.
type Tracker struct {
	mu     sync.Mutex
	states map[Key]trackState
}

func NewTracker() *Tracker {
	return &Tracker{states: make(map[Key]trackState)}
}

// Delta records the counters and returns the bytes since the previous
// observation. The first observation of a stream counts in full.
func (t *Tracker) Delta(k Key, input, output int64, now time.Time) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.states[k]
	t.states[k] = trackState{input: input, output: output, seen: now}
	if !ok || input < prev.input || output < prev.output {
		return addBytes(input, output)
	}
	return addBytes(input-prev.input, output-prev.output)
}

// Prune forgets streams not seen since cutoff and returns how many it removed.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, s := range t.states {
		if s.seen.Before(cutoff) {
			delete(t.states, k)
			n++
		}
	}
	return n
}

// PruneLoop drops streams idle for longer than ttl. Deleted rules and moved
// ports otherwise keep their last counters forever.
func (t *Tracker) PruneLoop(clock quartz.Clock, ttl time.Duration) *loop.Loop {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return loop.New("counter_prune", ttl/4, clock, func(context.Context) {
		if n := t.Prune(clock.Now().Add(-ttl)); n > 0 {
			trafficLogger().Debug("pruned idle counter streams", "streams", n, "remaining", t.Len())
		}
	})
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
