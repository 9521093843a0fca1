// Package syncer coordinates configuration syncs: it keeps at most one push
// in flight, queues the rest by priority, collapses duplicates and lets
// emergency triggers preempt a lower-priority push.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"forwardctl/internal/engineconfig"
	"forwardctl/internal/loop"
	"forwardctl/internal/metrics"
	"forwardctl/internal/models"
)

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeQueued    Outcome = "queued"
	OutcomeSkipped   Outcome = "skipped"
	OutcomePreempted Outcome = "preempted"
)

type Result struct {
	RequestID string             `json:"request_id"`
	Trigger   models.SyncTrigger `json:"trigger"`
	Priority  int                `json:"priority"`
	Outcome   Outcome            `json:"outcome"`
	Reason    string             `json:"reason,omitempty"`
	Pushed    bool               `json:"pushed"`
	Hash      string             `json:"hash,omitempty"`
	Duration  time.Duration      `json:"duration"`
	At        time.Time          `json:"at"`
}

// Builder generates the desired configuration.
type Builder interface {
	Build(ctx context.Context) (engineconfig.Snapshot, error)
}

// Pusher makes a configuration live on the engine.
type Pusher interface {
	Apply(ctx context.Context, cfg *engineconfig.Config) error
}

var (
	DefaultForceTriggers = []models.SyncTrigger{
		models.TriggerEmergencyQuotaDisable,
		models.TriggerRealtimeViolation,
		models.TriggerManualForce,
		models.TriggerEngineRecovery,
	}
	DefaultEmergencyTriggers = []models.SyncTrigger{
		models.TriggerEmergencyQuotaDisable,
		models.TriggerRealtimeViolation,
	}
)

type Options struct {
	MinInterval   time.Duration
	LockTimeout   time.Duration
	PreemptWait   time.Duration
	QueueCapacity int
	HistorySize   int
	// ForceTriggers always push, even when the hash is unchanged.
	ForceTriggers []models.SyncTrigger
	// EmergencyTriggers may preempt a lower-priority push.
	EmergencyTriggers []models.SyncTrigger
	Clock             quartz.Clock
	Metrics           *metrics.Metrics
}

type Stats struct {
	Requested       int64 `json:"requested"`
	Executed        int64 `json:"executed"`
	Succeeded       int64 `json:"succeeded"`
	Failed          int64 `json:"failed"`
	Skipped         int64 `json:"skipped"`
	Queued          int64 `json:"queued"`
	Dropped         int64 `json:"dropped"`
	Preempted       int64 `json:"preempted"`
	ForcedReleases  int64 `json:"forced_releases"`
	UnchangedSkips  int64 `json:"unchanged_skips"`
	PanicsRecovered int64 `json:"panics_recovered"`
}

type Status struct {
	Executing     *Request   `json:"executing,omitempty"`
	LockHeldSince *time.Time `json:"lock_held_since,omitempty"`
	Queue         []Request  `json:"queue"`
	Stats         Stats      `json:"stats"`
	LastHash      string     `json:"last_hash,omitempty"`
	LastSync      *time.Time `json:"last_sync,omitempty"`
	History       []Result   `json:"history"`
}

// execution is the holder of the global sync lock.
type execution struct {
	req        *Request
	acquiredAt time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	preempted  bool
}

type Coordinator struct {
	builder Builder
	pusher  Pusher
	clock   quartz.Clock
	metrics *metrics.Metrics

	minInterval time.Duration
	lockTimeout time.Duration
	preemptWait time.Duration
	capacity    int
	historySize int
	force       map[models.SyncTrigger]bool
	emergency   map[models.SyncTrigger]bool

	mu        sync.Mutex
	running   *execution
	queue     requestQueue
	seq       uint64
	lastFired map[models.SyncTrigger]time.Time
	lastHash  uint64
	hasHash   bool
	lastSync  time.Time
	stats     Stats
	history   []Result
	listeners []func(Result)
}

func syncLogger() *slog.Logger {
	return slog.Default().With("component", "syncer")
}

func New(builder Builder, pusher Pusher, opts Options) *Coordinator {
	if opts.MinInterval <= 0 {
		opts.MinInterval = 10 * time.Second
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 60 * time.Second
	}
	if opts.PreemptWait <= 0 {
		opts.PreemptWait = 5 * time.Second
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 10
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 50
	}
	if opts.ForceTriggers == nil {
		opts.ForceTriggers = DefaultForceTriggers
	}
	if opts.EmergencyTriggers == nil {
		opts.EmergencyTriggers = DefaultEmergencyTriggers
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}

	c := &Coordinator{
		builder:     builder,
		pusher:      pusher,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		minInterval: opts.MinInterval,
		lockTimeout: opts.LockTimeout,
		preemptWait: opts.PreemptWait,
		capacity:    opts.QueueCapacity,
		historySize: opts.HistorySize,
		force:       make(map[models.SyncTrigger]bool),
		emergency:   make(map[models.SyncTrigger]bool),
		lastFired:   make(map[models.SyncTrigger]time.Time),
	}
	for _, t := range opts.ForceTriggers {
		c.force[t] = true
	}
	for _, t := range opts.EmergencyTriggers {
		c.emergency[t] = true
	}
	return c
}

// OnResult registers fn to be called after every executed request.
func (c *Coordinator) OnResult(fn func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Submit is RequestSync without waiting for the outcome.
func (c *Coordinator) Submit(trigger models.SyncTrigger, force bool, priority int) {
	go func() {
		res := c.RequestSync(context.Background(), trigger, force, priority)
		syncLogger().Debug("submitted sync finished", "trigger", trigger, "outcome", res.Outcome, "reason", res.Reason)
	}()
}

// RequestSync runs a sync now when the coordinator is idle and waits for it;
// otherwise it queues the request (or drops it) and returns immediately.
func (c *Coordinator) RequestSync(ctx context.Context, trigger models.SyncTrigger, force bool, priority int) Result {
	priority = min(max(priority, 1), 10)
	now := c.clock.Now()
	logger := syncLogger().With("trigger", trigger, "priority", priority, "force", force)

	c.mu.Lock()
	c.stats.Requested++

	if !force && !c.force[trigger] {
		if last, ok := c.lastFired[trigger]; ok && now.Sub(last) < c.minInterval {
			c.stats.Skipped++
			c.mu.Unlock()
			logger.Debug("sync skipped, trigger fired recently", "since", now.Sub(last))
			return c.reply(Result{Trigger: trigger, Priority: priority, Outcome: OutcomeSkipped, Reason: "min_interval", At: now})
		}
	}
	c.lastFired[trigger] = now

	c.seq++
	req := &Request{
		ID:         uuid.NewString(),
		Trigger:    trigger,
		Priority:   priority,
		Force:      force,
		EnqueuedAt: now,
		State:      StateQueued,
		seq:        c.seq,
		index:      -1,
	}

	c.releaseStaleLocked(now)

	if c.running == nil {
		exec := c.acquireLocked(ctx, req)
		c.mu.Unlock()
		return c.reply(c.execute(exec))
	}

	if c.emergency[trigger] && c.running.req.Priority < priority {
		current := c.running
		c.mu.Unlock()
		return c.reply(c.preempt(ctx, req, current))
	}

	res := c.enqueueLocked(req)
	c.mu.Unlock()
	if res.Outcome == OutcomeQueued {
		logger.Debug("sync queued", "request_id", req.ID)
	}
	return c.reply(res)
}

func (c *Coordinator) reply(res Result) Result {
	c.metrics.SyncRequest(string(res.Outcome))
	return res
}

// preempt waits for the current holder to finish; if it is still busy after
// the grace period, the holder is cancelled and re-queued and req takes the
// lock.
func (c *Coordinator) preempt(ctx context.Context, req *Request, current *execution) Result {
	timer := c.clock.NewTimer(c.preemptWait, "syncer", "preempt")
	select {
	case <-current.done:
	case <-timer.C:
	case <-ctx.Done():
	}
	timer.Stop()

	c.mu.Lock()
	c.releaseStaleLocked(c.clock.Now())
	if c.running != nil && c.running.req.Priority >= req.Priority {
		res := c.enqueueLocked(req)
		c.mu.Unlock()
		return res
	}
	if victim := c.running; victim != nil {
		victim.preempted = true
		victim.cancel()
		c.stats.Preempted++
		victim.req.State = StateQueued
		c.enqueueLocked(victim.req)
		syncLogger().Warn("preempting running sync",
			"victim_trigger", victim.req.Trigger, "victim_priority", victim.req.Priority,
			"trigger", req.Trigger, "priority", req.Priority)
		c.running = nil
	}
	exec := c.acquireLocked(ctx, req)
	c.mu.Unlock()
	return c.execute(exec)
}

// releaseStaleLocked frees a lock held past the timeout so a stuck executor
// cannot block every future sync.
func (c *Coordinator) releaseStaleLocked(now time.Time) {
	if c.running == nil || now.Sub(c.running.acquiredAt) < c.lockTimeout {
		return
	}
	stale := c.running
	stale.cancel()
	stale.req.State = StateFailed
	c.running = nil
	c.stats.ForcedReleases++
	syncLogger().Error("sync lock force-released after timeout",
		"holder", stale.req.ID, "trigger", stale.req.Trigger, "held", now.Sub(stale.acquiredAt))
}

func (c *Coordinator) acquireLocked(ctx context.Context, req *Request) *execution {
	// The push outlives the caller's request but never the lock timeout.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lockTimeout)
	req.State = StateExecuting
	exec := &execution{
		req:        req,
		acquiredAt: c.clock.Now(),
		ctx:        execCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	c.running = exec
	return exec
}

// enqueueLocked adds req unless an equal-or-higher queued instance of the
// same trigger exists, evicting the weakest entry when full.
func (c *Coordinator) enqueueLocked(req *Request) Result {
	res := Result{RequestID: req.ID, Trigger: req.Trigger, Priority: req.Priority, At: c.clock.Now()}

	if dup := c.queue.byTrigger(req.Trigger); dup != nil {
		if req.Priority <= dup.Priority {
			req.State = StateDropped
			c.stats.Dropped++
			res.Outcome, res.Reason = OutcomeSkipped, "duplicate_queued"
			return res
		}
		c.queue.remove(dup)
		dup.State = StateDropped
		c.stats.Dropped++
	}

	if c.queue.Len() >= c.capacity {
		w := c.queue.weakest()
		if req.Priority <= w.Priority {
			req.State = StateDropped
			c.stats.Dropped++
			res.Outcome, res.Reason = OutcomeSkipped, "queue_full"
			return res
		}
		c.queue.remove(w)
		w.State = StateDropped
		c.stats.Dropped++
		syncLogger().Warn("sync queue full, evicted request", "trigger", w.Trigger, "priority", w.Priority)
	}

	req.State = StateQueued
	c.queue.push(req)
	c.stats.Queued++
	c.metrics.QueueDepth(c.queue.Len())
	res.Outcome, res.Reason = OutcomeQueued, "busy"
	return res
}

func (c *Coordinator) execute(exec *execution) Result {
	started := c.clock.Now()
	res := c.perform(exec)
	res.RequestID = exec.req.ID
	res.Trigger = exec.req.Trigger
	res.Priority = exec.req.Priority
	res.Duration = c.clock.Now().Sub(started)
	res.At = c.clock.Now()
	c.finish(exec, res)
	return res
}

// perform is generate → hash → compare → push. Panics become failures.
func (c *Coordinator) perform(exec *execution) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.stats.PanicsRecovered++
			c.mu.Unlock()
			syncLogger().Error("sync panicked", "trigger", exec.req.Trigger, "panic", r)
			res = Result{Outcome: OutcomeFailure, Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()
	ctx := exec.ctx
	logger := syncLogger().With("trigger", exec.req.Trigger, "request_id", exec.req.ID)

	snap, err := c.builder.Build(ctx)
	if err != nil {
		if c.wasPreempted(exec) {
			return Result{Outcome: OutcomePreempted, Reason: "preempted"}
		}
		logger.Error("config generation failed", "error", err)
		return Result{Outcome: OutcomeFailure, Reason: "generate: " + err.Error()}
	}
	hash := strconv.FormatUint(snap.Hash, 16)

	c.mu.Lock()
	unchanged := c.hasHash && c.lastHash == snap.Hash
	c.mu.Unlock()
	if unchanged && !c.force[exec.req.Trigger] {
		if c.wasPreempted(exec) {
			return Result{Outcome: OutcomePreempted, Reason: "preempted", Hash: hash}
		}
		c.mu.Lock()
		c.stats.UnchangedSkips++
		c.mu.Unlock()
		logger.Debug("configuration unchanged, push skipped", "hash", hash)
		return Result{Outcome: OutcomeSuccess, Reason: "unchanged", Hash: hash}
	}

	if err := c.pusher.Apply(ctx, snap.Config); err != nil {
		if c.wasPreempted(exec) {
			return Result{Outcome: OutcomePreempted, Reason: "preempted", Hash: hash}
		}
		logger.Error("configuration push failed", "error", err, "hash", hash)
		return Result{Outcome: OutcomeFailure, Reason: "push: " + err.Error(), Hash: hash}
	}

	c.mu.Lock()
	holder := c.running == exec
	if holder {
		c.lastHash = snap.Hash
		c.hasHash = true
		c.lastSync = c.clock.Now()
	}
	c.mu.Unlock()
	if !holder {
		return Result{Outcome: OutcomePreempted, Reason: "lost_lock", Pushed: true, Hash: hash}
	}
	logger.Info("configuration synced", "hash", hash, "rules", snap.Rules, "services", len(snap.Config.Services))
	return Result{Outcome: OutcomeSuccess, Pushed: true, Hash: hash}
}

func (c *Coordinator) wasPreempted(exec *execution) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return exec.preempted || c.running != exec
}

func (c *Coordinator) finish(exec *execution, res Result) {
	exec.cancel()

	c.mu.Lock()
	if c.running == exec {
		c.running = nil
	}
	switch res.Outcome {
	case OutcomeSuccess:
		exec.req.State = StateCompleted
		c.stats.Succeeded++
	case OutcomePreempted:
		// re-queued by the preempting request
	default:
		exec.req.State = StateFailed
		c.stats.Failed++
	}
	c.stats.Executed++
	c.history = append(c.history, res)
	if len(c.history) > c.historySize {
		c.history = c.history[len(c.history)-c.historySize:]
	}
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	close(exec.done)
	c.metrics.SyncExecuted(res.Duration.Seconds())
	for _, fn := range listeners {
		fn(res)
	}
	go c.drainOne()
}

// drainOne starts the highest-priority queued request if the lock is free.
func (c *Coordinator) drainOne() {
	c.mu.Lock()
	c.releaseStaleLocked(c.clock.Now())
	if c.running != nil || c.queue.Len() == 0 {
		c.mu.Unlock()
		return
	}
	req := c.queue.pop()
	c.metrics.QueueDepth(c.queue.Len())
	exec := c.acquireLocked(context.Background(), req)
	c.mu.Unlock()

	res := c.execute(exec)
	c.metrics.SyncRequest(string(res.Outcome))
}

// Status returns a snapshot for the admin surface.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Queue:   c.queue.snapshot(),
		Stats:   c.stats,
		History: append([]Result(nil), c.history...),
	}
	if c.running != nil {
		r := *c.running.req
		st.Executing = &r
		at := c.running.acquiredAt
		st.LockHeldSince = &at
	}
	if c.hasHash {
		st.LastHash = strconv.FormatUint(c.lastHash, 16)
		t := c.lastSync
		st.LastSync = &t
	}
	return st
}

// Busy reports whether a sync holds the lock.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running != nil
}

// PeriodicLoop returns the auto-sync loop. It requests a low-priority,
// non-forced sync so the hash check keeps idle ticks cheap.
func (c *Coordinator) PeriodicLoop(interval time.Duration) *loop.Loop {
	return loop.New("auto_sync", interval, c.clock, func(ctx context.Context) {
		c.RequestSync(ctx, models.TriggerAutoPeriodic, false, 2)
	})
}
