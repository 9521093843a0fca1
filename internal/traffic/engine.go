// Package traffic converts observer reports from the forwarding engine into
// bounded per-account increments.
package traffic

import (
	"context"
	"log/slog"
	"math"

	"github.com/coder/quartz"
	"github.com/dustin/go-humanize"

	"forwardctl/internal/metrics"
	"forwardctl/internal/models"
	"forwardctl/internal/serializer"
)

const defaultCeiling = 500 * 1024 * 1024

type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeIgnored           Outcome = "ignored"
	OutcomeDroppedUnparsable Outcome = "dropped_unparseable"
	OutcomeDroppedUnmapped   Outcome = "dropped_unmapped"
	OutcomeDroppedAnomaly    Outcome = "dropped_anomaly"
	OutcomeDroppedZero       Outcome = "dropped_zero"
	OutcomeFailed            Outcome = "failed"
)

type Resolver interface {
	Lookup(ctx context.Context, port int) (models.PortOwner, bool, error)
}

type AccountCounter interface {
	Add(ctx context.Context, accountID int64, delta int64) (serializer.Change, error)
}

type RuleCounter interface {
	AddRuleUsage(ctx context.Context, ruleID int64, delta int64) error
}

// UsageListener is told about every applied account increment.
type UsageListener interface {
	UsageChanged(ctx context.Context, accountID int64, previous, current int64)
}

type Options struct {
	// Ceiling is the largest increment a single event may carry.
	Ceiling int64
	// Tracker enables cumulative counter mode when set.
	Tracker  *Tracker
	Listener UsageListener
	Clock    quartz.Clock
	Metrics  *metrics.Metrics
}

type Engine struct {
	resolver Resolver
	accounts AccountCounter
	rules    RuleCounter
	listener UsageListener
	tracker  *Tracker
	ceiling  int64
	clock    quartz.Clock
	metrics  *metrics.Metrics
}

// Summary counts the outcomes of one report.
type Summary struct {
	Events  int             `json:"events"`
	Bytes   int64           `json:"bytes"`
	Results map[Outcome]int `json:"results"`
}

func trafficLogger() *slog.Logger {
	return slog.Default().With("component", "traffic")
}

func NewEngine(resolver Resolver, accounts AccountCounter, rules RuleCounter, opts Options) *Engine {
	if opts.Ceiling <= 0 {
		opts.Ceiling = defaultCeiling
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Engine{
		resolver: resolver,
		accounts: accounts,
		rules:    rules,
		listener: opts.Listener,
		tracker:  opts.Tracker,
		ceiling:  opts.Ceiling,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
	}
}

// HandleReport processes every service stats event of the report in order.
func (e *Engine) HandleReport(ctx context.Context, r Report) Summary {
	sum := Summary{Results: make(map[Outcome]int)}
	for _, ev := range r.Events {
		if !ev.isServiceStats() {
			sum.Results[OutcomeIgnored]++
			continue
		}
		sum.Events++
		outcome, credited := e.Process(ctx, ev)
		sum.Results[outcome]++
		sum.Bytes += credited
	}
	return sum
}

// Process credits a single stats event. It never fails the caller; problems
// are reported through the outcome. The engine resets its counters once a
// report is delivered, so processing outlives the caller's context.
func (e *Engine) Process(ctx context.Context, ev Event) (Outcome, int64) {
	outcome, credited := e.process(context.WithoutCancel(ctx), ev)
	e.metrics.TrafficEvent(string(outcome))
	if outcome == OutcomeApplied {
		e.metrics.CreditedBytes(credited)
	}
	return outcome, credited
}

func (e *Engine) process(ctx context.Context, ev Event) (Outcome, int64) {
	logger := trafficLogger().With("service", ev.Service)
	if ev.Stats == nil {
		return OutcomeDroppedZero, 0
	}

	proto, port, err := ParseServicePort(ev.Service)
	if err != nil {
		logger.Debug("dropping report for unparseable service")
		return OutcomeDroppedUnparsable, 0
	}

	owner, ok, err := e.resolver.Lookup(ctx, port)
	if err != nil {
		logger.Warn("port lookup failed", "port", port, "error", err)
		return OutcomeFailed, 0
	}
	if !ok {
		logger.Debug("dropping report for unmapped port", "port", port)
		return OutcomeDroppedUnmapped, 0
	}

	in, out := ev.Stats.InputBytes, ev.Stats.OutputBytes
	if in < 0 || out < 0 {
		logger.Warn("dropping report with negative counters", "port", port, "input", in, "output", out)
		return OutcomeDroppedAnomaly, 0
	}

	total := addBytes(in, out)
	if e.tracker != nil {
		key := Key{AccountID: owner.AccountID, Port: port, Proto: proto}
		total = e.tracker.Delta(key, in, out, e.clock.Now())
	}

	if total > e.ceiling {
		logger.Warn("dropping anomalous report",
			"port", port,
			"account_id", owner.AccountID,
			"bytes", humanize.IBytes(uint64(total)),
			"ceiling", humanize.IBytes(uint64(e.ceiling)))
		return OutcomeDroppedAnomaly, 0
	}
	if total == 0 {
		return OutcomeDroppedZero, 0
	}

	change, accErr := e.accounts.Add(ctx, owner.AccountID, total)
	if ruleErr := e.rules.AddRuleUsage(ctx, owner.RuleID, total); ruleErr != nil {
		logger.Warn("rule usage update failed", "rule_id", owner.RuleID, "error", ruleErr)
	}
	if accErr != nil {
		// the serializer already logged and counted the drop
		return OutcomeFailed, 0
	}

	logger.Debug("traffic credited", "account_id", owner.AccountID, "rule_id", owner.RuleID, "bytes", total, "used_bytes", change.Current)
	if e.listener != nil {
		e.listener.UsageChanged(ctx, change.AccountID, change.Previous, change.Current)
	}
	return OutcomeApplied, total
}

// addBytes sums two non-negative counters, saturating instead of wrapping so
// an absurd pair still trips the ceiling check.
func addBytes(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
