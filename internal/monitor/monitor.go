// Package monitor sweeps active accounts between traffic reports and asks the
// quota enforcer to re-check the ones whose usage moved enough to matter.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/dustin/go-humanize"

	"forwardctl/internal/loop"
	"forwardctl/internal/metrics"
	"forwardctl/internal/models"
	"forwardctl/internal/quota"
)

type Store interface {
	ListAccounts(ctx context.Context) ([]models.Account, error)
}

type Checker interface {
	Check(ctx context.Context, accountID int64, force bool, source quota.Source) (quota.Decision, error)
	Forget(accountID int64)
}

type Options struct {
	// HighUsageRatio is the share of the quota above which any growth
	// triggers a check.
	HighUsageRatio float64
	// LargeGrowth triggers a check regardless of the usage ratio.
	LargeGrowth int64
	// Floor is the longest an active account goes unchecked.
	Floor   time.Duration
	Clock   quartz.Clock
	Metrics *metrics.Metrics
}

type SweepStats struct {
	Scanned int
	Checked int
	Denied  int
	Errors  int
	Pruned  int
}

type seen struct {
	used    int64
	checked time.Time
}

type Monitor struct {
	store   Store
	checker Checker
	clock   quartz.Clock
	metrics *metrics.Metrics

	highRatio   float64
	largeGrowth int64
	floor       time.Duration

	mu    sync.Mutex
	state map[int64]seen
}

func monitorLogger() *slog.Logger {
	return slog.Default().With("component", "monitor")
}

func New(store Store, checker Checker, opts Options) *Monitor {
	if opts.HighUsageRatio <= 0 || opts.HighUsageRatio > 1 {
		opts.HighUsageRatio = 0.8
	}
	if opts.LargeGrowth <= 0 {
		opts.LargeGrowth = 100 * 1024 * 1024
	}
	if opts.Floor <= 0 {
		opts.Floor = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Monitor{
		store:       store,
		checker:     checker,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		highRatio:   opts.HighUsageRatio,
		largeGrowth: opts.LargeGrowth,
		floor:       opts.Floor,
		state:       make(map[int64]seen),
	}
}

// Sweep runs one pass over the active accounts.
func (m *Monitor) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats
	logger := monitorLogger()

	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		logger.Error("list accounts failed", "error", err)
		stats.Errors++
		return stats
	}

	now := m.clock.Now()
	listed := make(map[int64]bool, len(accounts))
	for _, acc := range accounts {
		listed[acc.ID] = false
		if !acc.Active || acc.Status != models.StatusActive || acc.IsAdmin() {
			continue
		}
		listed[acc.ID] = true
		stats.Scanned++

		tier, due := m.due(acc, now)
		if !due {
			continue
		}
		m.metrics.MonitorCheck(tier)

		d, err := m.checker.Check(ctx, acc.ID, true, quota.SourceMonitor)
		if err != nil {
			logger.Warn("account check failed", "account_id", acc.ID, "error", err)
			stats.Errors++
			continue
		}
		stats.Checked++
		m.mu.Lock()
		m.state[acc.ID] = seen{used: acc.UsedBytes, checked: now}
		m.mu.Unlock()

		if !d.Allowed {
			stats.Denied++
			logger.Warn("realtime check denied account",
				"account_id", acc.ID, "username", acc.Username, "reason", d.Reason,
				"used", humanize.IBytes(uint64(max(acc.UsedBytes, 0))))
		}
	}

	stats.Pruned = m.prune(listed)
	if stats.Checked > 0 || stats.Errors > 0 {
		logger.Debug("sweep finished", "scanned", stats.Scanned, "checked", stats.Checked,
			"denied", stats.Denied, "errors", stats.Errors, "pruned", stats.Pruned)
	}
	return stats
}

// due decides whether acc needs a check now and under which tier.
func (m *Monitor) due(acc models.Account, now time.Time) (string, bool) {
	m.mu.Lock()
	prev, ok := m.state[acc.ID]
	m.mu.Unlock()
	if !ok {
		return "first", true
	}

	growth := acc.UsedBytes - prev.used
	if acc.QuotaBytes != nil && *acc.QuotaBytes > 0 &&
		float64(acc.UsedBytes) >= m.highRatio*float64(*acc.QuotaBytes) && growth > 0 {
		return "high_usage", true
	}
	if growth >= m.largeGrowth {
		return "large_growth", true
	}
	if now.Sub(prev.checked) >= m.floor {
		return "floor", true
	}
	return "", false
}

// prune drops state for accounts that are no longer monitored. Accounts that
// vanished from the store are forgotten by the checker too; disabled ones
// keep their cached decision so a later restore is seen as a transition.
func (m *Monitor) prune(listed map[int64]bool) int {
	m.mu.Lock()
	var pruned int
	var vanished []int64
	for id := range m.state {
		monitored, ok := listed[id]
		if monitored {
			continue
		}
		delete(m.state, id)
		pruned++
		if !ok {
			vanished = append(vanished, id)
		}
	}
	m.mu.Unlock()

	for _, id := range vanished {
		m.checker.Forget(id)
	}
	return pruned
}

// Tracked reports how many accounts have monitor state.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state)
}

func (m *Monitor) Loop(interval time.Duration) *loop.Loop {
	return loop.New("quota_monitor", interval, m.clock, func(ctx context.Context) {
		m.Sweep(ctx)
	})
}
