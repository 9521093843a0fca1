package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"forwardctl/internal/metrics"
	"forwardctl/internal/models"
	"forwardctl/internal/serializer"
)

const (
	defaultMinInterval = 15 * time.Second

	// ReasonEnforcementDisabled is returned while simple mode is on.
	ReasonEnforcementDisabled Reason = "enforcement_disabled"
)

// Source identifies who asked for a check; it decides which status a
// breaching account gets and which trigger the resulting sync carries.
type Source string

const (
	SourceReport  Source = "report"
	SourceMonitor Source = "monitor"
	SourceWebhook Source = "webhook"
	SourceAdmin   Source = "admin"
)

type Store interface {
	GetAccount(ctx context.Context, id int64) (models.Account, error)
	SetAccountStatus(ctx context.Context, id int64, status models.Status) error
}

// SyncRequester queues a configuration sync without waiting for it.
type SyncRequester interface {
	Submit(trigger models.SyncTrigger, force bool, priority int)
}

// UsageResetter zeroes an account's counter through the update serializer.
type UsageResetter interface {
	Reset(ctx context.Context, accountID int64) (serializer.Change, error)
}

type Options struct {
	MinInterval time.Duration
	Clock       quartz.Clock
	Metrics     *metrics.Metrics
	Violations  *ViolationLog
}

type Enforcer struct {
	store       Store
	syncs       SyncRequester
	clock       quartz.Clock
	minInterval time.Duration
	metrics     *metrics.Metrics
	violations  *ViolationLog
	enabled     atomic.Bool

	mu   sync.Mutex
	last map[int64]lastCheck
}

type lastCheck struct {
	at       time.Time
	decision Decision
	quota    *int64
}

func enforcerLogger() *slog.Logger {
	return slog.Default().With("component", "quota")
}

func NewEnforcer(store Store, syncs SyncRequester, opts Options) *Enforcer {
	if opts.MinInterval <= 0 {
		opts.MinInterval = defaultMinInterval
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Violations == nil {
		opts.Violations = NewViolationLog(0)
	}
	e := &Enforcer{
		store:       store,
		syncs:       syncs,
		clock:       opts.Clock,
		minInterval: opts.MinInterval,
		metrics:     opts.Metrics,
		violations:  opts.Violations,
		last:        make(map[int64]lastCheck),
	}
	e.enabled.Store(true)
	return e
}

// SetEnabled switches enforcement on or off (simple mode).
func (e *Enforcer) SetEnabled(on bool) {
	e.enabled.Store(on)
	enforcerLogger().Info("quota enforcement toggled", "enabled", on)
}

func (e *Enforcer) Enabled() bool { return e.enabled.Load() }

func (e *Enforcer) Violations() *ViolationLog { return e.violations }

// UsageChanged is called after an increment was applied. An increment that
// crosses the last known quota is checked immediately; anything else goes
// through the per-account throttle.
func (e *Enforcer) UsageChanged(ctx context.Context, accountID int64, previous, current int64) {
	if !e.Enabled() {
		return
	}
	force := false
	e.mu.Lock()
	if l, ok := e.last[accountID]; ok && l.quota != nil && previous < *l.quota && current >= *l.quota {
		force = true
	}
	e.mu.Unlock()

	if _, err := e.Check(ctx, accountID, force, SourceReport); err != nil {
		enforcerLogger().Warn("quota check after usage change failed", "account_id", accountID, "error", err)
	}
}

// Check evaluates the account and acts on transitions. Unless force is set,
// an account checked less than MinInterval ago gets its cached decision.
func (e *Enforcer) Check(ctx context.Context, accountID int64, force bool, source Source) (Decision, error) {
	if !e.Enabled() {
		return Decision{Allowed: true, Reason: ReasonEnforcementDisabled}, nil
	}

	now := e.clock.Now()
	e.mu.Lock()
	prev, hadPrev := e.last[accountID]
	e.mu.Unlock()
	if !force && hadPrev && now.Sub(prev.at) < e.minInterval {
		return prev.decision, nil
	}

	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	d := Decide(InputFor(acc, now))
	e.metrics.QuotaDecision(string(d.Reason))

	e.mu.Lock()
	e.last[accountID] = lastCheck{at: now, decision: d, quota: acc.QuotaBytes}
	e.mu.Unlock()

	switch {
	case breaching(acc, d):
		e.enforce(ctx, acc, d, source)
	case !d.Allowed && hadPrev && prev.decision.Allowed:
		// disabled out of band: the stored status already says so, only the
		// engine still has to hear about it
		e.metrics.QuotaFlip("deny", string(source))
		enforcerLogger().Warn("account disabled outside quota enforcement, disabling forwarding",
			"account_id", acc.ID, "reason", d.Reason, "status", acc.Status)
		e.syncs.Submit(triggerFor(source), true, 10)
	case d.Allowed && hadPrev && !prev.decision.Allowed:
		e.metrics.QuotaFlip("allow", string(source))
		enforcerLogger().Info("account allowed again", "account_id", acc.ID, "reason", d.Reason)
		e.syncs.Submit(models.TriggerQuotaRestored, false, 6)
	}
	return d, nil
}

// breaching reports an account that is still marked active although the
// decision denies it: the allow→deny edge, detected from stored state so it
// survives restarts of this process.
func breaching(acc models.Account, d Decision) bool {
	if d.Allowed || acc.Status != models.StatusActive || !acc.Active {
		return false
	}
	return d.Reason == ReasonQuotaExceeded || d.Reason == ReasonUserExpired
}

func statusFor(source Source, reason Reason) models.Status {
	if source == SourceMonitor {
		return models.StatusSuspended
	}
	if reason == ReasonUserExpired {
		return models.StatusExpired
	}
	return models.StatusQuotaExceeded
}

func triggerFor(source Source) models.SyncTrigger {
	if source == SourceMonitor {
		return models.TriggerRealtimeViolation
	}
	return models.TriggerEmergencyQuotaDisable
}

func (e *Enforcer) enforce(ctx context.Context, acc models.Account, d Decision, source Source) {
	status := statusFor(source, d.Reason)
	logger := enforcerLogger().With("account_id", acc.ID, "username", acc.Username, "reason", d.Reason, "source", source)

	if err := e.store.SetAccountStatus(ctx, acc.ID, status); err != nil {
		// The generator derives activation from usage and expiry as well,
		// so the push below still removes the rules.
		logger.Error("mark account failed", "status", status, "error", err)
	}
	e.violations.Record(Violation{
		AccountID:    acc.ID,
		Reason:       d.Reason,
		Source:       string(source),
		UsedBytes:    acc.UsedBytes,
		QuotaBytes:   acc.QuotaBytes,
		UsagePercent: d.UsagePercent,
		At:           e.clock.Now(),
	})
	e.metrics.QuotaFlip("deny", string(source))
	logger.Warn("account denied, disabling forwarding", "status", status, "detail", d.Detail)

	e.syncs.Submit(triggerFor(source), true, 10)
}

// ResetUsage zeroes the account's counter, reactivates it when it had been
// disabled for exceeding its quota, and requests a sync.
func (e *Enforcer) ResetUsage(ctx context.Context, resetter UsageResetter, accountID int64) error {
	change, err := resetter.Reset(ctx, accountID)
	if err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.Status == models.StatusQuotaExceeded || acc.Status == models.StatusSuspended {
		if err := e.store.SetAccountStatus(ctx, accountID, models.StatusActive); err != nil {
			return fmt.Errorf("reactivate account: %w", err)
		}
	}

	e.mu.Lock()
	delete(e.last, accountID)
	e.mu.Unlock()

	enforcerLogger().Info("account usage reset", "account_id", accountID, "previous_bytes", change.Previous)
	e.syncs.Submit(models.TriggerUsageReset, false, 6)
	return nil
}

// Forget drops cached state for accounts that no longer exist.
func (e *Enforcer) Forget(accountID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.last, accountID)
}
