package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"forwardctl/internal/models"
	"forwardctl/internal/quota"
	"forwardctl/internal/storage"
)

const mib = 1024 * 1024

type countingChecker struct {
	mu      sync.Mutex
	checks  map[int64]int
	forgot  []int64
	decided quota.Decision
}

func newCountingChecker() *countingChecker {
	return &countingChecker{checks: make(map[int64]int), decided: quota.Decision{Allowed: true, Reason: quota.ReasonQuotaOK}}
}

func (c *countingChecker) Check(_ context.Context, id int64, force bool, source quota.Source) (quota.Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !force || source != quota.SourceMonitor {
		panic("monitor checks are forced and tagged")
	}
	c.checks[id]++
	return c.decided, nil
}

func (c *countingChecker) Forget(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgot = append(c.forgot, id)
}

func (c *countingChecker) count(id int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checks[id]
}

func account(id int64, quotaBytes, used int64) models.Account {
	return models.Account{
		ID:         id,
		Username:   "user",
		Role:       models.RoleUser,
		Status:     models.StatusActive,
		Active:     true,
		QuotaBytes: models.Int64Ptr(quotaBytes),
		UsedBytes:  used,
	}
}

func fixture(t *testing.T, accounts ...models.Account) (*Monitor, *storage.Memory, *countingChecker, *quartz.Mock) {
	t.Helper()
	mem := storage.NewMemory()
	for _, a := range accounts {
		mem.PutAccount(a)
	}
	checker := newCountingChecker()
	clock := quartz.NewMock(t)
	m := New(mem, checker, Options{Clock: clock})
	return m, mem, checker, clock
}

func TestFirstSweepChecksEveryActiveAccount(t *testing.T) {
	admin := account(3, 0, 0)
	admin.Role = models.RoleAdmin
	suspended := account(4, 1000, 0)
	suspended.Status = models.StatusSuspended
	m, _, checker, _ := fixture(t, account(1, 1000*mib, 0), account(2, 1000*mib, 0), admin, suspended)

	stats := m.Sweep(context.Background())
	require.Equal(t, 2, stats.Scanned)
	require.Equal(t, 2, stats.Checked)
	require.Equal(t, 1, checker.count(1))
	require.Zero(t, checker.count(3))
	require.Zero(t, checker.count(4))
}

func TestHighUsageAccountCheckedOnAnyGrowth(t *testing.T) {
	m, mem, checker, _ := fixture(t, account(1, 1000*mib, 850*mib), account(2, 1000*mib, 100*mib))
	ctx := context.Background()
	m.Sweep(ctx)

	require.NoError(t, mem.SetAccountUsage(ctx, 1, 850*mib+1))
	require.NoError(t, mem.SetAccountUsage(ctx, 2, 150*mib))
	stats := m.Sweep(ctx)

	require.Equal(t, 1, stats.Checked)
	require.Equal(t, 2, checker.count(1), "above 80% any growth counts")
	require.Equal(t, 1, checker.count(2), "50 MiB growth below 80% waits")
}

func TestLargeGrowthAndFloor(t *testing.T) {
	m, mem, checker, clock := fixture(t, account(1, 10000*mib, 0), account(2, 10000*mib, 0))
	ctx := context.Background()
	m.Sweep(ctx)

	require.NoError(t, mem.SetAccountUsage(ctx, 1, 100*mib))
	m.Sweep(ctx)
	require.Equal(t, 2, checker.count(1))
	require.Equal(t, 1, checker.count(2))

	clock.Advance(30 * time.Second)
	m.Sweep(ctx)
	require.Equal(t, 1, checker.count(2))

	clock.Advance(31 * time.Second)
	m.Sweep(ctx)
	require.Equal(t, 2, checker.count(2), "floor reached without growth")
}

func TestSweepPrunesVanishedAccounts(t *testing.T) {
	m, mem, checker, _ := fixture(t, account(1, 1000, 0), account(2, 1000, 0))
	ctx := context.Background()
	m.Sweep(ctx)
	require.Equal(t, 2, m.Tracked())

	require.NoError(t, mem.SetAccountStatus(ctx, 2, models.StatusSuspended))
	stats := m.Sweep(ctx)
	require.Equal(t, 1, stats.Pruned)
	require.Equal(t, 1, m.Tracked())
	require.Empty(t, checker.forgot, "disabled accounts keep their enforcer state")
}

func TestSweepSuspendsBreachingAccount(t *testing.T) {
	mem := storage.NewMemory()
	mem.PutAccount(account(1, 1000*mib, 900*mib))
	syncs := &recordingSyncs{}
	clock := quartz.NewMock(t)
	enforcer := quota.NewEnforcer(mem, syncs, quota.Options{Clock: clock})
	m := New(mem, enforcer, Options{Clock: clock})
	ctx := context.Background()

	require.Zero(t, m.Sweep(ctx).Denied)

	require.NoError(t, mem.SetAccountUsage(ctx, 1, 1000*mib))
	stats := m.Sweep(ctx)
	require.Equal(t, 1, stats.Denied)

	acc, err := mem.GetAccount(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.StatusSuspended, acc.Status)
	require.Len(t, enforcer.Violations().List(1), 1)
	require.Equal(t, []models.SyncTrigger{models.TriggerRealtimeViolation}, syncs.triggers())
}

func TestLoopSweepsWhenEnabled(t *testing.T) {
	m, _, checker, _ := fixture(t, account(1, 1000, 0))
	l := m.Loop(10 * time.Second)

	l.SetEnabled(false)
	require.False(t, l.Tick(context.Background()))
	require.Zero(t, checker.count(1))

	l.SetEnabled(true)
	require.True(t, l.Tick(context.Background()))
	require.Equal(t, 1, checker.count(1))
}

type recordingSyncs struct {
	mu  sync.Mutex
	got []models.SyncTrigger
}

func (r *recordingSyncs) Submit(trigger models.SyncTrigger, force bool, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, trigger)
}

func (r *recordingSyncs) triggers() []models.SyncTrigger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SyncTrigger(nil), r.got...)
}
