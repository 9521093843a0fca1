package traffic

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forwardctl/internal/directory"
	"forwardctl/internal/models"
	"forwardctl/internal/quota"
	"forwardctl/internal/serializer"
	"forwardctl/internal/storage"
)

const mb = int64(1 << 20)

type fixture struct {
	mem    *storage.Memory
	engine *Engine
}

func newFixture(t *testing.T, used int64, quotaBytes *int64, opts Options) fixture {
	t.Helper()
	mem := storage.NewMemory()
	mem.PutAccount(models.Account{
		ID:         1,
		Username:   "alice",
		Role:       models.RoleUser,
		Status:     models.StatusActive,
		Active:     true,
		QuotaBytes: quotaBytes,
		UsedBytes:  used,
	})
	require.NoError(t, mem.PutRule(models.ForwardingRule{ID: 10, AccountID: 1, SourcePort: 20001, TargetAddress: "10.0.0.1:80", Protocol: models.ProtocolTCP}))

	dir := directory.New(mem, directory.Options{})
	ser := serializer.New(mem, serializer.Options{Backoff: time.Millisecond})
	return fixture{mem: mem, engine: NewEngine(dir, ser, mem, opts)}
}

func statsEvent(service string, in, out int64) Event {
	return Event{Kind: "service", Service: service, Type: "stats", Stats: &Stats{InputBytes: in, OutputBytes: out}}
}

func (f fixture) used(t *testing.T) int64 {
	acc, err := f.mem.GetAccount(context.Background(), 1)
	require.NoError(t, err)
	return acc.UsedBytes
}

func (f fixture) ruleUsed(t *testing.T) int64 {
	rules, err := f.mem.ListRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	return rules[0].UsedBytes
}

type listenerFunc func(ctx context.Context, accountID, previous, current int64)

func (f listenerFunc) UsageChanged(ctx context.Context, accountID, previous, current int64) {
	f(ctx, accountID, previous, current)
}

func TestParseServicePort(t *testing.T) {
	tests := []struct {
		name  string
		proto string
		port  int
		ok    bool
	}{
		{"fwd-tcp-20001", "tcp", 20001, true},
		{"my-prefix-udp-53", "udp", 53, true},
		{"svc-8080", "svc", 8080, true},
		{"fwd-tcp-0", "", 0, false},
		{"fwd-tcp-70000", "", 0, false},
		{"fwd-tcp-abc", "", 0, false},
		{"fwd-tcp-", "", 0, false},
		{"20001", "", 0, false},
		{"", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proto, port, err := ParseServicePort(tt.name)
			if !tt.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.proto, proto)
			require.Equal(t, tt.port, port)
		})
	}
}

func TestReportCreditsAccountAndRule(t *testing.T) {
	f := newFixture(t, 0, nil, Options{})
	sum := f.engine.HandleReport(context.Background(), Report{Events: []Event{
		statsEvent("fwd-tcp-20001", 3*mb, 4*mb),
		{Kind: "service", Service: "fwd-tcp-20001", Type: "status"},
	}})

	require.Equal(t, 1, sum.Events)
	require.Equal(t, 7*mb, sum.Bytes)
	require.Equal(t, 1, sum.Results[OutcomeApplied])
	require.Equal(t, 1, sum.Results[OutcomeIgnored])
	require.Equal(t, 7*mb, f.used(t))
	require.Equal(t, 7*mb, f.ruleUsed(t))
}

func TestOversizedReportDropped(t *testing.T) {
	tests := []struct {
		name    string
		in, out int64
	}{
		{"over ceiling", 300 * mb, 300 * mb},
		{"single huge counter", math.MaxInt64, 0},
		{"sum overflows", 1 << 62, 1 << 62},
		{"both max", math.MaxInt64, math.MaxInt64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 5*mb, nil, Options{})
			outcome, credited := f.engine.Process(context.Background(), statsEvent("fwd-tcp-20001", tt.in, tt.out))
			require.Equal(t, OutcomeDroppedAnomaly, outcome)
			require.Zero(t, credited)
			require.Equal(t, 5*mb, f.used(t))
			require.Zero(t, f.ruleUsed(t))
		})
	}
}

func TestCumulativeOverflowDropped(t *testing.T) {
	f := newFixture(t, 0, nil, Options{Tracker: NewTracker(), Clock: quartz.NewMock(t)})
	ctx := context.Background()

	outcome, _ := f.engine.Process(ctx, statsEvent("fwd-tcp-20001", 10, 10))
	require.Equal(t, OutcomeApplied, outcome)
	outcome, _ = f.engine.Process(ctx, statsEvent("fwd-tcp-20001", 1<<62, 1<<62))
	require.Equal(t, OutcomeDroppedAnomaly, outcome)
	require.Equal(t, int64(20), f.used(t))
	require.Equal(t, int64(20), f.ruleUsed(t))
}

func TestZeroByteReportWritesNothing(t *testing.T) {
	f := newFixture(t, 5*mb, nil, Options{})
	called := false
	f.engine.listener = listenerFunc(func(context.Context, int64, int64, int64) { called = true })

	outcome, _ := f.engine.Process(context.Background(), statsEvent("fwd-tcp-20001", 0, 0))
	require.Equal(t, OutcomeDroppedZero, outcome)
	require.False(t, called)
	require.Equal(t, 5*mb, f.used(t))
}

func TestUnmappedAndUnparseableDropped(t *testing.T) {
	f := newFixture(t, 0, nil, Options{})
	ctx := context.Background()

	outcome, _ := f.engine.Process(ctx, statsEvent("fwd-tcp-30000", 10, 10))
	require.Equal(t, OutcomeDroppedUnmapped, outcome)

	outcome, _ = f.engine.Process(ctx, statsEvent("garbage", 10, 10))
	require.Equal(t, OutcomeDroppedUnparsable, outcome)

	outcome, _ = f.engine.Process(ctx, statsEvent("fwd-tcp-20001", -10, 10))
	require.Equal(t, OutcomeDroppedAnomaly, outcome)
	require.Zero(t, f.used(t))
}

func TestConcurrentReportsSum(t *testing.T) {
	f := newFixture(t, 0, nil, Options{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, _ := f.engine.Process(context.Background(), statsEvent("fwd-tcp-20001", 4*mb, 6*mb))
			assert.Equal(t, OutcomeApplied, outcome)
		}()
	}
	wg.Wait()
	require.Equal(t, 20*mb, f.used(t))
	require.Equal(t, 20*mb, f.ruleUsed(t))
}

func TestCumulativeMode(t *testing.T) {
	clock := quartz.NewMock(t)
	f := newFixture(t, 0, nil, Options{Tracker: NewTracker(), Clock: clock})
	ctx := context.Background()

	_, credited := f.engine.Process(ctx, statsEvent("fwd-tcp-20001", 100, 100))
	require.Equal(t, int64(200), credited)
	_, credited = f.engine.Process(ctx, statsEvent("fwd-tcp-20001", 150, 250))
	require.Equal(t, int64(200), credited)

	outcome, _ := f.engine.Process(ctx, statsEvent("fwd-tcp-20001", 150, 250))
	require.Equal(t, OutcomeDroppedZero, outcome)

	// engine restarted: counters start over
	_, credited = f.engine.Process(ctx, statsEvent("fwd-tcp-20001", 30, 20))
	require.Equal(t, int64(50), credited)
	require.Equal(t, int64(450), f.used(t))
}

// deadlineStore fails any call whose context is done.
type deadlineStore struct {
	*storage.Memory
}

func (s deadlineStore) GetAccount(ctx context.Context, id int64) (models.Account, error) {
	if err := ctx.Err(); err != nil {
		return models.Account{}, err
	}
	return s.Memory.GetAccount(ctx, id)
}

func (s deadlineStore) SetAccountUsage(ctx context.Context, id int64, used int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Memory.SetAccountUsage(ctx, id, used)
}

func (s deadlineStore) AddRuleUsage(ctx context.Context, ruleID int64, delta int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Memory.AddRuleUsage(ctx, ruleID, delta)
}

func TestReportSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t, 0, nil, Options{})
	store := deadlineStore{Memory: f.mem}
	eng := NewEngine(
		directory.New(f.mem, directory.Options{}),
		serializer.New(store, serializer.Options{Backoff: time.Millisecond}),
		store,
		Options{},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, credited := eng.Process(ctx, statsEvent("fwd-tcp-20001", 4*mb, 6*mb))
	require.Equal(t, OutcomeApplied, outcome)
	require.Equal(t, 10*mb, credited)
	require.Equal(t, 10*mb, f.used(t))
	require.Equal(t, 10*mb, f.ruleUsed(t))
}

type recordingSyncs struct {
	mu   sync.Mutex
	reqs []models.SyncTrigger
	prio []int
}

func (r *recordingSyncs) Submit(trigger models.SyncTrigger, force bool, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if force {
		r.reqs = append(r.reqs, trigger)
		r.prio = append(r.prio, priority)
	}
}

func TestQuotaCrossingIssuesForcedSync(t *testing.T) {
	mem := storage.NewMemory()
	mem.PutAccount(models.Account{
		ID: 1, Username: "alice", Role: models.RoleUser, Status: models.StatusActive, Active: true,
		QuotaBytes: models.Int64Ptr(1000 * mb), UsedBytes: 900 * mb,
	})
	require.NoError(t, mem.PutRule(models.ForwardingRule{ID: 10, AccountID: 1, SourcePort: 20001, Protocol: models.ProtocolTCP}))

	syncs := &recordingSyncs{}
	enforcer := quota.NewEnforcer(mem, syncs, quota.Options{})
	eng := NewEngine(
		directory.New(mem, directory.Options{}),
		serializer.New(mem, serializer.Options{}),
		mem,
		Options{Listener: enforcer},
	)

	outcome, _ := eng.Process(context.Background(), statsEvent("fwd-tcp-20001", 50*mb, 60*mb))
	require.Equal(t, OutcomeApplied, outcome)

	acc, err := mem.GetAccount(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1010*mb, acc.UsedBytes)
	require.Equal(t, models.StatusQuotaExceeded, acc.Status)

	require.Equal(t, []models.SyncTrigger{models.TriggerEmergencyQuotaDisable}, syncs.reqs)
	require.Equal(t, []int{10}, syncs.prio)

	vs := enforcer.Violations().List(1)
	require.Len(t, vs, 1)
	require.Equal(t, quota.ReasonQuotaExceeded, vs[0].Reason)
}
