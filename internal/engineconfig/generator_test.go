package engineconfig

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"forwardctl/internal/models"
)

type sliceStore struct {
	accounts []models.Account
	rules    []models.ForwardingRule
}

func (s *sliceStore) ListAccounts(context.Context) ([]models.Account, error) {
	return append([]models.Account(nil), s.accounts...), nil
}

func (s *sliceStore) ListRules(context.Context) ([]models.ForwardingRule, error) {
	return append([]models.ForwardingRule(nil), s.rules...), nil
}

func activeAccount(id int64) models.Account {
	return models.Account{ID: id, Username: "u", Role: models.RoleUser, Status: models.StatusActive, Active: true}
}

func testStore() *sliceStore {
	over := activeAccount(3)
	over.QuotaBytes = models.Int64Ptr(10)
	over.UsedBytes = 10
	return &sliceStore{
		accounts: []models.Account{activeAccount(1), activeAccount(2), over},
		rules: []models.ForwardingRule{
			{ID: 1, AccountID: 1, SourcePort: 20001, TargetAddress: "10.0.0.1:80", Protocol: models.ProtocolTCP},
			{ID: 2, AccountID: 2, SourcePort: 20002, TargetAddress: "example.com:53", Protocol: models.ProtocolBoth},
			{ID: 3, AccountID: 3, SourcePort: 20003, TargetAddress: "10.0.0.3:80", Protocol: models.ProtocolTCP},
			{ID: 4, AccountID: 1, SourcePort: 80, TargetAddress: "10.0.0.4:80", Protocol: models.ProtocolTCP},
			{ID: 5, AccountID: 1, SourcePort: 20005, TargetAddress: "no-port", Protocol: models.ProtocolTCP},
			{ID: 6, AccountID: 99, SourcePort: 20006, TargetAddress: "10.0.0.6:80", Protocol: models.ProtocolTCP},
		},
	}
}

func newTestGenerator(t *testing.T, store Store) *Generator {
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	return NewGenerator(store, Options{
		ServicePrefix:  "fwd",
		PortMin:        1024,
		PortMax:        65535,
		WebhookBaseURL: "http://127.0.0.1:8080/",
		APIAddress:     "127.0.0.1:18080",
		ResetTraffic:   true,
		Clock:          clock,
	})
}

func TestBuildDerivesActivation(t *testing.T) {
	snap, err := newTestGenerator(t, testStore()).Build(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, snap.Rules)
	require.Equal(t, 4, snap.Skipped)
	require.Equal(t, ServiceSet{
		"fwd-tcp-20001": ":20001",
		"fwd-tcp-20002": ":20002",
		"fwd-udp-20002": ":20002",
	}, snap.Config.ServiceSet())
	require.Len(t, snap.Config.Chains, 2)

	svc := snap.Config.Services[0]
	require.Equal(t, "fwd-chain-1", svc.Handler.Chain)
	require.Equal(t, "fwd-observer", svc.Observer)
	require.Equal(t, "fwd-limiter", svc.Limiter)
	require.Equal(t, "fwd-auther", svc.Handler.Auther)
	require.Equal(t, true, svc.Metadata["observer.resetTraffic"])
	require.Equal(t, "forward", snap.Config.Chains[0].Hops[0].Nodes[0].Connector.Type)
	require.Equal(t, "10.0.0.1:80", snap.Config.Chains[0].Hops[0].Nodes[0].Addr)

	require.Equal(t, "http://127.0.0.1:8080/webhooks/observer", snap.Config.Observers[0].Plugin.Addr)
	require.Equal(t, "http://127.0.0.1:8080/webhooks/limiter", snap.Config.Limiters[0].Plugin.Addr)
	require.Equal(t, "fwd-auther", snap.Config.Authers[0].Name)
	require.Equal(t, "http://127.0.0.1:8080/webhooks/auth", snap.Config.Authers[0].Plugin.Addr)
	require.Equal(t, "127.0.0.1:18080", snap.Config.API.Addr)
}

func TestHashDeterministicAndOrderIndependent(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	first, err := newTestGenerator(t, store).Build(ctx)
	require.NoError(t, err)
	again, err := newTestGenerator(t, store).Build(ctx)
	require.NoError(t, err)
	require.Equal(t, first.Hash, again.Hash)

	reversed := testStore()
	for i, j := 0, len(reversed.rules)-1; i < j; i, j = i+1, j-1 {
		reversed.rules[i], reversed.rules[j] = reversed.rules[j], reversed.rules[i]
	}
	reversed.accounts[0], reversed.accounts[2] = reversed.accounts[2], reversed.accounts[0]
	other, err := newTestGenerator(t, reversed).Build(ctx)
	require.NoError(t, err)
	require.Equal(t, first.Hash, other.Hash)

	shuffled := *first.Config
	shuffled.Services = []Service{first.Config.Services[2], first.Config.Services[0], first.Config.Services[1]}
	shuffled.Chains = []Chain{first.Config.Chains[1], first.Config.Chains[0]}
	require.Equal(t, first.Hash, Hash(&shuffled))
}

func TestHashTracksTargetsAndMembership(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	base, err := newTestGenerator(t, store).Build(ctx)
	require.NoError(t, err)

	store.rules[0].TargetAddress = "10.0.0.9:80"
	moved, err := newTestGenerator(t, store).Build(ctx)
	require.NoError(t, err)
	require.NotEqual(t, base.Hash, moved.Hash)

	store.accounts[0].Status = models.StatusSuspended
	suspended, err := newTestGenerator(t, store).Build(ctx)
	require.NoError(t, err)
	require.NotEqual(t, moved.Hash, suspended.Hash)
	require.Len(t, suspended.Config.Services, 2)
}

func TestEmptyConfig(t *testing.T) {
	snap, err := newTestGenerator(t, &sliceStore{}).Build(context.Background())
	require.NoError(t, err)
	require.True(t, snap.Config.Empty())
	require.Equal(t, Hash(&Config{}), snap.Hash)
	require.True(t, (*Config)(nil).Empty())
}

func TestWriteReadRoundTrip(t *testing.T) {
	snap, err := newTestGenerator(t, testStore()).Build(context.Background())
	require.NoError(t, err)

	for _, name := range []string{"gost.json", "gost.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, Write(path, snap.Config))

			got, err := Read(path)
			require.NoError(t, err)
			require.True(t, got.ServiceSet().Equal(snap.Config.ServiceSet()))
			require.Len(t, got.Chains, len(snap.Config.Chains))
		})
	}
}

func TestParseAcceptsComments(t *testing.T) {
	cfg, err := Parse([]byte(`{
		// live config
		"services": [
			{"name": "fwd-tcp-20001", "addr": ":20001", "handler": {"type": "tcp"}, "listener": {"type": "tcp"}},
		],
		"unknown": true,
	}`))
	require.NoError(t, err)
	require.Equal(t, ServiceSet{"fwd-tcp-20001": ":20001"}, cfg.ServiceSet())
}

func TestServiceSetDiff(t *testing.T) {
	live := ServiceSet{"a": ":1", "b": ":2", "x": ":9"}
	want := ServiceSet{"a": ":1", "b": ":3", "c": ":4"}
	missing, extra := live.Diff(want)
	require.Equal(t, []string{"b", "c"}, missing)
	require.Equal(t, []string{"x"}, extra)
	require.False(t, live.Equal(want))
	require.True(t, want.Equal(ServiceSet{"c": ":4", "b": ":3", "a": ":1"}))
}
