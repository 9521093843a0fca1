package directory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"forwardctl/internal/models"
)

type countingSource struct {
	mu     sync.Mutex
	owners []models.PortOwner
	calls  atomic.Int32
	err    error
}

func (s *countingSource) ListPortOwners(context.Context) ([]models.PortOwner, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]models.PortOwner(nil), s.owners...), nil
}

func (s *countingSource) set(owners ...models.PortOwner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners = owners
}

func TestLookupRebuildsOnFirstMiss(t *testing.T) {
	src := &countingSource{}
	src.set(models.PortOwner{Port: 10001, AccountID: 1, RuleID: 10})
	d := New(src, Options{Clock: quartz.NewMock(t)})

	owner, ok, err := d.Lookup(context.Background(), 10001)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), owner.AccountID)
	require.Equal(t, int32(1), src.calls.Load())

	// Cached.
	_, ok, err = d.Lookup(context.Background(), 10001)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(1), src.calls.Load())
}

func TestUnmappedPortDoesNotStormStore(t *testing.T) {
	clock := quartz.NewMock(t)
	src := &countingSource{}
	src.set(models.PortOwner{Port: 10001, AccountID: 1, RuleID: 10})
	d := New(src, Options{Clock: clock, MissRebuildInterval: 5 * time.Second})

	for i := 0; i < 10; i++ {
		_, ok, err := d.Lookup(context.Background(), 20000)
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Equal(t, int32(1), src.calls.Load())

	// A new rule appears; after the miss interval the directory picks it up.
	src.set(
		models.PortOwner{Port: 10001, AccountID: 1, RuleID: 10},
		models.PortOwner{Port: 20000, AccountID: 2, RuleID: 20},
	)
	clock.Advance(6 * time.Second)
	owner, ok, err := d.Lookup(context.Background(), 20000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(20), owner.RuleID)
	require.Equal(t, int32(2), src.calls.Load())
}

func TestRebuildReplacesWholesale(t *testing.T) {
	src := &countingSource{}
	src.set(models.PortOwner{Port: 10001, AccountID: 1, RuleID: 10})
	d := New(src, Options{Clock: quartz.NewMock(t)})
	require.NoError(t, d.Rebuild(context.Background()))
	require.Equal(t, 1, d.Len())

	src.set(models.PortOwner{Port: 10002, AccountID: 1, RuleID: 11})
	require.NoError(t, d.Rebuild(context.Background()))
	require.Equal(t, 1, d.Len())

	d.Invalidate()
	require.Equal(t, 0, d.Len())
}

func TestLookupSurfacesSourceErrors(t *testing.T) {
	src := &countingSource{err: errors.New("db down")}
	d := New(src, Options{Clock: quartz.NewMock(t)})
	_, ok, err := d.Lookup(context.Background(), 10001)
	require.Error(t, err)
	require.False(t, ok)
}
