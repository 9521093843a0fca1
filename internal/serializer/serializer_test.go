package serializer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"forwardctl/internal/models"
	"forwardctl/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const mb = int64(1 << 20)

// yieldingStore widens the window between read and write so unserialized
// updates would lose increments.
type yieldingStore struct {
	*storage.Memory
	delay time.Duration
}

func (s *yieldingStore) GetAccount(ctx context.Context, id int64) (models.Account, error) {
	a, err := s.Memory.GetAccount(ctx, id)
	time.Sleep(s.delay)
	return a, err
}

// flakyStore fails the first N writes.
type flakyStore struct {
	*storage.Memory
	failures atomic.Int32
	writes   atomic.Int32
}

func (s *flakyStore) SetAccountUsage(ctx context.Context, id int64, used int64) error {
	s.writes.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return errors.New("connection reset")
	}
	return s.Memory.SetAccountUsage(ctx, id, used)
}

// ctxStore fails every call whose context is done, like a database driver.
type ctxStore struct {
	*storage.Memory
}

func (s ctxStore) GetAccount(ctx context.Context, id int64) (models.Account, error) {
	if err := ctx.Err(); err != nil {
		return models.Account{}, err
	}
	return s.Memory.GetAccount(ctx, id)
}

func (s ctxStore) SetAccountUsage(ctx context.Context, id int64, used int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Memory.SetAccountUsage(ctx, id, used)
}

func newAccountStore(used int64) *storage.Memory {
	mem := storage.NewMemory()
	mem.PutAccount(models.Account{ID: 1, Username: "alice", Status: models.StatusActive, Active: true, UsedBytes: used})
	return mem
}

func TestConcurrentIncrementsSum(t *testing.T) {
	mem := newAccountStore(5 * mb)
	s := New(&yieldingStore{Memory: mem, delay: time.Millisecond}, Options{Backoff: time.Millisecond})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Add(context.Background(), 1, int64(i+1))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	acc, err := mem.GetAccount(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 5*mb+int64(n*(n+1)/2), acc.UsedBytes)
	require.Equal(t, 0, s.Pending())
}

func TestTwoReportsReversedCompletion(t *testing.T) {
	mem := newAccountStore(0)
	store := &yieldingStore{Memory: mem, delay: 5 * time.Millisecond}
	s := New(store, Options{Backoff: time.Millisecond})

	changes := make(chan Change, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.Add(context.Background(), 1, 10*mb)
			assert.NoError(t, err)
			changes <- c
		}()
	}
	wg.Wait()
	close(changes)

	var currents []int64
	for c := range changes {
		require.Equal(t, c.Previous+10*mb, c.Current)
		currents = append(currents, c.Current)
	}
	require.ElementsMatch(t, []int64{10 * mb, 20 * mb}, currents)

	acc, err := mem.GetAccount(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 20*mb, acc.UsedBytes)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	mem := newAccountStore(0)
	store := &flakyStore{Memory: mem}
	store.failures.Store(2)
	s := New(store, Options{Backoff: time.Millisecond})

	c, err := s.Add(context.Background(), 1, 100)
	require.NoError(t, err)
	require.Equal(t, int64(100), c.Current)
	require.Equal(t, int32(3), store.writes.Load())
}

func TestExhaustedRetriesDropIncrement(t *testing.T) {
	mem := newAccountStore(7)
	store := &flakyStore{Memory: mem}
	store.failures.Store(10)
	s := New(store, Options{Retries: 3, Backoff: time.Millisecond})

	_, err := s.Add(context.Background(), 1, 100)
	require.Error(t, err)
	require.Equal(t, int32(3), store.writes.Load())

	acc, err := mem.GetAccount(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(7), acc.UsedBytes)
	require.Equal(t, 0, s.Pending())
}

func TestMissingAccountIsNotRetried(t *testing.T) {
	mem := storage.NewMemory()
	store := &flakyStore{Memory: mem}
	s := New(store, Options{Backoff: time.Hour})

	_, err := s.Add(context.Background(), 99, 1)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Equal(t, int32(0), store.writes.Load())
}

func TestNegativeIncrementRejected(t *testing.T) {
	mem := newAccountStore(10)
	s := New(mem, Options{})
	_, err := s.Add(context.Background(), 1, -5)
	require.Error(t, err)

	acc, _ := mem.GetAccount(context.Background(), 1)
	require.Equal(t, int64(10), acc.UsedBytes)
}

func TestResetZeroesUsage(t *testing.T) {
	mem := newAccountStore(10 * mb)
	s := New(mem, Options{})
	c, err := s.Reset(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 10*mb, c.Previous)
	require.Equal(t, int64(0), c.Current)
}

func TestDifferentAccountsDoNotBlockEachOther(t *testing.T) {
	mem := newAccountStore(0)
	mem.PutAccount(models.Account{ID: 2, Username: "bob", Status: models.StatusActive, Active: true})
	s := New(mem, Options{})

	release := s.acquire(1)
	done := make(chan struct{})
	go func() {
		_, err := s.Add(context.Background(), 2, 1)
		assert.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("account 2 blocked behind account 1")
	}
	release()
	require.Equal(t, 0, s.Pending())
}

func TestCancelledCallerStillCredits(t *testing.T) {
	mem := newAccountStore(0)
	s := New(ctxStore{Memory: mem}, Options{Backoff: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c, err := s.Add(ctx, 1, 10*mb)
	require.NoError(t, err)
	require.Equal(t, 10*mb, c.Current)

	acc, err := mem.GetAccount(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 10*mb, acc.UsedBytes)
}

func TestCallerCancelledWhileQueued(t *testing.T) {
	mem := newAccountStore(0)
	s := New(ctxStore{Memory: mem}, Options{Backoff: time.Millisecond})

	release := s.acquire(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Add(ctx, 1, 5)
		done <- err
	}()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.locks[1].refs == 2
	}, 2*time.Second, time.Millisecond)
	cancel()
	release()

	require.NoError(t, <-done)
	acc, err := mem.GetAccount(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(5), acc.UsedBytes)
}
