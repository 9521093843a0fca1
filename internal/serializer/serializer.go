// Package serializer linearizes read-modify-write updates of an account's
// used-bytes counter. Each account has a one-slot token channel; a writer
// holds the token for the whole read/apply/write cycle and waiters queue on
// the channel receive.
package serializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forwardctl/internal/metrics"
	"forwardctl/internal/models"
	"forwardctl/internal/storage"
	"forwardctl/internal/util"
)

const (
	defaultRetries = 3
	defaultBackoff = 100 * time.Millisecond
)

// Store is the subset of storage the serializer reads and writes.
type Store interface {
	GetAccount(ctx context.Context, id int64) (models.Account, error)
	SetAccountUsage(ctx context.Context, id int64, used int64) error
}

// Change describes one applied mutation.
type Change struct {
	AccountID int64
	Previous  int64
	Current   int64
}

type Options struct {
	Retries int
	Backoff time.Duration
	Metrics *metrics.Metrics
}

type Serializer struct {
	store   Store
	retries int
	backoff time.Duration
	metrics *metrics.Metrics

	mu    sync.Mutex
	locks map[int64]*accountToken
}

type accountToken struct {
	ch   chan struct{}
	refs int
}

func serializerLogger() *slog.Logger {
	return slog.Default().With("component", "serializer")
}

func New(store Store, opts Options) *Serializer {
	if opts.Retries < 1 {
		opts.Retries = defaultRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	return &Serializer{
		store:   store,
		retries: opts.Retries,
		backoff: opts.Backoff,
		metrics: opts.Metrics,
		locks:   make(map[int64]*accountToken),
	}
}

// acquire blocks until the caller owns the account's token. The wait is not
// cancellable: once queued, the caller gets its turn.
func (s *Serializer) acquire(accountID int64) func() {
	s.mu.Lock()
	tok, ok := s.locks[accountID]
	if !ok {
		tok = &accountToken{ch: make(chan struct{}, 1)}
		tok.ch <- struct{}{}
		s.locks[accountID] = tok
	}
	tok.refs++
	s.mu.Unlock()

	started := time.Now()
	<-tok.ch
	s.metrics.SerializerWait(time.Since(started).Seconds())

	return func() {
		tok.ch <- struct{}{}

		s.mu.Lock()
		defer s.mu.Unlock()
		tok.refs--
		if tok.refs <= 0 {
			if current, exists := s.locks[accountID]; exists && current == tok {
				delete(s.locks, accountID)
			}
		}
	}
}

// Add credits delta bytes to the account. Negative deltas are rejected: the
// counter only moves down through Reset.
func (s *Serializer) Add(ctx context.Context, accountID int64, delta int64) (Change, error) {
	if delta < 0 {
		return Change{}, fmt.Errorf("negative increment %d for account %d", delta, accountID)
	}
	return s.mutate(ctx, accountID, func(used int64) int64 { return used + delta })
}

// Reset zeroes the account's counter.
func (s *Serializer) Reset(ctx context.Context, accountID int64) (Change, error) {
	return s.mutate(ctx, accountID, func(int64) int64 { return 0 })
}

// mutate runs detached from ctx cancellation: a caller that gives up after
// queueing must not turn a consumed report into a dropped increment.
func (s *Serializer) mutate(ctx context.Context, accountID int64, apply func(used int64) int64) (Change, error) {
	ctx = context.WithoutCancel(ctx)
	release := s.acquire(accountID)
	defer release()

	var change Change
	err := util.Retry(ctx, s.retries, s.backoff, func() error {
		acc, err := s.store.GetAccount(ctx, accountID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return util.Permanent(err)
			}
			return err
		}
		next := apply(acc.UsedBytes)
		if err := s.store.SetAccountUsage(ctx, accountID, next); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return util.Permanent(err)
			}
			return err
		}
		change = Change{AccountID: accountID, Previous: acc.UsedBytes, Current: next}
		return nil
	})
	if err != nil {
		s.metrics.DroppedIncrement()
		serializerLogger().Error("account usage update dropped", "account_id", accountID, "attempts", s.retries, "error", err)
		return Change{}, err
	}
	return change, nil
}

// Pending reports how many accounts currently have a holder or waiters.
func (s *Serializer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
