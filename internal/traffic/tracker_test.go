package traffic

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
)

func TestTrackerPrune(t *testing.T) {
	tr := NewTracker()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.Delta(Key{AccountID: 1, Port: 1000, Proto: "tcp"}, 1, 1, t0)
	tr.Delta(Key{AccountID: 1, Port: 1000, Proto: "udp"}, 1, 1, t0.Add(time.Hour))

	require.Equal(t, 1, tr.Prune(t0.Add(time.Minute)))
	require.Equal(t, 1, tr.Len())
}

func TestTrackerStreamsAreIndependent(t *testing.T) {
	tr := NewTracker()
	now := time.Now()
	a := Key{AccountID: 1, Port: 1000, Proto: "tcp"}
	b := Key{AccountID: 1, Port: 1000, Proto: "udp"}

	require.Equal(t, int64(10), tr.Delta(a, 5, 5, now))
	require.Equal(t, int64(4), tr.Delta(b, 2, 2, now))
	require.Equal(t, int64(2), tr.Delta(a, 6, 6, now))
	require.Equal(t, int64(0), tr.Delta(b, 2, 2, now))
}

func TestTrackerSaturatesInsteadOfWrapping(t *testing.T) {
	tr := NewTracker()
	now := time.Now()
	k := Key{AccountID: 1, Port: 1000, Proto: "tcp"}

	require.Equal(t, int64(math.MaxInt64), tr.Delta(k, 1<<62, 1<<62, now))
	require.Equal(t, int64(math.MaxInt64-1), tr.Delta(k, math.MaxInt64, math.MaxInt64, now))
	require.Equal(t, int64(2), tr.Delta(k, 1, 1, now))
}

func TestPruneLoopDropsIdleStreams(t *testing.T) {
	clock := quartz.NewMock(t)
	tr := NewTracker()
	l := tr.PruneLoop(clock, time.Hour)

	tr.Delta(Key{AccountID: 1, Port: 1000, Proto: "tcp"}, 1, 1, clock.Now())
	clock.Advance(40 * time.Minute)
	tr.Delta(Key{AccountID: 2, Port: 2000, Proto: "tcp"}, 1, 1, clock.Now())

	require.True(t, l.Tick(context.Background()))
	require.Equal(t, 2, tr.Len())

	clock.Advance(30 * time.Minute)
	require.True(t, l.Tick(context.Background()))
	require.Equal(t, 1, tr.Len())
}
