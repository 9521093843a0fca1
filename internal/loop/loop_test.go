package loop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTickHonoursSwitch(t *testing.T) {
	var calls atomic.Int32
	l := New("test", time.Hour, nil, func(context.Context) { calls.Add(1) })

	require.True(t, l.Tick(context.Background()))
	l.SetEnabled(false)
	require.False(t, l.Tick(context.Background()))
	l.SetEnabled(true)
	require.True(t, l.Tick(context.Background()))

	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, int64(2), l.Runs())
}

func TestTickRecoversPanic(t *testing.T) {
	l := New("panicky", time.Hour, nil, func(context.Context) { panic("boom") })
	require.NotPanics(t, func() { l.Tick(context.Background()) })
	require.Equal(t, int64(1), l.Runs())
}

func TestRunTicksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := make(chan struct{}, 16)
	l := New("fast", 10*time.Millisecond, nil, func(context.Context) { ran <- struct{}{} })
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not tick")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestWakeWhileIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := make(chan struct{}, 1)
	l := New("kicked", time.Hour, nil, func(context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	})
	go l.Run(ctx)
	l.wake()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("wake did not run the loop")
	}
}

func TestGroupToggle(t *testing.T) {
	a := New("a", time.Hour, nil, func(context.Context) {})
	b := New("b", time.Hour, nil, func(context.Context) {})
	Group{a, b}.SetEnabled(false)
	require.False(t, a.Enabled())
	require.False(t, b.Enabled())
}

func TestReenableRunsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := make(chan struct{}, 1)
	l := New("paused", time.Hour, nil, func(context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	})
	l.SetEnabled(false)
	go l.Run(ctx)

	l.SetEnabled(true)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("re-enabled loop waited for the interval")
	}
}
