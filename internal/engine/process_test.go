package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fakeEngineBinary(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine stub needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "gost")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func TestRunnerStartStop(t *testing.T) {
	bin := fakeEngineBinary(t, "echo \"loaded $2\"\nexec sleep 30\n")
	r := NewRunner(bin, "/etc/gost/gost.json")
	ctx := context.Background()

	require.NoError(t, r.Start(ctx))
	require.True(t, r.Running(ctx))
	require.Error(t, r.Start(ctx), "second start while running")

	eventually(t, func() bool {
		logs := r.Logs(0)
		return len(logs) > 0 && logs[0] == "loaded /etc/gost/gost.json"
	})

	require.NoError(t, r.Stop(ctx))
	eventually(t, func() bool { return !r.Running(ctx) })
}

func TestRunnerSupervisorRestartsAfterCrash(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "runs")
	bin := fakeEngineBinary(t, "echo run >> "+marker+"\nexec sleep 30\n")
	r := NewRunner(bin, "cfg.json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Supervise(ctx, 10*time.Millisecond)

	require.NoError(t, r.Start(ctx))
	eventually(t, func() bool { return r.Running(ctx) })

	r.mu.RLock()
	pid := r.cmd.Process
	r.mu.RUnlock()
	require.NoError(t, pid.Kill())

	eventually(t, func() bool {
		data, err := os.ReadFile(marker)
		return err == nil && string(data) == "run\nrun\n" && r.Running(ctx)
	})
	require.NoError(t, r.Stop(context.Background()))
}

func TestRunnerPlannedStopIsNotRestarted(t *testing.T) {
	bin := fakeEngineBinary(t, "exec sleep 30\n")
	r := NewRunner(bin, "cfg.json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Supervise(ctx, time.Millisecond)

	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Stop(ctx))
	time.Sleep(50 * time.Millisecond)
	require.False(t, r.Running(ctx))
}

func TestOutputRingTail(t *testing.T) {
	o := newOutputRing(3)
	require.Empty(t, o.tail(0))

	o.add("a")
	o.add("b")
	require.Equal(t, []string{"a", "b"}, o.tail(0))
	require.Equal(t, []string{"b"}, o.tail(1))

	o.add("c")
	o.add("d")
	require.Equal(t, []string{"b", "c", "d"}, o.tail(0))
	require.Equal(t, []string{"c", "d"}, o.tail(2))
	require.Equal(t, []string{"b", "c", "d"}, o.tail(10))
}

func TestRelayKeepsEngineLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	relay(logger, `{"level":"error","msg":"listen tcp :20001: bind: address already in use","service":"fwd-tcp-20001","kind":"service"}`)
	relay(logger, `{"level":"info","msg":"connected","service":"fwd-tcp-20001"}`)
	relay(logger, "plain banner line")
	relay(logger, "   ")

	var records []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 3)
	require.Equal(t, "ERROR", records[0]["level"])
	require.Equal(t, "fwd-tcp-20001", records[0]["service"])
	require.Equal(t, "DEBUG", records[1]["level"])
	require.Equal(t, "plain banner line", records[2]["msg"])
}
