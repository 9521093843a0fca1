// Package engine drives the forwarding engine: it writes the desired
// configuration, hot-reloads it through the control API, verifies that the
// engine converged and falls back to a full restart when it did not.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"forwardctl/internal/engineconfig"
	"forwardctl/internal/metrics"
)

type DriverOptions struct {
	ConfigPath     string
	VerifyAttempts int
	VerifyBackoff  time.Duration
	RestartWait    time.Duration
	Metrics        *metrics.Metrics
}

type Driver struct {
	process        Process
	control        Controller
	configPath     string
	verifyAttempts int
	verifyBackoff  time.Duration
	restartWait    time.Duration
	metrics        *metrics.Metrics

	// pushMu keeps two pushes off the engine at once, including a preempted
	// push that is still unwinding.
	pushMu sync.Mutex

	mu      sync.RWMutex
	applied *engineconfig.Config
}

func NewDriver(process Process, control Controller, opts DriverOptions) *Driver {
	if opts.VerifyAttempts < 1 {
		opts.VerifyAttempts = 3
	}
	if opts.VerifyBackoff <= 0 {
		opts.VerifyBackoff = 2 * time.Second
	}
	if opts.RestartWait < 0 {
		opts.RestartWait = 0
	}
	return &Driver{
		process:        process,
		control:        control,
		configPath:     opts.ConfigPath,
		verifyAttempts: opts.VerifyAttempts,
		verifyBackoff:  opts.VerifyBackoff,
		restartWait:    opts.RestartWait,
		metrics:        opts.Metrics,
	}
}

// Apply makes cfg the engine's running configuration. A nil error means the
// engine was verified to run exactly cfg's service set.
func (d *Driver) Apply(ctx context.Context, cfg *engineconfig.Config) error {
	d.pushMu.Lock()
	defer d.pushMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if cfg == nil {
		cfg = &engineconfig.Config{}
	}
	logger := engineLogger().With("services", len(cfg.Services))

	if err := engineconfig.Write(d.configPath, cfg); err != nil {
		d.metrics.EnginePush("write", "failure")
		return err
	}
	want := cfg.ServiceSet()

	if !d.process.Running(ctx) {
		if cfg.Empty() {
			logger.Debug("engine stopped and nothing to forward")
			d.setApplied(cfg)
			return nil
		}
		if err := d.start(ctx, want); err != nil {
			d.metrics.EnginePush("start", "failure")
			return err
		}
		d.metrics.EnginePush("start", "success")
		d.setApplied(cfg)
		logger.Info("engine started with new configuration")
		return nil
	}

	err := d.control.Reload(ctx)
	if err == nil {
		err = d.verify(ctx, want)
	}
	if err == nil {
		d.metrics.EnginePush("reload", "success")
		d.setApplied(cfg)
		logger.Info("engine configuration reloaded")
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		d.metrics.EnginePush("reload", "canceled")
		return ctxErr
	}
	d.metrics.EnginePush("reload", "failure")
	logger.Warn("hot reload failed, restarting engine", "error", err)

	if rerr := d.restart(ctx, want); rerr != nil {
		d.metrics.EnginePush("restart", "failure")
		logger.Error("engine did not converge after restart", "error", rerr)
		return errors.Join(err, rerr)
	}
	d.metrics.EnginePush("restart", "success")
	d.setApplied(cfg)
	logger.Info("engine restarted with new configuration")
	return nil
}

func (d *Driver) start(ctx context.Context, want engineconfig.ServiceSet) error {
	if err := d.process.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	return d.verify(ctx, want)
}

func (d *Driver) restart(ctx context.Context, want engineconfig.ServiceSet) error {
	if err := d.process.Stop(ctx); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	if d.restartWait > 0 {
		timer := time.NewTimer(d.restartWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return d.start(ctx, want)
}

// verify polls the live configuration until its service set matches want.
func (d *Driver) verify(ctx context.Context, want engineconfig.ServiceSet) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.verifyBackoff), uint64(d.verifyAttempts-1)),
		ctx,
	)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		live, err := d.control.LiveConfig(ctx)
		if err != nil {
			return err
		}
		missing, extra := live.ServiceSet().Diff(want)
		if len(missing) == 0 && len(extra) == 0 {
			return nil
		}
		engineLogger().Debug("live configuration differs",
			"attempt", attempt, "missing", len(missing), "extra", len(extra))
		return fmt.Errorf("%w: %d missing, %d unexpected services", ErrNotConverged, len(missing), len(extra))
	}, b)
}

func (d *Driver) setApplied(cfg *engineconfig.Config) {
	d.mu.Lock()
	d.applied = cfg
	d.mu.Unlock()
}

// Applied returns the last configuration that was verified on the engine.
func (d *Driver) Applied() *engineconfig.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.applied
}

// HealthCheck reports whether the engine runs the last applied
// configuration. Before the first push there is nothing to compare against.
func (d *Driver) HealthCheck(ctx context.Context) error {
	applied := d.Applied()
	if applied == nil {
		return nil
	}
	if !d.process.Running(ctx) {
		if applied.Empty() {
			return nil
		}
		return ErrNotRunning
	}
	live, err := d.control.LiveConfig(ctx)
	if err != nil {
		return err
	}
	if missing, extra := live.ServiceSet().Diff(applied.ServiceSet()); len(missing) > 0 || len(extra) > 0 {
		return fmt.Errorf("%w: %d missing, %d unexpected services", ErrNotConverged, len(missing), len(extra))
	}
	return nil
}
