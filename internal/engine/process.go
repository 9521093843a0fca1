package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrUnmanaged    = errors.New("engine process is not managed by forwardctl")
	ErrNotConverged = errors.New("engine configuration did not converge")
	ErrNotRunning   = errors.New("engine is not running")
)

// Process starts and stops the engine.
type Process interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running(ctx context.Context) bool
}

func engineLogger() *slog.Logger {
	return slog.Default().With("component", "engine")
}

// Runner runs the engine as a child process reading configPath.
type Runner struct {
	executablePath string
	configPath     string
	stopTimeout    time.Duration

	mu          sync.RWMutex
	cmd         *exec.Cmd
	done        chan struct{}
	output      *outputRing
	exitCh      chan struct{}
	stopPlanned atomic.Bool
}

func NewRunner(executablePath, configPath string) *Runner {
	return &Runner{
		executablePath: executablePath,
		configPath:     configPath,
		stopTimeout:    3 * time.Second,
		output:         newOutputRing(200),
		exitCh:         make(chan struct{}, 1),
	}
}

// Start launches the engine. The process is not bound to any context: it
// outlives the request that started it.
func (r *Runner) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runningLocked() {
		return errors.New("engine already running")
	}

	cmd := exec.Command(r.executablePath, "-C", r.configPath)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	select {
	case <-r.exitCh:
	default:
	}
	r.stopPlanned.Store(false)
	r.cmd = cmd
	r.done = make(chan struct{})
	go r.capture(stderr)
	go r.capture(stdout)
	go r.wait(cmd, r.done)

	engineLogger().Info("engine started", "pid", cmd.Process.Pid, "config", r.configPath)
	return nil
}

func (r *Runner) capture(reader io.Reader) {
	logger := engineLogger()
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()
		r.output.add(line)
		relay(logger, line)
	}
}

func (r *Runner) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	close(done)

	sendExit := false
	r.mu.Lock()
	if r.cmd == cmd {
		r.cmd = nil
		sendExit = true
	}
	r.mu.Unlock()

	if sendExit {
		if !r.stopPlanned.Load() {
			engineLogger().Warn("engine exited", "error", err)
		}
		select {
		case r.exitCh <- struct{}{}:
		default:
		}
	}
}

func (r *Runner) Stop(ctx context.Context) error {
	r.mu.RLock()
	cmd, done := r.cmd, r.done
	r.mu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	r.stopPlanned.Store(true)
	_ = cmd.Process.Signal(os.Interrupt)
	timer := time.NewTimer(r.stopTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-done
		return nil
	case <-done:
		return nil
	}
}

func (r *Runner) Running(context.Context) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runningLocked()
}

func (r *Runner) runningLocked() bool {
	if r.cmd == nil || r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Logs returns up to tail of the newest engine output lines; tail <= 0
// returns everything buffered.
func (r *Runner) Logs(tail int) []string {
	return r.output.tail(tail)
}

// Supervise restarts the engine after unplanned exits until ctx is done.
func (r *Runner) Supervise(ctx context.Context, wait time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.exitCh:
			if r.stopPlanned.Load() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			if err := r.Start(context.Background()); err != nil {
				engineLogger().Error("restart on process exit failed", "error", err)
			}
		}
	}
}

// Unmanaged stands for an engine started outside forwardctl: it cannot be
// started or stopped, and is considered running when its API answers.
type Unmanaged struct {
	control Controller
}

func NewUnmanaged(control Controller) *Unmanaged {
	return &Unmanaged{control: control}
}

func (u *Unmanaged) Start(context.Context) error { return ErrUnmanaged }
func (u *Unmanaged) Stop(context.Context) error  { return ErrUnmanaged }

func (u *Unmanaged) Running(ctx context.Context) bool {
	_, err := u.control.LiveConfig(ctx)
	return err == nil
}
