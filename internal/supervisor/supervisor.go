// Package supervisor runs the gateway as a child process, restarts it with
// bounded backoff, and serves a standby health endpoint while it is down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	maxRestarts    = 10
	healthyAfter   = 60 * time.Second
	baseBackoff    = 2 * time.Second
	maxBackoff     = 10 * time.Second
	rollbackWindow = 30 * time.Second
	drainTimeout   = 30 * time.Second
)

// Options configures a Supervisor.
type Options struct {
	BinaryPath    string   // gateway binary, normally the supervisor's own executable
	Args          []string // child argv, e.g. ["serve", "--port", "8765"]
	Addr          string   // standby health listen address (the gateway's own address)
	Version       string
	KnownGoodPath string // marker file enabling deploy rollback
	Logger        *slog.Logger
}

// Supervisor owns the gateway child process lifecycle.
type Supervisor struct {
	opts    Options
	logger  *slog.Logger
	deploys *deployWatcher

	// overridable for tests
	backoff      func(failures int) time.Duration
	healthyAfter time.Duration
	drainWait    time.Duration
}

// New creates a supervisor. The deploy watcher is best-effort: a watch
// failure disables rollback but not supervision.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		opts:         opts,
		logger:       logger.With("component", "supervisor"),
		backoff:      backoffDelay,
		healthyAfter: healthyAfter,
		drainWait:    drainTimeout,
	}
	if opts.BinaryPath != "" {
		dw, err := newDeployWatcher(opts.BinaryPath, s.logger)
		if err != nil {
			s.logger.Warn("deploy watch unavailable, rollback disabled", "error", err)
		} else {
			s.deploys = dw
		}
	}
	return s
}

// backoffDelay is the restart delay after the nth consecutive failure.
func backoffDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := baseBackoff << uint(failures-1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

// Run supervises the child until ctx is cancelled or the restart budget is
// exhausted. It never returns while the child is still alive.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.deploys != nil {
		defer s.deploys.Close()
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		err := s.runChild(ctx)
		if ctx.Err() != nil {
			// Shutdown path: the child has fully exited by now.
			s.logger.Info("gateway stopped", "error", err)
			return nil
		}

		uptime := time.Since(started)
		if uptime >= s.healthyAfter {
			failures = 0
		}
		failures++
		s.logger.Warn("gateway exited", "error", err,
			"uptime", uptime.Round(time.Millisecond), "consecutive_failures", failures)

		if s.deploys != nil && s.deploys.RecentDeploy(rollbackWindow) {
			switch rbErr := s.rollback(); {
			case rbErr == nil:
				s.logger.Warn("crash after deploy, rolled back to known-good binary")
			case errors.Is(rbErr, os.ErrNotExist):
				// No marker: rollback disabled.
			default:
				s.logger.Error("rollback failed", "error", rbErr)
			}
		}

		if failures > maxRestarts {
			return fmt.Errorf("gateway crashed %d consecutive times, giving up", failures-1)
		}

		delay := s.backoff(failures)
		s.logger.Info("restarting gateway", "delay", delay)
		if !s.standbyWait(ctx, delay) {
			return nil
		}
	}
}

// runChild spawns one gateway process and blocks until it has fully exited.
// On ctx cancellation it signals the child and waits through the drain
// window before killing it.
func (s *Supervisor) runChild(ctx context.Context) error {
	cmd := exec.Command(s.opts.BinaryPath, s.opts.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn gateway: %w", err)
	}
	s.logger.Info("gateway started", "pid", cmd.Process.Pid)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		return err
	case <-ctx.Done():
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(s.drainWait):
		s.logger.Warn("gateway did not drain in time, killing")
	}
	_ = cmd.Process.Kill()
	return <-waitCh
}

// standbyWait serves the standby health endpoint for the duration of the
// restart delay. Returns false when ctx was cancelled.
func (s *Supervisor) standbyWait(ctx context.Context, delay time.Duration) bool {
	stop := s.startStandby()
	defer stop()
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// rollback replaces the gateway binary with the known-good snapshot named by
// the marker file. Missing marker means the feature is disabled.
func (s *Supervisor) rollback() error {
	data, err := os.ReadFile(s.opts.KnownGoodPath)
	if err != nil {
		return err
	}
	snapshot := strings.TrimSpace(string(data))
	if snapshot == "" {
		return errors.New("known-good marker is empty")
	}

	src, err := os.Open(snapshot)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer src.Close()

	dir := filepath.Dir(s.opts.BinaryPath)
	tmp, err := os.CreateTemp(dir, ".chroxy-rollback-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.opts.BinaryPath)
}
