// Package deploy installs and controls the worker agent on a remote host.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result is the outcome of a remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output joins stdout and stderr for error reporting.
func (r Result) Output() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// Shell is an open session on a remote host.
type Shell interface {
	Run(ctx context.Context, cmd string) (Result, error)
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	Close() error
}

// Dialer opens shells.
type Dialer interface {
	Dial(ctx context.Context, host, password string) (Shell, error)
}

// StepError reports which deployment step failed.
type StepError struct {
	Step   string
	Output string
	Err    error
}

func (e *StepError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("deploy step %s: %v: %s", e.Step, e.Err, e.Output)
	}
	return fmt.Sprintf("deploy step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ErrShellUnavailable is returned when a host never accepts a connection.
var ErrShellUnavailable = errors.New("remote shell unavailable")

// WaitForShell dials until it succeeds, ctx ends or timeout elapses.
func WaitForShell(
	ctx context.Context,
	dialer Dialer,
	host, password string,
	timeout, poll time.Duration,
	logger *zap.Logger,
) (Shell, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if poll <= 0 {
		poll = 10 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; ; attempt++ {
		shell, err := dialer.Dial(waitCtx, host, password)
		if err == nil {
			logger.Info("shell connected", zap.String("host", host), zap.Int("attempt", attempt))
			return shell, nil
		}
		lastErr = err
		logger.Debug("shell not ready", zap.String("host", host), zap.Error(err))

		timer := time.NewTimer(poll)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("wait for shell on %s: %w", host, ctx.Err())
			}
			return nil, fmt.Errorf("wait for shell on %s after %s: %w (last error: %v)",
				host, timeout, ErrShellUnavailable, lastErr)
		case <-timer.C:
		}
	}
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
