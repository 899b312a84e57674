package trigger

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 2 * time.Hour

// EnvPipelineRunID carries the caller's run id into the job process.
const EnvPipelineRunID = "PIPELINE_RUN_ID"

// Runner executes one job, reporting progress as it goes.
type Runner interface {
	Run(ctx context.Context, params Params, progress func(processed, failed int)) error
}

// CommandRunner runs an external command with the job parameters as flags.
// Lines of the form "progress processed=N failed=M" on stdout update the
// job's progress.
type CommandRunner struct {
	Command string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// NewCommandRunner builds a CommandRunner with the default timeout.
func NewCommandRunner(command string, args ...string) *CommandRunner {
	return &CommandRunner{Command: command, Args: args, Timeout: DefaultJobTimeout}
}

// Run starts the command and waits for it to exit.
func (c *CommandRunner) Run(ctx context.Context, params Params, progress func(processed, failed int)) error {
	if c.Command == "" {
		return errors.New("no job command configured")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, c.Args...)
	args = append(args,
		"--parallel", strconv.Itoa(params.Parallel),
		"--offset", strconv.Itoa(params.Offset),
		"--max-batches", strconv.Itoa(params.MaxBatches),
		"--batch-size", strconv.Itoa(params.BatchSize),
	)
	cmd := exec.CommandContext(ctx, c.Command, args...) //nolint:gosec // operator-configured command
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()
	if params.PipelineRunID != "" {
		cmd.Env = append(cmd.Env, EnvPipelineRunID+"="+params.PipelineRunID)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start job command: %w", err)
	}
	scanProgress(stdout, progress)
	err = cmd.Wait()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("job timed out after %s", timeout)
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("job command: %w", err)
		}
		return fmt.Errorf("job command: %w: %s", err, msg)
	}
	return nil
}

func scanProgress(r io.Reader, progress func(processed, failed int)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		processed, failed, ok := ParseProgress(scanner.Text())
		if ok && progress != nil {
			progress(processed, failed)
		}
	}
	// Drain so the command never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r) //nolint:errcheck // best effort
}

// ParseProgress reads "progress processed=N failed=M". Either counter may be
// omitted; a line without the prefix or with no counters is ignored.
func ParseProgress(line string) (processed, failed int, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(line), "progress ")
	if !found {
		return 0, 0, false
	}
	for _, field := range strings.Fields(rest) {
		key, val, hasEq := strings.Cut(field, "=")
		if !hasEq {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			continue
		}
		switch key {
		case "processed":
			processed, ok = n, true
		case "failed":
			failed, ok = n, true
		}
	}
	return processed, failed, ok
}
