package worker

import (
	"agentq/internal/domain"
	"agentq/internal/ports"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MaxLineSize bounds one line of worker output.
const MaxLineSize = 1 << 20

// ErrCancelled is the cause recorded when a running task is cancelled.
var ErrCancelled = errors.New("agent worker cancelled")

type timeoutError struct {
	after time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("agent worker timed out after %s", e.after)
}

type Config struct {
	// DefaultTimeout applies when a job carries none. Zero means no deadline.
	DefaultTimeout time.Duration
	MergeStderr    bool
	Simulate       bool
	SimulationStep time.Duration
}

// Executor runs one job at a time per call; the pool decides how many calls
// run concurrently.
type Executor struct {
	registry ports.Registry
	builder  Builder
	cfg      Config
	environ  func() []string

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

func NewExecutor(registry ports.Registry, builder Builder, cfg Config) *Executor {
	return &Executor{
		registry: registry,
		builder:  builder,
		cfg:      cfg,
		environ:  os.Environ,
		running:  make(map[string]context.CancelCauseFunc),
	}
}

// Execute drives the task named by job to a terminal state. Worker failures
// are recorded on the task; the returned error only reports a malformed job.
func (e *Executor) Execute(ctx context.Context, job domain.Job) error {
	if job.TaskID == "" {
		return errors.New("job has no task id")
	}
	logger := log.Ctx(ctx).With().Str("task_id", job.TaskID).Logger()
	ctx = logger.WithContext(ctx)

	t, ok := e.registry.Get(job.TaskID)
	if !ok {
		logger.Debug().Msg("task deleted before start, skipping")
		return nil
	}
	if t.Status != domain.StatusPending {
		logger.Debug().Str("status", string(t.Status)).Msg("task already claimed, skipping")
		return nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, timeout, &timeoutError{after: timeout})
		defer stop()
	}

	e.track(job.TaskID, cancel)
	defer e.untrack(job.TaskID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("executor panicked")
			e.registry.SetError(job.TaskID, fmt.Sprintf("Runtime error: %v", r))
		}
	}()

	e.registry.UpdateStatus(job.TaskID, domain.StatusInProgress)
	e.registry.AppendLog(job.TaskID, fmt.Sprintf("Starting task %s...", job.TaskID))

	e.run(runCtx, job.TaskID, job.Prompt)
	return nil
}

// Cancel stops the worker of a running task. It reports false when the task
// is not running in this executor.
func (e *Executor) Cancel(id string) bool {
	e.mu.Lock()
	cancel, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	return ok
}

// Running returns the number of tasks currently executing.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func (e *Executor) track(id string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

func (e *Executor) run(ctx context.Context, id, prompt string) {
	logger := log.Ctx(ctx)
	inv := e.builder.Build(prompt)

	cmd := exec.CommandContext(ctx, inv.Program, inv.Args...)
	cmd.Env = inv.Environ(e.environ())
	configureProcess(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		e.registry.SetError(id, fmt.Sprintf("Failed to start agent worker: %v", err))
		return
	}
	defer pr.Close()
	cmd.Stdout = pw
	if e.cfg.MergeStderr {
		cmd.Stderr = pw
	}

	if err := cmd.Start(); err != nil {
		pw.Close()
		if runtimeUnavailable(err) && e.cfg.Simulate {
			logger.Warn().Err(err).Msg("worker runtime not available, running simulation")
			Simulator{Registry: e.registry, Step: e.cfg.SimulationStep}.Run(ctx, id)
			return
		}
		logger.Error().Err(err).Msg("failed to start agent worker")
		e.registry.SetError(id, fmt.Sprintf("Failed to start agent worker: %v", err))
		return
	}
	// The child holds its own copy; closing ours lets the reader see EOF.
	pw.Close()
	logger.Info().Str("program", inv.Program).Int("pid", cmd.Process.Pid).Msg("agent worker started")

	var result domain.Result
	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	for sc.Scan() {
		line := sc.Text()
		switch kind, r := classify(line); kind {
		case lineResult:
			result = r
		case lineLog:
			e.registry.AppendLog(id, strings.TrimRight(line, "\r"))
		}
	}
	if err := sc.Err(); err != nil {
		e.abort(ctx, cmd, id, fmt.Errorf("read worker output: %w", err))
		return
	}

	waitErr := cmd.Wait()
	if waitErr == nil {
		if result == nil {
			result = domain.Result{"message": "Agent finished without explicit result"}
		}
		e.registry.SetResult(id, result)
		e.registry.UpdateStatus(id, domain.StatusCompleted)
		e.registry.AppendLog(id, "Agent finished successfully.")
		logger.Info().Msg("task completed successfully")
		return
	}

	if ctx.Err() != nil {
		msg := interruption(ctx)
		logger.Warn().Err(waitErr).Msg(msg)
		e.registry.SetError(id, msg)
		return
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if exitErr.Exited() {
			e.registry.SetError(id, fmt.Sprintf("Agent worker exited with code %d", exitErr.ExitCode()))
			return
		}
		// A worker killed by a signal reports the negated signal number.
		if sig, ok := terminatingSignal(exitErr.ProcessState); ok {
			e.registry.SetError(id, fmt.Sprintf("Agent worker exited with code %d", -sig))
			return
		}
	}
	e.abort(ctx, cmd, id, waitErr)
}

// abort fails the task and makes a best-effort attempt to stop the worker.
func (e *Executor) abort(ctx context.Context, cmd *exec.Cmd, id string, cause error) {
	msg := fmt.Sprintf("Runtime error: %v", cause)
	log.Ctx(ctx).Error().Err(cause).Msg("agent worker aborted")
	e.registry.SetError(id, msg)

	_ = killProcess(cmd)
	if cmd.ProcessState == nil {
		_ = cmd.Wait()
	}
}

func interruption(ctx context.Context) string {
	cause := context.Cause(ctx)
	var te *timeoutError
	switch {
	case errors.As(cause, &te):
		return fmt.Sprintf("Agent worker timed out after %s", te.after)
	case errors.Is(cause, ErrCancelled):
		return "Agent worker cancelled"
	default:
		return fmt.Sprintf("Runtime error: %v", cause)
	}
}

// runtimeUnavailable tells a missing worker runtime apart from a worker that
// started and failed.
func runtimeUnavailable(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
