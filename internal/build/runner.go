package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/hookbuild/internal/log"
)

const (
	// maxOutputBytes caps the combined stdout/stderr kept per build.
	maxOutputBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ErrShuttingDown is returned by Trigger once Shutdown has been called.
var ErrShuttingDown = errors.New("build runner is shutting down")

// Status is the terminal state of a build.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCanceled  Status = "canceled"
)

// Request carries delivery metadata for log correlation. None of it is
// passed to the build process.
type Request struct {
	DeliveryID string
	Event      string
}

// Result describes a finished build.
type Result struct {
	ID       string
	Request  Request
	Status   Status
	Step     string // last step attempted
	Started  time.Time
	Duration time.Duration
	Output   string
	Err      error
}

// Runner starts builds in the background.
type Runner struct {
	action     Action
	logger     *slog.Logger
	onComplete func(Result)
	grace      time.Duration
	newID      func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithOnComplete registers a callback invoked once per finished build.
func WithOnComplete(fn func(Result)) Option {
	return func(r *Runner) {
		r.onComplete = fn
	}
}

// WithGracePeriod overrides the SIGTERM to SIGKILL delay.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runner) {
		r.grace = d
	}
}

// NewRunner creates a Runner for action.
func NewRunner(action Action, opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		action: action,
		logger: log.WithComponent("build"),
		grace:  terminationGracePeriod,
		newID:  uuid.NewString,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Trigger starts a build and returns its id without waiting for it. The
// build is bound to the runner's lifetime, not to ctx, so it survives the
// HTTP request that asked for it.
func (r *Runner) Trigger(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrShuttingDown
	}
	r.wg.Add(1)
	r.mu.Unlock()

	id := r.newID()
	go func() {
		defer r.wg.Done()
		r.run(id, req)
	}()
	return id, nil
}

// Shutdown stops accepting builds and waits for running ones. When ctx
// expires first, running builds are terminated and Shutdown returns ctx.Err()
// after they exit.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.logger.Warn("shutdown deadline reached, terminating running builds")
		r.cancel()
		<-done
		return ctx.Err()
	}
}

// run executes one build to completion.
func (r *Runner) run(id string, req Request) {
	buildLogger := r.logger.With("build_id", id, "delivery_id", req.DeliveryID, "event", req.Event)
	buildLogger.Info("build started")

	res := Result{ID: id, Request: req, Started: time.Now()}

	ctx, cancel := context.WithTimeout(r.ctx, r.action.Timeout)
	defer cancel()

	checkoutDir, err := r.prepareCheckout()
	if err != nil {
		res.Status = StatusFailed
		res.Step = "prepare"
		res.Err = err
		r.finish(res, buildLogger)
		return
	}
	env := r.action.environ(id, checkoutDir)
	out := &cappedBuffer{limit: maxOutputBytes}

	res.Status = StatusSucceeded
	for _, step := range Plan(r.action, checkoutDir) {
		res.Step = step.Name
		buildLogger.Debug("running step", "step", step.Name, "argv", step.Argv, "dir", step.Dir)

		if err := r.runStep(ctx, step, env, out, buildLogger); err != nil {
			res.Err = err
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				res.Status = StatusTimedOut
			case errors.Is(err, context.Canceled):
				res.Status = StatusCanceled
			default:
				res.Status = StatusFailed
			}
			break
		}
	}

	res.Output = out.String()

	// The checkout is gone by the time OnComplete sees the result.
	if checkoutDir != "" && !r.action.KeepCheckout {
		if err := os.RemoveAll(checkoutDir); err != nil {
			buildLogger.Warn("failed to remove checkout", "dir", checkoutDir, "error", err)
		}
	}
	r.finish(res, buildLogger)
}

// prepareCheckout creates a fresh, empty clone target in clone mode.
func (r *Runner) prepareCheckout() (string, error) {
	if !r.action.CloneMode() {
		return "", nil
	}
	if err := os.MkdirAll(r.action.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	dir, err := os.MkdirTemp(r.action.WorkDir, "build-*")
	if err != nil {
		return "", fmt.Errorf("create checkout dir: %w", err)
	}
	return dir, nil
}

func (r *Runner) finish(res Result, logger *slog.Logger) {
	res.Duration = time.Since(res.Started)

	attrs := []any{
		"status", res.Status,
		"step", res.Step,
		"duration_ms", res.Duration.Milliseconds(),
	}
	if res.Status == StatusSucceeded {
		logger.Info("build completed", attrs...)
	} else {
		logger.Error("build failed", append(attrs, "error", res.Err, "output", res.Output)...)
	}

	if r.onComplete != nil {
		r.onComplete(res)
	}
}

// runStep runs one step, writing its output to out. It returns ctx.Err()
// when the step was terminated because ctx ended.
func (r *Runner) runStep(ctx context.Context, step Step, env []string, out *cappedBuffer, logger *slog.Logger) error {
	if len(step.Argv) == 0 || step.Argv[0] == "" {
		return fmt.Errorf("step %s: empty command", step.Name)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("step %s: %w", step.Name, err)
	}

	// Not CommandContext: termination is managed below so the process group
	// gets SIGTERM and a grace period before SIGKILL.
	cmd := exec.Command(step.Argv[0], step.Argv[1:]...)
	cmd.Dir = step.Dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Background children that keep the output pipe open must not hang Wait.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("step %s: start process: %w", step.Name, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		logger.Warn("terminating build step, sending SIGTERM", "step", step.Name, "reason", ctx.Err())
		signalGroup(cmd, syscall.SIGTERM, logger)

		grace := time.NewTimer(r.grace)
		defer grace.Stop()

		select {
		case <-waitErr:
			logger.Info("build step exited after SIGTERM", "step", step.Name)
		case <-grace.C:
			logger.Warn("build step did not exit after SIGTERM, sending SIGKILL", "step", step.Name)
			signalGroup(cmd, syscall.SIGKILL, logger)
			<-waitErr
		}
		return fmt.Errorf("step %s: %w", step.Name, ctx.Err())

	case err := <-waitErr:
		if err == nil {
			return nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("step %s: exited with status %d", step.Name, exitErr.ExitCode())
		}
		return fmt.Errorf("step %s: wait for process: %w", step.Name, err)
	}
}

// signalGroup signals the step's whole process group so that children
// started by a build script are terminated too.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal, logger *slog.Logger) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Error("failed to signal build process group", "signal", sig.String(), "error", err)
	}
}

// cappedBuffer keeps the first limit bytes written to it and drops the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	// Report the full length so the child never sees a short write.
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
