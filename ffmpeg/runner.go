// Package ffmpeg runs ffmpeg invocations as tracked, cancellable tasks.
package ffmpeg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"ffbot/config"
	"ffbot/job"
	"ffbot/logger"
	"ffbot/task"

	"go.uber.org/zap"
)

// ProgressFunc receives rate-limited samples for one task, in order.
type ProgressFunc func(taskID string, s Sample)

// CompleteFunc receives the terminal result of a task. It is called exactly
// once per spawned task, after the last ProgressFunc call.
type CompleteFunc func(r task.Result)

type Runner struct {
	cfg      *config.Config
	log      *logger.Logger
	registry *task.Registry

	// active counts processes from spawn until reaped. A cancelled task
	// leaves the registry at once but keeps its slot through the grace
	// period.
	active atomic.Int32
}

func NewRunner(cfg *config.Config, registry *task.Registry, log *logger.Logger) (*Runner, error) {
	// Ensure ffmpeg binary is executable
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("could not create work directory: %w", err)
	}
	if registry == nil {
		registry = task.NewRegistry()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Runner{cfg: cfg, log: log.Named("runner"), registry: registry}, nil
}

func (r *Runner) Registry() *task.Registry {
	return r.registry
}

// Spawn starts inv under id (a fresh id when empty) and returns at once.
// Output is read by a worker goroutine that drives onProgress and finally
// onComplete. Errors returned here mean no process was started.
func (r *Runner) Spawn(id string, inv job.Invocation, onProgress ProgressFunc, onComplete CompleteFunc) (*task.Handle, error) {
	if id == "" {
		id = task.NewID()
	}
	if !r.acquire() {
		return nil, &SpawnError{TaskID: id, Err: ErrAtCapacity}
	}
	if err := r.checkResources(); err != nil {
		r.active.Add(-1)
		return nil, &SpawnError{TaskID: id, Err: err}
	}

	h := task.NewHandle(id)
	if err := r.registry.Register(h); err != nil {
		r.active.Add(-1)
		return nil, &SpawnError{TaskID: id, Err: err}
	}

	pr, pw := io.Pipe()
	cmd := exec.Command(r.cfg.FFBin, inv.Args...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = r.cfg.CancelGrace

	log := r.log.With(zap.String("task_id", id))
	log.Debug("executing", zap.String("bin", r.cfg.FFBin), zap.String("args", inv.String()))

	if err := cmd.Start(); err != nil {
		r.registry.Release(h)
		r.active.Add(-1)
		pw.Close()
		pr.Close()
		return nil, &SpawnError{TaskID: id, Err: err}
	}

	s := &stopper{proc: cmd.Process, grace: r.cfg.CancelGrace}
	if !h.Attach(cmd.Process.Pid, time.Now(), s.stop) {
		// Cancelled between registration and start.
		s.kill()
	}
	log.Info("task started", zap.Int("pid", cmd.Process.Pid), zap.String("output", inv.Output))

	parser := NewProgressParser().WithTotal(inv.Duration)
	if inv.SumDurations {
		parser.SumDurations()
	}
	go r.supervise(h, cmd, s, pr, pw, parser, inv, log, onProgress, onComplete)
	return h, nil
}

// acquire takes a process slot, failing when MaxConcurrency are in use.
func (r *Runner) acquire() bool {
	for {
		n := r.active.Load()
		if r.cfg.MaxConcurrency > 0 && int(n) >= r.cfg.MaxConcurrency {
			return false
		}
		if r.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Cancel asks the task to stop. It returns false for unknown or finished
// tasks, so calling it twice is harmless.
func (r *Runner) Cancel(id string) bool {
	ok := r.registry.Cancel(id)
	if ok {
		r.log.Info("task cancelled", zap.String("task_id", id))
	}
	return ok
}

func (r *Runner) supervise(
	h *task.Handle,
	cmd *exec.Cmd,
	s *stopper,
	pr *io.PipeReader,
	pw *io.PipeWriter,
	parser *ProgressParser,
	inv job.Invocation,
	log *logger.Logger,
	onProgress ProgressFunc,
	onComplete CompleteFunc,
) {
	out := newTail(r.cfg.OutputTailLines)
	limiter := newThrottle(r.cfg.ProgressInterval, h.StartedAt())

	emit := func(sample Sample) {
		if onProgress != nil && h.State() == task.StateRunning {
			onProgress(h.ID, sample)
		}
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		scanner.Split(scanLines)
		for scanner.Scan() {
			line := scanner.Text()
			sample, ok := parser.Feed(line)
			if !ok {
				out.add(line)
				continue
			}
			if limiter.offer(sample, time.Now()) {
				emit(sample)
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn("reading ffmpeg output", zap.Error(err))
			// Keep draining so the process never blocks on a full pipe.
			io.Copy(io.Discard, pr)
		}
	}()

	waitErr := cmd.Wait()
	s.reaped()
	r.active.Add(-1)
	pw.Close()
	<-readDone

	if sample, ok := limiter.flush(); ok {
		emit(sample)
	}

	outcome := task.StateCompleted
	var err error
	if waitErr != nil {
		outcome = task.StateFailed
		err = &ProcessFailure{ExitCode: exitCode(waitErr), Output: out.String(), Err: waitErr}
	}

	final := h.Finish(outcome)
	if final == outcome {
		r.registry.Release(h)
	}

	finished := time.Now()
	res := task.Result{
		TaskID:     h.ID,
		State:      final,
		StartedAt:  h.StartedAt(),
		FinishedAt: finished,
		Elapsed:    finished.Sub(h.StartedAt()),
	}
	switch final {
	case task.StateCompleted:
		res.Output = inv.Output
		log.Info("task completed", zap.Duration("elapsed", res.Elapsed))
	case task.StateFailed:
		res.Err = err
		log.Warn("task failed", zap.Error(err))
	case task.StateCancelled:
		log.Info("task stopped after cancel", zap.Duration("elapsed", res.Elapsed))
	}

	defer h.Complete(res)
	if onComplete != nil {
		onComplete(res)
	}
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// stopper interrupts a process and kills it if it is still around after
// the grace period.
type stopper struct {
	proc  *os.Process
	grace time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	exited bool
}

func (s *stopper) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited || s.timer != nil {
		return
	}
	if runtime.GOOS == "windows" {
		s.proc.Kill()
		return
	}
	if err := s.proc.Signal(os.Interrupt); err != nil {
		s.proc.Kill()
		return
	}
	s.timer = time.AfterFunc(s.grace, s.kill)
}

func (s *stopper) kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exited {
		s.proc.Kill()
	}
}

func (s *stopper) reaped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exited = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

// throttle forwards at most one sample per interval and remembers the
// newest one it held back.
type throttle struct {
	interval time.Duration
	last     time.Time
	pending  Sample
	held     bool
}

func newThrottle(interval time.Duration, start time.Time) *throttle {
	return &throttle{interval: interval, last: start}
}

func (t *throttle) offer(s Sample, now time.Time) bool {
	if now.Sub(t.last) >= t.interval {
		t.last = now
		t.held = false
		return true
	}
	t.pending = s
	t.held = true
	return false
}

func (t *throttle) flush() (Sample, bool) {
	if !t.held {
		return Sample{}, false
	}
	t.held = false
	return t.pending, true
}
