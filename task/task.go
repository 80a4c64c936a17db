// Package task tracks running ffmpeg processes and their lifecycle.
package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// NewID returns a fresh task id.
func NewID() string {
	return fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix())
}

// Result is the terminal outcome of a task.
type Result struct {
	TaskID     string        `json:"task_id"`
	State      State         `json:"state"`
	Err        error         `json:"-"`
	Output     string        `json:"output,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Error returns the failure message, or "" when the task did not fail.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Handle owns one external process. Every state change goes through its
// mutex, so a cancel and a natural exit cannot both win.
type Handle struct {
	ID string

	mu        sync.Mutex
	state     State
	pid       int
	startedAt time.Time
	terminate func()
	result    *Result
	done      chan struct{}
}

func NewHandle(id string) *Handle {
	return &Handle{
		ID:    id,
		state: StateCreated,
		done:  make(chan struct{}),
	}
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// Attach moves a created handle to Running once its process exists.
// terminate is what Cancel calls from then on. It returns false if the
// task was cancelled before the process started; the caller must then stop
// the process itself.
func (h *Handle) Attach(pid int, startedAt time.Time, terminate func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pid = pid
	h.startedAt = startedAt
	if h.state != StateCreated {
		return false
	}
	h.state = StateRunning
	h.terminate = terminate
	return true
}

// Cancel transitions a live task to Cancelled and asks its process to stop.
// It returns false when the task had already reached a terminal state.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return false
	}
	h.state = StateCancelled
	terminate := h.terminate
	h.mu.Unlock()

	if terminate != nil {
		terminate()
	}
	return true
}

// Finish records a natural exit. It returns the state the task ends in,
// which is Cancelled if a cancel got there first.
func (h *Handle) Finish(outcome State) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return h.state
	}
	h.state = outcome
	return outcome
}

// Complete stores the result and releases everyone waiting on Done. Only
// the first call has an effect.
func (h *Handle) Complete(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result != nil {
		return
	}
	h.result = &r
	close(h.done)
}

// Done is closed after the terminal callback has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the terminal result once Done is closed.
func (h *Handle) Result() (Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result == nil {
		return Result{}, false
	}
	return *h.result, true
}
