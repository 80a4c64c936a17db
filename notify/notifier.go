package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ffbot/ffmpeg"
	"ffbot/logger"
	"ffbot/task"

	"go.uber.org/zap"
)

const editTimeout = 10 * time.Second

// Notifier edits one status message per tracked task. It never edits a
// message more often than its interval and skips edits that would not
// change the text. A sample that arrives too early is held and shown when
// the interval has passed, unless a newer sample or the final result
// replaces it first.
type Notifier struct {
	messenger Messenger
	interval  time.Duration
	log       *logger.Logger
	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer

	mu    sync.Mutex
	tasks map[string]*status
}

type status struct {
	ref       MessageRef
	label     string
	startedAt time.Time

	editMu sync.Mutex // orders the edits of one message

	// guarded by Notifier.mu
	lastEdit time.Time
	lastText string
	shown    float64
	pending  *ffmpeg.Sample
	timer    *time.Timer
}

func New(m Messenger, interval time.Duration, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.Nop()
	}
	return &Notifier{
		messenger: m,
		interval:  interval,
		log:       log.Named("notify"),
		now:       time.Now,
		afterFunc: time.AfterFunc,
		tasks:     make(map[string]*status),
	}
}

// Track starts reporting taskID into the message at ref.
func (n *Notifier) Track(taskID string, ref MessageRef, label string, startedAt time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks[taskID] = &status{ref: ref, label: label, startedAt: startedAt}
}

// Tracking reports whether taskID has a status message.
func (n *Notifier) Tracking(taskID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.tasks[taskID]
	return ok
}

// OnProgress updates the status message of taskID. Samples for untracked
// tasks are dropped.
func (n *Notifier) OnProgress(taskID string, s ffmpeg.Sample) {
	n.mu.Lock()
	st, ok := n.tasks[taskID]
	if !ok {
		n.mu.Unlock()
		return
	}
	if wait := n.interval - n.now().Sub(st.lastEdit); !st.lastEdit.IsZero() && wait > 0 {
		st.pending = &s
		if st.timer == nil {
			st.timer = n.afterFunc(wait, func() { n.flush(taskID, st) })
		}
		n.mu.Unlock()
		return
	}
	st.stop()
	n.mu.Unlock()

	n.update(taskID, st, s)
}

// flush shows the sample held back by OnProgress.
func (n *Notifier) flush(taskID string, st *status) {
	n.mu.Lock()
	st.timer = nil
	s := st.pending
	st.pending = nil
	n.mu.Unlock()
	if s != nil {
		n.update(taskID, st, *s)
	}
}

// update edits the message with s unless the task finished meanwhile or a
// later sample is already on screen.
func (n *Notifier) update(taskID string, st *status, s ffmpeg.Sample) {
	st.editMu.Lock()
	defer st.editMu.Unlock()

	n.mu.Lock()
	if n.tasks[taskID] != st || s.Current < st.shown {
		n.mu.Unlock()
		return
	}
	now := n.now()
	text := FormatProgress(st.label, s, now.Sub(st.startedAt))
	if text == st.lastText {
		n.mu.Unlock()
		return
	}
	st.lastEdit = now
	st.lastText = text
	st.shown = s.Current
	n.mu.Unlock()

	n.edit(taskID, st.ref, text, Action{Label: "Cancel", Data: CancelData(taskID)})
}

// OnComplete writes the final state into the status message and stops
// tracking the task.
func (n *Notifier) OnComplete(res task.Result) {
	st, ok := n.untrack(res.TaskID)
	if !ok {
		return
	}
	st.editMu.Lock()
	defer st.editMu.Unlock()
	n.edit(res.TaskID, st.ref, FormatResult(st.label, res))
}

// Forget stops tracking taskID and deletes its status message.
func (n *Notifier) Forget(ctx context.Context, taskID string) error {
	st, ok := n.untrack(taskID)
	if !ok {
		return nil
	}
	st.editMu.Lock()
	defer st.editMu.Unlock()
	return n.messenger.Delete(ctx, st.ref)
}

func (n *Notifier) untrack(taskID string) (*status, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.tasks[taskID]
	if ok {
		delete(n.tasks, taskID)
		st.stop()
	}
	return st, ok
}

// stop drops any held sample. The caller holds Notifier.mu.
func (st *status) stop() {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.pending = nil
}

func (n *Notifier) edit(taskID string, ref MessageRef, text string, actions ...Action) {
	ctx, cancel := context.WithTimeout(context.Background(), editTimeout)
	defer cancel()
	if err := n.messenger.EditText(ctx, ref, text, actions...); err != nil {
		n.log.Warn("status edit failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// FormatResult renders the final status of a task.
func FormatResult(label string, res task.Result) string {
	switch res.State {
	case task.StateCompleted:
		return fmt.Sprintf("%s\nDone in %s.", label, clock(res.Elapsed.Seconds()))
	case task.StateCancelled:
		return fmt.Sprintf("%s\nCancelled.", label)
	default:
		var pf *ffmpeg.ProcessFailure
		if errors.As(res.Err, &pf) {
			return fmt.Sprintf("%s\nFailed (exit code %d).\n%s", label, pf.ExitCode, lastLines(pf.Output, 3))
		}
		return fmt.Sprintf("%s\nFailed: %s", label, res.Error())
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
