// Package pipeline turns job requests into running tasks and owns every
// artifact they touch, from staged inputs to the delivered output.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"ffbot/config"
	"ffbot/ffmpeg"
	"ffbot/job"
	"ffbot/logger"
	"ffbot/notify"
	"ffbot/task"

	"github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("job not found")

const deliverTimeout = 10 * time.Minute

// FFmpegRunner is the part of ffmpeg.Runner the manager depends on.
type FFmpegRunner interface {
	Spawn(id string, inv job.Invocation, onProgress ffmpeg.ProgressFunc, onComplete ffmpeg.CompleteFunc) (*task.Handle, error)
	Cancel(id string) bool
}

// Observer receives the progress stream of every task.
type Observer interface {
	OnProgress(taskID string, s ffmpeg.Sample)
	OnComplete(res task.Result)
}

// Deliverer hands the outcome of a chat job back to its conversation. It
// runs before the artifacts are removed.
type Deliverer interface {
	Deliver(ctx context.Context, st Status, res task.Result) error
}

// Request asks for one transformation. Inputs are URLs or local paths;
// they are staged into the work directory so the task owns its copies.
type Request struct {
	Operation job.Operation
	Inputs    []string
	Params    map[string]string
	OutputExt string

	// ChatID routes the result to a Deliverer when non-zero.
	ChatID int64
	// StatusMessage is edited in place with progress when set.
	StatusMessage *notify.MessageRef
	// Keep retains a completed output for download until it expires.
	Keep bool
}

// Status is a point-in-time view of a job.
type Status struct {
	TaskID     string         `json:"taskId"`
	Operation  job.Operation  `json:"operation"`
	State      task.State     `json:"state"`
	Progress   *ffmpeg.Sample `json:"progress,omitempty"`
	Percent    *float64       `json:"percent,omitempty"`
	Usage      *task.Usage    `json:"usage,omitempty"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ChatID     int64          `json:"-"`
	CreatedAt  time.Time      `json:"createdAt"`
	StartedAt  time.Time      `json:"startedAt,omitempty"`
	FinishedAt time.Time      `json:"finishedAt,omitempty"`
}

// entry is the live record of a submitted job.
type entry struct {
	req       Request
	desc      job.Descriptor
	handle    *task.Handle
	createdAt time.Time
	tracked   bool
	done      chan struct{} // closed once the entry leaves the live set

	mu     sync.Mutex
	sample *ffmpeg.Sample
}

type Manager struct {
	cfg       *config.Config
	log       *logger.Logger
	runner    FFmpegRunner
	notifier  *notify.Notifier
	deliverer Deliverer

	mu        sync.RWMutex
	live      map[string]*entry
	observers []Observer

	results *cache.Cache
	cron    *cron.Cron
}

type Option func(*Manager)

// WithNotifier edits the status message of requests that carry one.
func WithNotifier(n *notify.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithDeliverer(d Deliverer) Option {
	return func(m *Manager) { m.deliverer = d }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

func NewManager(cfg *config.Config, runner FFmpegRunner, log *logger.Logger, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("could not create work directory: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	m := &Manager{
		cfg:    cfg,
		log:    log.Named("pipeline"),
		runner: runner,
		live:   make(map[string]*entry),
		cron:   cron.New(),
	}
	m.results = cache.New(cfg.ResultLifetime, cfg.ResultLifetime/4+time.Second)
	m.results.OnEvicted(m.evicted)
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start schedules the work directory sweep. When ctx ends the sweep stops
// and every live task is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.SweepSchedule != "" {
		if _, err := m.cron.AddFunc(m.cfg.SweepSchedule, func() {
			if n, err := m.Sweep(); err != nil {
				m.log.Warn("sweep failed", zap.Error(err))
			} else if n > 0 {
				m.log.Info("sweep removed stale files", zap.Int("count", n))
			}
		}); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", m.cfg.SweepSchedule, err)
		}
	}
	m.cron.Start()
	m.log.Info("pipeline started", zap.String("work_dir", m.cfg.WorkDir), zap.Int("max_concurrency", m.cfg.MaxConcurrency))

	go func() {
		<-ctx.Done()
		<-m.cron.Stop().Done()
		for _, id := range m.liveIDs() {
			m.runner.Cancel(id)
		}
		m.log.Info("pipeline stopped")
	}()
	return nil
}

// Submit validates req, stages its inputs and starts the task. Validation
// and spawn errors are returned here; everything later arrives through
// observers and the deliverer.
func (m *Manager) Submit(ctx context.Context, req Request) (Status, error) {
	id := task.NewID()
	ext := strings.TrimPrefix(strings.ToLower(req.OutputExt), ".")
	output := filepath.Join(m.cfg.WorkDir, fmt.Sprintf("%s_%s.%s", id, req.Operation, ext))

	staged := make([]string, len(req.Inputs))
	for i, src := range req.Inputs {
		staged[i] = m.stagedPath(id, i, src)
	}
	desc := job.New(req.Operation, staged, output, req.Params)
	inv, err := job.Build(desc)
	if err != nil {
		return Status{}, err
	}

	if err := m.stageAll(ctx, req.Inputs, staged); err != nil {
		m.removeArtifacts(id, staged)
		return Status{}, err
	}

	e := &entry{req: req, desc: desc, createdAt: time.Now(), done: make(chan struct{})}
	m.mu.Lock()
	m.live[id] = e
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	if m.notifier != nil && req.StatusMessage != nil {
		m.notifier.Track(id, *req.StatusMessage, Label(req.Operation), e.createdAt)
		e.tracked = true
	}

	onProgress := func(taskID string, s ffmpeg.Sample) {
		e.mu.Lock()
		e.sample = &s
		e.mu.Unlock()
		for _, o := range observers {
			o.OnProgress(taskID, s)
		}
		if e.tracked {
			m.notifier.OnProgress(taskID, s)
		}
	}
	onComplete := func(res task.Result) {
		m.complete(e, res, observers)
	}

	h, err := m.runner.Spawn(id, inv, onProgress, onComplete)
	if err != nil {
		m.mu.Lock()
		delete(m.live, id)
		m.mu.Unlock()
		close(e.done)
		if e.tracked {
			m.notifier.OnComplete(task.Result{TaskID: id, State: task.StateFailed, Err: err})
		}
		m.removeArtifacts(id, staged)
		return Status{}, err
	}
	e.mu.Lock()
	e.handle = h
	e.mu.Unlock()

	m.log.Info("job submitted", zap.String("task_id", id), zap.String("operation", string(req.Operation)), zap.Int("inputs", len(staged)))
	return m.status(id, e), nil
}

// complete runs once per task on the runner's worker, after the process
// is gone.
func (m *Manager) complete(e *entry, res task.Result, observers []Observer) {
	log := m.log.With(zap.String("task_id", res.TaskID))
	for _, o := range observers {
		o.OnComplete(res)
	}

	st := m.finalStatus(res.TaskID, e, res)
	delivered := false
	if m.deliverer != nil && e.req.ChatID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		if err := m.deliverer.Deliver(ctx, st, res); err != nil {
			log.Warn("delivery failed", zap.Error(err))
		} else {
			delivered = res.State == task.StateCompleted
		}
		cancel()
	}
	m.closeStatus(e, res, delivered)

	keep := e.req.Keep && res.State == task.StateCompleted
	artifacts := e.desc.Inputs()
	if !keep {
		artifacts = append(artifacts, e.desc.Output())
	}
	m.removeArtifacts(res.TaskID, artifacts)

	st.Output = ""
	if keep {
		st.Output = filepath.Base(e.desc.Output())
		m.results.Set(fileKey(st.Output), e.desc.Output(), cache.DefaultExpiration)
	}
	m.results.Set(res.TaskID, st, cache.DefaultExpiration)

	m.mu.Lock()
	delete(m.live, res.TaskID)
	m.mu.Unlock()
	close(e.done)
}

// Wait blocks until every live job has finished its terminal handling,
// artifact cleanup included, or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	for {
		m.mu.RLock()
		var pending *entry
		for _, e := range m.live {
			pending = e
			break
		}
		m.mu.RUnlock()
		if pending == nil {
			return nil
		}
		select {
		case <-pending.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// closeStatus finishes the status message of a tracked task. A delivered
// document replaces the message, anything else is written into it.
func (m *Manager) closeStatus(e *entry, res task.Result, delivered bool) {
	if !e.tracked {
		return
	}
	if !delivered {
		m.notifier.OnComplete(res)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.notifier.Forget(ctx, res.TaskID); err != nil {
		m.log.Debug("could not delete status message", zap.String("task_id", res.TaskID), zap.Error(err))
	}
}

// removeArtifacts deletes every path, attempting all of them even when
// some fail. Failures are logged and returned joined.
func (m *Manager) removeArtifacts(taskID string, paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		m.log.Warn("cleanup incomplete", zap.String("task_id", taskID), zap.Error(err))
	}
	return err
}

func (m *Manager) evicted(key string, value interface{}) {
	if !strings.HasPrefix(key, filePrefix) {
		return
	}
	if err := os.Remove(value.(string)); err != nil && !os.IsNotExist(err) {
		m.log.Warn("could not remove expired output", zap.String("file", value.(string)), zap.Error(err))
	}
}

// Get returns the status of a live or recently finished job.
func (m *Manager) Get(taskID string) (Status, bool) {
	m.mu.RLock()
	e, ok := m.live[taskID]
	m.mu.RUnlock()
	if ok {
		return m.status(taskID, e), true
	}
	if v, ok := m.results.Get(taskID); ok {
		return v.(Status), true
	}
	return Status{}, false
}

// List returns live jobs followed by recently finished ones, each group
// ordered by creation time.
func (m *Manager) List() []Status {
	var live, done []Status
	m.mu.RLock()
	for id, e := range m.live {
		live = append(live, m.status(id, e))
	}
	m.mu.RUnlock()
	for k, item := range m.results.Items() {
		if st, ok := item.Object.(Status); ok && !strings.HasPrefix(k, filePrefix) {
			done = append(done, st)
		}
	}
	byCreation := func(s []Status) {
		sort.Slice(s, func(i, j int) bool { return s[i].CreatedAt.Before(s[j].CreatedAt) })
	}
	byCreation(live)
	byCreation(done)
	return append(live, done...)
}

// Cancel stops a running job. It reports false, without error, for a job
// that already finished.
func (m *Manager) Cancel(taskID string) (bool, error) {
	if m.runner.Cancel(taskID) {
		return true, nil
	}
	if _, ok := m.Get(taskID); ok {
		return false, nil
	}
	return false, ErrNotFound
}

// FilePath resolves a kept output by file name.
func (m *Manager) FilePath(filename string) (string, error) {
	// Security: Prevent path traversal
	if filepath.Base(filename) != filename {
		return "", fmt.Errorf("invalid filename")
	}
	v, ok := m.results.Get(fileKey(filename))
	if !ok {
		return "", fmt.Errorf("file not found")
	}
	path := v.(string)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("file not found")
	}
	return path, nil
}

func (m *Manager) status(id string, e *entry) Status {
	e.mu.Lock()
	h, sample := e.handle, e.sample
	e.mu.Unlock()

	st := Status{
		TaskID:    id,
		Operation: e.req.Operation,
		State:     task.StateCreated,
		ChatID:    e.req.ChatID,
		CreatedAt: e.createdAt,
	}
	if sample != nil {
		s := *sample
		st.Progress = &s
		if pct, ok := s.Percent(); ok {
			st.Percent = &pct
		}
	}
	if h != nil {
		st.State = h.State()
		st.StartedAt = h.StartedAt()
		if u, err := h.Usage(); err == nil {
			st.Usage = &u
		}
	}
	return st
}

func (m *Manager) finalStatus(id string, e *entry, res task.Result) Status {
	st := m.status(id, e)
	st.State = res.State
	st.Usage = nil
	st.StartedAt = res.StartedAt
	st.FinishedAt = res.FinishedAt
	st.Error = res.Error()
	if res.State == task.StateCompleted {
		st.Output = res.Output
	}
	return st
}

func (m *Manager) liveIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	return ids
}

const filePrefix = "file:"

func fileKey(name string) string { return filePrefix + name }

var labels = map[job.Operation]string{
	job.OpMerge:            "Merging",
	job.OpChangeMetadata:   "Updating metadata",
	job.OpChangeAudioTrack: "Switching audio track",
	job.OpExtractAudio:     "Extracting audio",
	job.OpConvertFormat:    "Converting",
	job.OpSplit:            "Splitting",
	job.OpCompress:         "Compressing",
	job.OpResize:           "Resizing",
	job.OpAddSubtitles:     "Adding subtitles",
	job.OpAddWatermark:     "Adding watermark",
}

// Label is the human name of an operation used in status messages.
func Label(op job.Operation) string {
	if l, ok := labels[op]; ok {
		return l
	}
	return string(op)
}
