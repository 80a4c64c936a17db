package ffmpeg

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"ffbot/config"
	"ffbot/job"
	"ffbot/logger"
	"ffbot/task"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The runner is exercised with sh standing in for ffmpeg, printing
// ffmpeg-shaped output to stderr.
func newTestRunner(t *testing.T, interval time.Duration) *Runner {
	t.Helper()
	cfg := &config.Config{
		FFBin:            "sh",
		WorkDir:          t.TempDir(),
		ProgressInterval: interval,
		CancelGrace:      time.Second,
		OutputTailLines:  5,
	}
	r, err := NewRunner(cfg, task.NewRegistry(), logger.Nop())
	require.NoError(t, err)
	return r
}

func script(s string) job.Invocation {
	return job.Invocation{Args: []string{"-c", s}, Output: "out.mp4"}
}

type recorder struct {
	mu      sync.Mutex
	samples []Sample
	results []task.Result
	events  []string
	done    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (rec *recorder) progress(_ string, s Sample) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.samples = append(rec.samples, s)
	rec.events = append(rec.events, "progress")
}

func (rec *recorder) complete(res task.Result) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.results = append(rec.results, res)
	rec.events = append(rec.events, "complete")
	if len(rec.results) == 1 {
		close(rec.done)
	}
}

func (rec *recorder) wait(t *testing.T) task.Result {
	t.Helper()
	select {
	case <-rec.done:
	case <-time.After(10 * time.Second):
		t.Fatal("task did not complete")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.results[0]
}

func (rec *recorder) snapshot() ([]Sample, []task.Result, []string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]Sample(nil), rec.samples...), append([]task.Result(nil), rec.results...), append([]string(nil), rec.events...)
}

const burst = `echo "  Duration: 00:01:40.00, start: 0.000000, bitrate: 1 kb/s" >&2
i=1
while [ $i -le 100 ]; do
  printf 'frame=%d fps=0.0 time=00:%02d:%02d.00 bitrate=N/A\r' $i $((i/60)) $((i%60)) >&2
  i=$((i+1))
done`

func TestRunner_RateLimitKeepsLatest(t *testing.T) {
	interval := 2 * time.Second
	r := newTestRunner(t, interval)
	rec := newRecorder()

	start := time.Now()
	_, err := r.Spawn("burst", script(burst), rec.progress, rec.complete)
	require.NoError(t, err)
	res := rec.wait(t)
	window := time.Since(start)

	assert.Equal(t, task.StateCompleted, res.State)
	samples, _, events := rec.snapshot()
	limit := int(math.Ceil(float64(window) / float64(interval)))
	require.NotEmpty(t, samples)
	assert.LessOrEqual(t, len(samples), limit)

	last := samples[len(samples)-1]
	assert.Equal(t, 100.0, last.Current)
	assert.Equal(t, 100.0, last.Total)
	assert.Equal(t, "complete", events[len(events)-1])
}

func TestRunner_ProgressIsMonotonic(t *testing.T) {
	r := newTestRunner(t, 0)
	rec := newRecorder()

	_, err := r.Spawn("mono", script(`
echo "Duration: 00:00:40.00" >&2
echo "time=00:00:05.00" >&2
echo "frame=1 fps=30" >&2
echo "time=00:00:10.00" >&2
echo "time=00:00:03.00" >&2
echo "time=00:00:20.00" >&2`), rec.progress, rec.complete)
	require.NoError(t, err)
	rec.wait(t)

	samples, _, _ := rec.snapshot()
	var got []float64
	for _, s := range samples {
		got = append(got, s.Current)
	}
	assert.Equal(t, []float64{5, 10, 20}, got)
	pct, ok := samples[2].Percent()
	assert.True(t, ok)
	assert.Equal(t, 50.0, pct)
}

func TestRunner_Completed(t *testing.T) {
	r := newTestRunner(t, time.Second)
	rec := newRecorder()

	h, err := r.Spawn("", script("exit 0"), nil, rec.complete)
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)

	res := rec.wait(t)
	assert.Equal(t, h.ID, res.TaskID)
	assert.Equal(t, task.StateCompleted, res.State)
	assert.Equal(t, "out.mp4", res.Output)
	assert.NoError(t, res.Err)

	<-h.Done()
	stored, ok := h.Result()
	require.True(t, ok)
	assert.Equal(t, task.StateCompleted, stored.State)
	_, live := r.Registry().Get(h.ID)
	assert.False(t, live)
	assert.False(t, r.Cancel(h.ID), "cancel after completion is a no-op")
}

func TestRunner_FailureCarriesOutputTail(t *testing.T) {
	r := newTestRunner(t, time.Second)
	rec := newRecorder()

	_, err := r.Spawn("fail", script(`echo "in.mp4: No such file or directory" >&2; exit 3`), nil, rec.complete)
	require.NoError(t, err)
	res := rec.wait(t)

	assert.Equal(t, task.StateFailed, res.State)
	assert.Empty(t, res.Output)
	var pf *ProcessFailure
	require.True(t, errors.As(res.Err, &pf))
	assert.Equal(t, 3, pf.ExitCode)
	assert.Contains(t, pf.Output, "No such file or directory")
	assert.Contains(t, pf.Error(), "code 3")
	assert.Equal(t, 0, r.Registry().Len())
}

func TestRunner_CancelStopsProcess(t *testing.T) {
	r := newTestRunner(t, time.Second)
	rec := newRecorder()

	h, err := r.Spawn("cancel-me", script(`echo "Duration: 00:10:00.00" >&2; exec sleep 30`), rec.progress, rec.complete)
	require.NoError(t, err)
	pid := h.Pid()
	require.NotZero(t, pid)
	assert.Equal(t, task.StateRunning, h.State())

	assert.True(t, r.Cancel("cancel-me"))
	assert.False(t, r.Cancel("cancel-me"))

	res := rec.wait(t)
	assert.Equal(t, task.StateCancelled, res.State)
	assert.NoError(t, res.Err)

	exists, err := process.PidExists(int32(pid))
	require.NoError(t, err)
	assert.False(t, exists)

	time.Sleep(100 * time.Millisecond)
	_, results, events := rec.snapshot()
	assert.Len(t, results, 1)
	assert.Equal(t, "complete", events[len(events)-1])
	assert.Equal(t, 0, r.Registry().Len())
}

func TestRunner_CancelKillsAfterGrace(t *testing.T) {
	r := newTestRunner(t, time.Second)
	r.cfg.CancelGrace = 500 * time.Millisecond
	rec := newRecorder()

	h, err := r.Spawn("stubborn", script(`trap '' INT; echo ready >&2; while :; do sleep 0.1; done`), nil, rec.complete)
	require.NoError(t, err)
	pid := h.Pid()
	time.Sleep(200 * time.Millisecond) // let the trap install

	start := time.Now()
	require.True(t, r.Cancel("stubborn"))
	res := rec.wait(t)
	took := time.Since(start)

	assert.Equal(t, task.StateCancelled, res.State)
	assert.GreaterOrEqual(t, took, r.cfg.CancelGrace, "interrupt alone must not stop it")
	assert.Less(t, took, 5*time.Second)

	exists, err := process.PidExists(int32(pid))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRunner_CancelUnknown(t *testing.T) {
	r := newTestRunner(t, time.Second)
	assert.False(t, r.Cancel("nothing-here"))
}

func TestRunner_DuplicateID(t *testing.T) {
	r := newTestRunner(t, time.Second)
	rec := newRecorder()

	_, err := r.Spawn("dup", script("exec sleep 30"), nil, rec.complete)
	require.NoError(t, err)
	defer func() {
		r.Cancel("dup")
		rec.wait(t)
	}()

	_, err = r.Spawn("dup", script("exit 0"), nil, nil)
	var se *SpawnError
	require.True(t, errors.As(err, &se))
	assert.ErrorIs(t, err, task.ErrTaskExists)
}

func TestRunner_MaxConcurrency(t *testing.T) {
	r := newTestRunner(t, time.Second)
	r.cfg.MaxConcurrency = 1
	rec := newRecorder()

	_, err := r.Spawn("first", script("exec sleep 30"), nil, rec.complete)
	require.NoError(t, err)
	defer func() {
		r.Cancel("first")
		rec.wait(t)
	}()

	_, err = r.Spawn("second", script("exit 0"), nil, nil)
	assert.ErrorIs(t, err, ErrAtCapacity)
}

func TestRunner_CancelledTaskHoldsSlotUntilReaped(t *testing.T) {
	r := newTestRunner(t, time.Second)
	r.cfg.MaxConcurrency = 1
	r.cfg.CancelGrace = 500 * time.Millisecond
	rec := newRecorder()

	_, err := r.Spawn("slow-exit", script(`trap '' INT; while :; do sleep 0.1; done`), nil, rec.complete)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	require.True(t, r.Cancel("slow-exit"))
	assert.Equal(t, 0, r.Registry().Len())

	_, err = r.Spawn("next", script("exit 0"), nil, nil)
	assert.ErrorIs(t, err, ErrAtCapacity, "the cancelled process is still alive")

	rec.wait(t)
	next := newRecorder()
	_, err = r.Spawn("next", script("exit 0"), nil, next.complete)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, next.wait(t).State)
}

func TestRunner_SpawnError(t *testing.T) {
	r := newTestRunner(t, time.Second)
	r.cfg.FFBin = "/nonexistent/ffmpeg"

	h, err := r.Spawn("missing", script("exit 0"), nil, func(task.Result) {
		t.Error("no callback expected for a task that never started")
	})
	assert.Nil(t, h)
	var se *SpawnError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "missing", se.TaskID)
	assert.Equal(t, 0, r.Registry().Len())
}

func TestNewRunner_MissingBinary(t *testing.T) {
	_, err := NewRunner(&config.Config{FFBin: "definitely-not-ffmpeg-xyz", WorkDir: t.TempDir()}, nil, nil)
	assert.Error(t, err)
}

func TestThrottle(t *testing.T) {
	start := time.Unix(0, 0)
	th := newThrottle(time.Second, start)

	assert.False(t, th.offer(Sample{Current: 1}, start.Add(100*time.Millisecond)))
	assert.False(t, th.offer(Sample{Current: 2}, start.Add(500*time.Millisecond)))
	assert.True(t, th.offer(Sample{Current: 3}, start.Add(time.Second)))
	_, held := th.flush()
	assert.False(t, held)

	assert.False(t, th.offer(Sample{Current: 4}, start.Add(1500*time.Millisecond)))
	s, held := th.flush()
	assert.True(t, held)
	assert.Equal(t, 4.0, s.Current)
}
