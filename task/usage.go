package task

import (
	"errors"

	"github.com/shirou/gopsutil/v3/process"
)

var ErrNotRunning = errors.New("task is not running")

// Usage is a point-in-time view of the process behind a running task.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSS        uint64  `json:"rss"`
}

// Usage samples CPU and resident memory of the task's process.
func (h *Handle) Usage() (Usage, error) {
	pid := h.Pid()
	if pid == 0 || h.State() != StateRunning {
		return Usage{}, ErrNotRunning
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, err
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return Usage{}, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, err
	}
	return Usage{CPUPercent: cpu, RSS: mem.RSS}, nil
}
