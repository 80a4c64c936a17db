package ffmpeg

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// checkResources verifies that the host has enough headroom to start a new
// task. Thresholds of zero are not checked.
func (r *Runner) checkResources() error {
	// CPU. Percent(0) compares against the previous call and never sleeps.
	if r.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(0, false)
		if err != nil {
			r.log.Warnf("could not get CPU usage: %v", err)
		} else if len(p) > 0 && p[0] > (100.0-r.cfg.ThrottleCPU) {
			return fmt.Errorf("%w: not enough idle CPU, usage %.2f%%, idle threshold %.2f%%",
				ErrInsufficientResources, p[0], r.cfg.ThrottleCPU)
		}
	}

	// Memory
	if r.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			r.log.Warnf("could not get memory usage: %v", err)
		} else if vm.Available < uint64(r.cfg.ThrottleFreeMem) {
			return fmt.Errorf("%w: not enough free memory, available %d, required %d",
				ErrInsufficientResources, vm.Available, r.cfg.ThrottleFreeMem)
		}
	}

	// Disk
	if r.cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(r.cfg.WorkDir)
		if err != nil {
			r.log.Warnf("could not get disk usage for %s: %v", r.cfg.WorkDir, err)
		} else if d.Free < uint64(r.cfg.ThrottleFreeDisk) {
			return fmt.Errorf("%w: not enough free disk space, available %d, required %d",
				ErrInsufficientResources, d.Free, r.cfg.ThrottleFreeDisk)
		}
	}
	return nil
}
