package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sweep deletes files in the work directory that no live task or kept
// output owns and that are older than the result lifetime. Leftovers from
// a previous run are the usual catch.
func (m *Manager) Sweep() (int, error) {
	entries, err := os.ReadDir(m.cfg.WorkDir)
	if err != nil {
		return 0, err
	}
	live := m.liveIDs()
	cutoff := time.Now().Add(-m.cfg.ResultLifetime)

	removed := 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if owned(name, live) {
			continue
		}
		if _, kept := m.results.Get(fileKey(name)); kept {
			continue
		}
		info, err := de.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.cfg.WorkDir, name)); err != nil {
			m.log.Warnf("sweep could not remove %s: %v", name, err)
			continue
		}
		removed++
	}
	return removed, nil
}

func owned(name string, ids []string) bool {
	for _, id := range ids {
		if strings.HasPrefix(name, id+"_") {
			return true
		}
	}
	return false
}
