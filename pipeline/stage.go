package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// stagedPath names the task's private copy of input i, keeping the source
// extension so the builder can check it.
func (m *Manager) stagedPath(taskID string, i int, src string) string {
	name := src
	if isURL(src) {
		if u, err := url.Parse(src); err == nil {
			name = path.Base(u.Path)
		}
	}
	return filepath.Join(m.cfg.WorkDir, fmt.Sprintf("%s_input%d%s", taskID, i, strings.ToLower(filepath.Ext(name))))
}

func (m *Manager) stageAll(ctx context.Context, srcs, dsts []string) error {
	for i, src := range srcs {
		if err := m.stage(ctx, src, dsts[i]); err != nil {
			return fmt.Errorf("failed to prepare input %d: %w", i, err)
		}
	}
	return nil
}

// stage downloads or copies src to dst, enforcing the input size limit.
func (m *Manager) stage(ctx context.Context, src, dst string) error {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	var in io.Reader
	if isURL(src) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("failed to download file, status: %s", resp.Status)
		}
		in = resp.Body
	} else {
		srcFile, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("could not open local input file: %w", err)
		}
		defer srcFile.Close()
		info, err := srcFile.Stat()
		if err != nil {
			return err
		}
		if m.cfg.MaxInputSize > 0 && info.Size() > m.cfg.MaxInputSize {
			return fmt.Errorf("input file size %d exceeds limit of %d bytes", info.Size(), m.cfg.MaxInputSize)
		}
		in = srcFile
	}

	if m.cfg.MaxInputSize > 0 {
		// Use a LimitedReader to enforce max input size
		limited := &io.LimitedReader{R: in, N: m.cfg.MaxInputSize + 1}
		written, err := io.Copy(out, limited)
		if err != nil {
			return fmt.Errorf("failed to write input: %w", err)
		}
		if written > m.cfg.MaxInputSize {
			return fmt.Errorf("input file size exceeds limit of %d bytes", m.cfg.MaxInputSize)
		}
	} else if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to write input: %w", err)
	}
	// Close here so the data is flushed before ffmpeg reads it
	return out.Close()
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
