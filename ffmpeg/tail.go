package ffmpeg

import (
	"container/ring"
	"strings"
)

// tail keeps the last n non-empty output lines for failure reports.
type tail struct {
	r *ring.Ring
}

func newTail(n int) *tail {
	if n <= 0 {
		n = 1
	}
	return &tail{r: ring.New(n)}
}

func (t *tail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.r.Value = line
	t.r = t.r.Next()
}

func (t *tail) String() string {
	var lines []string
	t.r.Do(func(v any) {
		if v != nil {
			lines = append(lines, v.(string))
		}
	})
	return strings.Join(lines, "\n")
}
