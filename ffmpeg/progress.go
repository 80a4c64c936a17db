package ffmpeg

import (
	"regexp"
	"strconv"
)

var (
	durationRe = regexp.MustCompile(`Duration:\s*(-?\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	timeRe     = regexp.MustCompile(`time=\s*(-?\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// Sample is one progress observation in seconds of media time.
type Sample struct {
	Current float64 `json:"current"`
	Total   float64 `json:"total,omitempty"`
}

// Known reports whether the total duration has been observed.
func (s Sample) Known() bool {
	return s.Total > 0
}

// Percent returns progress in [0, 100]. ok is false when the total is unknown.
func (s Sample) Percent() (float64, bool) {
	if !s.Known() {
		return 0, false
	}
	p := s.Current / s.Total * 100
	if p > 100 {
		p = 100
	}
	return p, true
}

// ProgressParser turns ffmpeg output lines into samples. It is not safe for
// concurrent use; each task owns one.
type ProgressParser struct {
	total  float64
	fixed  bool
	sum    bool
	last   float64
	primed bool
}

func NewProgressParser() *ProgressParser {
	return &ProgressParser{}
}

// WithTotal fixes the total duration; Duration lines are then ignored.
func (p *ProgressParser) WithTotal(seconds float64) *ProgressParser {
	if seconds > 0 {
		p.total = seconds
		p.fixed = true
	}
	return p
}

// SumDurations makes every Duration line add to the total instead of only
// the first one counting.
func (p *ProgressParser) SumDurations() *ProgressParser {
	p.sum = true
	return p
}

// Total returns the duration seen so far.
func (p *ProgressParser) Total() (float64, bool) {
	return p.total, p.total > 0
}

// Feed consumes one line. It returns a sample only for a running-time line
// that does not go backwards. Anything else is ignored.
func (p *ProgressParser) Feed(line string) (Sample, bool) {
	if m := durationRe.FindStringSubmatch(line); m != nil {
		d, ok := clock(m[1], m[2], m[3])
		if ok && !p.fixed && (p.sum || p.total == 0) {
			p.total += d
		}
		return Sample{}, false
	}

	m := timeRe.FindStringSubmatch(line)
	if m == nil {
		return Sample{}, false
	}
	cur, ok := clock(m[1], m[2], m[3])
	if !ok {
		return Sample{}, false
	}
	if p.primed && cur < p.last {
		return Sample{}, false
	}
	p.last = cur
	p.primed = true
	return Sample{Current: cur, Total: p.total}, true
}

func clock(h, m, s string) (float64, bool) {
	hours, err := strconv.Atoi(h)
	if err != nil || hours < 0 {
		return 0, false
	}
	minutes, err := strconv.Atoi(m)
	if err != nil || minutes > 59 {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil || seconds >= 60 {
		return 0, false
	}
	return float64(hours*3600+minutes*60) + seconds, true
}
