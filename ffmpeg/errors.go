package ffmpeg

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAtCapacity            = errors.New("too many running tasks")
	ErrInsufficientResources = errors.New("insufficient system resources")
)

// SpawnError means the process was never started. Nothing is registered
// and no callback fires.
type SpawnError struct {
	TaskID string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("could not start task %s: %v", e.TaskID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProcessFailure is a nonzero exit. Output holds the last lines ffmpeg
// printed, which is where it explains itself.
type ProcessFailure struct {
	ExitCode int
	Output   string
	Err      error
}

func (e *ProcessFailure) Error() string {
	msg := fmt.Sprintf("ffmpeg exited with code %d", e.ExitCode)
	if last := lastLine(e.Output); last != "" {
		msg += ": " + last
	}
	return msg
}

func (e *ProcessFailure) Unwrap() error { return e.Err }

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
