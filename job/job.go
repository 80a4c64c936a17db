// Package job describes requested media transformations and turns them into
// ffmpeg argument vectors.
package job

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Operation is the kind of transformation a job performs.
type Operation string

const (
	OpMerge            Operation = "merge"
	OpChangeMetadata   Operation = "change_metadata"
	OpChangeAudioTrack Operation = "change_audio_track"
	OpExtractAudio     Operation = "extract_audio"
	OpConvertFormat    Operation = "convert_format"
	OpSplit            Operation = "split"
	OpCompress         Operation = "compress"
	OpResize           Operation = "resize"
	OpAddSubtitles     Operation = "add_subtitles"
	OpAddWatermark     Operation = "add_watermark"
)

// Operations lists every supported operation in a stable order.
func Operations() []Operation {
	return []Operation{
		OpMerge, OpChangeMetadata, OpChangeAudioTrack, OpExtractAudio, OpConvertFormat,
		OpSplit, OpCompress, OpResize, OpAddSubtitles, OpAddWatermark,
	}
}

// Descriptor is an immutable description of one job. The zero value is not
// a valid job; use New.
type Descriptor struct {
	op     Operation
	inputs []string
	output string
	params map[string]string
}

// New copies its arguments into a Descriptor. It does not validate; Build does.
func New(op Operation, inputs []string, output string, params map[string]string) Descriptor {
	d := Descriptor{
		op:     op,
		inputs: append([]string(nil), inputs...),
		output: output,
		params: make(map[string]string, len(params)),
	}
	for k, v := range params {
		d.params[k] = v
	}
	return d
}

func (d Descriptor) Operation() Operation { return d.op }

func (d Descriptor) Output() string { return d.output }

// Inputs returns a copy of the ordered input locations.
func (d Descriptor) Inputs() []string {
	return append([]string(nil), d.inputs...)
}

// Param returns a single parameter value.
func (d Descriptor) Param(key string) (string, bool) {
	v, ok := d.params[key]
	return v, ok
}

// Params returns a copy of the parameter map.
func (d Descriptor) Params() map[string]string {
	out := make(map[string]string, len(d.params))
	for k, v := range d.params {
		out[k] = v
	}
	return out
}

// WithOutput returns a copy of d targeting a different output location.
func (d Descriptor) WithOutput(output string) Descriptor {
	return New(d.op, d.inputs, output, d.params)
}

// Artifacts returns every local path the job touches: inputs first, then the output.
func (d Descriptor) Artifacts() []string {
	out := d.Inputs()
	if d.output != "" {
		out = append(out, d.output)
	}
	return out
}

// Invocation is the argument vector for one ffmpeg run. The binary is chosen
// by the runner, not the builder.
type Invocation struct {
	Args   []string
	Inputs []string
	Output string

	// Duration is the expected media length in seconds when the arguments
	// fix it (split), 0 when it has to be read from ffmpeg's output.
	Duration float64
	// SumDurations is set when the output concatenates every input.
	SumDurations bool
}

// String renders the argument vector for logs, quoting arguments with spaces.
func (inv Invocation) String() string {
	parts := make([]string, len(inv.Args))
	for i, a := range inv.Args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			parts[i] = fmt.Sprintf("%q", a)
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}

// ValidationError reports a malformed descriptor. It is returned before any
// process is started.
type ValidationError struct {
	Op     Operation
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s job: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("invalid %s job: %s: %s", e.Op, e.Field, e.Reason)
}

func invalid(op Operation, field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Op: op, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ext returns the lower-case extension of path without the leading dot.
func ext(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
