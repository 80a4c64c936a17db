package job

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	videoContainers = set("mp4", "mkv", "mov", "webm", "avi")
	audioContainers = set("mp3", "aac", "m4a", "opus", "ogg", "flac", "wav")
	mediaContainers = union(videoContainers, audioContainers)
	h264Containers  = set("mp4", "mkv", "mov", "avi") // compress always emits H.264 and AAC
	subtitleFormats = set("srt", "ass", "ssa", "vtt")
	imageFormats    = set("png", "jpg", "jpeg", "webp")

	timeRe    = regexp.MustCompile(`^(\d+:)?\d{1,2}:\d{2}(\.\d+)?$|^\d+(\.\d+)?$`)
	bitrateRe = regexp.MustCompile(`^\d+[kKmM]?$`)
	codecRe   = regexp.MustCompile(`^[a-z0-9_]+$`)
	langRe    = regexp.MustCompile(`^[a-z]{2,3}$`)
)

var presets = set("ultrafast", "superfast", "veryfast", "faster", "fast", "medium", "slow", "slower", "veryslow")

var watermarkPositions = map[string]string{
	"top_left":     "%[1]d:%[1]d",
	"top_right":    "main_w-overlay_w-%[1]d:%[1]d",
	"bottom_left":  "%[1]d:main_h-overlay_h-%[1]d",
	"bottom_right": "main_w-overlay_w-%[1]d:main_h-overlay_h-%[1]d",
	"center":       "(main_w-overlay_w)/2:(main_h-overlay_h)/2",
}

// rule is the static contract of one operation.
type rule struct {
	minInputs, maxInputs int // maxInputs < 0 means unbounded
	required, optional   []string
	outputs              map[string]bool
	secondary            map[string]bool // allowed extensions of inputs[1], if any
	args                 func(d Descriptor) ([]string, error)
}

var rules = map[Operation]rule{
	OpMerge: {
		minInputs: 2, maxInputs: -1,
		outputs: videoContainers,
		args:    mergeArgs,
	},
	OpChangeMetadata: {
		minInputs: 1, maxInputs: 1,
		required: []string{"title"},
		optional: []string{"artist", "album", "comment", "year", "language"},
		outputs:  mediaContainers,
		args:     metadataArgs,
	},
	OpChangeAudioTrack: {
		minInputs: 1, maxInputs: 2,
		required:  []string{"track"},
		outputs:   videoContainers,
		secondary: mediaContainers,
		args:      audioTrackArgs,
	},
	OpExtractAudio: {
		minInputs: 1, maxInputs: 1,
		optional: []string{"bitrate", "track"},
		outputs:  audioContainers,
		args:     extractAudioArgs,
	},
	OpConvertFormat: {
		minInputs: 1, maxInputs: 1,
		optional: []string{"video_codec", "audio_codec", "extra_args"},
		outputs:  mediaContainers,
		args:     convertArgs,
	},
	OpSplit: {
		minInputs: 1, maxInputs: 1,
		required: []string{"start", "duration"},
		outputs:  mediaContainers,
		args:     splitArgs,
	},
	OpCompress: {
		minInputs: 1, maxInputs: 1,
		required: []string{"crf"},
		optional: []string{"preset", "audio_bitrate"},
		outputs:  h264Containers,
		args:     compressArgs,
	},
	OpResize: {
		minInputs: 1, maxInputs: 1,
		required: []string{"width", "height"},
		outputs:  videoContainers,
		args:     resizeArgs,
	},
	OpAddSubtitles: {
		minInputs: 2, maxInputs: 2,
		optional:  []string{"language"},
		outputs:   set("mp4", "mkv", "mov", "webm"),
		secondary: subtitleFormats,
		args:      subtitleArgs,
	},
	OpAddWatermark: {
		minInputs: 2, maxInputs: 2,
		optional:  []string{"position", "margin"},
		outputs:   videoContainers,
		secondary: imageFormats,
		args:      watermarkArgs,
	},
}

// Build maps a descriptor to the ffmpeg arguments that perform it. It is pure:
// the same descriptor always yields the same arguments.
func Build(d Descriptor) (Invocation, error) {
	r, err := validate(d)
	if err != nil {
		return Invocation{}, err
	}
	opArgs, err := r.args(d)
	if err != nil {
		return Invocation{}, err
	}

	args := []string{"-hide_banner", "-nostdin", "-y"}
	args = append(args, opArgs...)
	args = append(args, d.output)

	inv := Invocation{Args: args, Inputs: d.Inputs(), Output: d.output}
	switch d.op {
	case OpMerge:
		inv.SumDurations = true
	case OpSplit:
		inv.Duration = seconds(d.params["duration"])
	}
	return inv, nil
}

func validate(d Descriptor) (rule, error) {
	op := d.op
	r, ok := rules[op]
	if !ok {
		return rule{}, &ValidationError{Op: op, Field: "operation", Reason: "unsupported operation"}
	}

	n := len(d.inputs)
	if n < r.minInputs || (r.maxInputs >= 0 && n > r.maxInputs) {
		return rule{}, invalid(op, "inputs", "got %d, want %s", n, inputCount(r))
	}
	for i, in := range d.inputs {
		if strings.TrimSpace(in) == "" {
			return rule{}, invalid(op, "inputs", "input %d is empty", i)
		}
		if in == d.output {
			return rule{}, invalid(op, "output", "output overwrites input %d", i)
		}
	}
	if n > 1 && r.secondary != nil && !r.secondary[ext(d.inputs[1])] {
		return rule{}, invalid(op, "inputs", "unsupported secondary file type %q", ext(d.inputs[1]))
	}

	if d.output == "" {
		return rule{}, invalid(op, "output", "missing")
	}
	if !r.outputs[ext(d.output)] {
		return rule{}, invalid(op, "output", "extension %q not allowed, want one of %s", ext(d.output), keys(r.outputs))
	}

	known := make(map[string]bool, len(r.required)+len(r.optional))
	for _, k := range r.required {
		if strings.TrimSpace(d.params[k]) == "" {
			return rule{}, invalid(op, k, "required parameter missing")
		}
		known[k] = true
	}
	for _, k := range r.optional {
		known[k] = true
	}
	for _, k := range sortedKeys(d.params) {
		if !known[k] {
			return rule{}, invalid(op, k, "unrecognized parameter")
		}
	}
	return r, nil
}

func mergeArgs(d Descriptor) ([]string, error) {
	var args []string
	var graph strings.Builder
	for i, in := range d.inputs {
		args = append(args, "-i", in)
		fmt.Fprintf(&graph, "[%d:v:0][%d:a:0]", i, i)
	}
	fmt.Fprintf(&graph, "concat=n=%d:v=1:a=1[v][a]", len(d.inputs))
	return append(args, "-filter_complex", graph.String(), "-map", "[v]", "-map", "[a]"), nil
}

func metadataArgs(d Descriptor) ([]string, error) {
	args := []string{"-i", d.inputs[0], "-map", "0", "-c", "copy"}
	for _, k := range sortedKeys(d.params) {
		key := k
		if k == "year" {
			key = "date"
		}
		args = append(args, "-metadata", key+"="+d.params[k])
	}
	return args, nil
}

func audioTrackArgs(d Descriptor) ([]string, error) {
	track, err := nonNegative(d, "track")
	if err != nil {
		return nil, err
	}
	if len(d.inputs) == 1 {
		return []string{
			"-i", d.inputs[0],
			"-map", "0:v?", "-map", fmt.Sprintf("0:a:%d", track),
			"-c", "copy",
		}, nil
	}
	return []string{
		"-i", d.inputs[0], "-i", d.inputs[1],
		"-map", "0:v", "-map", fmt.Sprintf("1:a:%d", track),
		"-c:v", "copy", "-shortest",
	}, nil
}

func extractAudioArgs(d Descriptor) ([]string, error) {
	track := 0
	if _, ok := d.params["track"]; ok {
		var err error
		if track, err = nonNegative(d, "track"); err != nil {
			return nil, err
		}
	}
	args := []string{"-i", d.inputs[0], "-vn", "-map", fmt.Sprintf("0:a:%d", track)}
	if br, ok := d.params["bitrate"]; ok {
		if !bitrateRe.MatchString(br) {
			return nil, invalid(d.op, "bitrate", "malformed bitrate %q", br)
		}
		args = append(args, "-b:a", br)
	}
	return args, nil
}

func convertArgs(d Descriptor) ([]string, error) {
	args := []string{"-i", d.inputs[0]}
	for _, p := range []struct{ key, flag string }{{"video_codec", "-c:v"}, {"audio_codec", "-c:a"}} {
		v, ok := d.params[p.key]
		if !ok {
			continue
		}
		if !codecRe.MatchString(v) {
			return nil, invalid(d.op, p.key, "malformed codec name %q", v)
		}
		args = append(args, p.flag, v)
	}
	if extra, ok := d.params["extra_args"]; ok {
		split, err := SplitArgs(extra)
		if err != nil {
			return nil, invalid(d.op, "extra_args", "%v", err)
		}
		if err := SanitizeArgs(split); err != nil {
			return nil, invalid(d.op, "extra_args", "%v", err)
		}
		args = append(args, split...)
	}
	return args, nil
}

func splitArgs(d Descriptor) ([]string, error) {
	start, duration := d.params["start"], d.params["duration"]
	if !timeRe.MatchString(start) {
		return nil, invalid(d.op, "start", "malformed time %q", start)
	}
	if !timeRe.MatchString(duration) {
		return nil, invalid(d.op, "duration", "malformed time %q", duration)
	}
	return []string{"-ss", start, "-i", d.inputs[0], "-t", duration, "-c", "copy", "-avoid_negative_ts", "make_zero"}, nil
}

func compressArgs(d Descriptor) ([]string, error) {
	crf, err := strconv.Atoi(d.params["crf"])
	if err != nil || crf < 0 || crf > 51 {
		return nil, invalid(d.op, "crf", "want an integer between 0 and 51, got %q", d.params["crf"])
	}
	preset := "medium"
	if p, ok := d.params["preset"]; ok {
		if !presets[p] {
			return nil, invalid(d.op, "preset", "unknown preset %q", p)
		}
		preset = p
	}
	audio := "128k"
	if br, ok := d.params["audio_bitrate"]; ok {
		if !bitrateRe.MatchString(br) {
			return nil, invalid(d.op, "audio_bitrate", "malformed bitrate %q", br)
		}
		audio = br
	}
	return []string{
		"-i", d.inputs[0],
		"-c:v", "libx264", "-crf", strconv.Itoa(crf), "-preset", preset,
		"-c:a", "aac", "-b:a", audio,
	}, nil
}

func resizeArgs(d Descriptor) ([]string, error) {
	w, err := dimension(d, "width")
	if err != nil {
		return nil, err
	}
	h, err := dimension(d, "height")
	if err != nil {
		return nil, err
	}
	if w < 0 && h < 0 {
		return nil, invalid(d.op, "height", "width and height cannot both be automatic")
	}
	return []string{"-i", d.inputs[0], "-vf", fmt.Sprintf("scale=%d:%d", w, h), "-c:a", "copy"}, nil
}

func subtitleArgs(d Descriptor) ([]string, error) {
	codec := "copy"
	switch ext(d.output) {
	case "mp4", "mov":
		codec = "mov_text"
	case "webm":
		codec = "webvtt"
	}
	args := []string{
		"-i", d.inputs[0], "-i", d.inputs[1],
		"-map", "0", "-map", "1:0",
		"-c", "copy", "-c:s", codec,
	}
	if lang, ok := d.params["language"]; ok {
		if !langRe.MatchString(lang) {
			return nil, invalid(d.op, "language", "want an ISO 639 code, got %q", lang)
		}
		args = append(args, "-metadata:s:s:0", "language="+lang)
	}
	return args, nil
}

func watermarkArgs(d Descriptor) ([]string, error) {
	position := "bottom_right"
	if p, ok := d.params["position"]; ok {
		position = p
	}
	layout, ok := watermarkPositions[position]
	if !ok {
		return nil, invalid(d.op, "position", "unknown position %q", position)
	}
	margin := 10
	if _, ok := d.params["margin"]; ok {
		var err error
		if margin, err = nonNegative(d, "margin"); err != nil {
			return nil, err
		}
	}
	overlay := layout
	if strings.Contains(layout, "%") {
		overlay = fmt.Sprintf(layout, margin)
	}
	return []string{
		"-i", d.inputs[0], "-i", d.inputs[1],
		"-filter_complex", "[0:v][1:v]overlay=" + overlay,
		"-c:a", "copy",
	}, nil
}

// seconds converts a time accepted by timeRe into seconds.
func seconds(v string) float64 {
	var total float64
	for _, part := range strings.Split(v, ":") {
		n, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return total
}

func nonNegative(d Descriptor, key string) (int, error) {
	n, err := strconv.Atoi(d.params[key])
	if err != nil || n < 0 {
		return 0, invalid(d.op, key, "want a non-negative integer, got %q", d.params[key])
	}
	return n, nil
}

// dimension accepts a positive size or -1/-2 (keep aspect ratio).
func dimension(d Descriptor, key string) (int, error) {
	n, err := strconv.Atoi(d.params[key])
	if err != nil || n == 0 || n < -2 {
		return 0, invalid(d.op, key, "want a positive integer, -1 or -2, got %q", d.params[key])
	}
	return n, nil
}

func inputCount(r rule) string {
	switch {
	case r.maxInputs < 0:
		return fmt.Sprintf("at least %d", r.minInputs)
	case r.minInputs == r.maxInputs:
		return strconv.Itoa(r.minInputs)
	default:
		return fmt.Sprintf("%d to %d", r.minInputs, r.maxInputs)
	}
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

func union(a, b map[string]bool) map[string]bool {
	m := make(map[string]bool, len(a)+len(b))
	for k := range a {
		m[k] = true
	}
	for k := range b {
		m[k] = true
	}
	return m
}

func keys(m map[string]bool) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
