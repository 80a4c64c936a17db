package job

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitArgs splits a user supplied option string into arguments without
// involving a shell.
func SplitArgs(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	return args, nil
}

// Options that read or write files other than the job's own artifacts, or
// that change how ffmpeg treats its inputs.
var blockedOptions = map[string]bool{
	"-i":                     true,
	"-y":                     true,
	"-n":                     true,
	"-f":                     true,
	"-filter_script":         true,
	"-filter_complex":        true,
	"-lavfi":                 true,
	"-attach":                true,
	"-dump_attachment":       true,
	"-progress":              true,
	"-report":                true,
	"-vstats_file":           true,
	"-passlogfile":           true,
	"-filter_complex_script": true,
}

// allowedOptions lists the extra options a job may carry and whether each
// one consumes the next argument as its value.
var allowedOptions = map[string]bool{
	"-c": true, "-codec": true, "-vcodec": true, "-acodec": true, "-scodec": true,
	"-b": true, "-maxrate": true, "-minrate": true, "-bufsize": true,
	"-crf": true, "-qp": true, "-q": true, "-qscale": true,
	"-preset": true, "-tune": true, "-profile": true, "-level": true,
	"-deadline": true, "-cpu-used": true, "-row-mt": true, "-threads": true,
	"-x264-params": true, "-x265-params": true,
	"-pix_fmt": true, "-r": true, "-s": true, "-aspect": true, "-g": true, "-bf": true,
	"-vf": true, "-af": true, "-filter": true,
	"-ar": true, "-ac": true, "-sample_fmt": true,
	"-ss": true, "-t": true, "-to": true, "-frames": true, "-vframes": true, "-aframes": true,
	"-map": true, "-map_metadata": true, "-map_chapters": true,
	"-metadata": true, "-disposition": true, "-tag": true,
	"-movflags": true, "-fps_mode": true, "-vsync": true, "-strict": true,
	"-an": false, "-vn": false, "-sn": false, "-dn": false, "-shortest": false,
}

// optionName strips a stream specifier, so -c:v and -b:a:0 resolve to
// -c and -b.
func optionName(arg string) string {
	name := strings.ToLower(arg)
	if i := strings.IndexByte(name, ':'); i > 0 {
		name = name[:i]
	}
	return name
}

func checkChars(arg string) error {
	if strings.ContainsAny(arg, "|&;`$()<>") {
		return fmt.Errorf("disallowed character found in argument: %s", arg)
	}
	return nil
}

// SanitizeArgs rejects extra options that could touch files outside the job.
// Every argument must be a known option or the value of the option before
// it; anything else would be taken by ffmpeg as another output file.
func SanitizeArgs(args []string) error {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if err := checkChars(arg); err != nil {
			return err
		}
		if !strings.HasPrefix(arg, "-") || len(arg) == 1 {
			return fmt.Errorf("unexpected positional argument: %s", arg)
		}
		name := optionName(arg)
		if blockedOptions[name] {
			return fmt.Errorf("option not allowed: %s", arg)
		}
		takesValue, known := allowedOptions[name]
		if !known {
			return fmt.Errorf("unsupported option: %s", arg)
		}
		if !takesValue {
			continue
		}
		i++
		if i == len(args) {
			return fmt.Errorf("missing value for option: %s", arg)
		}
		value := args[i]
		if err := checkChars(value); err != nil {
			return err
		}
		if strings.ContainsAny(value, "/\\") {
			return fmt.Errorf("paths are not allowed in arguments: %s", value)
		}
	}
	return nil
}
