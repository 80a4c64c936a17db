package job

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
		want []string
	}{
		{
			name: "merge",
			desc: New(OpMerge, []string{"a.mp4", "b.mp4", "c.mp4"}, "out.mkv", nil),
			want: []string{"-hide_banner", "-nostdin", "-y",
				"-i", "a.mp4", "-i", "b.mp4", "-i", "c.mp4",
				"-filter_complex", "[0:v:0][0:a:0][1:v:0][1:a:0][2:v:0][2:a:0]concat=n=3:v=1:a=1[v][a]",
				"-map", "[v]", "-map", "[a]", "out.mkv"},
		},
		{
			name: "change metadata with sorted keys",
			desc: New(OpChangeMetadata, []string{"in.mkv"}, "out.mkv", map[string]string{"title": "My Title", "artist": "Me", "year": "2024"}),
			want: []string{"-hide_banner", "-nostdin", "-y",
				"-i", "in.mkv", "-map", "0", "-c", "copy",
				"-metadata", "artist=Me", "-metadata", "title=My Title", "-metadata", "date=2024", "out.mkv"},
		},
		{
			name: "change audio track in place",
			desc: New(OpChangeAudioTrack, []string{"in.mkv"}, "out.mkv", map[string]string{"track": "2"}),
			want: []string{"-hide_banner", "-nostdin", "-y",
				"-i", "in.mkv", "-map", "0:v?", "-map", "0:a:2", "-c", "copy", "out.mkv"},
		},
		{
			name: "replace audio from second file",
			desc: New(OpChangeAudioTrack, []string{"in.mp4", "dub.m4a"}, "out.mp4", map[string]string{"track": "0"}),
			want: []string{"-hide_banner", "-nostdin", "-y",
				"-i", "in.mp4", "-i", "dub.m4a", "-map", "0:v", "-map", "1:a:0", "-c:v", "copy", "-shortest", "out.mp4"},
		},
		{
			name: "extract audio",
			desc: New(OpExtractAudio, []string{"in.mp4"}, "out.mp3", map[string]string{"bitrate": "192k"}),
			want: []string{"-hide_banner", "-nostdin", "-y",
				"-i", "in.mp4", "-vn", "-map", "0:a:0", "-b:a", "192k", "out.mp3"},
		},
		{
			name: "convert with extra args",
			desc: New(OpConvertFormat, []string{"in.avi"}, "out.webm", map[string]string{"video_codec": "libvpx_vp9", "extra_args": `-b:v 1M -deadline "good"`}),
			want: []string{"-hide_banner", "-nostdin", "-y",
				"-i", "in.avi", "-c:v", "libvpx_vp9", "-b:v", "1M", "-deadline", "good", "out.webm"},
		},
		{
			name: "split",
			desc: New(OpSplit, []string{"in.mp4"}, "part.mp4", map[string]string{"start": "00:01:00", "duration": "30.5"}),
			want: []string{"-hide_banner", "-nostdin", "-y",
				"-ss", "00:01:00", "-i", "in.mp4", "-t", "30.5", "-c", "copy", "-avoid_negative_ts", "make_zero", "part.mp4"},
		},
		{
			name: "compress defaults",
			desc: New(OpCompress, []string{"in.mov"}, "out.mp4", map[string]string{"crf": "28"}),
			want: []string{"-hide_banner", "-nostdin", "-y",
				"-i", "in.mov", "-c:v", "libx264", "-crf", "28", "-preset", "medium", "-c:a", "aac", "-b:a", "128k", "out.mp4"},
		},
		{
			name: "resize keeping aspect",
			desc: New(OpResize, []string{"in.mp4"}, "out.mp4", map[string]string{"width": "1280", "height": "-2"}),
			want: []string{"-hide_banner", "-nostdin", "-y",
				"-i", "in.mp4", "-vf", "scale=1280:-2", "-c:a", "copy", "out.mp4"},
		},
		{
			name: "soft subtitles into mp4",
			desc: New(OpAddSubtitles, []string{"in.mp4", "subs.srt"}, "out.mp4", map[string]string{"language": "eng"}),
			want: []string{"-hide_banner", "-nostdin", "-y",
				"-i", "in.mp4", "-i", "subs.srt", "-map", "0", "-map", "1:0", "-c", "copy", "-c:s", "mov_text",
				"-metadata:s:s:0", "language=eng", "out.mp4"},
		},
		{
			name: "watermark top left",
			desc: New(OpAddWatermark, []string{"in.mp4", "logo.png"}, "out.mp4", map[string]string{"position": "top_left", "margin": "5"}),
			want: []string{"-hide_banner", "-nostdin", "-y",
				"-i", "in.mp4", "-i", "logo.png", "-filter_complex", "[0:v][1:v]overlay=5:5", "-c:a", "copy", "out.mp4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := Build(tt.desc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, inv.Args)
			assert.Equal(t, tt.desc.Output(), inv.Output)
			assert.Equal(t, tt.desc.Inputs(), inv.Inputs)
		})
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	params := map[string]string{"title": "t", "artist": "a", "album": "b", "comment": "c", "year": "1999", "language": "en"}
	d := New(OpChangeMetadata, []string{"in.mp4"}, "out.mp4", params)

	first, err := Build(d)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Build(d)
		require.NoError(t, err)
		assert.Equal(t, first.Args, again.Args)
	}
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name  string
		desc  Descriptor
		field string
	}{
		{"unknown operation", New("explode", []string{"a.mp4"}, "b.mp4", nil), "operation"},
		{"merge needs two inputs", New(OpMerge, []string{"a.mp4"}, "out.mp4", nil), "inputs"},
		{"resize takes one input", New(OpResize, []string{"a.mp4", "b.mp4"}, "out.mp4", map[string]string{"width": "1", "height": "1"}), "inputs"},
		{"empty input", New(OpCompress, []string{" "}, "out.mp4", map[string]string{"crf": "20"}), "inputs"},
		{"missing required param", New(OpResize, []string{"a.mp4"}, "out.mp4", map[string]string{"width": "640"}), "height"},
		{"missing title", New(OpChangeMetadata, []string{"a.mp4"}, "out.mp4", map[string]string{"artist": "x"}), "title"},
		{"unknown param", New(OpCompress, []string{"a.mp4"}, "out.mp4", map[string]string{"crf": "20", "speed": "fast"}), "speed"},
		{"extract audio into video container", New(OpExtractAudio, []string{"a.mp4"}, "out.mkv", nil), "output"},
		{"missing output", New(OpCompress, []string{"a.mp4"}, "", map[string]string{"crf": "20"}), "output"},
		{"output overwrites input", New(OpCompress, []string{"a.mp4"}, "a.mp4", map[string]string{"crf": "20"}), "output"},
		{"crf out of range", New(OpCompress, []string{"a.mp4"}, "out.mp4", map[string]string{"crf": "99"}), "crf"},
		{"bad preset", New(OpCompress, []string{"a.mp4"}, "out.mp4", map[string]string{"crf": "20", "preset": "ludicrous"}), "preset"},
		{"both dimensions automatic", New(OpResize, []string{"a.mp4"}, "out.mp4", map[string]string{"width": "-1", "height": "-2"}), "height"},
		{"zero width", New(OpResize, []string{"a.mp4"}, "out.mp4", map[string]string{"width": "0", "height": "100"}), "width"},
		{"bad split time", New(OpSplit, []string{"a.mp4"}, "out.mp4", map[string]string{"start": "1m", "duration": "10"}), "start"},
		{"negative track", New(OpChangeAudioTrack, []string{"a.mkv"}, "out.mkv", map[string]string{"track": "-1"}), "track"},
		{"subtitle file type", New(OpAddSubtitles, []string{"a.mp4", "subs.txt"}, "out.mp4", nil), "inputs"},
		{"subtitles into avi", New(OpAddSubtitles, []string{"a.mp4", "subs.srt"}, "out.avi", nil), "output"},
		{"watermark needs image", New(OpAddWatermark, []string{"a.mp4", "b.mp4"}, "out.mp4", nil), "inputs"},
		{"watermark position", New(OpAddWatermark, []string{"a.mp4", "logo.png"}, "out.mp4", map[string]string{"position": "middle"}), "position"},
		{"bad codec", New(OpConvertFormat, []string{"a.mp4"}, "out.mkv", map[string]string{"audio_codec": "aac; rm"}), "audio_codec"},
		{"extra args with output flag", New(OpConvertFormat, []string{"a.mp4"}, "out.mkv", map[string]string{"extra_args": "-i /etc/passwd"}), "extra_args"},
		{"extra args output after a flag", New(OpConvertFormat, []string{"a.mp4"}, "out.mkv", map[string]string{"extra_args": "-an side.mp4"}), "extra_args"},
		{"extra args blocked with specifier", New(OpConvertFormat, []string{"a.mp4"}, "out.mkv", map[string]string{"extra_args": "-dump_attachment:t leak.bin"}), "extra_args"},
		{"extra args filter script with specifier", New(OpConvertFormat, []string{"a.mp4"}, "out.mkv", map[string]string{"extra_args": "-filter_script:v secret.txt"}), "extra_args"},
		{"compress into webm", New(OpCompress, []string{"a.mp4"}, "out.webm", map[string]string{"crf": "20"}), "output"},
		{"extra args with stray value", New(OpConvertFormat, []string{"a.mp4"}, "out.mkv", map[string]string{"extra_args": "-c:v copy other.mkv"}), "extra_args"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.desc)
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "want *ValidationError, got %T", err)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, tt.desc.Operation(), verr.Op)
		})
	}
}

func TestDescriptorIsImmutable(t *testing.T) {
	inputs := []string{"a.mp4"}
	params := map[string]string{"crf": "20"}
	d := New(OpCompress, inputs, "out.mp4", params)

	inputs[0] = "evil.mp4"
	params["crf"] = "51"
	assert.Equal(t, []string{"a.mp4"}, d.Inputs())
	v, _ := d.Param("crf")
	assert.Equal(t, "20", v)

	got := d.Inputs()
	got[0] = "changed.mp4"
	p := d.Params()
	p["crf"] = "0"
	assert.Equal(t, []string{"a.mp4"}, d.Inputs())
	v, _ = d.Param("crf")
	assert.Equal(t, "20", v)

	moved := d.WithOutput("other.mp4")
	assert.Equal(t, "out.mp4", d.Output())
	assert.Equal(t, "other.mp4", moved.Output())
	assert.Equal(t, []string{"a.mp4", "other.mp4"}, moved.Artifacts())
}

func TestInvocationString(t *testing.T) {
	inv := Invocation{Args: []string{"-i", "my file.mp4", "-metadata", "title=it's", "out.mp4"}}
	assert.Equal(t, `-i "my file.mp4" -metadata "title=it's" out.mp4`, inv.String())
}

func TestBuildProgressHints(t *testing.T) {
	inv, err := Build(New(OpSplit, []string{"in.mp4"}, "part.mp4", map[string]string{"start": "10", "duration": "01:02:03.5"}))
	require.NoError(t, err)
	assert.Equal(t, 3723.5, inv.Duration)
	assert.False(t, inv.SumDurations)

	inv, err = Build(New(OpMerge, []string{"a.mp4", "b.mp4"}, "out.mp4", nil))
	require.NoError(t, err)
	assert.True(t, inv.SumDurations)
	assert.Zero(t, inv.Duration)
}
