package resample

import (
	"errors"
	"fmt"
	"testing"

	"github.com/zsiec/avkit/internal/media"
)

func fltFormat(rate, channels int) media.AudioFormat {
	return media.AudioFormat{SampleRate: rate, Channels: channels, SampleFormat: media.SampleFormatFLT}
}

// frameOf builds a frame whose channel c holds vals[c].
func frameOf(f media.AudioFormat, pts int64, vals ...[]float32) *media.Frame {
	fr := media.NewAudioFrame(f, len(vals[0]))
	fr.PTS = pts
	for c, vs := range vals {
		for i, v := range vs {
			fr.SetSample(c, i, v)
		}
	}
	return fr
}

// run pushes every frame, flushes and returns all output frames.
func run(t *testing.T, r *Resampler, frames ...*media.Frame) []*media.Frame {
	t.Helper()
	var out []*media.Frame
	for _, f := range frames {
		for o, err := range r.Push(f) {
			if err != nil {
				t.Fatalf("Push: %v", err)
			}
			out = append(out, o)
		}
	}
	for o, err := range r.Flush() {
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}
		out = append(out, o)
	}
	return out
}

func channel(frames []*media.Frame, ch int) []float32 {
	var out []float32
	for _, f := range frames {
		for i := 0; i < f.Samples; i++ {
			out = append(out, f.Sample(ch, i))
		}
	}
	return out
}

func TestNewRejects(t *testing.T) {
	t.Parallel()
	good := fltFormat(48000, 2)
	tests := []struct {
		name    string
		in, out media.AudioFormat
	}{
		{"zero rate", fltFormat(0, 2), good},
		{"zero channels", good, fltFormat(48000, 0)},
		{"too many channels", fltFormat(48000, 65), good},
		{"unknown format", good, media.AudioFormat{SampleRate: 48000, Channels: 2, SampleFormat: "s24"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.in, tt.out); !errors.Is(err, media.ErrConfig) {
				t.Errorf("got %v, want ErrConfig", err)
			}
		})
	}
}

func TestUpsampleInterpolates(t *testing.T) {
	t.Parallel()
	r, err := New(fltFormat(24000, 1), fltFormat(48000, 1))
	if err != nil {
		t.Fatal(err)
	}
	var frames []*media.Frame
	for o, err := range r.Push(frameOf(r.Input(), 0, []float32{0, 0.25, 0.5, 0.75})) {
		if err != nil {
			t.Fatal(err)
		}
		frames = append(frames, o)
	}
	if len(frames) != 1 || frames[0].Samples != 7 {
		t.Fatalf("push: got %d frames, want one of 7 samples", len(frames))
	}
	frames = append(frames, run(t, r)...)

	want := []float32{0, 0.125, 0.25, 0.375, 0.5, 0.625, 0.75, 0.75}
	if got := channel(frames, 0); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if frames[1].PTS != 7 {
		t.Errorf("flushed frame PTS: got %d, want 7", frames[1].PTS)
	}
}

func TestDownsamplePicksEveryOther(t *testing.T) {
	t.Parallel()
	r, err := New(fltFormat(48000, 1), fltFormat(24000, 1))
	if err != nil {
		t.Fatal(err)
	}
	in := []float32{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9}
	got := channel(run(t, r, frameOf(r.Input(), 0, in)), 0)
	want := []float32{0, 0.2, 0.4, 0.6, 0.8}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSplitIndependence(t *testing.T) {
	t.Parallel()
	in := fltFormat(44100, 2)
	out := fltFormat(48000, 2)
	left := make([]float32, 1000)
	right := make([]float32, 1000)
	for i := range left {
		left[i] = float32(i%200) / 200
		right[i] = -left[i]
	}

	whole, err := New(in, out)
	if err != nil {
		t.Fatal(err)
	}
	ref := run(t, whole, frameOf(in, 0, left, right))

	for _, size := range []int{1, 7, 256, 999} {
		t.Run(fmt.Sprintf("chunk_%d", size), func(t *testing.T) {
			t.Parallel()
			r, err := New(in, out)
			if err != nil {
				t.Fatal(err)
			}
			var frames []*media.Frame
			for off := 0; off < len(left); off += size {
				end := min(off+size, len(left))
				frames = append(frames, frameOf(in, int64(off), left[off:end], right[off:end]))
			}
			got := run(t, r, frames...)
			for ch := 0; ch < 2; ch++ {
				g, w := channel(got, ch), channel(ref, ch)
				if len(g) != 1089 || len(w) != 1089 {
					t.Fatalf("channel %d: got %d samples, reference %d, want 1089", ch, len(g), len(w))
				}
				for i := range g {
					if g[i] != w[i] {
						t.Fatalf("channel %d sample %d: got %v, want %v", ch, i, g[i], w[i])
					}
				}
			}
		})
	}
}

func TestChannelMapping(t *testing.T) {
	t.Parallel()
	t.Run("stereo_to_mono", func(t *testing.T) {
		t.Parallel()
		r, err := New(fltFormat(8000, 2), fltFormat(8000, 1))
		if err != nil {
			t.Fatal(err)
		}
		got := channel(run(t, r, frameOf(r.Input(), 0, []float32{0.5, 0.25}, []float32{-0.5, 0.75})), 0)
		if fmt.Sprint(got) != fmt.Sprint([]float32{0, 0.5}) {
			t.Errorf("got %v, want [0 0.5]", got)
		}
	})
	t.Run("mono_to_stereo", func(t *testing.T) {
		t.Parallel()
		r, err := New(fltFormat(8000, 1), fltFormat(8000, 2))
		if err != nil {
			t.Fatal(err)
		}
		out := run(t, r, frameOf(r.Input(), 0, []float32{0.5, -0.25}))
		for ch := 0; ch < 2; ch++ {
			if got := channel(out, ch); fmt.Sprint(got) != fmt.Sprint([]float32{0.5, -0.25}) {
				t.Errorf("channel %d: got %v, want [0.5 -0.25]", ch, got)
			}
		}
	})
}

func TestSampleFormatConversion(t *testing.T) {
	t.Parallel()
	in := media.AudioFormat{SampleRate: 16000, Channels: 2, SampleFormat: media.SampleFormatS16}
	out := media.AudioFormat{SampleRate: 16000, Channels: 2, SampleFormat: media.SampleFormatFLTP}
	r, err := New(in, out)
	if err != nil {
		t.Fatal(err)
	}
	frames := run(t, r, frameOf(in, 0, []float32{0.5, -1}, []float32{0.25, 0}))
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.AudioFormat() != out || len(f.Planes) != 2 {
		t.Fatalf("got %s with %d planes, want %s with 2", f.AudioFormat(), len(f.Planes), out)
	}
	if got := channel(frames, 0); fmt.Sprint(got) != "[0.5 -1]" {
		t.Errorf("left: got %v, want [0.5 -1]", got)
	}
	if got := channel(frames, 1); fmt.Sprint(got) != "[0.25 0]" {
		t.Errorf("right: got %v, want [0.25 0]", got)
	}
}

func TestTimestampsFollowFirstFrame(t *testing.T) {
	t.Parallel()
	r, err := New(fltFormat(44100, 1), fltFormat(48000, 1))
	if err != nil {
		t.Fatal(err)
	}
	out := run(t, r, frameOf(r.Input(), 44100, make([]float32, 441)), frameOf(r.Input(), 44541, make([]float32, 441)))
	if out[0].PTS != 48000 {
		t.Errorf("first PTS: got %d, want 48000", out[0].PTS)
	}
	next := out[0].PTS
	for i, f := range out {
		if f.PTS != next {
			t.Errorf("frame %d PTS: got %d, want %d", i, f.PTS, next)
		}
		next += int64(f.Samples)
	}
}

func TestPushErrors(t *testing.T) {
	t.Parallel()
	r, err := New(fltFormat(8000, 1), fltFormat(8000, 1))
	if err != nil {
		t.Fatal(err)
	}
	for _, err := range r.Push(frameOf(fltFormat(16000, 1), 0, []float32{0})) {
		if !errors.Is(err, media.ErrBackend) {
			t.Errorf("wrong format: got %v, want ErrBackend", err)
		}
	}
	for range r.Flush() {
	}
	for _, err := range r.Push(frameOf(r.Input(), 0, []float32{0})) {
		if !errors.Is(err, media.ErrBackend) {
			t.Errorf("after flush: got %v, want ErrBackend", err)
		}
	}
}
