package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/zsiec/avkit/internal/codec"
	"github.com/zsiec/avkit/internal/container"
	"github.com/zsiec/avkit/internal/media"
	"github.com/zsiec/avkit/internal/storage"
)

type sliceSource struct {
	units []*media.CodedUnit
	err   error
}

func (s *sliceSource) ReadUnit() (*media.CodedUnit, error) {
	if len(s.units) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	u := s.units[0]
	s.units = s.units[1:]
	return u, nil
}

type recordWriter struct {
	tb      media.Rational
	streams []media.StreamDescriptor
	units   []media.CodedUnit
	trailer bool
	closes  int
	hdrErr  error
}

func (w *recordWriter) TimeBase(d media.StreamDescriptor) media.Rational {
	if w.tb.IsZero() {
		return d.TimeBase
	}
	return w.tb
}

func (w *recordWriter) WriteHeader(s []media.StreamDescriptor) error {
	w.streams = s
	return w.hdrErr
}

func (w *recordWriter) WriteUnit(u *media.CodedUnit) error {
	w.units = append(w.units, *u)
	return nil
}

func (w *recordWriter) WriteTrailer() error { w.trailer = true; return nil }
func (w *recordWriter) Close() error        { w.closes++; return nil }

func unitAt(pts int64) *media.CodedUnit {
	u := media.NewCodedUnit(0, []byte{byte(pts)})
	u.PTS = pts
	return u
}

func TestInterleaveOrder(t *testing.T) {
	t.Parallel()
	video := media.StreamDescriptor{Kind: media.KindVideo, Codec: media.CodecSynth, TimeBase: media.Rational{Num: 1, Den: 25}}
	audio := media.StreamDescriptor{Kind: media.KindAudio, Codec: media.CodecPCMS16LE, TimeBase: media.TimeBaseMillis}

	var v, a []*media.CodedUnit
	for i := int64(0); i < 4; i++ {
		v = append(v, unitAt(i)) // 0, 40, 80, 120 ms
	}
	for _, ms := range []int64{0, 23, 46, 69, 92, 115} {
		a = append(a, unitAt(ms))
	}

	w := &recordWriter{tb: media.TimeBaseMillis}
	// Audio is listed first so the tie at 0 must be broken by kind.
	m, err := Open(w, []Input{
		{Stream: audio, Source: &sliceSource{units: a}},
		{Stream: video, Source: &sliceSource{units: v}},
	}, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"v0", "a0", "a23", "v40", "a46", "a69", "v80", "a92", "a115", "v120"}
	var got []string
	for _, u := range w.units {
		kind := "a"
		if w.streams[u.StreamID].Kind == media.KindVideo {
			kind = "v"
		}
		got = append(got, fmt.Sprintf("%s%d", kind, u.PTS))
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order:\n got %v\nwant %v", got, want)
	}
	if !w.trailer {
		t.Error("trailer not written")
	}
	if m.Written() != 10 {
		t.Errorf("Written: got %d, want 10", m.Written())
	}
}

func TestTieBreaksByInputIndex(t *testing.T) {
	t.Parallel()
	a := media.StreamDescriptor{Kind: media.KindAudio, Codec: media.CodecPCMS16LE, TimeBase: media.TimeBaseMillis}
	w := &recordWriter{}
	m, err := Open(w, []Input{
		{Stream: a, Source: &sliceSource{units: []*media.CodedUnit{unitAt(5)}}},
		{Stream: a, Source: &sliceSource{units: []*media.CodedUnit{unitAt(5)}}},
	}, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(w.units) != 2 || w.units[0].StreamID != 0 || w.units[1].StreamID != 1 {
		t.Errorf("got %+v, want stream 0 then 1", w.units)
	}
}

func TestSynthesizeTimestamps(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		desc     media.StreamDescriptor
		wantPTS  []int64
		wantDur  []int64
		wantFail bool
	}{
		{
			name:    "video 30000/1001 in 90kHz",
			desc:    media.StreamDescriptor{Kind: media.KindVideo, TimeBase: media.TimeBaseMPEGTS, FrameRate: media.Rational{Num: 30000, Den: 1001}},
			wantPTS: []int64{0, 3003, 6006},
			wantDur: []int64{3003, 3003, 3003},
		},
		{
			name:    "audio 1024 samples at 44.1kHz in ms",
			desc:    media.StreamDescriptor{Kind: media.KindAudio, TimeBase: media.TimeBaseMillis, SampleRate: 44100, FrameSize: 1024},
			wantPTS: []int64{0, 23, 46},
			wantDur: []int64{23, 23, 24},
		},
		{
			name:     "video without rate",
			desc:     media.StreamDescriptor{Kind: media.KindVideo, TimeBase: media.TimeBaseMPEGTS},
			wantFail: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for i := range 3 {
				u := media.NewCodedUnit(0, nil)
				err := synthesize(tt.desc, int64(i), u)
				if tt.wantFail {
					if !errors.Is(err, media.ErrConfig) {
						t.Fatalf("got %v, want ErrConfig", err)
					}
					return
				}
				if err != nil {
					t.Fatalf("synthesize: %v", err)
				}
				if u.PTS != tt.wantPTS[i] || u.DTS != u.PTS || u.Duration != tt.wantDur[i] {
					t.Errorf("unit %d: got pts=%d dts=%d dur=%d, want pts=%d dur=%d",
						i, u.PTS, u.DTS, u.Duration, tt.wantPTS[i], tt.wantDur[i])
				}
			}
		})
	}
}

func TestSynthesizeKeepsPresentFields(t *testing.T) {
	t.Parallel()
	d := media.StreamDescriptor{Kind: media.KindVideo, TimeBase: media.TimeBaseMPEGTS, FrameRate: media.Rational{Num: 25, Den: 1}}
	u := media.NewCodedUnit(0, nil)
	u.PTS, u.DTS = 7200, 3600
	if err := synthesize(d, 9, u); err != nil {
		t.Fatal(err)
	}
	if u.PTS != 7200 || u.DTS != 3600 || u.Duration != 3600 {
		t.Errorf("got pts=%d dts=%d dur=%d, want 7200/3600/3600", u.PTS, u.DTS, u.Duration)
	}
}

func TestRescaleToWriterTimeBase(t *testing.T) {
	t.Parallel()
	video := media.StreamDescriptor{Kind: media.KindVideo, TimeBase: media.Rational{Num: 1, Den: 25}, FrameRate: media.Rational{Num: 25, Den: 1}}
	w := &recordWriter{tb: media.TimeBaseMPEGTS}
	m, err := Open(w, []Input{{Stream: video, Source: &sliceSource{units: []*media.CodedUnit{unitAt(0), unitAt(1), unitAt(2)}}}}, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if w.streams[0].TimeBase != media.TimeBaseMPEGTS {
		t.Errorf("output time base: got %v, want %v", w.streams[0].TimeBase, media.TimeBaseMPEGTS)
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, u := range w.units {
		if want := int64(i) * 3600; u.PTS != want || u.DTS != want || u.Duration != 3600 {
			t.Errorf("unit %d: got pts=%d dts=%d dur=%d, want %d/%d/3600", i, u.PTS, u.DTS, u.Duration, want, want)
		}
	}
}

func TestDecreasingDTS(t *testing.T) {
	t.Parallel()
	video := media.StreamDescriptor{Kind: media.KindVideo, TimeBase: media.TimeBaseMPEGTS, FrameRate: media.Rational{Num: 25, Den: 1}}
	w := &recordWriter{}
	m, err := Open(w, []Input{{Stream: video, Source: &sliceSource{units: []*media.CodedUnit{unitAt(7200), unitAt(3600)}}}}, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = m.Run(context.Background())
	if !errors.Is(err, media.ErrBackend) {
		t.Fatalf("got %v, want ErrBackend", err)
	}
	if w.trailer {
		t.Error("trailer written after a failed run")
	}
}

func TestSourceError(t *testing.T) {
	t.Parallel()
	video := media.StreamDescriptor{Kind: media.KindVideo, TimeBase: media.TimeBaseMPEGTS}
	boom := fmt.Errorf("%w: disk on fire", media.ErrIO)
	m, err := Open(&recordWriter{}, []Input{{Stream: video, Source: &sliceSource{err: boom}}}, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Run(context.Background()); !errors.Is(err, media.ErrIO) {
		t.Errorf("got %v, want ErrIO", err)
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	if _, err := Open(&recordWriter{}, nil, Options{}); !errors.Is(err, media.ErrConfig) {
		t.Errorf("no inputs: got %v, want ErrConfig", err)
	}
	bad := media.StreamDescriptor{Kind: media.KindVideo}
	if _, err := Open(&recordWriter{}, []Input{{Stream: bad, Source: &sliceSource{}}}, Options{}); !errors.Is(err, media.ErrConfig) {
		t.Errorf("zero time base: got %v, want ErrConfig", err)
	}
	hdr := fmt.Errorf("%w: cannot carry", media.ErrConfig)
	ok := media.StreamDescriptor{Kind: media.KindVideo, TimeBase: media.TimeBaseMPEGTS}
	if _, err := Open(&recordWriter{hdrErr: hdr}, []Input{{Stream: ok, Source: &sliceSource{}}}, Options{}); !errors.Is(err, hdr) {
		t.Errorf("header: got %v, want %v", err, hdr)
	}
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()
	video := media.StreamDescriptor{Kind: media.KindVideo, TimeBase: media.TimeBaseMPEGTS}
	m, err := Open(&recordWriter{}, []Input{{Stream: video, Source: &sliceSource{units: []*media.CodedUnit{unitAt(0)}}}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	w := &recordWriter{}
	m, err := Open(w, []Input{{Stream: media.StreamDescriptor{Kind: media.KindAudio, TimeBase: media.TimeBaseMillis}, Source: &sliceSource{}}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	m.Close()
	m.Close()
	if w.closes != 1 {
		t.Errorf("writer closed %d times, want 1", w.closes)
	}
}

type unitCounter struct{ units, bytes int }

func (c *unitCounter) RecordUnit(_ media.Kind, n int, _ bool) { c.units++; c.bytes += n }

func TestTransportStreamOutput(t *testing.T) {
	t.Parallel()
	video := media.StreamDescriptor{
		Kind: media.KindVideo, Codec: media.CodecSynth, Width: 32, Height: 16,
		PixelFormat: media.PixelFormatYUV420P, FrameRate: media.Rational{Num: 25, Den: 1},
		TimeBase: media.Rational{Num: 1, Den: 25},
	}
	var units []*media.CodedUnit
	for i := int64(0); i < 5; i++ {
		pic := codec.SynthPicture{PTS: i, Width: 32, Height: 16, Luma: 16, Chroma: 128}
		u := media.NewCodedUnit(0, pic.Marshal())
		u.PTS, u.Keyframe = i, i == 0
		units = append(units, u)
	}

	var buf bytes.Buffer
	w, err := container.NewWriter(container.FormatMPEGTS, storage.NewSink("buf", &buf), container.Options{})
	if err != nil {
		t.Fatal(err)
	}
	stats := &unitCounter{}
	m, err := Open(w, []Input{{Stream: video, Source: &sliceSource{units: units}}}, Options{Stats: stats})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if stats.units != 5 || stats.bytes != 5*codec.SynthPayloadSize {
		t.Errorf("stats: got %d units %d bytes, want 5 units %d bytes", stats.units, stats.bytes, 5*codec.SynthPayloadSize)
	}

	r, err := container.OpenReader(context.Background(), "", storage.NewSource("buf", bytes.NewReader(buf.Bytes())), container.Options{})
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()
	var pts []int64
	for {
		u, err := r.ReadUnit()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadUnit: %v", err)
		}
		pts = append(pts, u.PTS)
	}
	if fmt.Sprint(pts) != "[0 3600 7200 10800 14400]" {
		t.Errorf("pts: got %v, want [0 3600 7200 10800 14400]", pts)
	}
}
