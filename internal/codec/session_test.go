package codec

import (
	"errors"
	"iter"
	"testing"

	"github.com/zsiec/avkit/internal/media"
)

func synthUnit(pts int64, luma byte, typ SynthFrameType) *media.CodedUnit {
	pic := SynthPicture{PTS: pts, Width: 16, Height: 8, Luma: luma, Chroma: 100, Type: typ}
	u := media.NewCodedUnit(0, pic.Marshal())
	u.Keyframe = typ == SynthI
	return u
}

// decodeOrder returns n synth units in decode order for an I B B P ...
// pattern: display order 0 3 1 2 6 4 5 ...
func decodeOrder(n int) []*media.CodedUnit {
	var units []*media.CodedUnit
	units = append(units, synthUnit(0, 0, SynthI))
	for base := int64(1); len(units) < n; base += 3 {
		units = append(units, synthUnit(base+2, byte(base+2), SynthP))
		for _, pts := range []int64{base, base + 1} {
			if len(units) < n {
				units = append(units, synthUnit(pts, byte(pts), SynthB))
			}
		}
	}
	return units[:n]
}

func collect[T any](t *testing.T, seq iter.Seq2[T, error]) []T {
	t.Helper()
	var out []T
	for v, err := range seq {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out = append(out, v)
	}
	return out
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		codec string
		p     Params
		want  error
	}{
		{"unknown codec", "vp9", Params{}, media.ErrConfig},
		{"known without backend", media.CodecH264, Params{}, media.ErrResource},
		{"aac without backend", media.CodecAAC, Params{}, media.ErrResource},
		{"invalid pcm params", media.CodecPCMS16LE, Params{SampleRate: 44100}, media.ErrConfig},
		{"invalid rawvideo params", media.CodecRawVideo, Params{Width: 0, Height: 10}, media.ErrConfig},
		{"negative synth delay", media.CodecSynth, Params{Delay: -1}, media.ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := OpenDecoder(tt.codec, tt.p)
			if !errors.Is(err, tt.want) {
				t.Errorf("OpenDecoder(%q): got %v, want %v", tt.codec, err, tt.want)
			}
		})
	}
}

func TestRegisterFactoryFailure(t *testing.T) {
	t.Parallel()

	Register("test-alloc-fails", media.KindVideo, Factories{
		Decoder: func(Params) (DecoderBackend, error) { return nil, errors.New("out of memory") },
	})
	_, err := OpenDecoder("test-alloc-fails", Params{})
	if !errors.Is(err, media.ErrResource) {
		t.Fatalf("got %v, want ErrResource", err)
	}
	_, err = OpenEncoder("test-alloc-fails", Params{})
	if !errors.Is(err, media.ErrResource) {
		t.Fatalf("encoder: got %v, want ErrResource", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	dec, err := OpenDecoder(media.CodecSynth, Params{Delay: 1})
	if err != nil {
		t.Fatalf("OpenDecoder: %v", err)
	}
	defer dec.Close()

	if dec.State() != StateIdle {
		t.Fatalf("after open: got %v, want %v", dec.State(), StateIdle)
	}
	if got := collect(t, dec.Drain()); len(got) != 0 {
		t.Fatalf("drain while idle: got %d frames", len(got))
	}
	if dec.State() != StateIdle || dec.Signal() != NeedMoreInput {
		t.Fatalf("drain while idle: state %v signal %v, want %v %v", dec.State(), dec.Signal(), StateIdle, NeedMoreInput)
	}

	if err := dec.Submit(synthUnit(0, 0, SynthI)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if dec.State() != StateOpen {
		t.Fatalf("after submit: got %v, want %v", dec.State(), StateOpen)
	}
	if got := collect(t, dec.Flush()); len(got) != 1 {
		t.Fatalf("flush: got %d frames, want 1", len(got))
	}
	if dec.State() != StateClosed || dec.Signal() != EndOfStream {
		t.Errorf("after flush: state %v signal %v, want %v %v", dec.State(), dec.Signal(), StateClosed, EndOfStream)
	}
}

func TestFlushIdleSession(t *testing.T) {
	t.Parallel()

	enc, err := OpenEncoder(media.CodecSynth, Params{})
	if err != nil {
		t.Fatalf("OpenEncoder: %v", err)
	}
	if got := collect(t, enc.Flush()); len(got) != 0 {
		t.Fatalf("got %d units from an idle session, want 0", len(got))
	}
	if enc.State() != StateClosed {
		t.Errorf("state: got %v, want %v", enc.State(), StateClosed)
	}
	if err := enc.Submit(SynthPicture{Width: 4, Height: 4}.Frame()); !errors.Is(err, media.ErrBackend) {
		t.Errorf("submit after flush: got %v, want ErrBackend", err)
	}
}

func TestDrainIdempotence(t *testing.T) {
	t.Parallel()

	dec, err := OpenDecoder(media.CodecSynth, Params{Delay: 2})
	if err != nil {
		t.Fatalf("OpenDecoder: %v", err)
	}
	defer dec.Close()

	units := decodeOrder(4)
	if err := dec.Submit(units[0]); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for i := 0; i < 3; i++ {
		if got := collect(t, dec.Drain()); len(got) != 0 {
			t.Fatalf("drain %d: got %d frames, want 0", i, len(got))
		}
		if dec.Signal() != NeedMoreInput {
			t.Fatalf("drain %d: signal %v, want %v", i, dec.Signal(), NeedMoreInput)
		}
	}

	for _, u := range units[1:] {
		if err := dec.Submit(u); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if got := collect(t, dec.Drain()); len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	if got := collect(t, dec.Drain()); len(got) != 0 {
		t.Fatalf("second drain: got %d frames, want 0", len(got))
	}
	if dec.State() != StateOpen {
		t.Errorf("state: got %v, want %v", dec.State(), StateOpen)
	}
}

func TestSynthDecodeEndToEnd(t *testing.T) {
	t.Parallel()

	const n = 10
	dec, err := OpenDecoder(media.CodecSynth, Params{Delay: DefaultSynthDelay})
	if err != nil {
		t.Fatalf("OpenDecoder: %v", err)
	}
	defer dec.Close()

	var frames []*media.Frame
	for _, u := range decodeOrder(n) {
		if err := dec.Submit(u); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		frames = append(frames, collect(t, dec.Drain())...)
	}
	if len(frames) > n {
		t.Fatalf("before flush: got %d frames, want at most %d", len(frames), n)
	}
	if len(frames) != n-DefaultSynthDelay {
		t.Errorf("before flush: got %d frames, want %d", len(frames), n-DefaultSynthDelay)
	}

	frames = append(frames, collect(t, dec.Flush())...)
	if len(frames) != n {
		t.Fatalf("after flush: got %d frames, want %d", len(frames), n)
	}
	for i, f := range frames {
		if f.PTS != int64(i) {
			t.Errorf("frame %d: PTS got %d, want %d", i, f.PTS, i)
		}
		if f.Planes[0][0] != byte(i) {
			t.Errorf("frame %d: luma got %d, want %d", i, f.Planes[0][0], i)
		}
	}

	if dec.State() != StateClosed {
		t.Errorf("state: got %v, want %v", dec.State(), StateClosed)
	}
	if dec.Signal() != EndOfStream {
		t.Errorf("signal: got %v, want %v", dec.Signal(), EndOfStream)
	}
	if got := collect(t, dec.Drain()); len(got) != 0 {
		t.Errorf("drain after close: got %d frames", len(got))
	}
	if got := collect(t, dec.Flush()); len(got) != 0 {
		t.Errorf("flush after close: got %d frames", len(got))
	}
	if err := dec.Submit(decodeOrder(1)[0]); !errors.Is(err, media.ErrBackend) {
		t.Errorf("submit after close: got %v, want ErrBackend", err)
	}
}

func TestSessionBackpressure(t *testing.T) {
	t.Parallel()

	dec, err := OpenDecoder(media.CodecSynth, Params{Delay: 0})
	if err != nil {
		t.Fatalf("OpenDecoder: %v", err)
	}
	defer dec.Close()

	const n = 3 * maxQueued
	for i := 0; i < n; i++ {
		if err := dec.Submit(synthUnit(int64(i), 1, SynthI)); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if len(dec.pending) == 0 {
		t.Fatal("expected queued inputs once the backend pushed back")
	}
	frames := collect(t, dec.Drain())
	if len(frames) != n {
		t.Fatalf("got %d frames, want %d", len(frames), n)
	}
	if dec.Signal() != NeedMoreInput {
		t.Errorf("signal: got %v, want %v", dec.Signal(), NeedMoreInput)
	}
}

func TestDrainBreakResumes(t *testing.T) {
	t.Parallel()

	dec, _ := OpenDecoder(media.CodecSynth, Params{Delay: 0})
	defer dec.Close()
	for i := 0; i < 4; i++ {
		if err := dec.Submit(synthUnit(int64(i), 1, SynthI)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	var first *media.Frame
	for f, err := range dec.Drain() {
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
		first = f
		break
	}
	if first == nil || first.PTS != 0 {
		t.Fatalf("first frame: got %+v, want PTS 0", first)
	}
	rest := collect(t, dec.Drain())
	if len(rest) != 3 || rest[0].PTS != 1 {
		t.Fatalf("resumed drain: got %d frames, want 3 starting at PTS 1", len(rest))
	}
}

type faultyBackend struct {
	closed int
}

func (b *faultyBackend) Send(*media.CodedUnit) error { return nil }
func (b *faultyBackend) SendEOF() error              { return nil }
func (b *faultyBackend) Receive() (*media.Frame, error) {
	return nil, errors.New("bitstream corrupt")
}
func (b *faultyBackend) Close() error {
	b.closed++
	return nil
}

func TestBackendFaultClosesSession(t *testing.T) {
	t.Parallel()

	b := &faultyBackend{}
	s := newSession[*media.CodedUnit, *media.Frame]("faulty", media.KindVideo, b, nil)
	if err := s.Submit(media.NewCodedUnit(0, []byte{1})); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var gotErr error
	for _, err := range s.Drain() {
		gotErr = err
	}
	if !errors.Is(gotErr, media.ErrBackend) {
		t.Fatalf("got %v, want ErrBackend", gotErr)
	}
	if s.State() != StateClosed {
		t.Errorf("state: got %v, want %v", s.State(), StateClosed)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if b.closed != 1 {
		t.Errorf("backend closed %d times, want 1", b.closed)
	}
}

func TestCloseWithoutFlush(t *testing.T) {
	t.Parallel()

	enc, err := OpenEncoder(media.CodecSynth, Params{})
	if err != nil {
		t.Fatalf("OpenEncoder: %v", err)
	}
	if err := enc.Submit(SynthPicture{Width: 4, Height: 4}.Frame()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if enc.State() != StateClosed {
		t.Errorf("state: got %v, want %v", enc.State(), StateClosed)
	}
	if got := collect(t, enc.Flush()); len(got) != 0 {
		t.Errorf("flush after close: got %d units", len(got))
	}
}
