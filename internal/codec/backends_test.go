package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/zsiec/avkit/internal/media"
)

func TestPCMS16RoundTrip(t *testing.T) {
	t.Parallel()

	p := Params{SampleRate: 8000, Channels: 2, FrameSize: 4}
	enc, err := OpenEncoder(media.CodecPCMS16LE, p)
	if err != nil {
		t.Fatalf("OpenEncoder: %v", err)
	}
	defer enc.Close()

	// Ten planar samples per channel: left counts up, right counts down.
	in := media.NewAudioFrame(media.AudioFormat{SampleRate: 8000, Channels: 2, SampleFormat: media.SampleFormatS16P}, 10)
	for i := 0; i < 10; i++ {
		binary.LittleEndian.PutUint16(in.Planes[0][2*i:], uint16(int16(i*100)))
		binary.LittleEndian.PutUint16(in.Planes[1][2*i:], uint16(int16(-i*100)))
	}
	in.PTS = 0
	if err := enc.Submit(in); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	units := collect(t, enc.Drain())
	if len(units) != 2 {
		t.Fatalf("before flush: got %d units, want 2", len(units))
	}
	units = append(units, collect(t, enc.Flush())...)
	if len(units) != 3 {
		t.Fatalf("after flush: got %d units, want 3", len(units))
	}

	wantPTS := []int64{0, 4, 8}
	wantLen := []int{16, 16, 8}
	for i, u := range units {
		if u.PTS != wantPTS[i] || u.DTS != wantPTS[i] {
			t.Errorf("unit %d: PTS/DTS got %d/%d, want %d", i, u.PTS, u.DTS, wantPTS[i])
		}
		if len(u.Data) != wantLen[i] {
			t.Errorf("unit %d: got %d bytes, want %d", i, len(u.Data), wantLen[i])
		}
	}
	if d := units[0].Duration; d != 4 {
		t.Errorf("duration: got %d, want 4", d)
	}

	dec, err := OpenDecoder(media.CodecPCMS16LE, p)
	if err != nil {
		t.Fatalf("OpenDecoder: %v", err)
	}
	defer dec.Close()
	var got []int16
	for _, u := range units {
		if err := dec.Submit(u); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		for _, f := range collect(t, dec.Drain()) {
			if f.SampleFormat != media.SampleFormatS16 {
				t.Fatalf("decoded format: got %s, want s16", f.SampleFormat)
			}
			for i := 0; i < f.Samples*2; i++ {
				got = append(got, int16(binary.LittleEndian.Uint16(f.Planes[0][2*i:])))
			}
		}
	}
	for i := 0; i < 10; i++ {
		if got[2*i] != int16(i*100) || got[2*i+1] != int16(-i*100) {
			t.Fatalf("sample %d: got %d/%d, want %d/%d", i, got[2*i], got[2*i+1], i*100, -i*100)
		}
	}
}

func TestPCMF32DecodesPlanar(t *testing.T) {
	t.Parallel()

	dec, err := OpenDecoder(media.CodecPCMF32LE, Params{SampleRate: 48000, Channels: 2})
	if err != nil {
		t.Fatalf("OpenDecoder: %v", err)
	}
	defer dec.Close()

	var data []byte
	for _, v := range []float32{0.5, -0.5, 0.25, -0.25} {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
	}
	if err := dec.Submit(media.NewCodedUnit(0, data)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	frames := collect(t, dec.Drain())
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.SampleFormat != media.SampleFormatFLTP || len(f.Planes) != 2 || f.Samples != 2 {
		t.Fatalf("got %s with %d planes and %d samples, want fltp 2 planes 2 samples", f.SampleFormat, len(f.Planes), f.Samples)
	}
	if f.Sample(0, 1) != 0.25 || f.Sample(1, 1) != -0.25 {
		t.Errorf("second sample: got %v/%v, want 0.25/-0.25", f.Sample(0, 1), f.Sample(1, 1))
	}
	if f.PTS != 0 {
		t.Errorf("PTS: got %d, want 0", f.PTS)
	}
}

func TestPCMDecodePartialSample(t *testing.T) {
	t.Parallel()

	dec, _ := OpenDecoder(media.CodecPCMS16LE, Params{SampleRate: 8000, Channels: 2})
	defer dec.Close()
	err := dec.Submit(media.NewCodedUnit(0, []byte{1, 2, 3}))
	if !errors.Is(err, media.ErrBackend) {
		t.Fatalf("got %v, want ErrBackend", err)
	}
	if dec.State() != StateClosed {
		t.Errorf("state: got %v, want %v", dec.State(), StateClosed)
	}
}

func TestPCMEncoderRejectsLayoutChange(t *testing.T) {
	t.Parallel()

	enc, _ := OpenEncoder(media.CodecPCMS16LE, Params{SampleRate: 8000, Channels: 2})
	defer enc.Close()
	mono := media.NewAudioFrame(media.AudioFormat{SampleRate: 8000, Channels: 1, SampleFormat: media.SampleFormatS16}, 4)
	if err := enc.Submit(mono); !errors.Is(err, media.ErrBackend) {
		t.Fatalf("got %v, want ErrBackend", err)
	}
}

func TestRawVideoRoundTrip(t *testing.T) {
	t.Parallel()

	p := Params{Width: 4, Height: 2, FrameRate: media.Rational{Num: 25, Den: 1}}
	enc, err := OpenEncoder(media.CodecRawVideo, p)
	if err != nil {
		t.Fatalf("OpenEncoder: %v", err)
	}
	defer enc.Close()

	in := media.NewVideoFrame(4, 2, media.PixelFormatYUV420P)
	for i := range in.Planes[0] {
		in.Planes[0][i] = byte(i)
	}
	in.Planes[1][0], in.Planes[1][1] = 200, 201
	in.Planes[2][0], in.Planes[2][1] = 50, 51

	if err := enc.Submit(in); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	units := collect(t, enc.Drain())
	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
	want := []byte{0, 1, 2, 3, 4, 5, 6, 7, 200, 201, 50, 51}
	if !bytes.Equal(units[0].Data, want) {
		t.Fatalf("payload: got %v, want %v", units[0].Data, want)
	}
	if units[0].PTS != 0 || units[0].Duration != 3600 {
		t.Errorf("timing: got pts %d dur %d, want 0 and 3600", units[0].PTS, units[0].Duration)
	}

	dec, _ := OpenDecoder(media.CodecRawVideo, p)
	defer dec.Close()
	if err := dec.Submit(units[0]); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	frames := collect(t, dec.Drain())
	if len(frames) != 1 || !bytes.Equal(frames[0].Planes[1], []byte{200, 201}) {
		t.Fatalf("decoded chroma mismatch")
	}

	if err := dec.Submit(media.NewCodedUnit(0, want[:5])); !errors.Is(err, media.ErrBackend) {
		t.Errorf("short payload: got %v, want ErrBackend", err)
	}
}

func TestSynthEncoderLookahead(t *testing.T) {
	t.Parallel()

	enc, err := OpenEncoder(media.CodecSynth, Params{GOP: 3})
	if err != nil {
		t.Fatalf("OpenEncoder: %v", err)
	}
	defer enc.Close()

	var units []*media.CodedUnit
	for i := 0; i < 5; i++ {
		f := SynthPicture{PTS: int64(i), Width: 8, Height: 4, Luma: byte(10 * i), Chroma: 90}.Frame()
		if err := enc.Submit(f); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		got := collect(t, enc.Drain())
		if want := min(i, 1); len(got) != want {
			t.Fatalf("after frame %d: got %d units, want %d", i, len(got), want)
		}
		units = append(units, got...)
	}
	units = append(units, collect(t, enc.Flush())...)
	if len(units) != 5 {
		t.Fatalf("got %d units, want 5", len(units))
	}

	for i, u := range units {
		pic, err := ParseSynthPicture(u.Data)
		if err != nil {
			t.Fatalf("unit %d: %v", i, err)
		}
		if pic.PTS != int64(i) || pic.Luma != byte(10*i) || pic.Chroma != 90 {
			t.Errorf("unit %d: got %+v", i, pic)
		}
		if wantKey := i%3 == 0; u.Keyframe != wantKey {
			t.Errorf("unit %d: keyframe got %v, want %v", i, u.Keyframe, wantKey)
		}
	}
}

func TestParseSynthPictureErrors(t *testing.T) {
	t.Parallel()

	good := SynthPicture{Width: 2, Height: 2}.Marshal()
	tests := []struct {
		name string
		data []byte
	}{
		{"short", good[:10]},
		{"zero width", SynthPicture{Width: 0, Height: 2}.Marshal()},
		{"bad type", SynthPicture{Width: 2, Height: 2, Type: 7}.Marshal()},
	}
	for _, tt := range tests {
		if _, err := ParseSynthPicture(tt.data); !errors.Is(err, media.ErrBackend) {
			t.Errorf("%s: got %v, want ErrBackend", tt.name, err)
		}
	}
}
