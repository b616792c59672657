package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zsiec/avkit/internal/media"
)

const defaultFrameSize = 1024

type pcmLayout struct {
	bps    int
	decode media.SampleFormat // format the decoder produces
}

var pcmLayouts = map[string]pcmLayout{
	media.CodecPCMS16LE: {bps: 2, decode: media.SampleFormatS16},
	media.CodecPCMF32LE: {bps: 4, decode: media.SampleFormatFLTP},
}

func checkAudioParams(codec string, p Params) error {
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return fmt.Errorf("%w: %s needs a sample rate and channel count (got %d Hz, %d ch)",
			media.ErrConfig, codec, p.SampleRate, p.Channels)
	}
	if p.FrameSize < 0 {
		return fmt.Errorf("%w: %s frame size %d", media.ErrConfig, codec, p.FrameSize)
	}
	return nil
}

// sampleClock converts between sample positions and the stream time base.
type sampleClock struct {
	rate media.Rational // 1/SampleRate
	tb   media.Rational
	pos  int64
	set  bool
}

func newSampleClock(sampleRate int, tb media.Rational) sampleClock {
	return sampleClock{rate: media.Rational{Num: 1, Den: int64(sampleRate)}, tb: tb}
}

// sync moves the clock to pts unless pts is absent or the clock already
// started and only drifts by rounding.
func (c *sampleClock) sync(pts int64) {
	if pts == media.NoTimestamp || c.set {
		return
	}
	c.pos = media.Rescale(pts, c.tb, c.rate)
	c.set = true
}

// advance returns the timestamp and duration of the next n samples.
func (c *sampleClock) advance(n int) (pts, dur int64) {
	c.set = true
	pts = media.Rescale(c.pos, c.rate, c.tb)
	c.pos += int64(n)
	dur = media.Rescale(c.pos, c.rate, c.tb) - pts
	return pts, dur
}

func newPCMDecoder(codec string, p Params) (DecoderBackend, error) {
	if err := checkAudioParams(codec, p); err != nil {
		return nil, err
	}
	layout := pcmLayouts[codec]
	format := media.AudioFormat{SampleRate: p.SampleRate, Channels: p.Channels, SampleFormat: layout.decode}
	clock := newSampleClock(p.SampleRate, p.timeBase(media.KindAudio))
	frameBytes := layout.bps * p.Channels

	return &queueBackend[*media.CodedUnit, *media.Frame]{
		convert: func(u *media.CodedUnit) ([]*media.Frame, error) {
			if len(u.Data)%frameBytes != 0 {
				return nil, fmt.Errorf("%w: %s payload of %d bytes is not a whole number of %d-channel samples",
					media.ErrBackend, codec, len(u.Data), p.Channels)
			}
			n := len(u.Data) / frameBytes
			f := media.NewAudioFrame(format, n)
			if layout.decode.Planar() {
				deinterleave(f, u.Data, layout.bps)
			} else {
				copy(f.Planes[0], u.Data)
			}
			clock.set = false
			clock.sync(u.PTS)
			f.PTS, _ = clock.advance(n)
			if u.PTS != media.NoTimestamp {
				f.PTS = u.PTS
			}
			return []*media.Frame{f}, nil
		},
	}, nil
}

func deinterleave(f *media.Frame, data []byte, bps int) {
	ch := f.Channels
	for i := 0; i < f.Samples; i++ {
		for c := 0; c < ch; c++ {
			src := (i*ch + c) * bps
			copy(f.Planes[c][i*bps:(i+1)*bps], data[src:src+bps])
		}
	}
}

// pcmEncoder regroups frames of any sample layout into units of FrameSize
// interleaved samples.
type pcmEncoder struct {
	codec     string
	p         Params
	bps       int
	frameSize int
	clock     sampleClock
	buf       []byte
}

func newPCMEncoder(codec string, p Params) (EncoderBackend, error) {
	if err := checkAudioParams(codec, p); err != nil {
		return nil, err
	}
	e := &pcmEncoder{
		codec:     codec,
		p:         p,
		bps:       pcmLayouts[codec].bps,
		frameSize: p.FrameSize,
		clock:     newSampleClock(p.SampleRate, p.timeBase(media.KindAudio)),
	}
	if e.frameSize == 0 {
		e.frameSize = defaultFrameSize
	}
	return &queueBackend[*media.Frame, *media.CodedUnit]{convert: e.encode, finish: e.finish}, nil
}

func (e *pcmEncoder) encode(f *media.Frame) ([]*media.CodedUnit, error) {
	if f.Kind != media.KindAudio || !f.SampleFormat.Valid() {
		return nil, fmt.Errorf("%w: %s encoder needs audio samples", media.ErrBackend, e.codec)
	}
	if f.Channels != e.p.Channels || f.SampleRate != e.p.SampleRate {
		return nil, fmt.Errorf("%w: %s encoder opened for %d Hz %d ch, got %s",
			media.ErrBackend, e.codec, e.p.SampleRate, e.p.Channels, f.AudioFormat())
	}
	if len(e.buf) == 0 {
		e.clock.sync(f.PTS)
	}
	for i := 0; i < f.Samples; i++ {
		for c := 0; c < f.Channels; c++ {
			e.buf = e.appendSample(e.buf, f, c, i)
		}
	}

	var units []*media.CodedUnit
	block := e.frameSize * e.p.Channels * e.bps
	for len(e.buf) >= block {
		units = append(units, e.unit(block))
	}
	return units, nil
}

func (e *pcmEncoder) appendSample(dst []byte, f *media.Frame, c, i int) []byte {
	if e.bps == 2 {
		if f.SampleFormat.BytesPerSample() == 2 {
			return append(dst, rawSample(f, c, i)...)
		}
		return binary.LittleEndian.AppendUint16(dst, uint16(media.ToS16(f.Sample(c, i))))
	}
	return binary.LittleEndian.AppendUint32(dst, math.Float32bits(f.Sample(c, i)))
}

// rawSample returns the bytes of one sample without conversion.
func rawSample(f *media.Frame, c, i int) []byte {
	bps := f.SampleFormat.BytesPerSample()
	if f.SampleFormat.Planar() {
		return f.Planes[c][i*bps : (i+1)*bps]
	}
	off := (i*f.Channels + c) * bps
	return f.Planes[0][off : off+bps]
}

func (e *pcmEncoder) unit(n int) *media.CodedUnit {
	data := make([]byte, n)
	copy(data, e.buf)
	e.buf = e.buf[:copy(e.buf, e.buf[n:])]

	u := media.NewCodedUnit(0, data)
	u.PTS, u.Duration = e.clock.advance(n / (e.p.Channels * e.bps))
	u.DTS = u.PTS
	u.Keyframe = true
	return u
}

func (e *pcmEncoder) finish() ([]*media.CodedUnit, error) {
	if len(e.buf) == 0 {
		return nil, nil
	}
	return []*media.CodedUnit{e.unit(len(e.buf))}, nil
}
