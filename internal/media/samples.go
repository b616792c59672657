package media

import (
	"encoding/binary"
	"math"
)

// Sample returns sample i of channel ch normalized to [-1, 1). Integer
// samples are scaled by 1/32768 so that s16 values survive a round trip
// through SetSample unchanged.
func (f *Frame) Sample(ch, i int) float32 {
	plane, off := f.sampleOffset(ch, i)
	switch f.SampleFormat {
	case SampleFormatS16, SampleFormatS16P:
		return float32(int16(binary.LittleEndian.Uint16(f.Planes[plane][off:]))) / 32768
	case SampleFormatFLT, SampleFormatFLTP:
		return math.Float32frombits(binary.LittleEndian.Uint32(f.Planes[plane][off:]))
	default:
		return 0
	}
}

// SetSample stores v as sample i of channel ch, clamping integer formats.
func (f *Frame) SetSample(ch, i int, v float32) {
	plane, off := f.sampleOffset(ch, i)
	switch f.SampleFormat {
	case SampleFormatS16, SampleFormatS16P:
		binary.LittleEndian.PutUint16(f.Planes[plane][off:], uint16(ToS16(v)))
	case SampleFormatFLT, SampleFormatFLTP:
		binary.LittleEndian.PutUint32(f.Planes[plane][off:], math.Float32bits(v))
	}
}

func (f *Frame) sampleOffset(ch, i int) (plane, off int) {
	bps := f.SampleFormat.BytesPerSample()
	if f.SampleFormat.Planar() {
		return ch, i * bps
	}
	return 0, (i*f.Channels + ch) * bps
}

// ToS16 converts a normalized sample to a signed 16-bit value.
func ToS16(v float32) int16 {
	s := math.Round(float64(v) * 32768)
	switch {
	case s > math.MaxInt16:
		return math.MaxInt16
	case s < math.MinInt16:
		return math.MinInt16
	}
	return int16(s)
}
