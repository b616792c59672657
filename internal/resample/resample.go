// Package resample converts audio frames between sample rates, sample
// formats and channel counts.
//
// Rate conversion interpolates linearly between neighbouring input samples.
// The read position is kept as an exact integer fraction, so splitting the
// input into frames differently never changes the output.
package resample

import (
	"fmt"
	"iter"

	"github.com/zsiec/avkit/internal/media"
)

const maxChannels = 64

// Resampler converts frames of one AudioFormat to another. Input PTS is
// read in 1/in.SampleRate and output PTS is written in 1/out.SampleRate.
type Resampler struct {
	in, out media.AudioFormat

	// buf holds mixed input samples per output channel, starting at
	// absolute input index base.
	buf  [][]float32
	base int64
	// read is the absolute input sample count pushed so far.
	read int64
	// written is the absolute output sample count produced so far.
	written int64

	start   int64
	started bool
	flushed bool
}

// New returns a Resampler from in to out. Unsupported formats are a
// media.ErrConfig.
func New(in, out media.AudioFormat) (*Resampler, error) {
	for _, f := range []media.AudioFormat{in, out} {
		if f.SampleRate <= 0 || f.Channels <= 0 || f.Channels > maxChannels || !f.SampleFormat.Valid() {
			return nil, fmt.Errorf("%w: resample format %s", media.ErrConfig, f)
		}
	}
	return &Resampler{in: in, out: out, buf: make([][]float32, out.Channels)}, nil
}

// Input returns the format Push accepts.
func (r *Resampler) Input() media.AudioFormat { return r.in }

// Output returns the format of produced frames.
func (r *Resampler) Output() media.AudioFormat { return r.out }

// Push converts f and yields at most one frame. Nothing is yielded while
// the resampler waits for the next input sample to interpolate towards.
func (r *Resampler) Push(f *media.Frame) iter.Seq2[*media.Frame, error] {
	return func(yield func(*media.Frame, error) bool) {
		if r.flushed {
			yield(nil, fmt.Errorf("%w: resampler pushed after flush", media.ErrBackend))
			return
		}
		if f.Kind != media.KindAudio || f.AudioFormat() != r.in {
			yield(nil, fmt.Errorf("%w: resampler for %s got %s %s", media.ErrBackend, r.in, f.Kind, f.AudioFormat()))
			return
		}
		if !r.started {
			r.started = true
			if f.PTS != media.NoTimestamp {
				r.start = media.Rescale(f.PTS, rateBase(r.in.SampleRate), rateBase(r.out.SampleRate))
			}
		}
		r.mix(f)
		if o := r.convert(false); o != nil {
			yield(o, nil)
		}
	}
}

// Flush yields the samples still held, holding the last input sample where
// no later one exists.
func (r *Resampler) Flush() iter.Seq2[*media.Frame, error] {
	return func(yield func(*media.Frame, error) bool) {
		if r.flushed {
			return
		}
		r.flushed = true
		if o := r.convert(true); o != nil {
			yield(o, nil)
		}
	}
}

func rateBase(rate int) media.Rational {
	return media.Rational{Num: 1, Den: int64(rate)}
}

// mix appends f to buf, mapping input channels to output channels. Fewer
// output channels average the inputs that fold into them; more output
// channels repeat inputs.
func (r *Resampler) mix(f *media.Frame) {
	n, m := r.in.Channels, r.out.Channels
	for j := 0; j < m; j++ {
		for i := 0; i < f.Samples; i++ {
			var v float32
			switch {
			case n == m:
				v = f.Sample(j, i)
			case m < n:
				var sum float32
				cnt := 0
				for c := 0; c < n; c++ {
					if c*m/n == j {
						sum += f.Sample(c, i)
						cnt++
					}
				}
				v = sum / float32(cnt)
			default:
				v = f.Sample(j*n/m, i)
			}
			r.buf[j] = append(r.buf[j], v)
		}
	}
	r.read += int64(f.Samples)
}

// convert produces every output sample whose interpolation inputs are
// available. At the end of input the final sample is held.
func (r *Resampler) convert(final bool) *media.Frame {
	inRate, outRate := int64(r.in.SampleRate), int64(r.out.SampleRate)
	var positions []int64
	for k := r.written; ; k++ {
		pos := k * inRate
		i := pos / outRate
		if i >= r.read {
			break
		}
		if pos%outRate != 0 && i+1 >= r.read && !final {
			break
		}
		positions = append(positions, pos)
	}
	if len(positions) == 0 {
		r.trim()
		return nil
	}

	o := media.NewAudioFrame(r.out, len(positions))
	o.PTS = r.start + r.written
	for k, pos := range positions {
		i := pos / outRate
		frac := float32(pos%outRate) / float32(outRate)
		for ch := range r.buf {
			a := r.buf[ch][i-r.base]
			v := a
			if frac != 0 && i+1 < r.read {
				v = a + (r.buf[ch][i+1-r.base]-a)*frac
			}
			o.SetSample(ch, k, v)
		}
	}
	r.written += int64(len(positions))
	r.trim()
	return o
}

// trim drops buffered samples no future output position can reach.
func (r *Resampler) trim() {
	next := r.written * int64(r.in.SampleRate) / int64(r.out.SampleRate)
	drop := min(next, r.read) - r.base
	if drop <= 0 {
		return
	}
	for ch := range r.buf {
		r.buf[ch] = append(r.buf[ch][:0], r.buf[ch][drop:]...)
	}
	r.base += drop
}
