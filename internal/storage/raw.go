package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/zsiec/avkit/internal/media"
)

// YUVReader reads back-to-back raw pictures of a fixed geometry.
type YUVReader struct {
	r      io.Reader
	format media.VideoFormat
	frames int64
}

// NewYUVReader reads w×h pictures in pixel format pf from r.
func NewYUVReader(r io.Reader, w, h int, pf media.PixelFormat) (*YUVReader, error) {
	if w <= 0 || h <= 0 || pf.Planes() == 0 {
		return nil, fmt.Errorf("%w: raw video %dx%d %q", media.ErrConfig, w, h, pf)
	}
	return &YUVReader{r: r, format: media.VideoFormat{Width: w, Height: h, PixelFormat: pf}}, nil
}

// ReadFrame returns the next picture with PTS set to its index. It returns
// io.EOF at a clean end of input and an ErrIO for a truncated picture.
func (y *YUVReader) ReadFrame() (*media.Frame, error) {
	f := media.NewVideoFrame(y.format.Width, y.format.Height, y.format.PixelFormat)
	for i, p := range f.Planes {
		n, err := io.ReadFull(y.r, p)
		if err == nil {
			continue
		}
		if i == 0 && n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: raw picture %d truncated", media.ErrIO, y.frames)
		}
		return nil, err
	}
	f.PTS = y.frames
	y.frames++
	return f, nil
}

// WriteYUV writes the visible rows of every plane of f, dropping any line
// padding.
func WriteYUV(w io.Writer, f *media.Frame) error {
	if f.Kind != media.KindVideo {
		return fmt.Errorf("%w: raw video writer got a %s frame", media.ErrConfig, f.Kind)
	}
	for i, p := range f.Planes {
		pw, ph := f.PixelFormat.PlaneSize(i, f.Width, f.Height)
		stride := f.Linesize[i]
		if stride == pw {
			if _, err := w.Write(p[:pw*ph]); err != nil {
				return err
			}
			continue
		}
		for row := 0; row < ph; row++ {
			if _, err := w.Write(p[row*stride : row*stride+pw]); err != nil {
				return err
			}
		}
	}
	return nil
}

// PCMWriter writes audio frames as interleaved little-endian samples. Every
// channel is written; planar input is interleaved. Samples are written as
// 16-bit integers or 32-bit floats depending on the writer's format.
type PCMWriter struct {
	w      io.Writer
	format media.SampleFormat
	buf    []byte
}

// NewPCMWriter writes s16 or flt samples to w. Planar formats select the
// packed layout of the same sample type.
func NewPCMWriter(w io.Writer, format media.SampleFormat) (*PCMWriter, error) {
	switch format {
	case media.SampleFormatS16, media.SampleFormatS16P:
		format = media.SampleFormatS16
	case media.SampleFormatFLT, media.SampleFormatFLTP:
		format = media.SampleFormatFLT
	default:
		return nil, fmt.Errorf("%w: pcm writer sample format %q", media.ErrConfig, format)
	}
	return &PCMWriter{w: w, format: format}, nil
}

// WriteFrame writes every sample of f.
func (p *PCMWriter) WriteFrame(f *media.Frame) error {
	if f.Kind != media.KindAudio || !f.SampleFormat.Valid() {
		return fmt.Errorf("%w: pcm writer got a %s frame in %q", media.ErrConfig, f.Kind, f.SampleFormat)
	}
	if f.SampleFormat == p.format {
		_, err := p.w.Write(f.Planes[0][:f.Samples*f.Channels*p.format.BytesPerSample()])
		return err
	}

	bps := p.format.BytesPerSample()
	p.buf = p.buf[:0]
	for i := 0; i < f.Samples; i++ {
		for ch := 0; ch < f.Channels; ch++ {
			v := f.Sample(ch, i)
			if bps == 2 {
				p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(media.ToS16(v)))
			} else {
				p.buf = binary.LittleEndian.AppendUint32(p.buf, math.Float32bits(v))
			}
		}
	}
	_, err := p.w.Write(p.buf)
	return err
}

// PCMReader reads interleaved little-endian samples into packed frames of a
// fixed sample count.
type PCMReader struct {
	r       io.Reader
	format  media.AudioFormat
	samples int
	pos     int64
}

// NewPCMReader reads packed s16 or flt audio described by format, samples
// per frame at a time.
func NewPCMReader(r io.Reader, format media.AudioFormat, samples int) (*PCMReader, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 || samples <= 0 {
		return nil, fmt.Errorf("%w: pcm reader %s, %d samples per frame", media.ErrConfig, format, samples)
	}
	if format.SampleFormat != media.SampleFormatS16 && format.SampleFormat != media.SampleFormatFLT {
		return nil, fmt.Errorf("%w: pcm reader needs a packed format, got %q", media.ErrConfig, format.SampleFormat)
	}
	return &PCMReader{r: r, format: format, samples: samples}, nil
}

// ReadFrame returns the next frame with PTS counted in samples. The final
// frame may be short; a trailing partial sample is an ErrIO.
func (p *PCMReader) ReadFrame() (*media.Frame, error) {
	frameBytes := p.format.SampleFormat.BytesPerSample() * p.format.Channels
	buf := make([]byte, p.samples*frameBytes)
	n, err := io.ReadFull(p.r, buf)
	switch {
	case n == 0 && errors.Is(err, io.EOF):
		return nil, io.EOF
	case err != nil && !errors.Is(err, io.ErrUnexpectedEOF):
		return nil, err
	case n%frameBytes != 0:
		return nil, fmt.Errorf("%w: pcm input ends inside a sample", media.ErrIO)
	}

	f := media.NewAudioFrame(p.format, n/frameBytes)
	copy(f.Planes[0], buf[:n])
	f.PTS = p.pos
	p.pos += int64(f.Samples)
	return f, nil
}
