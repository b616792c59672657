package codec

import (
	"fmt"

	"github.com/zsiec/avkit/internal/media"
)

func checkVideoParams(codec string, p Params) (media.PixelFormat, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return "", fmt.Errorf("%w: %s needs a frame size (got %dx%d)", media.ErrConfig, codec, p.Width, p.Height)
	}
	pf := p.PixelFormat
	if pf == media.PixelFormatNone {
		pf = media.PixelFormatYUV420P
	}
	if pf.Planes() == 0 {
		return "", fmt.Errorf("%w: %s: unsupported pixel format %q", media.ErrConfig, codec, pf)
	}
	return pf, nil
}

// frameClock stamps video outputs that arrive without a timestamp.
type frameClock struct {
	tb    media.Rational
	rate  media.Rational
	index int64
}

func (c *frameClock) stamp(pts int64) (int64, int64) {
	dur := media.NoTimestamp
	if c.rate.Validate() == nil {
		dur = media.Rescale(1, c.rate.Invert(), c.tb)
	}
	if pts == media.NoTimestamp {
		if c.rate.Validate() == nil {
			pts = media.Rescale(c.index, c.rate.Invert(), c.tb)
		} else {
			pts = c.index
		}
	}
	c.index++
	return pts, dur
}

func newRawVideoDecoder(p Params) (DecoderBackend, error) {
	pf, err := checkVideoParams(media.CodecRawVideo, p)
	if err != nil {
		return nil, err
	}
	size := pf.FrameSize(p.Width, p.Height)
	clock := frameClock{tb: p.timeBase(media.KindVideo), rate: p.FrameRate}

	return &queueBackend[*media.CodedUnit, *media.Frame]{
		convert: func(u *media.CodedUnit) ([]*media.Frame, error) {
			if len(u.Data) != size {
				return nil, fmt.Errorf("%w: rawvideo payload of %d bytes, want %d for %dx%d %s",
					media.ErrBackend, len(u.Data), size, p.Width, p.Height, pf)
			}
			f := media.NewVideoFrame(p.Width, p.Height, pf)
			off := 0
			for i := range f.Planes {
				off += copy(f.Planes[i], u.Data[off:])
			}
			f.PTS, _ = clock.stamp(u.PTS)
			return []*media.Frame{f}, nil
		},
	}, nil
}

func newRawVideoEncoder(p Params) (EncoderBackend, error) {
	pf, err := checkVideoParams(media.CodecRawVideo, p)
	if err != nil {
		return nil, err
	}
	clock := frameClock{tb: p.timeBase(media.KindVideo), rate: p.FrameRate}

	return &queueBackend[*media.Frame, *media.CodedUnit]{
		convert: func(f *media.Frame) ([]*media.CodedUnit, error) {
			if f.Kind != media.KindVideo || f.Width != p.Width || f.Height != p.Height || f.PixelFormat != pf {
				return nil, fmt.Errorf("%w: rawvideo encoder opened for %dx%d %s, got %s",
					media.ErrBackend, p.Width, p.Height, pf, f.VideoFormat())
			}
			u := media.NewCodedUnit(0, packPlanes(f))
			u.PTS, u.Duration = clock.stamp(f.PTS)
			u.DTS = u.PTS
			u.Keyframe = true
			return []*media.CodedUnit{u}, nil
		},
	}, nil
}

// packPlanes copies the visible rows of every plane into one buffer.
func packPlanes(f *media.Frame) []byte {
	out := make([]byte, 0, f.PixelFormat.FrameSize(f.Width, f.Height))
	for i, plane := range f.Planes {
		w, h := f.PixelFormat.PlaneSize(i, f.Width, f.Height)
		stride := w
		if i < len(f.Linesize) && f.Linesize[i] > 0 {
			stride = f.Linesize[i]
		}
		for y := 0; y < h; y++ {
			out = append(out, plane[y*stride:y*stride+w]...)
		}
	}
	return out
}
