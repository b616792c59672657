package filter

import (
	"fmt"

	"github.com/zsiec/avkit/internal/media"
)

const maxTmixFrames = 128

// framestep keeps the first of every n frames.
type framestep struct {
	n     int
	count int
}

func buildFramestep(p params, in media.VideoFormat) (stage, media.VideoFormat, error) {
	n, err := p.int("step", 1)
	if err != nil {
		return nil, in, err
	}
	if n < 1 {
		return nil, in, fmt.Errorf("%w: framestep %d", media.ErrConfig, n)
	}
	return &framestep{n: n}, in, nil
}

func (s *framestep) push(f *media.Frame) ([]*media.Frame, error) {
	keep := s.count%s.n == 0
	s.count++
	if !keep {
		return nil, nil
	}
	return []*media.Frame{f}, nil
}

func (s *framestep) flush() []*media.Frame { return nil }

// tmix outputs, for every input, the average of it and up to n-1 frames
// before it.
type tmix struct {
	n      int
	out    media.VideoFormat
	window []*media.Frame
}

func buildTmix(p params, in media.VideoFormat) (stage, media.VideoFormat, error) {
	n, err := p.int("frames", 3)
	if err != nil {
		return nil, in, err
	}
	if n < 1 || n > maxTmixFrames {
		return nil, in, fmt.Errorf("%w: tmix frames %d outside [1, %d]", media.ErrConfig, n, maxTmixFrames)
	}
	return &tmix{n: n, out: in}, in, nil
}

func (s *tmix) push(f *media.Frame) ([]*media.Frame, error) {
	if len(s.window) == s.n {
		s.window = append(s.window[:0], s.window[1:]...)
	}
	s.window = append(s.window, f.Clone())

	o := media.NewVideoFrame(s.out.Width, s.out.Height, s.out.PixelFormat)
	o.PTS = f.PTS
	n := len(s.window)
	for i := range o.Planes {
		dst := planeImage(o, i)
		w, h := dst.Rect.Dx(), dst.Rect.Dy()
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				sum := 0
				for _, src := range s.window {
					sum += int(src.Planes[i][y*src.Linesize[i]+x])
				}
				dst.Pix[y*dst.Stride+x] = byte((sum + n/2) / n)
			}
		}
	}
	return []*media.Frame{o}, nil
}

func (s *tmix) flush() []*media.Frame {
	s.window = nil
	return nil
}

// reverse holds every frame and emits them last first at flush. The output
// keeps the original timestamps in their original order.
type reverse struct {
	held []*media.Frame
}

func buildReverse(_ params, in media.VideoFormat) (stage, media.VideoFormat, error) {
	return &reverse{}, in, nil
}

func (s *reverse) push(f *media.Frame) ([]*media.Frame, error) {
	s.held = append(s.held, f.Clone())
	return nil, nil
}

func (s *reverse) flush() []*media.Frame {
	pts := make([]int64, len(s.held))
	for i, f := range s.held {
		pts[i] = f.PTS
	}
	out := make([]*media.Frame, len(s.held))
	for i := range out {
		out[i] = s.held[len(s.held)-1-i]
		out[i].PTS = pts[i]
	}
	s.held = nil
	return out
}
