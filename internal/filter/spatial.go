package filter

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/zsiec/avkit/internal/media"
)

// spatial maps each plane of a frame to the same plane of a new frame of
// format out. PTS is kept.
type spatial struct {
	out   media.VideoFormat
	plane func(i int, src, dst *image.Gray)
}

func (s *spatial) push(f *media.Frame) ([]*media.Frame, error) {
	o := media.NewVideoFrame(s.out.Width, s.out.Height, s.out.PixelFormat)
	o.PTS = f.PTS
	for i := range o.Planes {
		s.plane(i, planeImage(f, i), planeImage(o, i))
	}
	return []*media.Frame{o}, nil
}

func (s *spatial) flush() []*media.Frame { return nil }

// planeImage views plane i of f as a gray image without copying.
func planeImage(f *media.Frame, i int) *image.Gray {
	w, h := f.PixelFormat.PlaneSize(i, f.Width, f.Height)
	return &image.Gray{Pix: f.Planes[i], Stride: f.Linesize[i], Rect: image.Rect(0, 0, w, h)}
}

// storeNRGBA copies the red channel of src, which imaging produces from a
// gray input with equal channels, into dst.
func storeNRGBA(dst *image.Gray, src *image.NRGBA) {
	b := dst.Rect
	for y := 0; y < b.Dy(); y++ {
		row := src.Pix[y*src.Stride:]
		out := dst.Pix[y*dst.Stride : y*dst.Stride+b.Dx()]
		for x := range out {
			out[x] = row[x*4]
		}
	}
}

func copyPlane(dst, src *image.Gray) {
	for y := 0; y < dst.Rect.Dy(); y++ {
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+dst.Rect.Dx()], src.Pix[y*src.Stride:])
	}
}

// imagingStage applies fn to every plane, or to the luma plane only.
func imagingStage(out media.VideoFormat, lumaOnly bool, fn func(i int, img image.Image) *image.NRGBA) *spatial {
	return &spatial{out: out, plane: func(i int, src, dst *image.Gray) {
		if lumaOnly && i > 0 {
			copyPlane(dst, src)
			return
		}
		storeNRGBA(dst, fn(i, src))
	}}
}

func buildScale(p params, in media.VideoFormat) (stage, media.VideoFormat, error) {
	if !p.has("w") || !p.has("h") {
		return nil, in, fmt.Errorf("%w: scale needs w and h", media.ErrConfig)
	}
	w, err := p.int("w", 0)
	if err != nil {
		return nil, in, err
	}
	h, err := p.int("h", 0)
	if err != nil {
		return nil, in, err
	}
	// -1 keeps the aspect ratio, rounded to an even size.
	switch {
	case w == -1 && h == -1:
		return nil, in, fmt.Errorf("%w: scale: w and h cannot both be -1", media.ErrConfig)
	case w == -1 && h > 0:
		w = max(2, (in.Width*h/in.Height+1)&^1)
	case h == -1 && w > 0:
		h = max(2, (in.Height*w/in.Width+1)&^1)
	}
	if w <= 0 || h <= 0 || w > 0xFFFF || h > 0xFFFF {
		return nil, in, fmt.Errorf("%w: scale to %dx%d", media.ErrConfig, w, h)
	}
	out := in
	out.Width, out.Height = w, h
	return &spatial{out: out, plane: func(_ int, src, dst *image.Gray) {
		draw.BiLinear.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)
	}}, out, nil
}

func buildCrop(p params, in media.VideoFormat) (stage, media.VideoFormat, error) {
	w, err := p.int("w", in.Width)
	if err != nil {
		return nil, in, err
	}
	h, err := p.int("h", in.Height)
	if err != nil {
		return nil, in, err
	}
	x, err := p.int("x", (in.Width-w)/2)
	if err != nil {
		return nil, in, err
	}
	y, err := p.int("y", (in.Height-h)/2)
	if err != nil {
		return nil, in, err
	}
	if w <= 0 || h <= 0 || x < 0 || y < 0 || x+w > in.Width || y+h > in.Height {
		return nil, in, fmt.Errorf("%w: crop %dx%d+%d+%d outside %dx%d", media.ErrConfig, w, h, x, y, in.Width, in.Height)
	}
	out := in
	out.Width, out.Height = w, h
	return &spatial{out: out, plane: func(i int, src, dst *image.Gray) {
		ox, oy := x, y
		if i > 0 && in.PixelFormat == media.PixelFormatYUV420P {
			ox, oy = x/2, y/2
		}
		copyPlane(dst, src.SubImage(image.Rect(ox, oy, src.Rect.Dx(), src.Rect.Dy())).(*image.Gray))
	}}, out, nil
}

func buildHFlip(_ params, in media.VideoFormat) (stage, media.VideoFormat, error) {
	return imagingStage(in, false, func(_ int, img image.Image) *image.NRGBA { return imaging.FlipH(img) }), in, nil
}

func buildVFlip(_ params, in media.VideoFormat) (stage, media.VideoFormat, error) {
	return imagingStage(in, false, func(_ int, img image.Image) *image.NRGBA { return imaging.FlipV(img) }), in, nil
}

// Transpose directions, numbered as in common filter tools.
const (
	transposeCClockFlip = iota
	transposeClock
	transposeCClock
	transposeClockFlip
)

func buildTranspose(p params, in media.VideoFormat) (stage, media.VideoFormat, error) {
	dir, err := p.int("dir", transposeCClockFlip)
	if err != nil {
		return nil, in, err
	}
	var fn func(image.Image) *image.NRGBA
	switch dir {
	case transposeCClockFlip:
		fn = imaging.Transpose
	case transposeClock:
		fn = imaging.Rotate270
	case transposeCClock:
		fn = imaging.Rotate90
	case transposeClockFlip:
		fn = imaging.Transverse
	default:
		return nil, in, fmt.Errorf("%w: transpose direction %d", media.ErrConfig, dir)
	}
	out := in
	out.Width, out.Height = in.Height, in.Width
	return imagingStage(out, false, func(_ int, img image.Image) *image.NRGBA { return fn(img) }), out, nil
}

func buildNegate(_ params, in media.VideoFormat) (stage, media.VideoFormat, error) {
	return imagingStage(in, false, func(_ int, img image.Image) *image.NRGBA { return imaging.Invert(img) }), in, nil
}

func sigmaArg(p params) (float64, error) {
	sigma, err := p.float("sigma", 0.5)
	if err != nil {
		return 0, err
	}
	if sigma <= 0 || sigma > 1024 {
		return 0, fmt.Errorf("%w: %s sigma %g", media.ErrConfig, p.op, sigma)
	}
	return sigma, nil
}

// planeSigma scales sigma to the resolution of plane i.
func planeSigma(in media.VideoFormat, i int, sigma float64) float64 {
	w, _ := in.PixelFormat.PlaneSize(i, in.Width, in.Height)
	return sigma * float64(w) / float64(in.Width)
}

func buildGBlur(p params, in media.VideoFormat) (stage, media.VideoFormat, error) {
	sigma, err := sigmaArg(p)
	if err != nil {
		return nil, in, err
	}
	return imagingStage(in, false, func(i int, img image.Image) *image.NRGBA {
		return imaging.Blur(img, planeSigma(in, i, sigma))
	}), in, nil
}

func buildUnsharp(p params, in media.VideoFormat) (stage, media.VideoFormat, error) {
	sigma, err := sigmaArg(p)
	if err != nil {
		return nil, in, err
	}
	return imagingStage(in, false, func(i int, img image.Image) *image.NRGBA {
		return imaging.Sharpen(img, planeSigma(in, i, sigma))
	}), in, nil
}

func buildEq(p params, in media.VideoFormat) (stage, media.VideoFormat, error) {
	brightness, err := p.float("brightness", 0)
	if err != nil {
		return nil, in, err
	}
	contrast, err := p.float("contrast", 0)
	if err != nil {
		return nil, in, err
	}
	if brightness < -100 || brightness > 100 || contrast < -100 || contrast > 100 {
		return nil, in, fmt.Errorf("%w: eq brightness %g contrast %g outside [-100, 100]", media.ErrConfig, brightness, contrast)
	}
	return imagingStage(in, true, func(_ int, img image.Image) *image.NRGBA {
		return imaging.AdjustContrast(imaging.AdjustBrightness(img, brightness), contrast)
	}), in, nil
}
