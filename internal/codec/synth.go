package codec

import (
	"container/heap"
	"encoding/binary"
	"fmt"

	"github.com/zsiec/avkit/internal/media"
)

// The synth codec is a lossless stand-in for a real video codec. Each unit
// describes one flat picture; the decoder reorders output like a stream
// with B-frames so that callers exercise real drain and flush behaviour.

// SynthPayloadSize is the length of one synth unit payload.
const SynthPayloadSize = 15

const (
	defaultGOP     = 10
	maxSynthPixels = 8192 * 8192
	neutralChroma  = 128
)

// SynthFrameType is the picture type carried in a synth payload.
type SynthFrameType byte

// Synth picture types.
const (
	SynthI SynthFrameType = iota
	SynthP
	SynthB
)

// SynthPicture is the decoded form of a synth payload.
type SynthPicture struct {
	PTS    int64
	Width  int
	Height int
	Luma   byte
	Chroma byte
	Type   SynthFrameType
}

// Marshal encodes the picture as pts i64 | width u16 | height u16 | luma u8
// | chroma u8 | type u8, big endian.
func (p SynthPicture) Marshal() []byte {
	b := make([]byte, SynthPayloadSize)
	binary.BigEndian.PutUint64(b[0:], uint64(p.PTS))
	binary.BigEndian.PutUint16(b[8:], uint16(p.Width))
	binary.BigEndian.PutUint16(b[10:], uint16(p.Height))
	b[12] = p.Luma
	b[13] = p.Chroma
	b[14] = byte(p.Type)
	return b
}

// ParseSynthPicture decodes a synth payload.
func ParseSynthPicture(b []byte) (SynthPicture, error) {
	if len(b) != SynthPayloadSize {
		return SynthPicture{}, fmt.Errorf("%w: synth payload of %d bytes, want %d", media.ErrBackend, len(b), SynthPayloadSize)
	}
	p := SynthPicture{
		PTS:    int64(binary.BigEndian.Uint64(b[0:])),
		Width:  int(binary.BigEndian.Uint16(b[8:])),
		Height: int(binary.BigEndian.Uint16(b[10:])),
		Luma:   b[12],
		Chroma: b[13],
		Type:   SynthFrameType(b[14]),
	}
	if p.Width == 0 || p.Height == 0 || p.Width*p.Height > maxSynthPixels {
		return SynthPicture{}, fmt.Errorf("%w: synth picture size %dx%d", media.ErrBackend, p.Width, p.Height)
	}
	if p.Type > SynthB {
		return SynthPicture{}, fmt.Errorf("%w: synth picture type %d", media.ErrBackend, p.Type)
	}
	return p, nil
}

// Frame renders the picture as a flat yuv420p frame.
func (p SynthPicture) Frame() *media.Frame {
	f := media.NewVideoFrame(p.Width, p.Height, media.PixelFormatYUV420P)
	fill(f.Planes[0], p.Luma)
	fill(f.Planes[1], p.Chroma)
	fill(f.Planes[2], p.Chroma)
	f.PTS = p.PTS
	return f
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// frameHeap orders held frames by PTS.
type frameHeap []*media.Frame

func (h frameHeap) Len() int           { return len(h) }
func (h frameHeap) Less(i, j int) bool { return h[i].PTS < h[j].PTS }
func (h frameHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x any)        { *h = append(*h, x.(*media.Frame)) }
func (h *frameHeap) Pop() any {
	old := *h
	f := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return f
}

func newSynthDecoder(p Params) (DecoderBackend, error) {
	if p.Delay < 0 {
		return nil, fmt.Errorf("%w: synth reorder delay %d", media.ErrConfig, p.Delay)
	}
	held := &frameHeap{}
	return &queueBackend[*media.CodedUnit, *media.Frame]{
		convert: func(u *media.CodedUnit) ([]*media.Frame, error) {
			pic, err := ParseSynthPicture(u.Data)
			if err != nil {
				return nil, err
			}
			heap.Push(held, pic.Frame())
			var out []*media.Frame
			for held.Len() > p.Delay {
				out = append(out, heap.Pop(held).(*media.Frame))
			}
			return out, nil
		},
		finish: func() ([]*media.Frame, error) {
			var out []*media.Frame
			for held.Len() > 0 {
				out = append(out, heap.Pop(held).(*media.Frame))
			}
			return out, nil
		},
	}, nil
}

// synthEncoder holds one frame back before emitting it.
type synthEncoder struct {
	gop   int
	clock frameClock
	held  *media.Frame
	count int
}

func newSynthEncoder(p Params) (EncoderBackend, error) {
	if p.GOP < 0 {
		return nil, fmt.Errorf("%w: synth gop %d", media.ErrConfig, p.GOP)
	}
	e := &synthEncoder{
		gop:   p.GOP,
		clock: frameClock{tb: p.timeBase(media.KindVideo), rate: p.FrameRate},
	}
	if e.gop == 0 {
		e.gop = defaultGOP
	}
	return &queueBackend[*media.Frame, *media.CodedUnit]{convert: e.encode, finish: e.finish}, nil
}

func (e *synthEncoder) encode(f *media.Frame) ([]*media.CodedUnit, error) {
	if f.Kind != media.KindVideo || f.PixelFormat.Planes() == 0 {
		return nil, fmt.Errorf("%w: synth encoder needs video frames", media.ErrBackend)
	}
	if f.Width <= 0 || f.Height <= 0 || f.Width > 0xFFFF || f.Height > 0xFFFF {
		return nil, fmt.Errorf("%w: synth encoder cannot carry %dx%d", media.ErrBackend, f.Width, f.Height)
	}
	prev := e.held
	e.held = f
	if prev == nil {
		return nil, nil
	}
	return []*media.CodedUnit{e.unit(prev)}, nil
}

func (e *synthEncoder) finish() ([]*media.CodedUnit, error) {
	if e.held == nil {
		return nil, nil
	}
	u := e.unit(e.held)
	e.held = nil
	return []*media.CodedUnit{u}, nil
}

func (e *synthEncoder) unit(f *media.Frame) *media.CodedUnit {
	pic := SynthPicture{
		Width:  f.Width,
		Height: f.Height,
		Luma:   planeMean(f, 0),
		Chroma: neutralChroma,
		Type:   SynthP,
	}
	if f.PixelFormat.Planes() > 1 {
		pic.Chroma = planeMean(f, 1)
	}
	if e.count%e.gop == 0 {
		pic.Type = SynthI
	}
	e.count++

	var dur int64
	pic.PTS, dur = e.clock.stamp(f.PTS)
	u := media.NewCodedUnit(0, pic.Marshal())
	u.PTS, u.DTS, u.Duration = pic.PTS, pic.PTS, dur
	u.Keyframe = pic.Type == SynthI
	return u
}

// planeMean returns the rounded average of the visible samples of plane i.
func planeMean(f *media.Frame, i int) byte {
	w, h := f.PixelFormat.PlaneSize(i, f.Width, f.Height)
	stride := w
	if i < len(f.Linesize) && f.Linesize[i] > 0 {
		stride = f.Linesize[i]
	}
	var sum int
	for y := 0; y < h; y++ {
		for _, v := range f.Planes[i][y*stride : y*stride+w] {
			sum += int(v)
		}
	}
	n := w * h
	return byte((sum + n/2) / n)
}
