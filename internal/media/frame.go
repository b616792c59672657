// Package media defines the data model shared by every avkit stage: stream
// descriptors, coded units, decoded frames, rational time bases and the error
// taxonomy.
package media

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the media kind of a stream.
type Kind int

// Media kinds. Video sorts before audio wherever a fixed priority is needed.
const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Priority orders kinds for deterministic tie-breaking: video, then audio,
// then anything else.
func (k Kind) Priority() int {
	switch k {
	case KindVideo:
		return 0
	case KindAudio:
		return 1
	default:
		return 2
	}
}

// PixelFormat identifies the layout of a video frame.
type PixelFormat string

// Supported pixel formats.
const (
	PixelFormatNone    PixelFormat = ""
	PixelFormatYUV420P PixelFormat = "yuv420p"
	PixelFormatGray    PixelFormat = "gray"
)

// Planes returns the number of planes for the format.
func (p PixelFormat) Planes() int {
	switch p {
	case PixelFormatYUV420P:
		return 3
	case PixelFormatGray:
		return 1
	default:
		return 0
	}
}

// PlaneSize returns the width and height of plane i for a w×h picture.
// Chroma planes of yuv420p are rounded up.
func (p PixelFormat) PlaneSize(i, w, h int) (int, int) {
	if p == PixelFormatYUV420P && i > 0 {
		return (w + 1) / 2, (h + 1) / 2
	}
	return w, h
}

// FrameSize returns the number of bytes of a tightly packed w×h picture.
func (p PixelFormat) FrameSize(w, h int) int {
	n := 0
	for i := 0; i < p.Planes(); i++ {
		pw, ph := p.PlaneSize(i, w, h)
		n += pw * ph
	}
	return n
}

// SampleFormat identifies the layout of audio samples.
type SampleFormat string

// Supported sample formats. The "p" suffix denotes planar layout (one plane
// per channel); the others are packed (channels interleaved in one plane).
const (
	SampleFormatNone SampleFormat = ""
	SampleFormatS16  SampleFormat = "s16"
	SampleFormatS16P SampleFormat = "s16p"
	SampleFormatFLT  SampleFormat = "flt"
	SampleFormatFLTP SampleFormat = "fltp"
)

// BytesPerSample returns the size of one sample of one channel.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case SampleFormatS16, SampleFormatS16P:
		return 2
	case SampleFormatFLT, SampleFormatFLTP:
		return 4
	default:
		return 0
	}
}

// Planar reports whether each channel is stored in its own plane.
func (f SampleFormat) Planar() bool {
	return f == SampleFormatS16P || f == SampleFormatFLTP
}

// Valid reports whether f is a known sample format.
func (f SampleFormat) Valid() bool {
	return f.BytesPerSample() > 0
}

// VideoFormat describes a picture geometry.
type VideoFormat struct {
	Width       int
	Height      int
	PixelFormat PixelFormat
	TimeBase    Rational
}

func (v VideoFormat) String() string {
	return fmt.Sprintf("%dx%d %s", v.Width, v.Height, v.PixelFormat)
}

// ParseSize parses "WxH".
func ParseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("%w: size %q: want WxH", ErrConfig, s)
	}
	w, err1 := strconv.Atoi(ws)
	h, err2 := strconv.Atoi(hs)
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("%w: size %q: want positive WxH", ErrConfig, s)
	}
	return w, h, nil
}

// AudioFormat describes a sample stream.
type AudioFormat struct {
	SampleRate   int
	Channels     int
	SampleFormat SampleFormat
}

func (a AudioFormat) String() string {
	return fmt.Sprintf("%dHz %dch %s", a.SampleRate, a.Channels, a.SampleFormat)
}

// StreamDescriptor describes one elementary stream. Descriptors are
// discovered when a container is opened and never change afterwards.
type StreamDescriptor struct {
	ID       int
	Kind     Kind
	Codec    string
	TimeBase Rational

	// Video parameters.
	Width       int
	Height      int
	PixelFormat PixelFormat
	FrameRate   Rational

	// Audio parameters.
	SampleRate   int
	Channels     int
	SampleFormat SampleFormat
	BitDepth     int
	FrameSize    int // samples per coded unit, 0 if variable

	// Extra carries codec setup data such as parameter sets.
	Extra []byte
	// PID is the transport stream PID for streams read from MPEG-TS.
	PID uint16
}

func (d StreamDescriptor) String() string {
	switch d.Kind {
	case KindVideo:
		return fmt.Sprintf("#%d video %s %dx%d tb=%s", d.ID, d.Codec, d.Width, d.Height, d.TimeBase)
	case KindAudio:
		return fmt.Sprintf("#%d audio %s %dHz %dch tb=%s", d.ID, d.Codec, d.SampleRate, d.Channels, d.TimeBase)
	default:
		return fmt.Sprintf("#%d %s tb=%s", d.ID, d.Codec, d.TimeBase)
	}
}

// VideoFormat returns the picture geometry of a video stream.
func (d StreamDescriptor) VideoFormat() VideoFormat {
	return VideoFormat{Width: d.Width, Height: d.Height, PixelFormat: d.PixelFormat, TimeBase: d.TimeBase}
}

// AudioFormat returns the sample layout of an audio stream.
func (d StreamDescriptor) AudioFormat() AudioFormat {
	return AudioFormat{SampleRate: d.SampleRate, Channels: d.Channels, SampleFormat: d.SampleFormat}
}

// CodedUnit is one undecoded access unit plus its timing. Timestamps are in
// the time base of the owning stream and may be NoTimestamp.
type CodedUnit struct {
	StreamID int
	Data     []byte
	PTS      int64
	DTS      int64
	Duration int64
	Keyframe bool
}

// NewCodedUnit returns a unit with all timing fields unset.
func NewCodedUnit(streamID int, data []byte) *CodedUnit {
	return &CodedUnit{
		StreamID: streamID,
		Data:     data,
		PTS:      NoTimestamp,
		DTS:      NoTimestamp,
		Duration: NoTimestamp,
	}
}

// Len returns the payload length in bytes.
func (u *CodedUnit) Len() int {
	return len(u.Data)
}

// Frame is one decoded picture or block of audio samples.
type Frame struct {
	Kind     Kind
	Planes   [][]byte
	Linesize []int
	PTS      int64

	Width       int
	Height      int
	PixelFormat PixelFormat

	SampleRate   int
	Channels     int
	SampleFormat SampleFormat
	Samples      int
}

// NewVideoFrame allocates a tightly packed picture.
func NewVideoFrame(w, h int, pf PixelFormat) *Frame {
	f := &Frame{
		Kind:        KindVideo,
		Width:       w,
		Height:      h,
		PixelFormat: pf,
		PTS:         NoTimestamp,
	}
	for i := 0; i < pf.Planes(); i++ {
		pw, ph := pf.PlaneSize(i, w, h)
		f.Planes = append(f.Planes, make([]byte, pw*ph))
		f.Linesize = append(f.Linesize, pw)
	}
	return f
}

// NewAudioFrame allocates samples for every channel of format.
func NewAudioFrame(format AudioFormat, samples int) *Frame {
	f := &Frame{
		Kind:         KindAudio,
		SampleRate:   format.SampleRate,
		Channels:     format.Channels,
		SampleFormat: format.SampleFormat,
		Samples:      samples,
		PTS:          NoTimestamp,
	}
	bps := format.SampleFormat.BytesPerSample()
	if format.SampleFormat.Planar() {
		for c := 0; c < format.Channels; c++ {
			f.Planes = append(f.Planes, make([]byte, samples*bps))
			f.Linesize = append(f.Linesize, samples*bps)
		}
	} else {
		f.Planes = [][]byte{make([]byte, samples*bps*format.Channels)}
		f.Linesize = []int{samples * bps * format.Channels}
	}
	return f
}

// VideoFormat returns the geometry of a video frame.
func (f *Frame) VideoFormat() VideoFormat {
	return VideoFormat{Width: f.Width, Height: f.Height, PixelFormat: f.PixelFormat}
}

// AudioFormat returns the sample layout of an audio frame.
func (f *Frame) AudioFormat() AudioFormat {
	return AudioFormat{SampleRate: f.SampleRate, Channels: f.Channels, SampleFormat: f.SampleFormat}
}

// Clone deep-copies the frame so the copy can be handed to a different owner.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Planes = make([][]byte, len(f.Planes))
	for i, p := range f.Planes {
		c.Planes[i] = append([]byte(nil), p...)
	}
	c.Linesize = append([]int(nil), f.Linesize...)
	return &c
}
