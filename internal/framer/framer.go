// Package framer turns raw elementary-stream bytes into coded units. A
// Framer keeps whatever trailing bytes do not yet form a complete unit, so
// the unit sequence it produces does not depend on how the input was split
// into chunks.
//
// The package also exports the bitstream parsers the framers are built on:
// [ParseAnnexB], [ParseSPS], [ParseHEVCSPS], [ParseADTS] and
// [ParseMPEGAudioHeader].
package framer

import (
	"fmt"

	"github.com/zsiec/avkit/internal/media"
)

// Framer splits a byte stream of one codec into coded units.
type Framer interface {
	// Feed appends p to the internal buffer and returns every unit that is
	// now complete. A syntax violation returns an error wrapping
	// media.ErrParse; the framer must not be fed again after that.
	Feed(p []byte) ([]*media.CodedUnit, error)

	// Flush returns the final unit held back at end of input.
	Flush() ([]*media.CodedUnit, error)
}

// New returns a framer for codec. The descriptor supplies the stream ID
// stamped on each unit and, for PCM, the block geometry.
func New(codec string, desc media.StreamDescriptor) (Framer, error) {
	switch codec {
	case media.CodecH264:
		return newAnnexBFramer(desc.ID, h264Syntax), nil
	case media.CodecHEVC:
		return newAnnexBFramer(desc.ID, hevcSyntax), nil
	case media.CodecAAC:
		return &adtsFramer{streamID: desc.ID}, nil
	case media.CodecMP3:
		return &mpegAudioFramer{streamID: desc.ID}, nil
	case media.CodecSynth:
		return &synthFramer{streamID: desc.ID}, nil
	case media.CodecPCMS16LE, media.CodecPCMF32LE:
		return newPCMFramer(codec, desc)
	default:
		return nil, fmt.Errorf("%w: no framer for codec %q", media.ErrConfig, codec)
	}
}

// buffer is the byte queue shared by the length-delimited framers.
type buffer struct {
	buf []byte
	off int
}

func (b *buffer) push(p []byte) {
	if b.off > 0 && b.off >= len(b.buf)/2 {
		n := copy(b.buf, b.buf[b.off:])
		b.buf, b.off = b.buf[:n], 0
	}
	b.buf = append(b.buf, p...)
}

func (b *buffer) pending() []byte {
	return b.buf[b.off:]
}

// take returns a copy of the next n bytes and consumes them.
func (b *buffer) take(n int) []byte {
	out := make([]byte, n)
	copy(out, b.buf[b.off:b.off+n])
	b.off += n
	return out
}

func (b *buffer) discard(n int) {
	b.off += n
}
