package framer

import (
	"encoding/binary"
	"fmt"

	"github.com/zsiec/avkit/internal/media"
)

// adtsFramer cuts an ADTS stream at the frame_length of each header.
type adtsFramer struct {
	streamID int
	in       buffer
}

func (f *adtsFramer) Feed(p []byte) ([]*media.CodedUnit, error) {
	f.in.push(p)
	var units []*media.CodedUnit
	for {
		data := f.in.pending()
		if len(data) < 2 {
			return units, nil
		}
		if data[0] != 0xFF || data[1]&0xF6 != 0xF0 {
			return units, fmt.Errorf("%w: adts sync word missing (got %02X %02X)", media.ErrParse, data[0], data[1])
		}
		if len(data) < 7 {
			return units, nil
		}
		h, err := ParseADTSHeader(data)
		if err != nil {
			return units, err
		}
		if len(data) < h.FrameLength {
			return units, nil
		}
		u := media.NewCodedUnit(f.streamID, f.in.take(h.FrameLength))
		u.Keyframe = true
		units = append(units, u)
	}
}

func (f *adtsFramer) Flush() ([]*media.CodedUnit, error) {
	if n := len(f.in.pending()); n > 0 {
		return nil, fmt.Errorf("%w: adts stream ends with %d bytes of a truncated frame", media.ErrParse, n)
	}
	return nil, nil
}

// mpegAudioFramer cuts an MPEG audio stream at computed frame lengths. An
// ID3v2 tag at the start and an ID3v1 tag anywhere a frame is expected are
// skipped.
type mpegAudioFramer struct {
	streamID int
	in       buffer
	started  bool
}

func (f *mpegAudioFramer) Feed(p []byte) ([]*media.CodedUnit, error) {
	f.in.push(p)
	var units []*media.CodedUnit
	if !f.started {
		done, err := f.skipID3v2()
		if err != nil || !done {
			return nil, err
		}
		f.started = true
	}
	for {
		data := f.in.pending()
		if len(data) < 3 {
			return units, nil
		}
		if data[0] == 'T' && data[1] == 'A' && data[2] == 'G' {
			if len(data) < 128 {
				return units, nil
			}
			f.in.discard(128)
			continue
		}
		if len(data) < 4 {
			return units, nil
		}
		h, err := ParseMPEGAudioHeader(data)
		if err != nil {
			return units, err
		}
		if len(data) < h.FrameLength {
			return units, nil
		}
		u := media.NewCodedUnit(f.streamID, f.in.take(h.FrameLength))
		u.Keyframe = true
		units = append(units, u)
	}
}

// skipID3v2 consumes a leading ID3v2 tag. It reports false while more bytes
// are needed to decide.
func (f *mpegAudioFramer) skipID3v2() (bool, error) {
	data := f.in.pending()
	if len(data) < 3 {
		return false, nil
	}
	if data[0] != 'I' || data[1] != 'D' || data[2] != '3' {
		return true, nil
	}
	if len(data) < 10 {
		return false, nil
	}
	for _, b := range data[6:10] {
		if b&0x80 != 0 {
			return false, fmt.Errorf("%w: id3v2 size is not syncsafe", media.ErrParse)
		}
	}
	size := int(data[6])<<21 | int(data[7])<<14 | int(data[8])<<7 | int(data[9])
	total := 10 + size
	if data[5]&0x10 != 0 {
		total += 10 // footer
	}
	if len(data) < total {
		return false, nil
	}
	f.in.discard(total)
	return true, nil
}

func (f *mpegAudioFramer) Flush() ([]*media.CodedUnit, error) {
	if !f.started {
		if _, err := f.skipID3v2(); err != nil {
			return nil, err
		}
	}
	if n := len(f.in.pending()); n > 0 {
		return nil, fmt.Errorf("%w: mpeg audio stream ends with %d bytes of a truncated frame", media.ErrParse, n)
	}
	return nil, nil
}

// Synth bitstream: every unit is "SYN" | flags u8 | length u32be | payload.
const (
	synthHeaderLen   = 8
	synthFlagKey     = 0x01
	synthMaxUnitSize = 64 << 20
)

// SynthUnitHeader returns the framing header of a synth unit.
func SynthUnitHeader(payloadLen int, keyframe bool) []byte {
	h := []byte{'S', 'Y', 'N', 0, 0, 0, 0, 0}
	if keyframe {
		h[3] = synthFlagKey
	}
	binary.BigEndian.PutUint32(h[4:], uint32(payloadLen))
	return h
}

type synthFramer struct {
	streamID int
	in       buffer
}

func (f *synthFramer) Feed(p []byte) ([]*media.CodedUnit, error) {
	f.in.push(p)
	var units []*media.CodedUnit
	for {
		data := f.in.pending()
		if n := min(len(data), 3); string(data[:n]) != "SYN"[:n] {
			return units, fmt.Errorf("%w: synth unit magic missing", media.ErrParse)
		}
		if len(data) < synthHeaderLen {
			return units, nil
		}
		size := int(binary.BigEndian.Uint32(data[4:8]))
		if size > synthMaxUnitSize {
			return units, fmt.Errorf("%w: synth unit of %d bytes exceeds limit", media.ErrParse, size)
		}
		if len(data) < synthHeaderLen+size {
			return units, nil
		}
		key := data[3]&synthFlagKey != 0
		f.in.discard(synthHeaderLen)
		u := media.NewCodedUnit(f.streamID, f.in.take(size))
		u.Keyframe = key
		units = append(units, u)
	}
}

func (f *synthFramer) Flush() ([]*media.CodedUnit, error) {
	if n := len(f.in.pending()); n > 0 {
		return nil, fmt.Errorf("%w: synth stream ends with %d bytes of a truncated unit", media.ErrParse, n)
	}
	return nil, nil
}

// pcmFramer cuts raw PCM into blocks of FrameSize samples per channel.
type pcmFramer struct {
	streamID  int
	blockSize int
	in        buffer
}

func newPCMFramer(codec string, desc media.StreamDescriptor) (*pcmFramer, error) {
	if desc.Channels <= 0 {
		return nil, fmt.Errorf("%w: %s framer needs a channel count", media.ErrConfig, codec)
	}
	bps := 2
	if codec == media.CodecPCMF32LE {
		bps = 4
	}
	frameSize := desc.FrameSize
	if frameSize <= 0 {
		frameSize = AACSamplesPerFrame
	}
	return &pcmFramer{streamID: desc.ID, blockSize: frameSize * desc.Channels * bps}, nil
}

func (f *pcmFramer) Feed(p []byte) ([]*media.CodedUnit, error) {
	f.in.push(p)
	var units []*media.CodedUnit
	for len(f.in.pending()) >= f.blockSize {
		u := media.NewCodedUnit(f.streamID, f.in.take(f.blockSize))
		u.Keyframe = true
		units = append(units, u)
	}
	return units, nil
}

func (f *pcmFramer) Flush() ([]*media.CodedUnit, error) {
	n := len(f.in.pending())
	if n == 0 {
		return nil, nil
	}
	u := media.NewCodedUnit(f.streamID, f.in.take(n))
	u.Keyframe = true
	return []*media.CodedUnit{u}, nil
}
