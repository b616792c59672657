package framer

import (
	"fmt"

	"github.com/zsiec/avkit/internal/media"
)

// AAC sampling frequency index table (ISO 14496-3).
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AACSamplesPerFrame is the number of PCM samples one AAC-LC frame decodes to.
const AACSamplesPerFrame = 1024

// ADTSHeader is a parsed ADTS frame header.
type ADTSHeader struct {
	Profile     int // audio object type minus one
	SampleRate  int
	Channels    int
	FrameLength int // header + payload
	HeaderSize  int // 7, or 9 with CRC
}

// ParseADTSHeader parses the header at the start of data. It needs at least
// 7 bytes.
func ParseADTSHeader(data []byte) (ADTSHeader, error) {
	if len(data) < 7 {
		return ADTSHeader{}, fmt.Errorf("%w: adts header truncated", media.ErrParse)
	}
	if data[0] != 0xFF || data[1]&0xF6 != 0xF0 {
		return ADTSHeader{}, fmt.Errorf("%w: adts sync word missing (got %02X %02X)", media.ErrParse, data[0], data[1])
	}
	h := ADTSHeader{HeaderSize: 7}
	if data[1]&0x01 == 0 {
		h.HeaderSize = 9
	}
	h.Profile = int(data[2] >> 6)
	idx := int(data[2]>>2) & 0x0F
	if idx >= len(aacSampleRates) {
		return ADTSHeader{}, fmt.Errorf("%w: adts sampling index %d", media.ErrParse, idx)
	}
	h.SampleRate = aacSampleRates[idx]
	h.Channels = int(data[2]&0x01)<<2 | int(data[3]>>6)
	h.FrameLength = int(data[3]&0x03)<<11 | int(data[4])<<3 | int(data[5]>>5)
	if h.FrameLength < h.HeaderSize {
		return ADTSHeader{}, fmt.Errorf("%w: adts frame length %d shorter than header", media.ErrParse, h.FrameLength)
	}
	return h, nil
}

// AACFrame is one ADTS frame.
type AACFrame struct {
	Data       []byte // header + payload
	SampleRate int
	Channels   int
}

// ParseADTS splits a buffer holding whole ADTS frames. A truncated final
// frame is ignored; a missing sync word is a parse error.
func ParseADTS(data []byte) ([]AACFrame, error) {
	var frames []AACFrame
	for off := 0; len(data)-off >= 7; {
		h, err := ParseADTSHeader(data[off:])
		if err != nil {
			return frames, err
		}
		if off+h.FrameLength > len(data) {
			break
		}
		frames = append(frames, AACFrame{
			Data:       data[off : off+h.FrameLength],
			SampleRate: h.SampleRate,
			Channels:   h.Channels,
		})
		off += h.FrameLength
	}
	return frames, nil
}

// BuildADTSHeader returns a 7-byte ADTS header (no CRC) for an AAC-LC
// payload of payloadLen bytes.
func BuildADTSHeader(sampleRate, channels, payloadLen int) ([]byte, error) {
	idx := -1
	for i, r := range aacSampleRates {
		if r == sampleRate {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: no adts index for %d Hz", media.ErrConfig, sampleRate)
	}
	n := payloadLen + 7
	return []byte{
		0xFF,
		0xF1,
		byte(1<<6 | idx<<2 | (channels>>2)&0x01),
		byte((channels&0x03)<<6 | (n>>11)&0x03),
		byte(n >> 3),
		byte((n&0x07)<<5 | 0x1F),
		0xFC,
	}, nil
}

// MPEGAudioHeader is a parsed MPEG-1/2/2.5 audio frame header.
type MPEGAudioHeader struct {
	Version     int // 1, 2, or 25 for MPEG-2.5
	Layer       int // 1, 2 or 3
	Bitrate     int // bits per second
	SampleRate  int
	Padding     bool
	Channels    int
	FrameLength int
	Samples     int // PCM samples per frame
}

var mpegBitrates = map[[2]int][16]int{
	{1, 1}: {0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, -1},
	{1, 2}: {0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, -1},
	{1, 3}: {0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, -1},
	{2, 1}: {0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, -1},
	{2, 2}: {0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, -1},
	{2, 3}: {0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, -1},
}

var mpegSampleRates = map[int][3]int{
	1:  {44100, 48000, 32000},
	2:  {22050, 24000, 16000},
	25: {11025, 12000, 8000},
}

// ParseMPEGAudioHeader parses the 4-byte frame header at the start of data.
// Free-format and reserved field values are rejected.
func ParseMPEGAudioHeader(data []byte) (MPEGAudioHeader, error) {
	if len(data) < 4 {
		return MPEGAudioHeader{}, fmt.Errorf("%w: mpeg audio header truncated", media.ErrParse)
	}
	if data[0] != 0xFF || data[1]&0xE0 != 0xE0 {
		return MPEGAudioHeader{}, fmt.Errorf("%w: mpeg audio sync missing (got %02X %02X)", media.ErrParse, data[0], data[1])
	}
	var h MPEGAudioHeader
	switch (data[1] >> 3) & 0x03 {
	case 0:
		h.Version = 25
	case 2:
		h.Version = 2
	case 3:
		h.Version = 1
	default:
		return MPEGAudioHeader{}, fmt.Errorf("%w: mpeg audio reserved version", media.ErrParse)
	}
	layerBits := (data[1] >> 1) & 0x03
	if layerBits == 0 {
		return MPEGAudioHeader{}, fmt.Errorf("%w: mpeg audio reserved layer", media.ErrParse)
	}
	h.Layer = 4 - int(layerBits)

	tableVersion := 1
	if h.Version != 1 {
		tableVersion = 2
	}
	brIdx := int(data[2] >> 4)
	kbps := mpegBitrates[[2]int{tableVersion, h.Layer}][brIdx]
	if kbps <= 0 {
		return MPEGAudioHeader{}, fmt.Errorf("%w: mpeg audio bitrate index %d unsupported", media.ErrParse, brIdx)
	}
	srIdx := int(data[2]>>2) & 0x03
	if srIdx == 3 {
		return MPEGAudioHeader{}, fmt.Errorf("%w: mpeg audio reserved sample rate", media.ErrParse)
	}
	h.Bitrate = kbps * 1000
	h.SampleRate = mpegSampleRates[h.Version][srIdx]
	h.Padding = data[2]&0x02 != 0
	h.Channels = 2
	if data[3]>>6 == 3 {
		h.Channels = 1
	}

	pad := 0
	if h.Padding {
		pad = 1
	}
	switch {
	case h.Layer == 1:
		h.Samples = 384
		h.FrameLength = (12*h.Bitrate/h.SampleRate + pad) * 4
	case h.Layer == 2 || h.Version == 1:
		h.Samples = 1152
		h.FrameLength = 144*h.Bitrate/h.SampleRate + pad
	default:
		h.Samples = 576
		h.FrameLength = 72*h.Bitrate/h.SampleRate + pad
	}
	return h, nil
}
