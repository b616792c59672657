package storage

import "github.com/zsiec/avkit/internal/media"

// Format names a sniffed input format. Values match the container and codec
// identifiers used elsewhere, so a detected format can be opened directly.
type Format string

// Detectable formats.
const (
	FormatUnknown Format = ""
	FormatMPEGTS  Format = "mpegts"
	FormatH264    Format = media.CodecH264
	FormatHEVC    Format = media.CodecHEVC
	FormatAAC     Format = media.CodecAAC
	FormatMP3     Format = media.CodecMP3
	FormatSynth   Format = media.CodecSynth
)

// DetectSize is the number of leading bytes Detect needs to recognize every
// format.
const DetectSize = 3*188 + 1

// Detect guesses the format of a stream from its first bytes.
func Detect(head []byte) Format {
	switch {
	case isTS(head):
		return FormatMPEGTS
	case len(head) >= 3 && string(head[:3]) == "SYN":
		return FormatSynth
	case len(head) >= 3 && string(head[:3]) == "ID3":
		return FormatMP3
	}
	if nal, ok := firstNAL(head); ok {
		// An HEVC stream opens with an AUD (35) or VPS (32); H.264 never
		// starts with those header bytes.
		if t := (nal >> 1) & 0x3F; nal&0x81 == 0 && (t == 32 || t == 35) {
			return FormatHEVC
		}
		return FormatH264
	}
	if len(head) >= 2 && head[0] == 0xFF {
		switch {
		case head[1]&0xF6 == 0xF0:
			return FormatAAC
		case head[1]&0xE0 == 0xE0 && head[1]&0x06 != 0:
			return FormatMP3
		}
	}
	return FormatUnknown
}

// isTS requires at least one whole packet and the sync byte at every packet
// boundary among the first three that the input covers.
func isTS(head []byte) bool {
	if len(head) < 188 {
		return false
	}
	for off := 0; off < 3*188 && off < len(head); off += 188 {
		if head[off] != 0x47 {
			return false
		}
	}
	return true
}

func firstNAL(head []byte) (byte, bool) {
	switch {
	case len(head) >= 5 && head[0] == 0 && head[1] == 0 && head[2] == 0 && head[3] == 1:
		return head[4], true
	case len(head) >= 4 && head[0] == 0 && head[1] == 0 && head[2] == 1:
		return head[3], true
	}
	return 0, false
}
