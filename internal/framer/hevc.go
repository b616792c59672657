package framer

import (
	"fmt"

	"github.com/zsiec/avkit/internal/media"
)

// H.265 NAL unit types (ITU-T H.265 Table 7-1).
const (
	HEVCNALBlaWLP    = 16
	HEVCNALCraNut    = 21
	HEVCNALIRAPMax   = 23
	HEVCNALVPS       = 32
	HEVCNALSPS       = 33
	HEVCNALPPS       = 34
	HEVCNALAUD       = 35
	HEVCNALSEIPrefix = 39
)

// HEVCNALType extracts the type from the first byte of a 2-byte NAL header.
func HEVCNALType(b byte) byte {
	return (b >> 1) & 0x3F
}

// IsHEVCVCL reports whether the NAL type carries slice segment data.
func IsHEVCVCL(t byte) bool {
	return t < 32
}

// IsHEVCKeyframe reports whether the NAL type is an IRAP picture (BLA, IDR
// or CRA).
func IsHEVCKeyframe(t byte) bool {
	return t >= HEVCNALBlaWLP && t <= HEVCNALIRAPMax
}

// ParseAnnexBHEVC splits an H.265 Annex B byte stream into NAL units.
func ParseAnnexBHEVC(data []byte) []NALUnit {
	return splitAnnexB(data, 2, func(d []byte) byte { return HEVCNALType(d[0]) })
}

// hevcFirstSlice reports first_slice_segment_in_pic_flag, the first bit
// after the 2-byte NAL header.
func hevcFirstSlice(nal []byte) bool {
	return len(nal) > 2 && nal[2]&0x80 != 0
}

// HEVCSPSInfo holds the picture geometry of an H.265 SPS.
type HEVCSPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	LevelIDC        byte
	ChromaFormatIdc byte
	BitDepthLuma    int
}

// ParseHEVCSPS parses an H.265 SPS NAL unit, 2-byte header included.
func ParseHEVCSPS(nalu []byte) (HEVCSPSInfo, error) {
	if len(nalu) < 4 {
		return HEVCSPSInfo{}, fmt.Errorf("%w: hevc SPS too short (%d bytes)", media.ErrParse, len(nalu))
	}
	info, err := parseHEVCSPS(newBitReader(RemoveEmulationPrevention(nalu[2:])))
	if err != nil {
		return HEVCSPSInfo{}, fmt.Errorf("%w: hevc SPS: %v", media.ErrParse, err)
	}
	return info, nil
}

func parseHEVCSPS(br *bitReader) (HEVCSPSInfo, error) {
	var info HEVCSPSInfo
	br.skip(4) // sps_video_parameter_set_id
	subLayers, err := br.readBits(3)
	if err != nil {
		return info, err
	}
	br.skip(1) // sps_temporal_id_nesting_flag

	// profile_tier_level: general profile space/tier/idc, 32 compatibility
	// flags, 48 constraint bits, then level.
	br.skip(3)
	profile, _ := br.readBits(5)
	br.skip(32)
	br.skip(48)
	level, err := br.readBits(8)
	if err != nil {
		return info, err
	}
	info.ProfileIDC = byte(profile)
	info.LevelIDC = byte(level)

	if subLayers > 0 {
		profilePresent := make([]bool, subLayers)
		levelPresent := make([]bool, subLayers)
		for i := range profilePresent {
			profilePresent[i], _ = br.readFlag()
			levelPresent[i], _ = br.readFlag()
		}
		for i := subLayers; i < 8; i++ {
			br.skip(2)
		}
		for i := range profilePresent {
			if profilePresent[i] {
				br.skip(88)
			}
			if levelPresent[i] {
				br.skip(8)
			}
		}
	}

	br.readUE() // sps_seq_parameter_set_id
	chroma, err := br.readUE()
	if err != nil {
		return info, err
	}
	info.ChromaFormatIdc = byte(chroma)
	if chroma == 3 {
		br.skip(1)
	}
	w, err := br.readUE()
	if err != nil {
		return info, err
	}
	h, err := br.readUE()
	if err != nil {
		return info, err
	}
	info.Width, info.Height = int(w), int(h)

	window, err := br.readFlag()
	if err != nil {
		return info, nil
	}
	if window {
		left, _ := br.readUE()
		right, _ := br.readUE()
		top, _ := br.readUE()
		bottom, err := br.readUE()
		if err != nil {
			return info, nil
		}
		subW, subH := uint(1), uint(1)
		switch chroma {
		case 1:
			subW, subH = 2, 2
		case 2:
			subW = 2
		}
		info.Width -= int((left + right) * subW)
		info.Height -= int((top + bottom) * subH)
	}
	if depth, err := br.readUE(); err == nil {
		info.BitDepthLuma = int(depth) + 8
	}
	return info, nil
}
