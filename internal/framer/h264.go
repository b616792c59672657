package framer

import (
	"fmt"

	"github.com/zsiec/avkit/internal/media"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeEndSeq     = 10
	NALTypeEndStream  = 11
	NALTypeFillerData = 12
)

// NALUnit is one NAL unit without its start code.
type NALUnit struct {
	Type byte
	Data []byte // includes the NAL header byte(s)
}

// SPSInfo holds the fields of an H.264 sequence parameter set that the
// pipeline needs to describe a stream.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte

	// Timing info from the VUI, zero when absent.
	NumUnitsInTick uint32
	TimeScale      uint32
	FixedFrameRate bool

	// HRD field lengths, needed to walk pic_timing SEI messages.
	HRDPresent         bool
	CpbRemovalDelayLen int
	DpbOutputDelayLen  int
	TimeOffsetLen      int
	PicStructPresent   bool
}

// CodecString returns the RFC 6381 codec string, e.g. "avc1.64001F".
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// FrameRate derives the frame rate from VUI timing. H.264 ticks count
// fields, so one frame spans two ticks. The zero Rational is returned when
// the SPS carries no timing.
func (s SPSInfo) FrameRate() media.Rational {
	if s.NumUnitsInTick == 0 || s.TimeScale == 0 {
		return media.Rational{}
	}
	return reduce(int64(s.TimeScale), 2*int64(s.NumUnitsInTick))
}

func reduce(num, den int64) media.Rational {
	a, b := num, den
	for b != 0 {
		a, b = b, a%b
	}
	return media.Rational{Num: num / a, Den: den / a}
}

// ParseAnnexB splits an H.264 Annex B byte stream into NAL units. Both 3-
// and 4-byte start codes are recognized.
func ParseAnnexB(data []byte) []NALUnit {
	return splitAnnexB(data, 1, func(d []byte) byte { return d[0] & 0x1F })
}

// splitAnnexB scans for start codes and cuts NAL units between them.
// minNAL is the NAL header size; typeOf extracts the codec-specific type.
func splitAnnexB(data []byte, minNAL int, typeOf func([]byte) byte) []NALUnit {
	var units []NALUnit
	starts := findStartCodes(data)
	for i, sc := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1].pos
		}
		nal := trimTrailingZeros(data[sc.payload:end])
		if len(nal) < minNAL {
			continue
		}
		units = append(units, NALUnit{Type: typeOf(nal), Data: nal})
	}
	return units
}

type startCode struct {
	pos     int // offset of the first zero byte
	payload int // offset just after the 0x01
}

func findStartCodes(data []byte) []startCode {
	var out []startCode
	n := len(data)
	for i := 0; i+2 < n; {
		if data[i] == 0 && data[i+1] == 0 {
			if data[i+2] == 1 {
				out = append(out, startCode{pos: i, payload: i + 3})
				i += 3
				continue
			}
			if i+3 < n && data[i+2] == 0 && data[i+3] == 1 {
				out = append(out, startCode{pos: i, payload: i + 4})
				i += 4
				continue
			}
		}
		i++
	}
	return out
}

// trailing_zero_8bits may pad a NAL unit before the next start code.
func trimTrailingZeros(nal []byte) []byte {
	for len(nal) > 0 && nal[len(nal)-1] == 0 {
		nal = nal[:len(nal)-1]
	}
	return nal
}

// IsH264VCL reports whether the NAL type carries slice data.
func IsH264VCL(t byte) bool {
	return t >= 1 && t <= 5
}

// h264FirstSlice reports whether a VCL NAL starts a new picture, i.e. its
// first_mb_in_slice is zero. ue(v) zero is encoded as a single '1' bit.
func h264FirstSlice(nal []byte) bool {
	return len(nal) > 1 && nal[1]&0x80 != 0
}

var highProfiles = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// ParseSPS parses an H.264 SPS NAL unit (header byte included, start code
// excluded).
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, fmt.Errorf("%w: h264 SPS too short (%d bytes)", media.ErrParse, len(nalu))
	}
	info, err := parseSPS(newBitReader(RemoveEmulationPrevention(nalu[1:])))
	if err != nil {
		return SPSInfo{}, fmt.Errorf("%w: h264 SPS: %v", media.ErrParse, err)
	}
	return info, nil
}

func parseSPS(br *bitReader) (SPSInfo, error) {
	var info SPSInfo
	profile, err := br.readBits(8)
	if err != nil {
		return info, err
	}
	constraints, _ := br.readBits(8)
	level, err := br.readBits(8)
	if err != nil {
		return info, err
	}
	info.ProfileIDC = byte(profile)
	info.ConstraintFlags = byte(constraints)
	info.LevelIDC = byte(level)

	if _, err := br.readUE(); err != nil { // seq_parameter_set_id
		return info, err
	}

	chromaFormat := uint(1)
	separatePlanes := false
	if highProfiles[profile] {
		if chromaFormat, err = br.readUE(); err != nil {
			return info, err
		}
		if chromaFormat == 3 {
			if separatePlanes, err = br.readFlag(); err != nil {
				return info, err
			}
		}
		br.readUE() // bit_depth_luma_minus8
		br.readUE() // bit_depth_chroma_minus8
		br.skip(1)  // qpprime_y_zero_transform_bypass_flag
		scaling, err := br.readFlag()
		if err != nil {
			return info, err
		}
		if scaling {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				present, err := br.readFlag()
				if err != nil {
					return info, err
				}
				if !present {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				if err := skipScalingList(br, size); err != nil {
					return info, err
				}
			}
		}
	}

	br.readUE() // log2_max_frame_num_minus4
	pocType, err := br.readUE()
	if err != nil {
		return info, err
	}
	switch pocType {
	case 0:
		br.readUE() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		br.skip(1)
		br.readSE()
		br.readSE()
		cycle, err := br.readUE()
		if err != nil {
			return info, err
		}
		for i := uint(0); i < cycle; i++ {
			if _, err := br.readSE(); err != nil {
				return info, err
			}
		}
	}

	br.readUE() // max_num_ref_frames
	br.skip(1)  // gaps_in_frame_num_value_allowed_flag

	widthMbs, err := br.readUE()
	if err != nil {
		return info, err
	}
	heightUnits, err := br.readUE()
	if err != nil {
		return info, err
	}
	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return info, err
	}
	if frameMbsOnly == 0 {
		br.skip(1) // mb_adaptive_frame_field_flag
	}
	br.skip(1) // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	cropping, err := br.readFlag()
	if err != nil {
		return info, err
	}
	if cropping {
		cropL, _ = br.readUE()
		cropR, _ = br.readUE()
		cropT, _ = br.readUE()
		if cropB, err = br.readUE(); err != nil {
			return info, err
		}
	}

	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes, chromaFormat == 0, chromaFormat == 3:
		subW, subH = 1, 1
	case chromaFormat == 2:
		subW, subH = 2, 1
	}
	unitY := subH * (2 - frameMbsOnly)

	info.Width = int((widthMbs+1)*16 - subW*(cropL+cropR))
	info.Height = int((heightUnits+1)*16*(2-frameMbsOnly) - unitY*(cropT+cropB))

	if vui, err := br.readFlag(); err != nil || !vui {
		return info, nil
	}
	parseVUI(br, &info)
	return info, nil
}

func skipScalingList(br *bitReader, size int) error {
	last, next := 8, 8
	for j := 0; j < size; j++ {
		if next != 0 {
			delta, err := br.readSE()
			if err != nil {
				return err
			}
			next = (last + delta + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
	return nil
}

// parseVUI walks the VUI for timing info, HRD lengths and
// pic_struct_present_flag. Errors are ignored: a truncated VUI leaves the
// remaining fields zero.
func parseVUI(br *bitReader, info *SPSInfo) {
	if ar, _ := br.readFlag(); ar {
		if idc, _ := br.readBits(8); idc == 255 {
			br.skip(32) // sar_width + sar_height
		}
	}
	if overscan, _ := br.readFlag(); overscan {
		br.skip(1)
	}
	if signal, _ := br.readFlag(); signal {
		br.skip(4)
		if colour, _ := br.readFlag(); colour {
			br.skip(24)
		}
	}
	if chromaLoc, _ := br.readFlag(); chromaLoc {
		br.readUE()
		br.readUE()
	}
	timing, err := br.readFlag()
	if err != nil {
		return
	}
	if timing {
		units, err1 := br.readBits(32)
		scale, err2 := br.readBits(32)
		fixed, err3 := br.readFlag()
		if err1 != nil || err2 != nil || err3 != nil {
			return
		}
		info.NumUnitsInTick = uint32(units)
		info.TimeScale = uint32(scale)
		info.FixedFrameRate = fixed
	}

	nalHRD, err := br.readFlag()
	if err != nil {
		return
	}
	if nalHRD {
		parseHRD(br, info)
	}
	vclHRD, err := br.readFlag()
	if err != nil {
		return
	}
	if vclHRD {
		parseHRD(br, info)
	}
	if nalHRD || vclHRD {
		br.skip(1) // low_delay_hrd_flag
	}
	if ps, err := br.readFlag(); err == nil {
		info.PicStructPresent = ps
	}
}

// parseHRD reads hrd_parameters(). When both NAL and VCL HRDs are present
// they share delay lengths, so the second overwrites the first harmlessly.
func parseHRD(br *bitReader, info *SPSInfo) {
	cpbCnt, err := br.readUE()
	if err != nil || cpbCnt > 31 {
		return
	}
	br.skip(8) // bit_rate_scale + cpb_size_scale
	for i := uint(0); i <= cpbCnt; i++ {
		br.readUE()
		br.readUE()
		br.skip(1)
	}
	br.skip(5) // initial_cpb_removal_delay_length_minus1
	cpbRd, _ := br.readBits(5)
	dpbOd, _ := br.readBits(5)
	toLen, err := br.readBits(5)
	if err != nil {
		return
	}
	info.CpbRemovalDelayLen = int(cpbRd) + 1
	info.DpbOutputDelayLen = int(dpbOd) + 1
	info.TimeOffsetLen = int(toLen)
	info.HRDPresent = true
}
