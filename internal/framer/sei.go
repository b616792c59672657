package framer

import "fmt"

const seiPicTiming = 1

// Timecode is a SMPTE 12M clock timestamp from a pic_timing SEI message.
type Timecode struct {
	Hours   int
	Minutes int
	Seconds int
	Frames  int
}

// String formats the timecode as HH:MM:SS:FF.
func (tc Timecode) String() string {
	return fmt.Sprintf("%02d:%02d:%02d:%02d", tc.Hours, tc.Minutes, tc.Seconds, tc.Frames)
}

// ParsePicTimingSEI extracts the first clock timestamp of an H.264 SEI NAL
// unit. The SPS must carry HRD parameters and pic_struct_present_flag,
// otherwise the message cannot be walked and false is returned.
func ParsePicTimingSEI(nal []byte, sps SPSInfo) (Timecode, bool) {
	if len(nal) < 2 || !sps.PicStructPresent || !sps.HRDPresent {
		return Timecode{}, false
	}
	rbsp := RemoveEmulationPrevention(nal[1:])
	for i := 0; i < len(rbsp) && rbsp[i] != 0x80; {
		var typ, size int
		for i < len(rbsp) && rbsp[i] == 0xFF {
			typ += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		typ += int(rbsp[i])
		i++
		for i < len(rbsp) && rbsp[i] == 0xFF {
			size += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		size += int(rbsp[i])
		i++
		if i+size > len(rbsp) {
			break
		}
		if typ == seiPicTiming {
			if tc, ok := parsePicTiming(rbsp[i:i+size], sps); ok {
				return tc, true
			}
		}
		i += size
	}
	return Timecode{}, false
}

func parsePicTiming(payload []byte, sps SPSInfo) (Timecode, bool) {
	br := newBitReader(payload)
	br.skip(sps.CpbRemovalDelayLen)
	br.skip(sps.DpbOutputDelayLen)
	picStruct, err := br.readBits(4)
	if err != nil {
		return Timecode{}, false
	}

	clocks := 1
	switch picStruct {
	case 3, 4:
		clocks = 2
	case 5, 6, 7, 8:
		clocks = 3
	}
	for c := 0; c < clocks; c++ {
		present, err := br.readFlag()
		if err != nil {
			return Timecode{}, false
		}
		if !present {
			continue
		}
		br.skip(2) // ct_type
		br.skip(1) // nuit_field_based_flag
		br.skip(5) // counting_type
		full, _ := br.readFlag()
		br.skip(2) // discontinuity_flag + cnt_dropped_flag
		frames, err := br.readBits(8)
		if err != nil {
			return Timecode{}, false
		}

		var secs, mins, hours uint
		if full {
			secs, _ = br.readBits(6)
			mins, _ = br.readBits(6)
			hours, _ = br.readBits(5)
		} else if ok, _ := br.readFlag(); ok {
			secs, _ = br.readBits(6)
			if ok, _ := br.readFlag(); ok {
				mins, _ = br.readBits(6)
				if ok, _ := br.readFlag(); ok {
					hours, _ = br.readBits(5)
				}
			}
		}
		return Timecode{Hours: int(hours), Minutes: int(mins), Seconds: int(secs), Frames: int(frames)}, true
	}
	return Timecode{}, false
}
