package framer

import (
	"fmt"

	"github.com/zsiec/avkit/internal/media"
)

// annexBSyntax captures the codec-specific rules for access unit
// boundaries in an Annex B stream.
type annexBSyntax struct {
	name      string
	headerLen int
	nalType   func(nal []byte) byte
	isVCL     func(t byte) bool
	isKey     func(t byte) bool
	// opensAU reports non-VCL types that begin a new access unit when they
	// follow a VCL NAL of the current one.
	opensAU    func(t byte) bool
	firstSlice func(nal []byte) bool
}

var h264Syntax = annexBSyntax{
	name:      media.CodecH264,
	headerLen: 1,
	nalType:   func(nal []byte) byte { return nal[0] & 0x1F },
	isVCL:     IsH264VCL,
	isKey:     func(t byte) bool { return t == NALTypeIDR },
	opensAU: func(t byte) bool {
		return t == NALTypeAUD || t == NALTypeSPS || t == NALTypePPS ||
			t == NALTypeSEI || (t >= 14 && t <= 18)
	},
	firstSlice: h264FirstSlice,
}

var hevcSyntax = annexBSyntax{
	name:      media.CodecHEVC,
	headerLen: 2,
	nalType:   func(nal []byte) byte { return HEVCNALType(nal[0]) },
	isVCL:     IsHEVCVCL,
	isKey:     IsHEVCKeyframe,
	opensAU: func(t byte) bool {
		return (t >= HEVCNALVPS && t <= HEVCNALAUD) || t == HEVCNALSEIPrefix ||
			(t >= 41 && t <= 44) || (t >= 48 && t <= 55)
	},
	firstSlice: hevcFirstSlice,
}

// annexBFramer groups NAL units into access units. buf begins at the first
// start code of the access unit being assembled (auStart is always zero
// between calls). next and payload locate the start code and payload of the
// NAL that has not been classified yet; scan is where the next search for a
// start code resumes. A NAL is only classified once the following start
// code (or Flush) proves it complete, which keeps the output independent of
// chunking.
type annexBFramer struct {
	syntax   annexBSyntax
	streamID int

	buf      []byte
	next     int
	payload  int
	scan     int
	started  bool
	seenVCL  bool
	keyframe bool
}

func newAnnexBFramer(streamID int, syntax annexBSyntax) *annexBFramer {
	return &annexBFramer{syntax: syntax, streamID: streamID}
}

func (f *annexBFramer) Feed(p []byte) ([]*media.CodedUnit, error) {
	f.buf = append(f.buf, p...)
	if !f.started {
		if err := f.skipLeadingZeros(); err != nil || !f.started {
			return nil, err
		}
	}

	var units []*media.CodedUnit
	auStart := 0
	from := max(f.scan, f.payload)
	for _, sc := range findStartCodes(f.buf[from:]) {
		at := from + sc.pos
		nal := trimTrailingZeros(f.buf[f.payload:at])
		if f.opensUnit(nal) {
			units = append(units, f.unit(f.buf[auStart:f.next]))
			auStart = f.next
		}
		f.account(nal)
		f.next, f.payload = at, from+sc.payload
	}
	// A start code may straddle the next chunk; its first byte is at most
	// three bytes before the current end.
	f.scan = max(len(f.buf)-3, f.payload)

	if auStart > 0 {
		n := copy(f.buf, f.buf[auStart:])
		f.buf = f.buf[:n]
		f.next -= auStart
		f.payload -= auStart
		f.scan -= auStart
	}
	return units, nil
}

func (f *annexBFramer) Flush() ([]*media.CodedUnit, error) {
	if !f.started {
		return nil, nil
	}
	var units []*media.CodedUnit
	auStart := 0
	nal := trimTrailingZeros(f.buf[f.payload:])
	if f.opensUnit(nal) {
		units = append(units, f.unit(f.buf[:f.next]))
		auStart = f.next
	}
	f.account(nal)
	if rest := f.buf[auStart:]; len(ParseAnnexB(rest)) > 0 {
		units = append(units, f.unit(rest))
	}
	f.buf, f.next, f.payload, f.scan, f.started = nil, 0, 0, 0, false
	f.seenVCL, f.keyframe = false, false
	return units, nil
}

// opensUnit reports whether nal begins a new access unit.
func (f *annexBFramer) opensUnit(nal []byte) bool {
	if len(nal) < f.syntax.headerLen || !f.seenVCL {
		return false
	}
	t := f.syntax.nalType(nal)
	if f.syntax.opensAU(t) {
		return true
	}
	return f.syntax.isVCL(t) && f.syntax.firstSlice(nal)
}

// account records nal as part of the current access unit.
func (f *annexBFramer) account(nal []byte) {
	if len(nal) < f.syntax.headerLen {
		return
	}
	t := f.syntax.nalType(nal)
	if f.syntax.isVCL(t) {
		f.seenVCL = true
		if f.syntax.isKey(t) {
			f.keyframe = true
		}
	}
}

// unit emits data as a coded unit and resets the per-unit state.
func (f *annexBFramer) unit(data []byte) *media.CodedUnit {
	u := media.NewCodedUnit(f.streamID, append([]byte(nil), data...))
	u.Keyframe = f.keyframe
	f.seenVCL, f.keyframe = false, false
	return u
}

// skipLeadingZeros drops leading_zero_8bits before the first start code.
// Any other byte there is a parse error.
func (f *annexBFramer) skipLeadingZeros() error {
	starts := findStartCodes(f.buf)
	limit := len(f.buf)
	if len(starts) > 0 {
		limit = starts[0].pos
	}
	for i := 0; i < limit; i++ {
		if f.buf[i] != 0 {
			return fmt.Errorf("%w: %s: non-zero byte 0x%02X at offset %d before first start code",
				media.ErrParse, f.syntax.name, f.buf[i], i)
		}
	}
	if len(starts) == 0 {
		return nil
	}
	f.buf = f.buf[starts[0].pos:]
	f.next, f.payload = 0, starts[0].payload-starts[0].pos
	f.scan = f.payload
	f.started = true
	return nil
}
