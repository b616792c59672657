package mpegts

import "fmt"

const (
	packetSize = 188
	syncByte   = 0x47
	maxPID     = 0x1FFF
)

func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != packetSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), packetSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := 4
	if p.Header.HasAdaptationField {
		afLen := int(buf[offset])
		if afLen > 0 {
			p.Header.DiscontinuityIndicator = buf[offset+1]&0x80 != 0
			p.Header.RandomAccessIndicator = buf[offset+1]&0x40 != 0
		}
		offset = min(offset+1+afLen, packetSize)
	}

	if p.Header.HasPayload && offset < packetSize {
		p.Payload = make([]byte, packetSize-offset)
		copy(p.Payload, buf[offset:])
	}
	return p, nil
}

// packetWriter emits 188-byte packets for one PID, tracking its continuity
// counter.
type packetWriter struct {
	pid uint16
	cc  uint8
}

// adaptation describes the optional adaptation field of one packet.
type adaptation struct {
	randomAccess bool
	pcr          *ClockReference
}

func (a *adaptation) size() int {
	if a == nil {
		return 0
	}
	n := 2 // length + flags
	if a.pcr != nil {
		n += 6
	}
	return n
}

// appendPackets splits payload into packets, the first flagged as a unit
// start. The last packet is padded with adaptation-field stuffing.
func (pw *packetWriter) appendPackets(dst, payload []byte, af *adaptation) []byte {
	first := true
	for first || len(payload) > 0 {
		var fieldAF *adaptation
		if first {
			fieldAF = af
		}
		room := packetSize - 4 - fieldAF.size()
		n := min(room, len(payload))
		stuffing := room - n

		hdr := [4]byte{syncByte, byte(pw.pid>>8) & 0x1F, byte(pw.pid), 0x10 | pw.cc&0x0F}
		if first {
			hdr[1] |= 0x40
		}
		pw.cc = (pw.cc + 1) & 0x0F
		if fieldAF != nil || stuffing > 0 {
			hdr[3] |= 0x20
		}
		dst = append(dst, hdr[:]...)
		if fieldAF != nil || stuffing > 0 {
			dst = appendAdaptation(dst, fieldAF, stuffing)
		}
		dst = append(dst, payload[:n]...)
		payload = payload[n:]
		first = false
	}
	return dst
}

// appendAdaptation writes an adaptation field grown by stuffing bytes. A
// single byte of stuffing with no field is encoded as a zero-length field.
func appendAdaptation(dst []byte, af *adaptation, stuffing int) []byte {
	body := af.size()
	if body == 0 {
		if stuffing == 1 {
			return append(dst, 0)
		}
		body = 2
		stuffing -= 2
	}
	dst = append(dst, byte(body-1+stuffing))
	var flags byte
	if af != nil && af.randomAccess {
		flags |= 0x40
	}
	if af != nil && af.pcr != nil {
		flags |= 0x10
	}
	dst = append(dst, flags)
	if af != nil && af.pcr != nil {
		b := af.pcr.Base & TimestampMask
		dst = append(dst, byte(b>>25), byte(b>>17), byte(b>>9), byte(b>>1), byte(b<<7)|0x7E, 0)
	}
	for i := 0; i < stuffing; i++ {
		dst = append(dst, 0xFF)
	}
	return dst
}
