package mpegts

import "sort"

const pidPAT = 0x0000

// programMap tracks which PIDs carry PMT sections.
type programMap map[uint16]bool

func (pm programMap) addPMTPID(pid uint16)      { pm[pid] = true }
func (pm programMap) isPMTPID(pid uint16) bool { return pm[pid] }

// packetAccumulator buffers the packets of one PID until the next unit
// start, or until a PSI section is complete.
type packetAccumulator struct {
	pid     uint16
	packets []*Packet
	pm      programMap

	// dropped counts units discarded on transport errors or unsignaled
	// continuity jumps.
	dropped int
}

func (pa *packetAccumulator) add(p *Packet) []*Packet {
	if p.Header.TransportErrorIndicator {
		if len(pa.packets) > 0 {
			pa.dropped++
		}
		pa.packets = nil
		return nil
	}
	if !p.Header.HasPayload {
		return nil
	}

	// A signaled discontinuity makes any counter jump legal.
	if n := len(pa.packets); n > 0 && !p.Header.DiscontinuityIndicator {
		prev := pa.packets[n-1].Header.ContinuityCounter
		if p.Header.ContinuityCounter != (prev+1)&0x0F {
			if p.Header.ContinuityCounter == prev {
				return nil // duplicate
			}
			pa.dropped++
			pa.packets = nil
		}
	}

	var flushed []*Packet
	if p.Header.PayloadUnitStartIndicator && len(pa.packets) > 0 {
		flushed, pa.packets = pa.packets, nil
	}
	// A continuation without a preceding start carries no usable unit.
	if len(pa.packets) == 0 && !p.Header.PayloadUnitStartIndicator {
		return flushed
	}
	pa.packets = append(pa.packets, p)

	if flushed == nil && pa.isPSI() && isPSIComplete(pa.packets) {
		flushed, pa.packets = pa.packets, nil
	}
	return flushed
}

func (pa *packetAccumulator) isPSI() bool {
	return pa.pid == pidPAT || pa.pm.isPMTPID(pa.pid)
}

func (pa *packetAccumulator) flush() []*Packet {
	flushed := pa.packets
	pa.packets = nil
	return flushed
}

func concatPayloads(packets []*Packet) []byte {
	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	return payload
}

// isPSIComplete reports whether the accumulated payload holds every section
// it announces.
func isPSIComplete(packets []*Packet) bool {
	payload := concatPayloads(packets)
	if len(payload) < 1 {
		return false
	}
	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return false
	}
	for offset < len(payload) {
		if payload[offset] == 0xFF {
			return true
		}
		if offset+3 > len(payload) {
			return false
		}
		if payload[offset+1]&0x80 == 0 {
			return true // padding
		}
		offset += 3 + (int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2]))
		if offset > len(payload) {
			return false
		}
	}
	return true
}

// packetPool manages per-PID accumulators.
type packetPool struct {
	accs map[uint16]*packetAccumulator
	pm   programMap
}

func newPacketPool(pm programMap) *packetPool {
	return &packetPool{accs: make(map[uint16]*packetAccumulator), pm: pm}
}

func (pp *packetPool) add(p *Packet) []*Packet {
	acc, ok := pp.accs[p.Header.PID]
	if !ok {
		acc = &packetAccumulator{pid: p.Header.PID, pm: pp.pm}
		pp.accs[p.Header.PID] = acc
	}
	return acc.add(p)
}

// dump flushes every accumulator in PID order so that the PAT is handled
// before any PMT.
func (pp *packetPool) dump() [][]*Packet {
	pids := make([]int, 0, len(pp.accs))
	for pid := range pp.accs {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)

	var all [][]*Packet
	for _, pid := range pids {
		if packets := pp.accs[uint16(pid)].flush(); len(packets) > 0 {
			all = append(all, packets)
		}
	}
	return all
}

func (pp *packetPool) dropped() int {
	n := 0
	for _, acc := range pp.accs {
		n += acc.dropped
	}
	return n
}
