package mpegts

import (
	"fmt"
	"io"
)

// Default PIDs used when a Muxer is built without explicit ones.
const (
	DefaultPMTPID      = 0x1000
	DefaultFirstESPID  = 0x0100
	defaultProgramNum  = 1
	defaultTransportID = 1
)

// ElementaryStream declares one stream carried by a Muxer.
type ElementaryStream struct {
	PID         uint16
	StreamType  uint8
	StreamID    uint8
	Descriptors []Descriptor
}

// PESPacket is one access unit handed to the Muxer.
type PESPacket struct {
	PID          uint16
	Data         []byte
	PTS          *ClockReference
	DTS          *ClockReference
	RandomAccess bool
}

// Muxer writes a single-program transport stream.
type Muxer struct {
	w       io.Writer
	streams map[uint16]*ElementaryStream
	pcrPID  uint16

	pat     packetWriter
	pmt     packetWriter
	es      map[uint16]*packetWriter
	patBuf  []byte
	pmtBuf  []byte
	buf     []byte
	written int64

	// units counts PES packets written since the tables were last emitted.
	units int
}

// NewMuxer creates a Muxer for streams. The first stream carries the PCR.
func NewMuxer(w io.Writer, streams []ElementaryStream) (*Muxer, error) {
	if len(streams) == 0 {
		return nil, fmt.Errorf("mpegts: muxer needs at least one stream")
	}
	m := &Muxer{
		w:       w,
		streams: make(map[uint16]*ElementaryStream, len(streams)),
		es:      make(map[uint16]*packetWriter, len(streams)),
		pat:     packetWriter{pid: pidPAT},
		pmt:     packetWriter{pid: DefaultPMTPID},
	}
	var entries []*PMTElementaryStream
	for i := range streams {
		s := streams[i]
		if s.PID == pidPAT || s.PID == DefaultPMTPID || s.PID > maxPID-1 {
			return nil, fmt.Errorf("mpegts: PID 0x%04X is reserved", s.PID)
		}
		if _, dup := m.streams[s.PID]; dup {
			return nil, fmt.Errorf("mpegts: duplicate PID 0x%04X", s.PID)
		}
		m.streams[s.PID] = &s
		m.es[s.PID] = &packetWriter{pid: s.PID}
		entries = append(entries, &PMTElementaryStream{
			ElementaryPID: s.PID,
			StreamType:    s.StreamType,
			Descriptors:   s.Descriptors,
		})
	}
	m.pcrPID = streams[0].PID

	pmt, err := buildPMTSection(defaultProgramNum, m.pcrPID, entries)
	if err != nil {
		return nil, err
	}
	m.patBuf = append([]byte{0}, buildPATSection(defaultTransportID, defaultProgramNum, DefaultPMTPID)...)
	m.pmtBuf = append([]byte{0}, pmt...)
	return m, nil
}

// PCRPID returns the PID carrying the program clock reference.
func (m *Muxer) PCRPID() uint16 { return m.pcrPID }

// WriteTables emits the PAT and PMT.
func (m *Muxer) WriteTables() error {
	m.buf = m.pat.appendPackets(m.buf[:0], m.patBuf, nil)
	m.buf = m.pmt.appendPackets(m.buf, m.pmtBuf, nil)
	m.units = 0
	return m.flush()
}

// WritePES packetizes p. Random access units on the PCR PID are preceded by
// the tables and carry a PCR derived from the decode timestamp.
func (m *Muxer) WritePES(p PESPacket) error {
	s, ok := m.streams[p.PID]
	if !ok {
		return fmt.Errorf("mpegts: unknown PID 0x%04X", p.PID)
	}
	if p.DTS != nil && p.PTS == nil {
		return fmt.Errorf("mpegts: DTS without PTS on PID 0x%04X", p.PID)
	}

	m.buf = m.buf[:0]
	if p.RandomAccess && p.PID == m.pcrPID && m.units > 0 {
		m.buf = m.pat.appendPackets(m.buf, m.patBuf, nil)
		m.buf = m.pmt.appendPackets(m.buf, m.pmtBuf, nil)
		m.units = 0
	}
	m.units++

	var af *adaptation
	if p.RandomAccess || p.PID == m.pcrPID {
		af = &adaptation{randomAccess: p.RandomAccess}
		if p.PID == m.pcrPID {
			clock := p.DTS
			if clock == nil {
				clock = p.PTS
			}
			af.pcr = clock
		}
		if af.pcr == nil && !af.randomAccess {
			af = nil
		}
	}

	payload := buildPESHeader(s.StreamID, len(p.Data), p.PTS, p.DTS)
	payload = append(payload, p.Data...)
	m.buf = m.es[p.PID].appendPackets(m.buf, payload, af)
	return m.flush()
}

// Written returns the number of bytes emitted so far.
func (m *Muxer) Written() int64 { return m.written }

func (m *Muxer) flush() error {
	n, err := m.w.Write(m.buf)
	m.written += int64(n)
	if err != nil {
		return fmt.Errorf("mpegts: write: %w", err)
	}
	return nil
}
