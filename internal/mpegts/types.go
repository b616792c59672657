// Package mpegts reads and writes MPEG transport streams. The Demuxer
// discovers programs through PAT/PMT, reassembles PES packets per PID and
// extracts their 90 kHz timestamps; the Muxer does the reverse, emitting
// PSI tables and packetized PES with PCR on the clock-carrying PID.
package mpegts

// Packet is a parsed 188-byte transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	RandomAccessIndicator     bool
}

// DemuxerData is one logical unit read from the stream. Exactly one of PAT,
// PMT or PES is set.
type DemuxerData struct {
	PID uint16
	PAT *PATData
	PMT *PMTData
	PES *PESData
}

// PATData contains the parsed Program Association Table.
type PATData struct {
	Programs []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData contains the parsed Program Map Table.
type PMTData struct {
	ProgramNumber     uint16
	PCRPID            uint16
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream describes a single elementary stream in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
	Descriptors   []Descriptor
}

// Registration returns the format identifier of the stream's registration
// descriptor and the bytes that follow it.
func (es *PMTElementaryStream) Registration() (format string, info []byte, ok bool) {
	for _, d := range es.Descriptors {
		if d.Tag == DescriptorRegistration && len(d.Data) >= 4 {
			return string(d.Data[:4]), d.Data[4:], true
		}
	}
	return "", nil, false
}

// Descriptor is one tag-length-value entry of a PMT descriptor loop.
type Descriptor struct {
	Tag  uint8
	Data []byte
}

// DescriptorRegistration is the ISO/IEC 13818-1 registration_descriptor tag.
const DescriptorRegistration = 0x05

// Stream types used in PMT entries.
const (
	StreamTypeMPEG1Audio = 0x03
	StreamTypeMPEG2Audio = 0x04
	StreamTypePrivate    = 0x06
	StreamTypeAACADTS    = 0x0F
	StreamTypeH264       = 0x1B
	StreamTypeHEVC       = 0x24
)

// PES stream_id values.
const (
	StreamIDPrivate1 = 0xBD
	StreamIDAudio    = 0xC0
	StreamIDVideo    = 0xE0
)

// PESData contains a reassembled Packetized Elementary Stream.
type PESData struct {
	Data         []byte
	Header       *PESHeader
	RandomAccess bool
}

// PESHeader contains the parsed PES packet header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
}

// PESOptionalHeader carries optional PES fields including timestamps.
type PESOptionalHeader struct {
	PTS *ClockReference
	DTS *ClockReference
}

// ClockReference holds a 33-bit MPEG-TS timestamp base value (90 kHz clock).
type ClockReference struct {
	Base int64
}

// TimestampMask keeps the 33 significant bits of a PTS or DTS.
const TimestampMask = 1<<33 - 1
