package mpegts

import "fmt"

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

func isPSIPayload(pid uint16, pm programMap) bool {
	return pid == pidPAT || pm.isPMTPID(pid)
}

func parsePSI(payload []byte, pid uint16) ([]*DemuxerData, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: PSI payload too short")
	}

	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return nil, fmt.Errorf("mpegts: PSI pointer field out of range")
	}

	var results []*DemuxerData
	for offset+3 <= len(payload) {
		tableID := payload[offset]
		// 0xFF is stuffing; a clear section_syntax_indicator is zero padding.
		if tableID == 0xFF || payload[offset+1]&0x80 == 0 {
			break
		}

		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		sectionEnd := offset + 3 + sectionLength
		if sectionEnd > len(payload) {
			break
		}
		section := payload[offset:sectionEnd]

		switch tableID {
		case tableIDPAT:
			pat, err := parsePATSection(section)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{PID: pid, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMTSection(section)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{PID: pid, PMT: pmt})
		}
		offset = sectionEnd
	}
	return results, nil
}

func parsePATSection(data []byte) (*PATData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT %w", err)
	}
	// 8 header bytes, 4-byte program entries, CRC32.
	if len(data) < 12 {
		return nil, fmt.Errorf("mpegts: PAT too short")
	}

	pat := &PATData{}
	for i := 8; i+4 <= len(data)-4; i += 4 {
		programNumber := uint16(data[i])<<8 | uint16(data[i+1])
		pmtPID := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])
		if programNumber == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: programNumber,
			ProgramMapID:  pmtPID,
		})
	}
	return pat, nil
}

func parsePMTSection(data []byte) (*PMTData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT %w", err)
	}
	// 12 header bytes (through program_info_length), entries, CRC32.
	if len(data) < 16 {
		return nil, fmt.Errorf("mpegts: PMT too short")
	}

	pmt := &PMTData{
		ProgramNumber: uint16(data[3])<<8 | uint16(data[4]),
		PCRPID:        uint16(data[8]&0x1F)<<8 | uint16(data[9]),
	}
	end := len(data) - 4
	offset := 12 + (int(data[10]&0x0F)<<8 | int(data[11]))
	for offset+5 <= end {
		es := &PMTElementaryStream{
			StreamType:    data[offset],
			ElementaryPID: uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2]),
		}
		infoLen := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])
		infoEnd := offset + 5 + infoLen
		if infoEnd > end {
			return nil, fmt.Errorf("mpegts: PMT ES info for PID %d overruns section", es.ElementaryPID)
		}
		es.Descriptors = parseDescriptors(data[offset+5 : infoEnd])
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, es)
		offset = infoEnd
	}
	return pmt, nil
}

func parseDescriptors(b []byte) []Descriptor {
	var out []Descriptor
	for len(b) >= 2 {
		n := int(b[1])
		if 2+n > len(b) {
			break
		}
		out = append(out, Descriptor{Tag: b[0], Data: append([]byte(nil), b[2:2+n]...)})
		b = b[2+n:]
	}
	return out
}

// buildPATSection returns a complete PAT section (CRC included) for a single
// program.
func buildPATSection(tsID, programNumber, pmtPID uint16) []byte {
	s := []byte{
		tableIDPAT,
		0xB0, 13, // syntax indicator, reserved, section_length
		byte(tsID >> 8), byte(tsID),
		0xC1, // reserved, version 0, current_next
		0, 0, // section_number, last_section_number
		byte(programNumber >> 8), byte(programNumber),
		0xE0 | byte(pmtPID>>8)&0x1F, byte(pmtPID),
	}
	return appendCRC32(s)
}

// buildPMTSection returns a complete PMT section (CRC included).
func buildPMTSection(programNumber, pcrPID uint16, streams []*PMTElementaryStream) ([]byte, error) {
	var body []byte
	for _, es := range streams {
		var info []byte
		for _, d := range es.Descriptors {
			if len(d.Data) > 0xFF {
				return nil, fmt.Errorf("mpegts: descriptor 0x%02X too long", d.Tag)
			}
			info = append(info, d.Tag, byte(len(d.Data)))
			info = append(info, d.Data...)
		}
		body = append(body,
			es.StreamType,
			0xE0|byte(es.ElementaryPID>>8)&0x1F, byte(es.ElementaryPID),
			0xF0|byte(len(info)>>8)&0x0F, byte(len(info)),
		)
		body = append(body, info...)
	}

	sectionLength := 9 + len(body) + 4
	if sectionLength > 1021 {
		return nil, fmt.Errorf("mpegts: PMT section length %d exceeds 1021", sectionLength)
	}
	s := []byte{
		tableIDPMT,
		0xB0 | byte(sectionLength>>8)&0x0F, byte(sectionLength),
		byte(programNumber >> 8), byte(programNumber),
		0xC1,
		0, 0,
		0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID),
		0xF0, 0, // program_info_length
	}
	s = append(s, body...)
	return appendCRC32(s), nil
}
