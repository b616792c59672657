package mpegts

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// Demuxer reads transport stream packets and produces parsed PAT, PMT and
// PES units in stream order.
type Demuxer struct {
	ctx     context.Context
	reader  io.Reader
	log     *slog.Logger
	readBuf []byte
	pool    *packetPool
	pm      programMap

	pending []*DemuxerData
	eof     bool
	packets int
	corrupt int
}

// DemuxerOptLogger sets the logger used for skip and drop diagnostics.
func DemuxerOptLogger(log *slog.Logger) func(*Demuxer) {
	return func(d *Demuxer) {
		d.log = log
	}
}

// NewDemuxer creates a demuxer reading from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...func(*Demuxer)) *Demuxer {
	pm := programMap{}
	d := &Demuxer{
		ctx:     ctx,
		reader:  r,
		readBuf: make([]byte, packetSize),
		pm:      pm,
		pool:    newPacketPool(pm),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With("component", "mpegts-demuxer")
	return d
}

// NextData returns the next parsed unit. It returns io.EOF once the input
// is exhausted and every buffered unit has been returned. Packets with a bad
// sync byte and sections with a bad CRC are skipped.
func (d *Demuxer) NextData() (*DemuxerData, error) {
	for {
		if len(d.pending) > 0 {
			data := d.pending[0]
			d.pending = d.pending[1:]
			return data, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		_, err := io.ReadFull(d.reader, d.readBuf)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			d.eof = true
			d.drainPool()
			continue
		}
		if err != nil {
			return nil, err
		}
		d.packets++

		pkt, err := parsePacket(d.readBuf)
		if err != nil {
			d.corrupt++
			d.log.Debug("skipping packet", "offset", int64(d.packets-1)*packetSize, "error", err)
			continue
		}
		if flushed := d.pool.add(pkt); flushed != nil {
			d.process(flushed)
		}
	}
}

// Stats reports the packets read, the packets skipped as corrupt and the
// units dropped on continuity errors.
func (d *Demuxer) Stats() (packets, corrupt, dropped int) {
	return d.packets, d.corrupt, d.pool.dropped()
}

func (d *Demuxer) drainPool() {
	for _, packets := range d.pool.dump() {
		d.process(packets)
	}
}

func (d *Demuxer) process(packets []*Packet) {
	results, err := d.parse(packets)
	if err != nil {
		d.log.Debug("skipping unit", "pid", packets[0].Header.PID, "error", err)
	}
	for _, r := range results {
		if r.PAT != nil {
			for _, p := range r.PAT.Programs {
				d.pm.addPMTPID(p.ProgramMapID)
			}
		}
	}
	d.pending = append(d.pending, results...)
}

func (d *Demuxer) parse(packets []*Packet) ([]*DemuxerData, error) {
	first := packets[0]
	payload := concatPayloads(packets)
	if len(payload) == 0 {
		return nil, nil
	}

	if isPSIPayload(first.Header.PID, d.pm) {
		return parsePSI(payload, first.Header.PID)
	}
	if !isPESPayload(payload) {
		return nil, nil
	}
	pes, err := parsePES(payload)
	if err != nil {
		return nil, err
	}
	pes.RandomAccess = first.Header.RandomAccessIndicator
	return []*DemuxerData{{PID: first.Header.PID, PES: pes}}, nil
}
