package container

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/avkit/internal/codec"
	"github.com/zsiec/avkit/internal/framer"
	"github.com/zsiec/avkit/internal/media"
	"github.com/zsiec/avkit/internal/mpegts"
	"github.com/zsiec/avkit/internal/storage"
)

// Registration format identifiers for codecs carried as private streams.
const (
	registrationSynth = "SYNV"
	registrationPCM   = "PCMS"
)

const wrapPeriod = 1 << 33

// tsStream is one elementary stream of the program being read.
type tsStream struct {
	desc    media.StreamDescriptor
	ready   bool
	pts     unwrapper
	dts     unwrapper
	samples int64 // samples per coded unit for fixed-size audio
}

// tsReader turns PES packets into coded units in 90 kHz time.
type tsReader struct {
	src   *storage.Source
	dmx   *mpegts.Demuxer
	log   *slog.Logger
	limit int

	streams []*tsStream
	byPID   map[uint16]*tsStream
	pmtDone bool

	held  []*mpegts.DemuxerData // PES read while probing
	queue []*media.CodedUnit
}

func openTSReader(ctx context.Context, src *storage.Source, opts Options) (*tsReader, error) {
	log := opts.Log.With("component", "container", "format", FormatMPEGTS)
	r := &tsReader{
		src:   src,
		dmx:   mpegts.NewDemuxer(ctx, src, mpegts.DemuxerOptLogger(log)),
		log:   log,
		limit: opts.ProbeUnits,
		byPID: make(map[uint16]*tsStream),
	}
	if err := r.probe(); err != nil {
		return nil, err
	}
	for _, s := range r.streams {
		if !s.ready {
			r.log.Warn("stream parameters not found while probing", "pid", s.desc.PID, "codec", s.desc.Codec)
		}
		r.log.Info("found stream", "pid", s.desc.PID, "stream", s.desc.String())
	}
	return r, nil
}

// probe reads until the PMT is known and every stream has shown enough of
// its bitstream to be described, or the probe limit is reached. PES read
// before the PMT is held too, up to the same limit, and inspected once the
// table arrives.
func (r *tsReader) probe() error {
	dropped := 0
	for {
		data, err := r.dmx.NextData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return r.wrap(err)
		}
		if data.PMT != nil && !r.pmtDone {
			r.handlePMT(data.PMT)
			for _, early := range r.held {
				if s, ok := r.byPID[early.PID]; ok && !s.ready {
					r.inspect(s, early.PES)
				}
			}
			continue
		}
		if data.PES == nil {
			continue
		}
		if !r.pmtDone {
			if len(r.held) >= r.limit {
				dropped++
				continue
			}
			r.held = append(r.held, data)
			continue
		}
		if s, ok := r.byPID[data.PID]; ok && !s.ready {
			r.inspect(s, data.PES)
		}
		r.held = append(r.held, data)
		if r.allReady() || len(r.held) >= r.limit {
			break
		}
	}
	if dropped > 0 {
		r.log.Debug("dropped PES read before the program map table", "count", dropped, "held", len(r.held))
	}
	if !r.pmtDone {
		return fmt.Errorf("%w: no program map table in %s", media.ErrParse, r.src.Name())
	}
	return nil
}

func (r *tsReader) allReady() bool {
	for _, s := range r.streams {
		if !s.ready {
			return false
		}
	}
	return true
}

func (r *tsReader) handlePMT(pmt *mpegts.PMTData) {
	r.pmtDone = true
	for _, es := range pmt.ElementaryStreams {
		desc, ok := describePMTStream(es)
		if !ok {
			r.log.Debug("skipping unsupported stream", "pid", es.ElementaryPID, "streamType", es.StreamType)
			continue
		}
		if _, dup := r.byPID[es.ElementaryPID]; dup {
			continue
		}
		desc.ID = len(r.streams)
		s := &tsStream{desc: desc, ready: desc.Codec == media.CodecPCMS16LE && desc.SampleRate > 0}
		r.streams = append(r.streams, s)
		r.byPID[es.ElementaryPID] = s
	}
}

// describePMTStream maps a PMT entry to a descriptor with the parameters the
// table itself carries.
func describePMTStream(es *mpegts.PMTElementaryStream) (media.StreamDescriptor, bool) {
	d := media.StreamDescriptor{PID: es.ElementaryPID, TimeBase: media.TimeBaseMPEGTS}
	switch es.StreamType {
	case mpegts.StreamTypeH264:
		d.Kind, d.Codec = media.KindVideo, media.CodecH264
	case mpegts.StreamTypeHEVC:
		d.Kind, d.Codec = media.KindVideo, media.CodecHEVC
	case mpegts.StreamTypeAACADTS:
		d.Kind, d.Codec = media.KindAudio, media.CodecAAC
	case mpegts.StreamTypeMPEG1Audio, mpegts.StreamTypeMPEG2Audio:
		d.Kind, d.Codec = media.KindAudio, media.CodecMP3
	case mpegts.StreamTypePrivate:
		format, info, ok := es.Registration()
		switch {
		case ok && format == registrationSynth:
			d.Kind, d.Codec = media.KindVideo, media.CodecSynth
		case ok && format == registrationPCM && len(info) >= 5:
			d.Kind, d.Codec = media.KindAudio, media.CodecPCMS16LE
			d.SampleRate = int(binary.BigEndian.Uint32(info))
			d.Channels = int(info[4])
			d.SampleFormat, d.BitDepth = media.SampleFormatS16, 16
		default:
			return d, false
		}
	default:
		return d, false
	}
	if d.Kind == media.KindVideo {
		d.PixelFormat = media.PixelFormatYUV420P
	}
	return d, true
}

// inspect fills in stream parameters from a PES payload.
func (r *tsReader) inspect(s *tsStream, pes *mpegts.PESData) {
	d := &s.desc
	switch d.Codec {
	case media.CodecH264:
		for _, nal := range framer.ParseAnnexB(pes.Data) {
			if nal.Type != framer.NALTypeSPS {
				continue
			}
			if info, err := framer.ParseSPS(nal.Data); err == nil {
				d.Width, d.Height = info.Width, info.Height
				if fr := info.FrameRate(); fr.Validate() == nil {
					d.FrameRate = fr
				}
				d.Extra = append([]byte(nil), nal.Data...)
				s.ready = true
			}
			break
		}
	case media.CodecHEVC:
		for _, nal := range framer.ParseAnnexBHEVC(pes.Data) {
			if nal.Type != framer.HEVCNALSPS {
				continue
			}
			if info, err := framer.ParseHEVCSPS(nal.Data); err == nil {
				d.Width, d.Height = info.Width, info.Height
				d.Extra = append([]byte(nil), nal.Data...)
				s.ready = true
			}
			break
		}
	case media.CodecSynth:
		if pic, err := codec.ParseSynthPicture(pes.Data); err == nil {
			d.Width, d.Height = pic.Width, pic.Height
			s.ready = true
		}
	case media.CodecAAC:
		if h, err := framer.ParseADTSHeader(pes.Data); err == nil {
			d.SampleRate, d.Channels = h.SampleRate, h.Channels
			d.FrameSize = framer.AACSamplesPerFrame
			d.SampleFormat, d.BitDepth = media.SampleFormatFLTP, 16
			s.samples = framer.AACSamplesPerFrame
			s.ready = true
		}
	case media.CodecMP3:
		if h, err := framer.ParseMPEGAudioHeader(pes.Data); err == nil {
			d.SampleRate, d.Channels, d.FrameSize = h.SampleRate, h.Channels, h.Samples
			d.SampleFormat, d.BitDepth = media.SampleFormatFLTP, 16
			s.samples = int64(h.Samples)
			s.ready = true
		}
	}
}

func (r *tsReader) Streams() []media.StreamDescriptor {
	out := make([]media.StreamDescriptor, len(r.streams))
	for i, s := range r.streams {
		out[i] = s.desc
	}
	return out
}

func (r *tsReader) ReadUnit() (*media.CodedUnit, error) {
	for len(r.queue) == 0 {
		var data *mpegts.DemuxerData
		if len(r.held) > 0 {
			data, r.held = r.held[0], r.held[1:]
		} else {
			var err error
			data, err = r.dmx.NextData()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					err = r.wrap(err)
				}
				return nil, err
			}
		}
		if data.PES == nil {
			continue
		}
		s, ok := r.byPID[data.PID]
		if !ok || len(data.PES.Data) == 0 {
			continue
		}
		units, err := r.units(s, data.PES)
		if err != nil {
			return nil, err
		}
		r.queue = append(r.queue, units...)
	}
	u := r.queue[0]
	r.queue = r.queue[1:]
	return u, nil
}

// units converts one PES packet. Audio PES packets may carry several
// frames; each gets its own unit with a timestamp advanced by the frames
// before it.
func (r *tsReader) units(s *tsStream, pes *mpegts.PESData) ([]*media.CodedUnit, error) {
	pts, dts := media.NoTimestamp, media.NoTimestamp
	if oh := pes.Header.OptionalHeader; oh != nil {
		if oh.PTS != nil {
			pts = s.pts.unwrap(oh.PTS.Base)
		}
		if oh.DTS != nil {
			dts = s.dts.unwrap(oh.DTS.Base)
		}
	}
	if dts == media.NoTimestamp {
		dts = pts
	}

	d := s.desc
	switch d.Codec {
	case media.CodecAAC:
		frames, err := framer.ParseADTS(pes.Data)
		if err != nil {
			return nil, err
		}
		out := make([]*media.CodedUnit, 0, len(frames))
		for i, f := range frames {
			out = append(out, r.audioUnit(d, f.Data, pts, int64(i)*framer.AACSamplesPerFrame, framer.AACSamplesPerFrame, f.SampleRate))
		}
		return out, nil
	case media.CodecMP3:
		var out []*media.CodedUnit
		var offset int64
		for data := pes.Data; len(data) >= 4; {
			h, err := framer.ParseMPEGAudioHeader(data)
			if err != nil {
				return nil, err
			}
			if h.FrameLength > len(data) {
				r.log.Debug("dropping truncated mpeg audio frame", "pid", d.PID, "bytes", len(data))
				break
			}
			out = append(out, r.audioUnit(d, data[:h.FrameLength], pts, offset, int64(h.Samples), h.SampleRate))
			offset += int64(h.Samples)
			data = data[h.FrameLength:]
		}
		return out, nil
	case media.CodecPCMS16LE:
		n := int64(len(pes.Data) / (2 * max(d.Channels, 1)))
		return []*media.CodedUnit{r.audioUnit(d, pes.Data, pts, 0, n, d.SampleRate)}, nil
	}

	u := media.NewCodedUnit(d.ID, pes.Data)
	u.PTS, u.DTS = pts, dts
	u.Keyframe = pes.RandomAccess || videoKeyframe(d.Codec, pes.Data)
	return []*media.CodedUnit{u}, nil
}

func (r *tsReader) audioUnit(d media.StreamDescriptor, data []byte, pts, offset, samples int64, rate int) *media.CodedUnit {
	u := media.NewCodedUnit(d.ID, data)
	u.Keyframe = true
	if rate <= 0 {
		return u
	}
	sampleTB := media.Rational{Num: 1, Den: int64(rate)}
	if pts != media.NoTimestamp {
		u.PTS = pts + media.Rescale(offset, sampleTB, media.TimeBaseMPEGTS)
		u.DTS = u.PTS
	}
	u.Duration = media.Rescale(samples, sampleTB, media.TimeBaseMPEGTS)
	return u
}

func videoKeyframe(codecName string, data []byte) bool {
	switch codecName {
	case media.CodecH264:
		for _, nal := range framer.ParseAnnexB(data) {
			if nal.Type == framer.NALTypeIDR {
				return true
			}
		}
	case media.CodecHEVC:
		for _, nal := range framer.ParseAnnexBHEVC(data) {
			if framer.IsHEVCKeyframe(nal.Type) {
				return true
			}
		}
	case media.CodecSynth:
		pic, err := codec.ParseSynthPicture(data)
		return err == nil && pic.Type == codec.SynthI
	}
	return false
}

func (r *tsReader) wrap(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || media.ErrorKind(err) != nil {
		return err
	}
	return fmt.Errorf("%w: mpegts: %v", media.ErrIO, err)
}

func (r *tsReader) Close() error {
	packets, corrupt, dropped := r.dmx.Stats()
	r.log.Debug("transport stream closed", "packets", packets, "corrupt", corrupt, "dropped", dropped)
	return r.src.Close()
}

// unwrapper extends 33-bit timestamps into a monotonic int64 timeline.
type unwrapper struct {
	last   int64
	offset int64
	set    bool
}

func (u *unwrapper) unwrap(ts int64) int64 {
	if u.set {
		switch diff := ts - u.last; {
		case diff < -wrapPeriod/2:
			u.offset += wrapPeriod
		case diff > wrapPeriod/2:
			u.offset -= wrapPeriod
		}
	}
	u.last, u.set = ts, true
	return ts + u.offset
}

// tsWriter writes a single-program transport stream. Video streams are
// placed first so that the clock reference rides on a video PID.
type tsWriter struct {
	sink    *storage.Sink
	log     *slog.Logger
	mux     *mpegts.Muxer
	pids    []uint16
	kinds   []media.Kind
	written int64
}

func newTSWriter(sink *storage.Sink, opts Options) *tsWriter {
	return &tsWriter{sink: sink, log: opts.Log.With("component", "container", "format", FormatMPEGTS)}
}

func (w *tsWriter) TimeBase(media.StreamDescriptor) media.Rational {
	return media.TimeBaseMPEGTS
}

func (w *tsWriter) WriteHeader(streams []media.StreamDescriptor) error {
	if len(streams) == 0 {
		return fmt.Errorf("%w: transport stream needs at least one stream", media.ErrConfig)
	}
	w.pids = make([]uint16, len(streams))
	w.kinds = make([]media.Kind, len(streams))
	var video, other []mpegts.ElementaryStream
	for i, d := range streams {
		es, err := elementaryStream(d)
		if err != nil {
			return err
		}
		es.PID = mpegts.DefaultFirstESPID + uint16(i)
		w.pids[i], w.kinds[i] = es.PID, d.Kind
		if d.Kind == media.KindVideo {
			video = append(video, es)
		} else {
			other = append(other, es)
		}
	}

	mux, err := mpegts.NewMuxer(w.sink, append(video, other...))
	if err != nil {
		return fmt.Errorf("%w: %v", media.ErrConfig, err)
	}
	w.mux = mux
	return w.backend(mux.WriteTables())
}

// elementaryStream maps a descriptor to its PMT entry.
func elementaryStream(d media.StreamDescriptor) (mpegts.ElementaryStream, error) {
	es := mpegts.ElementaryStream{StreamID: mpegts.StreamIDAudio}
	switch d.Codec {
	case media.CodecH264:
		es.StreamType, es.StreamID = mpegts.StreamTypeH264, mpegts.StreamIDVideo
	case media.CodecHEVC:
		es.StreamType, es.StreamID = mpegts.StreamTypeHEVC, mpegts.StreamIDVideo
	case media.CodecAAC:
		es.StreamType = mpegts.StreamTypeAACADTS
	case media.CodecMP3:
		es.StreamType = mpegts.StreamTypeMPEG1Audio
		if d.SampleRate > 0 && d.SampleRate < 32000 {
			es.StreamType = mpegts.StreamTypeMPEG2Audio
		}
	case media.CodecSynth:
		es.StreamType, es.StreamID = mpegts.StreamTypePrivate, mpegts.StreamIDPrivate1
		es.Descriptors = []mpegts.Descriptor{{Tag: mpegts.DescriptorRegistration, Data: []byte(registrationSynth)}}
	case media.CodecPCMS16LE:
		if d.SampleRate <= 0 || d.Channels <= 0 || d.Channels > 0xFF {
			return es, fmt.Errorf("%w: pcm stream needs a sample rate and channel count", media.ErrConfig)
		}
		info := binary.BigEndian.AppendUint32([]byte(registrationPCM), uint32(d.SampleRate))
		info = append(info, byte(d.Channels))
		es.StreamType, es.StreamID = mpegts.StreamTypePrivate, mpegts.StreamIDPrivate1
		es.Descriptors = []mpegts.Descriptor{{Tag: mpegts.DescriptorRegistration, Data: info}}
	default:
		return es, fmt.Errorf("%w: transport stream cannot carry %q", media.ErrConfig, d.Codec)
	}
	return es, nil
}

func (w *tsWriter) WriteUnit(u *media.CodedUnit) error {
	if w.mux == nil {
		return fmt.Errorf("%w: unit written before header", media.ErrBackend)
	}
	if u.StreamID < 0 || u.StreamID >= len(w.pids) {
		return fmt.Errorf("%w: transport stream has no stream %d", media.ErrBackend, u.StreamID)
	}
	p := mpegts.PESPacket{
		PID:          w.pids[u.StreamID],
		Data:         u.Data,
		RandomAccess: u.Keyframe && w.kinds[u.StreamID] == media.KindVideo,
	}
	if u.PTS != media.NoTimestamp {
		p.PTS = &mpegts.ClockReference{Base: u.PTS}
		if u.DTS != media.NoTimestamp {
			p.DTS = &mpegts.ClockReference{Base: u.DTS}
		}
	}
	w.written++
	return w.backend(w.mux.WritePES(p))
}

// backend classifies muxer failures: storage errors keep their kind, the
// rest are container faults.
func (w *tsWriter) backend(err error) error {
	if err == nil || media.ErrorKind(err) != nil {
		return err
	}
	return fmt.Errorf("%w: %v", media.ErrBackend, err)
}

func (w *tsWriter) WriteTrailer() error {
	if w.mux != nil {
		w.log.Debug("transport stream complete", "units", w.written, "bytes", w.mux.Written())
	}
	return nil
}

func (w *tsWriter) Close() error {
	return w.sink.Close()
}
