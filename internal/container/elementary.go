package container

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/avkit/internal/codec"
	"github.com/zsiec/avkit/internal/framer"
	"github.com/zsiec/avkit/internal/media"
	"github.com/zsiec/avkit/internal/storage"
)

var elementaryFormats = map[string]media.Kind{
	media.CodecH264:     media.KindVideo,
	media.CodecHEVC:     media.KindVideo,
	media.CodecSynth:    media.KindVideo,
	media.CodecAAC:      media.KindAudio,
	media.CodecMP3:      media.KindAudio,
	media.CodecPCMS16LE: media.KindAudio,
	media.CodecPCMF32LE: media.KindAudio,
}

var defaultFrameRate = media.Rational{Num: 25, Den: 1}

// elementaryReader frames a single-codec byte stream. Audio units are
// stamped from a running sample count; video units keep the timestamps the
// bitstream carries, which for Annex B is none.
type elementaryReader struct {
	src   *storage.Source
	fr    framer.Framer
	desc  media.StreamDescriptor
	chunk int
	log   *slog.Logger

	queue   []*media.CodedUnit
	eof     bool
	samples int64
}

func openElementaryReader(format string, src *storage.Source, opts Options) (*elementaryReader, error) {
	desc := opts.Stream
	desc.ID = 0
	desc.Codec = format
	desc.Kind = elementaryFormats[format]
	desc.PID = 0

	fr, err := framer.New(format, desc)
	if err != nil {
		return nil, err
	}
	r := &elementaryReader{
		src:   src,
		fr:    fr,
		desc:  desc,
		chunk: opts.ReadChunk,
		log:   opts.Log.With("component", "container", "format", format),
	}

	// Stream parameters come from the first unit.
	if err := r.fill(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := r.describe(); err != nil {
		return nil, err
	}
	r.log.Debug("opened elementary stream", "stream", r.desc.String())
	return r, nil
}

// fill reads until at least one unit is queued or the input ends.
func (r *elementaryReader) fill() error {
	for len(r.queue) == 0 {
		if r.eof {
			return io.EOF
		}
		chunk, err := r.src.ReadChunk(r.chunk)
		if errors.Is(err, io.EOF) {
			r.eof = true
			units, ferr := r.fr.Flush()
			r.queue = append(r.queue, units...)
			if ferr != nil {
				return ferr
			}
			continue
		}
		if err != nil {
			return err
		}
		units, err := r.fr.Feed(chunk)
		r.queue = append(r.queue, units...)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *elementaryReader) describe() error {
	d := &r.desc
	var first []byte
	if len(r.queue) > 0 {
		first = r.queue[0].Data
	}

	switch d.Codec {
	case media.CodecH264:
		for _, nal := range framer.ParseAnnexB(first) {
			if nal.Type != framer.NALTypeSPS {
				continue
			}
			info, err := framer.ParseSPS(nal.Data)
			if err != nil {
				return err
			}
			d.Width, d.Height = info.Width, info.Height
			if fr := info.FrameRate(); fr.Validate() == nil {
				d.FrameRate = fr
			}
			d.Extra = append([]byte(nil), nal.Data...)
			break
		}
	case media.CodecHEVC:
		for _, nal := range framer.ParseAnnexBHEVC(first) {
			if nal.Type != framer.HEVCNALSPS {
				continue
			}
			info, err := framer.ParseHEVCSPS(nal.Data)
			if err != nil {
				return err
			}
			d.Width, d.Height = info.Width, info.Height
			d.Extra = append([]byte(nil), nal.Data...)
			break
		}
	case media.CodecSynth:
		if first != nil {
			pic, err := codec.ParseSynthPicture(first)
			if err != nil {
				return fmt.Errorf("%w: first synth unit: %v", media.ErrParse, err)
			}
			d.Width, d.Height = pic.Width, pic.Height
		}
	case media.CodecAAC:
		if first != nil {
			h, err := framer.ParseADTSHeader(first)
			if err != nil {
				return err
			}
			d.SampleRate, d.Channels = h.SampleRate, h.Channels
		}
		d.FrameSize = framer.AACSamplesPerFrame
		d.SampleFormat, d.BitDepth = media.SampleFormatFLTP, 16
	case media.CodecMP3:
		if first != nil {
			h, err := framer.ParseMPEGAudioHeader(first)
			if err != nil {
				return err
			}
			d.SampleRate, d.Channels, d.FrameSize = h.SampleRate, h.Channels, h.Samples
		}
		d.SampleFormat, d.BitDepth = media.SampleFormatFLTP, 16
	case media.CodecPCMS16LE:
		d.SampleFormat, d.BitDepth = media.SampleFormatS16, 16
	case media.CodecPCMF32LE:
		d.SampleFormat, d.BitDepth = media.SampleFormatFLTP, 32
	}

	if d.Kind == media.KindVideo {
		if d.PixelFormat == media.PixelFormatNone {
			d.PixelFormat = media.PixelFormatYUV420P
		}
		if d.FrameRate.Validate() != nil {
			d.FrameRate = defaultFrameRate
		}
		d.TimeBase = d.FrameRate.Invert()
		return nil
	}
	if d.SampleRate <= 0 || d.Channels <= 0 {
		return fmt.Errorf("%w: %s stream needs a sample rate and channel count", media.ErrConfig, d.Codec)
	}
	d.TimeBase = media.Rational{Num: 1, Den: int64(d.SampleRate)}
	return nil
}

func (r *elementaryReader) Streams() []media.StreamDescriptor {
	return []media.StreamDescriptor{r.desc}
}

func (r *elementaryReader) ReadUnit() (*media.CodedUnit, error) {
	if err := r.fill(); err != nil {
		return nil, err
	}
	u := r.queue[0]
	r.queue = r.queue[1:]
	return u, r.stamp(u)
}

func (r *elementaryReader) stamp(u *media.CodedUnit) error {
	if r.desc.Kind == media.KindVideo {
		if r.desc.Codec == media.CodecSynth {
			pic, err := codec.ParseSynthPicture(u.Data)
			if err != nil {
				return fmt.Errorf("%w: %v", media.ErrParse, err)
			}
			u.PTS = pic.PTS
		}
		return nil
	}

	var n int64
	switch r.desc.Codec {
	case media.CodecAAC:
		n = framer.AACSamplesPerFrame
	case media.CodecMP3:
		h, err := framer.ParseMPEGAudioHeader(u.Data)
		if err != nil {
			return err
		}
		n = int64(h.Samples)
	default:
		bps := 2
		if r.desc.Codec == media.CodecPCMF32LE {
			bps = 4
		}
		n = int64(len(u.Data) / (bps * r.desc.Channels))
	}
	u.PTS, u.DTS, u.Duration = r.samples, r.samples, n
	r.samples += n
	return nil
}

func (r *elementaryReader) Close() error {
	return r.src.Close()
}

// elementaryWriter concatenates unit payloads. Synth units get their framing
// header back.
type elementaryWriter struct {
	format string
	sink   *storage.Sink
	log    *slog.Logger
	header bool
	units  int64
}

func newElementaryWriter(format string, sink *storage.Sink, opts Options) *elementaryWriter {
	return &elementaryWriter{
		format: format,
		sink:   sink,
		log:    opts.Log.With("component", "container", "format", format),
	}
}

func (w *elementaryWriter) TimeBase(desc media.StreamDescriptor) media.Rational {
	if desc.TimeBase.Validate() == nil {
		return desc.TimeBase
	}
	if desc.Kind == media.KindAudio && desc.SampleRate > 0 {
		return media.Rational{Num: 1, Den: int64(desc.SampleRate)}
	}
	if desc.FrameRate.Validate() == nil {
		return desc.FrameRate.Invert()
	}
	return media.TimeBaseMPEGTS
}

func (w *elementaryWriter) WriteHeader(streams []media.StreamDescriptor) error {
	if len(streams) != 1 {
		return fmt.Errorf("%w: %s output carries one stream, got %d", media.ErrConfig, w.format, len(streams))
	}
	if streams[0].Codec != w.format {
		return fmt.Errorf("%w: %s output cannot carry %s", media.ErrConfig, w.format, streams[0].Codec)
	}
	w.header = true
	return nil
}

func (w *elementaryWriter) WriteUnit(u *media.CodedUnit) error {
	if !w.header {
		return fmt.Errorf("%w: unit written before header", media.ErrBackend)
	}
	if u.StreamID != 0 {
		return fmt.Errorf("%w: %s output has no stream %d", media.ErrBackend, w.format, u.StreamID)
	}
	if w.format == media.CodecSynth {
		if err := w.sink.WriteChunk(framer.SynthUnitHeader(len(u.Data), u.Keyframe)); err != nil {
			return err
		}
	}
	w.units++
	return w.sink.WriteChunk(u.Data)
}

func (w *elementaryWriter) WriteTrailer() error {
	w.log.Debug("elementary stream complete", "units", w.units, "bytes", w.sink.Stats().Bytes)
	return nil
}

func (w *elementaryWriter) Close() error {
	return w.sink.Close()
}
