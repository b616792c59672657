package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"

	"github.com/zsiec/ccx"

	"github.com/zsiec/avkit/internal/codec"
	"github.com/zsiec/avkit/internal/container"
	"github.com/zsiec/avkit/internal/framer"
	"github.com/zsiec/avkit/internal/media"
)

// StatsRecorder receives demux telemetry. The metrics package implements
// it.
type StatsRecorder interface {
	RecordUnit(kind media.Kind, bytes int, keyframe bool)
	RecordFrame(kind media.Kind)
	RecordCaption(channel int)
	RecordTimecode(tc string)
}

// Options configures a Demuxer.
type Options struct {
	// Want lists the kinds that must be present. Open fails with
	// media.ErrResource when one is missing.
	Want []media.Kind
	// Decode opens one decoder per selected stream so Decode can be used.
	Decode bool
	// SynthDelay overrides the reorder depth of synth decoders when > 0.
	SynthDelay int

	// OnCaption receives CEA-608/708 captions found in H.264 or HEVC SEI
	// messages of the selected video stream. Nil disables extraction.
	OnCaption func(*ccx.CaptionFrame)
	// OnTimecode receives pic_timing timecodes of an H.264 video stream.
	OnTimecode func(pts int64, tc framer.Timecode)

	Stats StatsRecorder
	Log   *slog.Logger
}

// DecoderError reports a decoder that could not be opened for a selected
// stream.
type DecoderError struct {
	Stream media.StreamDescriptor
	Err    error
}

func (e *DecoderError) Error() string {
	return fmt.Sprintf("stream %d: open %s decoder: %v", e.Stream.ID, e.Stream.Codec, e.Err)
}

func (e *DecoderError) Unwrap() error { return e.Err }

// Packet is one coded unit of a selected stream.
type Packet struct {
	Stream media.StreamDescriptor
	Unit   *media.CodedUnit
}

// StreamFrame is one decoded frame of a selected stream.
type StreamFrame struct {
	Stream media.StreamDescriptor
	Frame  *media.Frame
}

type track struct {
	desc media.StreamDescriptor
	dec  *codec.Decoder
}

// Demuxer reads a container and keeps the best video and the best audio
// stream. Units of every other stream are dropped.
type Demuxer struct {
	ctx  context.Context
	r    container.Reader
	log  *slog.Logger
	opts Options

	streams []media.StreamDescriptor
	video   *track
	audio   *track
	byID    map[int]*track

	captions *captionExtractor
	sps      framer.SPSInfo
	lastPTS  int64
	dropped  int64
	closed   bool
}

// Open selects streams from r and, with opts.Decode, opens their decoders.
// The Demuxer owns r from then on; on error r is left to the caller.
func Open(ctx context.Context, r container.Reader, opts Options) (*Demuxer, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		ctx:     ctx,
		r:       r,
		log:     log.With("component", "demux"),
		opts:    opts,
		streams: r.Streams(),
		byID:    make(map[int]*track),
		lastPTS: media.NoTimestamp,
	}

	if v, ok := SelectVideo(d.streams); ok {
		d.video = &track{desc: v}
		d.byID[v.ID] = d.video
	}
	if a, ok := SelectAudio(d.streams); ok {
		d.audio = &track{desc: a}
		d.byID[a.ID] = d.audio
	}
	for _, k := range opts.Want {
		if (k == media.KindVideo && d.video == nil) || (k == media.KindAudio && d.audio == nil) {
			return nil, fmt.Errorf("%w: input has no %s stream", media.ErrResource, k)
		}
	}
	if len(d.byID) == 0 {
		return nil, fmt.Errorf("%w: input has no video or audio stream", media.ErrResource)
	}

	if opts.Decode {
		for _, t := range d.tracks() {
			p := codec.ParamsFromDescriptor(t.desc)
			p.Log = log
			if opts.SynthDelay > 0 {
				p.Delay = opts.SynthDelay
			}
			dec, err := codec.OpenDecoder(t.desc.Codec, p)
			if err != nil {
				d.closeSessions()
				return nil, &DecoderError{Stream: t.desc, Err: err}
			}
			t.dec = dec
		}
	}

	if d.video != nil && opts.OnCaption != nil {
		d.captions = newCaptionExtractor(d.video.desc.Codec, opts.OnCaption, opts.Stats)
	}
	for _, t := range d.tracks() {
		d.log.Info("selected stream", "stream", t.desc.String())
	}
	return d, nil
}

// SelectVideo picks the video stream with the largest picture. Ties go to
// the lowest ID.
func SelectVideo(streams []media.StreamDescriptor) (media.StreamDescriptor, bool) {
	return pick(streams, media.KindVideo, func(a, b media.StreamDescriptor) int {
		return cmpInt(a.Width*a.Height, b.Width*b.Height)
	})
}

// SelectAudio picks the audio stream with the highest sample rate, then bit
// depth, then channel count. Ties go to the lowest ID.
func SelectAudio(streams []media.StreamDescriptor) (media.StreamDescriptor, bool) {
	return pick(streams, media.KindAudio, func(a, b media.StreamDescriptor) int {
		if c := cmpInt(a.SampleRate, b.SampleRate); c != 0 {
			return c
		}
		if c := cmpInt(a.BitDepth, b.BitDepth); c != 0 {
			return c
		}
		return cmpInt(a.Channels, b.Channels)
	})
}

func pick(streams []media.StreamDescriptor, kind media.Kind, better func(a, b media.StreamDescriptor) int) (media.StreamDescriptor, bool) {
	var best media.StreamDescriptor
	found := false
	for _, s := range streams {
		if s.Kind != kind {
			continue
		}
		if !found {
			best, found = s, true
			continue
		}
		c := better(s, best)
		if c > 0 || (c == 0 && s.ID < best.ID) {
			best = s
		}
	}
	return best, found
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// tracks returns the selected tracks, video first.
func (d *Demuxer) tracks() []*track {
	var out []*track
	if d.video != nil {
		out = append(out, d.video)
	}
	if d.audio != nil {
		out = append(out, d.audio)
	}
	return out
}

// Streams returns every stream of the input.
func (d *Demuxer) Streams() []media.StreamDescriptor {
	return slices.Clone(d.streams)
}

// Selected returns the selected streams, video first.
func (d *Demuxer) Selected() []media.StreamDescriptor {
	var out []media.StreamDescriptor
	for _, t := range d.tracks() {
		out = append(out, t.desc)
	}
	return out
}

// Stream returns the selected stream of a kind.
func (d *Demuxer) Stream(kind media.Kind) (media.StreamDescriptor, bool) {
	switch {
	case kind == media.KindVideo && d.video != nil:
		return d.video.desc, true
	case kind == media.KindAudio && d.audio != nil:
		return d.audio.desc, true
	}
	return media.StreamDescriptor{}, false
}

// Demux yields the units of the selected streams in physical order. The
// sequence ends at end of input or after the first error.
func (d *Demuxer) Demux() iter.Seq2[Packet, error] {
	return func(yield func(Packet, error) bool) {
		for {
			if err := d.ctx.Err(); err != nil {
				yield(Packet{}, err)
				return
			}
			u, err := d.r.ReadUnit()
			if errors.Is(err, io.EOF) {
				d.finish()
				return
			}
			if err != nil {
				yield(Packet{}, err)
				return
			}
			t := d.byID[u.StreamID]
			if t == nil {
				d.dropped++
				continue
			}
			d.inspect(t, u)
			if !yield(Packet{Stream: t.desc, Unit: u}, nil) {
				return
			}
		}
	}
}

// inspect records telemetry and runs the SEI consumers for a video unit.
func (d *Demuxer) inspect(t *track, u *media.CodedUnit) {
	if d.opts.Stats != nil {
		d.opts.Stats.RecordUnit(t.desc.Kind, u.Len(), u.Keyframe)
	}
	if t != d.video {
		return
	}
	if u.PTS != media.NoTimestamp {
		d.lastPTS = u.PTS
	}
	if d.captions != nil {
		d.captions.unit(u)
	}
	if t.desc.Codec == media.CodecH264 && (d.opts.OnTimecode != nil || d.opts.Stats != nil) {
		d.timecodes(u)
	}
}

func (d *Demuxer) timecodes(u *media.CodedUnit) {
	for _, nal := range framer.ParseAnnexB(u.Data) {
		switch nal.Type {
		case framer.NALTypeSPS:
			if info, err := framer.ParseSPS(nal.Data); err == nil {
				d.sps = info
			}
		case framer.NALTypeSEI:
			tc, ok := framer.ParsePicTimingSEI(nal.Data, d.sps)
			if !ok {
				continue
			}
			if d.opts.Stats != nil {
				d.opts.Stats.RecordTimecode(tc.String())
			}
			if d.opts.OnTimecode != nil {
				d.opts.OnTimecode(u.PTS, tc)
			}
		}
	}
}

func (d *Demuxer) finish() {
	if d.captions != nil {
		d.captions.flush(d.lastPTS)
	}
	if d.dropped > 0 {
		d.log.Debug("dropped units of unselected streams", "units", d.dropped)
	}
}

// Decode routes every selected unit through its decoder and yields frames
// as they become available. At end of input the video decoder is flushed
// before the audio decoder.
func (d *Demuxer) Decode() iter.Seq2[StreamFrame, error] {
	return func(yield func(StreamFrame, error) bool) {
		if !d.opts.Decode {
			yield(StreamFrame{}, fmt.Errorf("%w: demuxer opened without decoders", media.ErrConfig))
			return
		}
		for p, err := range d.Demux() {
			if err != nil {
				yield(StreamFrame{}, err)
				return
			}
			t := d.byID[p.Stream.ID]
			if err := t.dec.Submit(p.Unit); err != nil {
				yield(StreamFrame{}, err)
				return
			}
			if !d.emit(t, t.dec.Drain(), yield) {
				return
			}
		}
		for _, t := range d.tracks() {
			if !d.emit(t, t.dec.Flush(), yield) {
				return
			}
		}
	}
}

// emit forwards decoder output. It reports whether decoding should go on.
func (d *Demuxer) emit(t *track, frames iter.Seq2[*media.Frame, error], yield func(StreamFrame, error) bool) bool {
	for f, err := range frames {
		if err != nil {
			yield(StreamFrame{}, err)
			return false
		}
		if d.opts.Stats != nil {
			d.opts.Stats.RecordFrame(t.desc.Kind)
		}
		if !yield(StreamFrame{Stream: t.desc, Frame: f}, nil) {
			return false
		}
	}
	return true
}

func (d *Demuxer) closeSessions() error {
	var errs []error
	for _, t := range d.tracks() {
		if t.dec != nil {
			errs = append(errs, t.dec.Close())
		}
	}
	return errors.Join(errs...)
}

// Close closes the decoders, then the reader. It is safe to call more than
// once.
func (d *Demuxer) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return errors.Join(d.closeSessions(), d.r.Close())
}
