package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"path/filepath"
	"strings"

	"github.com/zsiec/ccx"

	"github.com/zsiec/avkit/internal/codec"
	"github.com/zsiec/avkit/internal/container"
	"github.com/zsiec/avkit/internal/demux"
	"github.com/zsiec/avkit/internal/filter"
	"github.com/zsiec/avkit/internal/framer"
	"github.com/zsiec/avkit/internal/media"
	"github.com/zsiec/avkit/internal/metrics"
	"github.com/zsiec/avkit/internal/mux"
	"github.com/zsiec/avkit/internal/resample"
	"github.com/zsiec/avkit/internal/storage"
)

// formatAuto asks decode to detect the input format.
const formatAuto = "auto"

// runDecode frames and decodes one stream of in and writes raw YUV or PCM
// to out.
func runDecode(ctx context.Context, pc *Context, args []string) error {
	in, out, format := args[0], args[1], args[2]
	stage := StageFramer
	switch _, known := media.CodecKind(format); {
	case format == formatAuto:
		format = ""
	case format == container.FormatMPEGTS:
		stage = StageDemux
	case !known:
		return usagef("unknown input format %q (one of %s, %s)", format, strings.Join(container.Formats(), ", "), formatAuto)
	}

	r, err := pc.OpenReader(ctx, format, in, stage)
	if err != nil {
		return err
	}
	desc, ok := demux.SelectVideo(r.Streams())
	if !ok {
		desc, ok = demux.SelectAudio(r.Streams())
	}
	if !ok {
		return at(stage, fmt.Errorf("%w: %s has no video or audio stream", media.ErrResource, in))
	}
	pc.Progress.Printf("Input stream: %s", desc)

	p := codec.ParamsFromDescriptor(desc)
	p.Log = pc.Log
	if pc.Config.SynthDelay > 0 {
		p.Delay = pc.Config.SynthDelay
	}
	dec, err := codec.OpenDecoder(desc.Codec, p)
	if err != nil {
		return at(StageDecode, err)
	}
	pc.Own("decoder", dec)

	sink, err := pc.Create(out)
	if err != nil {
		return err
	}
	fw := &frameWriter{w: sink}
	src := &streamSource{r: r, id: desc.ID, stage: stage}

	var units int
	var last *media.Frame
	write := func(frames iter.Seq2[*media.Frame, error]) error {
		for f, err := range frames {
			if err != nil {
				return at(StageDecode, err)
			}
			metrics.FramesTotal.WithLabelValues(metrics.StageDecode, f.Kind.String()).Inc()
			if err := pc.Time(StageOutput, func() error { return fw.WriteFrame(f) }); err != nil {
				return err
			}
			last = f
		}
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		u, err := src.ReadUnit()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		units++
		metrics.UnitsTotal.WithLabelValues(string(stage), desc.Kind.String()).Inc()
		pc.Progress.Statusf("Parsed packet size: %d", u.Len())
		if err := pc.Time(StageDecode, func() error { return dec.Submit(u) }); err != nil {
			return err
		}
		if err := write(dec.Drain()); err != nil {
			return err
		}
	}
	if err := write(dec.Flush()); err != nil {
		return err
	}

	pc.Progress.Done()
	pc.Progress.Printf("Decoded %d units into %d frames", units, fw.n)
	if last != nil {
		pc.Progress.Printf("Play the output with:\n%s", playHint(out, frameDescriptor(last)))
	}
	return nil
}

// frameDescriptor describes the raw layout of f for play hints.
func frameDescriptor(f *media.Frame) media.StreamDescriptor {
	return media.StreamDescriptor{
		Kind:         f.Kind,
		Width:        f.Width,
		Height:       f.Height,
		PixelFormat:  f.PixelFormat,
		SampleRate:   f.SampleRate,
		Channels:     f.Channels,
		SampleFormat: f.SampleFormat,
	}
}

// runEncode encodes raw or generated frames with codec and writes them as
// an elementary stream, or a transport stream when out ends in .ts.
func runEncode(ctx context.Context, pc *Context, args []string) error {
	in, out, name := args[0], args[1], args[2]
	kind, ok := media.CodecKind(name)
	if !ok {
		return at(StageEncode, fmt.Errorf("%w: unknown codec %q", media.ErrConfig, name))
	}

	var desc media.StreamDescriptor
	if kind == media.KindVideo {
		desc = pc.Config.VideoStream()
	} else {
		desc = pc.Config.AudioStream()
	}
	desc.Codec = name

	frames, err := openFrames(pc, in, desc)
	if err != nil {
		return err
	}

	p := codec.ParamsFromDescriptor(desc)
	p.Log = pc.Log
	enc, err := codec.OpenEncoder(name, p)
	if err != nil {
		return at(StageEncode, err)
	}
	pc.Own("encoder", enc)

	format := name
	if isTransportStream(out) {
		format = container.FormatMPEGTS
	}
	w, err := pc.NewWriter(format, out)
	if err != nil {
		return err
	}
	src := &encodedSource{pc: pc, frames: frames, enc: enc}
	m, err := mux.Open(w, []mux.Input{{Stream: desc, Source: src}}, mux.Options{Stats: metrics.NewMuxObserver(), Log: pc.Log})
	if err != nil {
		return muxError(err)
	}
	pc.Own("muxer", m)
	if err := pc.Time(StageMux, func() error { return muxError(m.Run(ctx)) }); err != nil {
		return err
	}

	pc.Progress.Done()
	pc.Progress.Printf("Encoded %d units of %s to %s", m.Written(), name, out)
	return nil
}

// openFrames returns the frame source named by in: a generator or a raw
// YUV/PCM file laid out as desc.
func openFrames(pc *Context, in string, desc media.StreamDescriptor) (frameSource, error) {
	cfg := pc.Config
	switch {
	case in == inputTestSource && desc.Kind == media.KindVideo:
		return &testSource{w: cfg.Width, h: cfg.Height, frames: cfg.Frames}, nil
	case in == inputSine && desc.Kind == media.KindAudio:
		return &sineSource{format: desc.AudioFormat(), samples: cfg.FrameSize, frames: cfg.Frames}, nil
	case in == inputTestSource || in == inputSine:
		return nil, at(StageInput, fmt.Errorf("%w: %s cannot feed a %s encoder", media.ErrConfig, in, desc.Kind))
	}

	src, err := pc.Open(in)
	if err != nil {
		return nil, err
	}
	var frames frameSource
	if desc.Kind == media.KindVideo {
		frames, err = storage.NewYUVReader(src, desc.Width, desc.Height, desc.PixelFormat)
	} else {
		frames, err = storage.NewPCMReader(src, desc.AudioFormat(), cfg.FrameSize)
	}
	if err != nil {
		return nil, at(StageInput, err)
	}
	return frames, nil
}

func isTransportStream(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".m2ts", ".mts":
		return true
	}
	return false
}

// muxError attributes a multiplexer failure. Write failures belong to the
// output stage; errors already attributed upstream keep their stage.
func muxError(err error) error {
	if errors.Is(err, media.ErrIO) {
		return at(StageOutput, err)
	}
	return at(StageMux, err)
}

// demuxOutputs lists the stream outputs of a demux run plus the captions
// file when one is configured.
func demuxOutputs(pc *Context, args []string) []string {
	var outs []string
	for _, p := range args[1:] {
		if p != "" {
			outs = append(outs, p)
		}
	}
	if pc != nil && pc.Config.Captions != "" {
		outs = append(outs, pc.Config.Captions)
	}
	return outs
}

// runDemux splits in into its best video and best audio stream. An empty
// output path skips that stream. By default the streams are decoded to raw
// YUV and PCM; with Config.Copy the coded units are written as elementary
// streams.
func runDemux(ctx context.Context, pc *Context, args []string) error {
	format, in := splitFormat(args[0])
	outs := map[media.Kind]string{media.KindVideo: args[1], media.KindAudio: args[2]}

	var want []media.Kind
	for _, k := range []media.Kind{media.KindVideo, media.KindAudio} {
		if outs[k] != "" {
			want = append(want, k)
		}
	}
	if len(want) == 0 {
		return usagef("demux needs a video or an audio output")
	}

	r, err := pc.OpenReader(ctx, format, in, StageDemux)
	if err != nil {
		return err
	}

	opts := demux.Options{
		Want:       want,
		Decode:     !pc.Config.Copy,
		SynthDelay: pc.Config.SynthDelay,
		Stats:      metrics.NewDemuxObserver(),
		Log:        pc.Log,
		OnTimecode: func(pts int64, tc framer.Timecode) {
			pc.Log.Debug("timecode", "pts", pts, "timecode", tc.String())
		},
	}
	var captions *captionWriter
	if pc.Config.Captions != "" {
		sink, err := pc.Create(pc.Config.Captions)
		if err != nil {
			return err
		}
		captions = &captionWriter{w: sink}
		opts.OnCaption = captions.write
	}

	d, err := demux.Open(ctx, r, opts)
	if err != nil {
		var de *demux.DecoderError
		if errors.As(err, &de) {
			return at(StageDecode, err)
		}
		return classify(err, StageDemux)
	}
	pc.Own("demuxer", d)
	for _, s := range d.Selected() {
		pc.Progress.Printf("Selected %s stream: %s", s.Kind, s)
	}

	if pc.Config.Copy {
		err = demuxCopy(pc, d, outs)
	} else {
		err = demuxDecode(pc, d, outs)
	}
	if err != nil {
		return err
	}
	if captions != nil {
		if captions.err != nil {
			return at(StageOutput, captions.err)
		}
		pc.Progress.Printf("Wrote %d captions to %s", captions.n, pc.Config.Captions)
	}
	return nil
}

func demuxDecode(pc *Context, d *demux.Demuxer, outs map[media.Kind]string) error {
	writers := make(map[media.Kind]*frameWriter)
	last := make(map[media.Kind]*media.Frame)
	for _, s := range d.Selected() {
		if outs[s.Kind] == "" {
			continue
		}
		sink, err := pc.Create(outs[s.Kind])
		if err != nil {
			return err
		}
		writers[s.Kind] = &frameWriter{w: sink}
	}

	for sf, err := range d.Decode() {
		if err != nil {
			return demuxStreamError(err)
		}
		fw := writers[sf.Stream.Kind]
		if fw == nil {
			continue
		}
		if err := pc.Time(StageOutput, func() error { return fw.WriteFrame(sf.Frame) }); err != nil {
			return err
		}
		last[sf.Stream.Kind] = sf.Frame
		if sf.Frame.Kind == media.KindVideo {
			pc.Progress.Statusf("Decoded video frame %d, pts: %d", fw.n, sf.Frame.PTS)
		}
	}

	pc.Progress.Done()
	for _, k := range []media.Kind{media.KindVideo, media.KindAudio} {
		fw := writers[k]
		if fw == nil {
			continue
		}
		pc.Progress.Printf("Demuxed %d %s frames to %s", fw.n, k, outs[k])
		if f := last[k]; f != nil {
			pc.Progress.Printf("Play the output with:\n%s", playHint(outs[k], frameDescriptor(f)))
		}
	}
	return nil
}

func demuxCopy(pc *Context, d *demux.Demuxer, outs map[media.Kind]string) error {
	writers := make(map[media.Kind]container.Writer)
	counts := make(map[media.Kind]int)
	for _, s := range d.Selected() {
		if outs[s.Kind] == "" {
			continue
		}
		w, err := pc.NewWriter(s.Codec, outs[s.Kind])
		if err != nil {
			return err
		}
		s.ID = 0
		if err := w.WriteHeader([]media.StreamDescriptor{s}); err != nil {
			return at(StageOutput, err)
		}
		writers[s.Kind] = w
	}

	for p, err := range d.Demux() {
		if err != nil {
			return demuxStreamError(err)
		}
		w := writers[p.Stream.Kind]
		if w == nil {
			continue
		}
		u := *p.Unit
		u.StreamID = 0
		if err := pc.Time(StageOutput, func() error { return w.WriteUnit(&u) }); err != nil {
			return err
		}
		counts[p.Stream.Kind]++
	}
	for _, w := range writers {
		if err := w.WriteTrailer(); err != nil {
			return at(StageOutput, err)
		}
	}

	for _, k := range []media.Kind{media.KindVideo, media.KindAudio} {
		if writers[k] != nil {
			pc.Progress.Printf("Copied %d %s units to %s", counts[k], k, outs[k])
		}
	}
	return nil
}

// demuxStreamError attributes an error of a demux sequence. Decoder
// failures wrap media.ErrBackend.
func demuxStreamError(err error) error {
	if errors.Is(err, media.ErrBackend) {
		return at(StageDecode, err)
	}
	return classify(err, StageDemux)
}

// captionWriter stores captions one per line as "[pts] chN: text".
type captionWriter struct {
	w   io.Writer
	n   int
	err error
}

func (c *captionWriter) write(f *ccx.CaptionFrame) {
	if c.err != nil {
		return
	}
	text := strings.ReplaceAll(strings.TrimRight(f.Text, "\n"), "\n", " | ")
	_, c.err = fmt.Fprintf(c.w, "[%d] ch%d: %s\n", f.PTS, f.Channel, text)
	c.n++
}

// runMux interleaves the best video stream of videoIn and the best audio
// stream of audioIn into a transport stream.
func runMux(ctx context.Context, pc *Context, args []string) error {
	var inputs []mux.Input
	for i, pick := range []func([]media.StreamDescriptor) (media.StreamDescriptor, bool){demux.SelectVideo, demux.SelectAudio} {
		format, path := splitFormat(args[i])
		r, err := pc.OpenReader(ctx, format, path, StageDemux)
		if err != nil {
			return err
		}
		desc, ok := pick(r.Streams())
		if !ok {
			kind := media.KindVideo
			if i == 1 {
				kind = media.KindAudio
			}
			return at(StageDemux, fmt.Errorf("%w: %s has no %s stream", media.ErrResource, path, kind))
		}
		pc.Progress.Printf("Input %d: %s", i, desc)
		inputs = append(inputs, mux.Input{Stream: desc, Source: &streamSource{r: r, id: desc.ID, stage: StageDemux}})
	}

	w, err := pc.NewWriter(container.FormatMPEGTS, args[2])
	if err != nil {
		return err
	}
	m, err := mux.Open(w, inputs, mux.Options{Stats: metrics.NewMuxObserver(), Log: pc.Log})
	if err != nil {
		return muxError(err)
	}
	pc.Own("muxer", m)
	if err := pc.Time(StageMux, func() error { return muxError(m.Run(ctx)) }); err != nil {
		return err
	}
	pc.Progress.Printf("Muxed %d units to %s", m.Written(), args[2])
	return nil
}

// runFilter applies a filter graph to raw YUV pictures of the configured
// size.
func runFilter(ctx context.Context, pc *Context, args []string) error {
	desc, in, out := args[0], args[1], args[2]
	vs := pc.Config.VideoStream()
	g, err := filter.Build(desc, vs.VideoFormat())
	if err != nil {
		return at(StageFilter, err)
	}
	pc.Log.Debug("filter graph built", "graph", g.String(), "input", g.Input(), "output", g.Output())

	src, err := pc.Open(in)
	if err != nil {
		return err
	}
	rd, err := storage.NewYUVReader(src, vs.Width, vs.Height, vs.PixelFormat)
	if err != nil {
		return at(StageInput, err)
	}
	sink, err := pc.Create(out)
	if err != nil {
		return err
	}

	var n int
	emit := func(frames iter.Seq2[*media.Frame, error]) error {
		for f, err := range frames {
			if err != nil {
				return at(StageFilter, err)
			}
			if err := pc.Time(StageOutput, func() error { return storage.WriteYUV(sink, f) }); err != nil {
				return err
			}
			n++
			metrics.FramesTotal.WithLabelValues(metrics.StageFilter, f.Kind.String()).Inc()
			pc.Progress.Statusf("Frame filtered, width: %d, height: %d", f.Width, f.Height)
		}
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := rd.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return at(StageInput, err)
		}
		if err := pc.Time(StageFilter, func() error { return emit(g.Push(f)) }); err != nil {
			return err
		}
	}
	if err := pc.Time(StageFilter, func() error { return emit(g.Flush()) }); err != nil {
		return err
	}

	pc.Progress.Done()
	o := g.Output()
	pc.Progress.Printf("Filtered %d frames through %q", n, g.String())
	pc.Progress.Printf("Play the output with:\n%s", playHint(out, media.StreamDescriptor{
		Kind: media.KindVideo, Width: o.Width, Height: o.Height, PixelFormat: o.PixelFormat,
	}))
	return nil
}

// runResample converts raw s16 PCM of the configured layout to the
// configured resample target.
func runResample(ctx context.Context, pc *Context, args []string) error {
	in, out := args[0], args[1]
	inFmt := pc.Config.AudioStream().AudioFormat()
	outFmt := pc.Config.ResampleTarget(inFmt)
	rs, err := resample.New(inFmt, outFmt)
	if err != nil {
		return at(StageResample, err)
	}

	src, err := pc.Open(in)
	if err != nil {
		return err
	}
	rd, err := storage.NewPCMReader(src, inFmt, pc.Config.FrameSize)
	if err != nil {
		return at(StageInput, err)
	}
	sink, err := pc.Create(out)
	if err != nil {
		return err
	}
	pw, err := storage.NewPCMWriter(sink, outFmt.SampleFormat)
	if err != nil {
		return at(StageOutput, err)
	}

	var samples int
	emit := func(frames iter.Seq2[*media.Frame, error]) error {
		for f, err := range frames {
			if err != nil {
				return at(StageResample, err)
			}
			if err := pc.Time(StageOutput, func() error { return pw.WriteFrame(f) }); err != nil {
				return err
			}
			samples += f.Samples
			metrics.FramesTotal.WithLabelValues(metrics.StageResample, f.Kind.String()).Inc()
			pc.Progress.Statusf("Resampled %d samples", samples)
		}
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := rd.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return at(StageInput, err)
		}
		if err := pc.Time(StageResample, func() error { return emit(rs.Push(f)) }); err != nil {
			return err
		}
	}
	if err := pc.Time(StageResample, func() error { return emit(rs.Flush()) }); err != nil {
		return err
	}

	pc.Progress.Done()
	pc.Progress.Printf("Resampled %s to %s: %d samples", inFmt, outFmt, samples)
	pc.Progress.Printf("Play the output with:\n%s", playHint(out, media.StreamDescriptor{
		Kind: media.KindAudio, SampleRate: outFmt.SampleRate, Channels: outFmt.Channels, SampleFormat: outFmt.SampleFormat,
	}))
	return nil
}
