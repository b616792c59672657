package pipeline

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"slices"
	"strings"

	"github.com/zsiec/avkit/internal/codec"
	"github.com/zsiec/avkit/internal/container"
	"github.com/zsiec/avkit/internal/media"
	"github.com/zsiec/avkit/internal/storage"
)

// Generated inputs of the encode command.
const (
	inputTestSource = "testsrc"
	inputSine       = "sine"
)

const sineHz = 440

// splitFormat separates an optional "format:" prefix from a path.
func splitFormat(arg string) (format, path string) {
	if f, p, ok := strings.Cut(arg, ":"); ok && slices.Contains(container.Formats(), f) {
		return f, p
	}
	return "", arg
}

// frameSource yields raw frames until io.EOF.
type frameSource interface {
	ReadFrame() (*media.Frame, error)
}

// testSource generates the moving Y/Cb/Cr gradient used to exercise video
// encoders. Frame i has PTS i.
type testSource struct {
	w, h   int
	frames int
	next   int
}

func (s *testSource) ReadFrame() (*media.Frame, error) {
	if s.next >= s.frames {
		return nil, io.EOF
	}
	i := s.next
	s.next++

	f := media.NewVideoFrame(s.w, s.h, media.PixelFormatYUV420P)
	for y := range s.h {
		row := f.Planes[0][y*f.Linesize[0]:]
		for x := range s.w {
			row[x] = byte(x + y + i*3)
		}
	}
	for y := range (s.h + 1) / 2 {
		cb := f.Planes[1][y*f.Linesize[1]:]
		cr := f.Planes[2][y*f.Linesize[2]:]
		for x := range (s.w + 1) / 2 {
			cb[x] = byte(128 + y + i*2)
			cr[x] = byte(64 + x + i*5)
		}
	}
	f.PTS = int64(i)
	return f, nil
}

// sineSource generates a 440 Hz tone on every channel, PTS in samples.
type sineSource struct {
	format  media.AudioFormat
	samples int
	frames  int
	next    int
}

func (s *sineSource) ReadFrame() (*media.Frame, error) {
	if s.next >= s.frames {
		return nil, io.EOF
	}
	start := s.next * s.samples
	s.next++

	f := media.NewAudioFrame(s.format, s.samples)
	step := 2 * math.Pi * sineHz / float64(s.format.SampleRate)
	for i := range s.samples {
		v := float32(0.3 * math.Sin(step*float64(start+i)))
		for ch := range s.format.Channels {
			f.SetSample(ch, i, v)
		}
	}
	f.PTS = int64(start)
	return f, nil
}

// encodedSource feeds frames through an encoder and hands the coded units
// to a multiplexer.
type encodedSource struct {
	pc     *Context
	frames frameSource
	enc    *codec.Encoder
	queue  []*media.CodedUnit
	done   bool
	n      int
}

func (s *encodedSource) ReadUnit() (*media.CodedUnit, error) {
	for len(s.queue) == 0 {
		if s.done {
			return nil, io.EOF
		}
		f, err := s.frames.ReadFrame()
		if errors.Is(err, io.EOF) {
			s.done = true
			err = s.pc.Time(StageEncode, func() error { return s.collect(s.enc.Flush()) })
			if err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, at(StageInput, err)
		}
		err = s.pc.Time(StageEncode, func() error {
			if err := s.enc.Submit(f); err != nil {
				return err
			}
			return s.collect(s.enc.Drain())
		})
		if err != nil {
			return nil, err
		}
	}
	u := s.queue[0]
	s.queue = s.queue[1:]
	s.n++
	s.pc.Progress.Statusf("Encoded unit %d, size: %d", s.n, u.Len())
	return u, nil
}

func (s *encodedSource) collect(units iter.Seq2[*media.CodedUnit, error]) error {
	for u, err := range units {
		if err != nil {
			return err
		}
		s.queue = append(s.queue, u)
	}
	return nil
}

// streamSource reads the units of one stream from a container, skipping
// the others.
type streamSource struct {
	r     container.Reader
	id    int
	stage Stage
}

func (s *streamSource) ReadUnit() (*media.CodedUnit, error) {
	for {
		u, err := s.r.ReadUnit()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, classify(err, s.stage)
		}
		if u.StreamID == s.id {
			return u, nil
		}
	}
}

// frameWriter stores decoded frames as raw YUV or interleaved PCM.
type frameWriter struct {
	w   io.Writer
	pcm *storage.PCMWriter
	n   int
}

func (fw *frameWriter) WriteFrame(f *media.Frame) error {
	fw.n++
	if f.Kind == media.KindVideo {
		return storage.WriteYUV(fw.w, f)
	}
	if fw.pcm == nil {
		pcm, err := storage.NewPCMWriter(fw.w, f.SampleFormat)
		if err != nil {
			return err
		}
		fw.pcm = pcm
	}
	return fw.pcm.WriteFrame(f)
}

// playHint describes how to play a raw output.
func playHint(path string, d media.StreamDescriptor) string {
	if d.Kind == media.KindVideo {
		return fmt.Sprintf("ffplay -f rawvideo -pixel_format %s -video_size %dx%d %s", d.PixelFormat, d.Width, d.Height, path)
	}
	pcm := "s16le"
	if d.SampleFormat == media.SampleFormatFLT || d.SampleFormat == media.SampleFormatFLTP {
		pcm = "f32le"
	}
	return fmt.Sprintf("ffplay -f %s -ac %d -ar %d %s", pcm, d.Channels, d.SampleRate, path)
}
