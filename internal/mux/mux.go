// Package mux interleaves the coded units of several inputs into one
// container writer in timestamp order.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/avkit/internal/container"
	"github.com/zsiec/avkit/internal/media"
)

// Source yields coded units of one stream, io.EOF at the end.
// container.Reader satisfies it for single-stream readers.
type Source interface {
	ReadUnit() (*media.CodedUnit, error)
}

// Input is one stream to multiplex. Unit timestamps are in
// Stream.TimeBase; the unit StreamID is ignored.
type Input struct {
	Stream media.StreamDescriptor
	Source Source
}

// StatsRecorder receives one call per written unit.
type StatsRecorder interface {
	RecordUnit(kind media.Kind, bytes int, keyframe bool)
}

// Options configures a Muxer.
type Options struct {
	Stats StatsRecorder
	Log   *slog.Logger
}

// cursor is the lookahead of one input.
type cursor struct {
	in    Input
	out   media.StreamDescriptor
	index int
	next  *media.CodedUnit
	done  bool
	count int64

	lastDTS int64
}

// Muxer writes the interleaved inputs to a container.Writer.
type Muxer struct {
	w       container.Writer
	log     *slog.Logger
	stats   StatsRecorder
	cursors []*cursor
	streams []media.StreamDescriptor
	written int64
	closed  bool
}

// Open declares one output stream per input and writes the container
// header. The Muxer owns w from then on and closes it in Close.
func Open(w container.Writer, inputs []Input, opts Options) (*Muxer, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: mux needs at least one input", media.ErrConfig)
	}
	m := &Muxer{w: w, log: log.With("component", "mux"), stats: opts.Stats}
	for i, in := range inputs {
		if err := in.Stream.TimeBase.Validate(); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		out := in.Stream
		out.ID = i
		out.PID = 0
		out.Extra = append([]byte(nil), in.Stream.Extra...)
		out.TimeBase = w.TimeBase(out)
		if err := out.TimeBase.Validate(); err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		m.streams = append(m.streams, out)
		m.cursors = append(m.cursors, &cursor{in: in, out: out, index: i, lastDTS: media.NoTimestamp})
	}
	if err := w.WriteHeader(m.Streams()); err != nil {
		return nil, err
	}
	for _, s := range m.streams {
		m.log.Debug("output stream", "stream", s.String())
	}
	return m, nil
}

// Streams returns the output stream descriptors.
func (m *Muxer) Streams() []media.StreamDescriptor {
	return append([]media.StreamDescriptor(nil), m.streams...)
}

// Written returns the number of units written so far.
func (m *Muxer) Written() int64 { return m.written }

// Run writes every unit of every input, smallest timestamp first, then the
// trailer. Ties go to video before audio and then to the lower input index.
func (m *Muxer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := m.pick()
		if err != nil {
			return err
		}
		if c == nil {
			break
		}
		u := c.next
		c.next = nil
		if err := m.write(c, u); err != nil {
			return err
		}
	}
	m.log.Debug("mux complete", "units", m.written)
	return m.w.WriteTrailer()
}

// pick fills every lookahead and returns the cursor to write next, or nil
// once every input is exhausted.
func (m *Muxer) pick() (*cursor, error) {
	var best *cursor
	for _, c := range m.cursors {
		if err := m.fill(c); err != nil {
			return nil, err
		}
		if c.next == nil {
			continue
		}
		if best == nil || before(c, best) {
			best = c
		}
	}
	return best, nil
}

func before(a, b *cursor) bool {
	tbA, tbB := a.in.Stream.TimeBase, b.in.Stream.TimeBase
	if c := media.CompareTimestamps(a.next.DTS, tbA, b.next.DTS, tbB); c != 0 {
		return c < 0
	}
	if pa, pb := a.in.Stream.Kind.Priority(), b.in.Stream.Kind.Priority(); pa != pb {
		return pa < pb
	}
	return a.index < b.index
}

func (m *Muxer) fill(c *cursor) error {
	if c.next != nil || c.done {
		return nil
	}
	u, err := c.in.Source.ReadUnit()
	if errors.Is(err, io.EOF) {
		c.done = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("input %d: %w", c.index, err)
	}
	if err := synthesize(c.in.Stream, c.count, u); err != nil {
		return fmt.Errorf("input %d: %w", c.index, err)
	}
	c.count++
	c.next = u
	return nil
}

// write rescales u into the output time base and hands it to the writer.
func (m *Muxer) write(c *cursor, u *media.CodedUnit) error {
	from, to := c.in.Stream.TimeBase, c.out.TimeBase
	u.PTS = media.Rescale(u.PTS, from, to)
	u.DTS = media.Rescale(u.DTS, from, to)
	u.Duration = media.Rescale(u.Duration, from, to)
	u.StreamID = c.index

	if c.lastDTS != media.NoTimestamp && u.DTS < c.lastDTS {
		return fmt.Errorf("%w: stream %d: dts %d after %d", media.ErrBackend, c.index, u.DTS, c.lastDTS)
	}
	c.lastDTS = u.DTS

	if err := m.w.WriteUnit(u); err != nil {
		return err
	}
	m.written++
	if m.stats != nil {
		m.stats.RecordUnit(c.out.Kind, u.Len(), u.Keyframe)
	}
	return nil
}

// Close closes the writer. It is safe to call more than once.
func (m *Muxer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.w.Close()
}
