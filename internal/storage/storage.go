// Package storage adapts files and standard streams to the chunked byte
// interfaces the pipeline stages consume, counting traffic as it goes.
package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/zsiec/avkit/internal/media"
)

// StdStream is the path that selects stdin for Open and stdout for Create.
const StdStream = "-"

const bufferSize = 64 << 10

// Stats captures the traffic counters of a Source or Sink.
type Stats struct {
	Bytes    int64 `json:"bytes"`
	Calls    int64 `json:"calls"`
	OpenedAt int64 `json:"openedAt"`
	UptimeMs int64 `json:"uptimeMs"`
}

type counters struct {
	openedAt time.Time
	bytes    atomic.Int64
	calls    atomic.Int64
}

func (c *counters) record(n int) {
	c.bytes.Add(int64(n))
	c.calls.Add(1)
}

func (c *counters) stats() Stats {
	return Stats{
		Bytes:    c.bytes.Load(),
		Calls:    c.calls.Load(),
		OpenedAt: c.openedAt.UnixMilli(),
		UptimeMs: time.Since(c.openedAt).Milliseconds(),
	}
}

// Source is a buffered input that hands out chunks. End of input is
// reported as io.EOF; any other failure wraps media.ErrIO.
type Source struct {
	name   string
	br     *bufio.Reader
	closer io.Closer
	counters
}

// Open opens path for reading. StdStream reads from stdin.
func Open(path string) (*Source, error) {
	if path == StdStream {
		return NewSource("stdin", os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", media.ErrIO, path, err)
	}
	s := NewSource(path, f)
	s.closer = f
	return s, nil
}

// NewSource wraps r. Closing the Source does not close r.
func NewSource(name string, r io.Reader) *Source {
	s := &Source{name: name, br: bufio.NewReaderSize(r, bufferSize)}
	s.openedAt = time.Now()
	return s
}

// Name returns the path or label the source was opened with.
func (s *Source) Name() string { return s.name }

// ReadChunk returns up to max bytes. A short chunk does not mean end of
// input; only io.EOF does.
func (s *Source) ReadChunk(max int) ([]byte, error) {
	buf := make([]byte, max)
	n, err := s.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		err = fmt.Errorf("%w: read %s: %v", media.ErrIO, s.name, io.ErrNoProgress)
	}
	return nil, err
}

// Read implements io.Reader with the same error convention as ReadChunk.
func (s *Source) Read(p []byte) (int, error) {
	n, err := s.br.Read(p)
	if n > 0 {
		s.record(n)
	}
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return n, err
	default:
		return n, fmt.Errorf("%w: read %s: %v", media.ErrIO, s.name, err)
	}
}

// Peek returns the next n bytes without consuming them. Fewer bytes are
// returned when the input is shorter.
func (s *Source) Peek(n int) ([]byte, error) {
	b, err := s.br.Peek(n)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return b, fmt.Errorf("%w: peek %s: %v", media.ErrIO, s.name, err)
	}
	return b, nil
}

// Stats returns a snapshot of the read counters.
func (s *Source) Stats() Stats { return s.stats() }

// Close releases the underlying file, if the Source opened one.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	c := s.closer
	s.closer = nil
	if err := c.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", media.ErrIO, s.name, err)
	}
	return nil
}

// Sink is a buffered output. Every failure wraps media.ErrIO.
type Sink struct {
	name   string
	bw     *bufio.Writer
	closer io.Closer
	counters
}

// Create creates or truncates path. StdStream writes to stdout.
func Create(path string) (*Sink, error) {
	if path == StdStream {
		return NewSink("stdout", os.Stdout), nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", media.ErrIO, path, err)
	}
	s := NewSink(path, f)
	s.closer = f
	return s, nil
}

// NewSink wraps w. Closing the Sink flushes but does not close w.
func NewSink(name string, w io.Writer) *Sink {
	s := &Sink{name: name, bw: bufio.NewWriterSize(w, bufferSize)}
	s.openedAt = time.Now()
	return s
}

// Name returns the path or label the sink was created with.
func (s *Sink) Name() string { return s.name }

// WriteChunk writes all of p.
func (s *Sink) WriteChunk(p []byte) error {
	_, err := s.Write(p)
	return err
}

// Write implements io.Writer.
func (s *Sink) Write(p []byte) (int, error) {
	if s.bw == nil {
		return 0, fmt.Errorf("%w: write %s: sink closed", media.ErrIO, s.name)
	}
	n, err := s.bw.Write(p)
	s.record(n)
	if err != nil {
		return n, fmt.Errorf("%w: write %s: %v", media.ErrIO, s.name, err)
	}
	return n, nil
}

// Stats returns a snapshot of the write counters.
func (s *Sink) Stats() Stats { return s.stats() }

// Close flushes buffered data and releases the underlying file, if the Sink
// created one. It is safe to call more than once.
func (s *Sink) Close() error {
	if s.bw == nil {
		return nil
	}
	var errs []error
	if err := s.bw.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("%w: flush %s: %v", media.ErrIO, s.name, err))
	}
	s.bw = nil
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%w: close %s: %v", media.ErrIO, s.name, err))
		}
		s.closer = nil
	}
	return errors.Join(errs...)
}
