// Package container reads and writes the byte formats that carry coded
// units: MPEG transport streams and single-codec elementary streams.
//
// A Reader discovers its streams when it is opened and then returns units
// in physical order. A Writer chooses the time base of each output stream,
// takes a header describing every stream, then units, then a trailer.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/zsiec/avkit/internal/media"
	"github.com/zsiec/avkit/internal/storage"
)

// FormatMPEGTS is the transport stream container format. Every codec
// identifier known to the framer doubles as an elementary stream format.
const FormatMPEGTS = "mpegts"

// Default probing limits.
const (
	DefaultProbeUnits = 2000
	DefaultReadChunk  = 4096
)

// Reader yields the coded units of a container.
type Reader interface {
	// Streams returns the descriptors discovered at open time.
	Streams() []media.StreamDescriptor
	// ReadUnit returns the next unit in physical order, io.EOF at the end.
	ReadUnit() (*media.CodedUnit, error)
	Close() error
}

// Writer stores coded units in a container.
type Writer interface {
	// TimeBase returns the time base the writer will use for a stream.
	TimeBase(desc media.StreamDescriptor) media.Rational
	// WriteHeader declares every output stream. Unit StreamIDs index into
	// streams.
	WriteHeader(streams []media.StreamDescriptor) error
	// WriteUnit stores one unit whose timestamps are in the writer's time
	// base for its stream.
	WriteUnit(u *media.CodedUnit) error
	WriteTrailer() error
	Close() error
}

// Options tunes readers and writers.
type Options struct {
	// ProbeUnits bounds the number of transport stream PES units buffered
	// while stream parameters are discovered.
	ProbeUnits int
	// ReadChunk is the number of bytes an elementary reader pulls from its
	// source at a time.
	ReadChunk int
	// Stream supplies parameters an elementary stream does not carry, such
	// as the PCM sample rate and channel count, or a default frame rate.
	Stream media.StreamDescriptor
	Log    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ProbeUnits <= 0 {
		o.ProbeUnits = DefaultProbeUnits
	}
	if o.ReadChunk <= 0 {
		o.ReadChunk = DefaultReadChunk
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

// Formats lists every format name OpenReader and NewWriter accept.
func Formats() []string {
	names := []string{FormatMPEGTS}
	for name := range elementaryFormats {
		names = append(names, name)
	}
	sort.Strings(names[1:])
	return names
}

// OpenReader opens src as format. An empty format is sniffed from the first
// bytes of src. The returned Reader owns src and closes it.
func OpenReader(ctx context.Context, format string, src *storage.Source, opts Options) (Reader, error) {
	opts = opts.withDefaults()
	if format == "" {
		head, err := src.Peek(storage.DetectSize)
		if err != nil {
			return nil, err
		}
		format = string(storage.Detect(head))
		if format == "" {
			return nil, fmt.Errorf("%w: cannot detect the format of %s", media.ErrConfig, src.Name())
		}
		opts.Log.Debug("detected input format", "source", src.Name(), "format", format)
	}
	if format == FormatMPEGTS {
		return openTSReader(ctx, src, opts)
	}
	if _, ok := elementaryFormats[format]; ok {
		return openElementaryReader(format, src, opts)
	}
	return nil, fmt.Errorf("%w: unknown container format %q", media.ErrConfig, format)
}

// NewWriter returns a writer of format over sink. Besides the readable
// formats, rawvideo is accepted for output. The Writer owns sink and closes
// it.
func NewWriter(format string, sink *storage.Sink, opts Options) (Writer, error) {
	opts = opts.withDefaults()
	if format == FormatMPEGTS {
		return newTSWriter(sink, opts), nil
	}
	if _, ok := elementaryFormats[format]; ok || format == media.CodecRawVideo {
		return newElementaryWriter(format, sink, opts), nil
	}
	return nil, fmt.Errorf("%w: unknown container format %q", media.ErrConfig, format)
}
