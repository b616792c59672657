package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zsiec/avkit/internal/config"
	"github.com/zsiec/avkit/internal/container"
	"github.com/zsiec/avkit/internal/media"
	"github.com/zsiec/avkit/internal/metrics"
	"github.com/zsiec/avkit/internal/storage"
)

type resource struct {
	name string
	c    io.Closer
}

// Context is the state of one command run. It owns every session,
// container and storage handle the run opens and releases them in reverse
// order on Close.
type Context struct {
	ID       string
	Command  string
	Config   config.Config
	Log      *slog.Logger
	Progress *Progress

	resources []resource
	sources   []*storage.Source
	sinks     []*storage.Sink
	timings   map[Stage]time.Duration
	closed    bool
}

// NewContext creates the context of a run with a fresh ID. A nil log uses
// slog.Default and a nil progress discards progress text.
func NewContext(command string, cfg config.Config, log *slog.Logger, progress *Progress) *Context {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &Context{
		ID:       id,
		Command:  command,
		Config:   cfg,
		Log:      log.With("component", "pipeline", "run", id, "command", command),
		Progress: progress,
		timings:  make(map[Stage]time.Duration),
	}
}

// Own registers c to be closed by Close.
func (pc *Context) Own(name string, c io.Closer) {
	pc.resources = append(pc.resources, resource{name: name, c: c})
}

// Open opens path for reading and owns the source.
func (pc *Context) Open(path string) (*storage.Source, error) {
	src, err := storage.Open(path)
	if err != nil {
		return nil, at(StageInput, err)
	}
	pc.sources = append(pc.sources, src)
	pc.Own("source "+path, src)
	return src, nil
}

// Create creates path for writing and owns the sink.
func (pc *Context) Create(path string) (*storage.Sink, error) {
	sink, err := storage.Create(path)
	if err != nil {
		return nil, at(StageOutput, err)
	}
	pc.sinks = append(pc.sinks, sink)
	pc.Own("sink "+path, sink)
	return sink, nil
}

// OpenReader opens path as a container of format, detecting the format
// when it is empty. Failures other than I/O are attributed to stage.
func (pc *Context) OpenReader(ctx context.Context, format, path string, stage Stage) (container.Reader, error) {
	src, err := pc.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := container.OpenReader(ctx, format, src, pc.readerOptions(format))
	if err != nil {
		return nil, classify(err, stage)
	}
	pc.Own("reader "+path, r)
	return r, nil
}

// readerOptions supplies the parameters an elementary stream of format
// does not carry.
func (pc *Context) readerOptions(format string) container.Options {
	opts := container.Options{
		ProbeUnits: pc.Config.ProbePackets,
		ReadChunk:  pc.Config.ReadChunk,
		Log:        pc.Log,
	}
	switch kind, ok := media.CodecKind(format); {
	case ok && kind == media.KindAudio:
		opts.ReadChunk = pc.Config.AudioReadChunk
		opts.Stream = pc.Config.AudioStream()
	case ok && kind == media.KindVideo:
		opts.Stream = pc.Config.VideoStream()
	}
	return opts
}

// NewWriter creates path and opens a container writer of format over it.
func (pc *Context) NewWriter(format, path string) (container.Writer, error) {
	sink, err := pc.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := container.NewWriter(format, sink, container.Options{Log: pc.Log})
	if err != nil {
		return nil, at(StageOutput, err)
	}
	pc.Own("writer "+path, w)
	return w, nil
}

// Time runs fn, charges its duration to stage and attributes its error to
// stage.
func (pc *Context) Time(stage Stage, fn func() error) error {
	start := time.Now()
	err := fn()
	pc.timings[stage] += time.Since(start)
	return at(stage, err)
}

// Timings returns the time spent per stage so far.
func (pc *Context) Timings() map[Stage]time.Duration {
	out := make(map[Stage]time.Duration, len(pc.timings))
	for s, d := range pc.timings {
		out[s] = d
	}
	return out
}

// Close releases every owned resource in reverse acquisition order and
// records the traffic of the run. It is safe to call more than once.
func (pc *Context) Close() error {
	if pc.closed {
		return nil
	}
	pc.closed = true

	var errs []error
	for i := len(pc.resources) - 1; i >= 0; i-- {
		r := pc.resources[i]
		if err := r.c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", r.name, err))
		}
	}
	pc.resources = nil

	for _, s := range pc.sources {
		metrics.BytesTotal.WithLabelValues("read").Add(float64(s.Stats().Bytes))
	}
	for _, s := range pc.sinks {
		metrics.BytesTotal.WithLabelValues("write").Add(float64(s.Stats().Bytes))
	}
	return errors.Join(errs...)
}

// observe reports the stage timings to the duration histogram and span.
func (pc *Context) observe(span trace.Span) {
	for stage, d := range pc.timings {
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
		span.SetAttributes(attribute.Int64("stage."+string(stage)+".ms", d.Milliseconds()))
	}
}

// classify attributes err to the input stage for I/O failures and to stage
// otherwise.
func classify(err error, stage Stage) error {
	if errors.Is(err, media.ErrIO) {
		return at(StageInput, err)
	}
	return at(stage, err)
}
