package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zsiec/avkit/internal/media"
)

// DefaultSynthDelay is the reorder depth of the synth decoder.
const DefaultSynthDelay = 2

// Params configures a codec backend. Fields that do not apply to the codec
// are ignored.
type Params struct {
	// TimeBase of the timestamps on inputs and outputs. Zero selects
	// 1/SampleRate for audio and 1/90000 for video.
	TimeBase media.Rational

	Width       int
	Height      int
	PixelFormat media.PixelFormat
	FrameRate   media.Rational
	GOP         int // keyframe interval of the synth encoder
	Delay       int // reorder depth of the synth decoder

	SampleRate   int
	Channels     int
	SampleFormat media.SampleFormat
	FrameSize    int // samples per encoded unit

	Log *slog.Logger
}

// ParamsFromDescriptor derives decoder parameters from a stream.
func ParamsFromDescriptor(d media.StreamDescriptor) Params {
	return Params{
		TimeBase:     d.TimeBase,
		Width:        d.Width,
		Height:       d.Height,
		PixelFormat:  d.PixelFormat,
		FrameRate:    d.FrameRate,
		Delay:        DefaultSynthDelay,
		SampleRate:   d.SampleRate,
		Channels:     d.Channels,
		SampleFormat: d.SampleFormat,
		FrameSize:    d.FrameSize,
	}
}

func (p Params) timeBase(kind media.Kind) media.Rational {
	if p.TimeBase.Validate() == nil {
		return p.TimeBase
	}
	if kind == media.KindAudio && p.SampleRate > 0 {
		return media.Rational{Num: 1, Den: int64(p.SampleRate)}
	}
	return media.TimeBaseMPEGTS
}

// DecoderBackend and EncoderBackend are the backend shapes sessions wrap.
type (
	DecoderBackend = Backend[*media.CodedUnit, *media.Frame]
	EncoderBackend = Backend[*media.Frame, *media.CodedUnit]
)

// Factories allocate backends for one codec. Either may be nil. A factory
// should wrap media.ErrConfig for invalid parameters; any other error is
// reported as a resource failure.
type Factories struct {
	Decoder func(Params) (DecoderBackend, error)
	Encoder func(Params) (EncoderBackend, error)
}

type registration struct {
	kind media.Kind
	f    Factories
}

var (
	registryMu sync.RWMutex
	registry   = map[string]registration{}
)

// Register installs the backends for a codec, replacing any earlier
// registration of the same name.
func Register(name string, kind media.Kind, f Factories) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = registration{kind: kind, f: f}
}

// Codecs lists the registered codec names.
func Codecs() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (registration, error) {
	registryMu.RLock()
	r, ok := registry[name]
	registryMu.RUnlock()
	if ok {
		return r, nil
	}
	kind, known := media.CodecKind(name)
	if !known {
		return registration{}, fmt.Errorf("%w: unknown codec %q", media.ErrConfig, name)
	}
	return registration{kind: kind}, nil
}

// allocErr classifies a factory failure.
func allocErr(name, role string, err error) error {
	if errors.Is(err, media.ErrConfig) {
		return fmt.Errorf("%s %s: %w", name, role, err)
	}
	return fmt.Errorf("%w: %s %s: %v", media.ErrResource, name, role, err)
}

// OpenDecoder opens a decode session for the named codec.
func OpenDecoder(name string, p Params) (*Decoder, error) {
	r, err := lookup(name)
	if err != nil {
		return nil, err
	}
	if r.f.Decoder == nil {
		return nil, fmt.Errorf("%w: no decoder backend for %q", media.ErrResource, name)
	}
	b, err := r.f.Decoder(p)
	if err != nil {
		return nil, allocErr(name, "decoder", err)
	}
	s := newSession(name, r.kind, b, p.Log)
	s.log.Debug("decoder opened")
	return s, nil
}

// OpenEncoder opens an encode session for the named codec.
func OpenEncoder(name string, p Params) (*Encoder, error) {
	r, err := lookup(name)
	if err != nil {
		return nil, err
	}
	if r.f.Encoder == nil {
		return nil, fmt.Errorf("%w: no encoder backend for %q", media.ErrResource, name)
	}
	b, err := r.f.Encoder(p)
	if err != nil {
		return nil, allocErr(name, "encoder", err)
	}
	s := newSession(name, r.kind, b, p.Log)
	s.log.Debug("encoder opened")
	return s, nil
}

func init() {
	Register(media.CodecPCMS16LE, media.KindAudio, Factories{
		Decoder: func(p Params) (DecoderBackend, error) { return newPCMDecoder(media.CodecPCMS16LE, p) },
		Encoder: func(p Params) (EncoderBackend, error) { return newPCMEncoder(media.CodecPCMS16LE, p) },
	})
	Register(media.CodecPCMF32LE, media.KindAudio, Factories{
		Decoder: func(p Params) (DecoderBackend, error) { return newPCMDecoder(media.CodecPCMF32LE, p) },
		Encoder: func(p Params) (EncoderBackend, error) { return newPCMEncoder(media.CodecPCMF32LE, p) },
	})
	Register(media.CodecRawVideo, media.KindVideo, Factories{
		Decoder: newRawVideoDecoder,
		Encoder: newRawVideoEncoder,
	})
	Register(media.CodecSynth, media.KindVideo, Factories{
		Decoder: newSynthDecoder,
		Encoder: newSynthEncoder,
	})
}
