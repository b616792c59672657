// Package config holds runtime configuration: defaults, environment
// overrides and validation. Command-line flags are applied on top by
// cmd/avkit.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/zsiec/avkit/internal/media"
)

// LogFormat selects the slog handler installed by the CLI.
type LogFormat string

const (
	LogText LogFormat = "text" // slog.TextHandler (default).
	LogJSON LogFormat = "json" // slog.JSONHandler.
)

// Config holds every tunable of a run. It is populated by [Default], then
// [Config.ApplyEnv], then command-line flags, and finally checked with
// [Config.Validate].
type Config struct {
	// Storage.
	ReadChunk      int // bytes per video/container read. Default: 4096.
	AudioReadChunk int // bytes per audio elementary read. Default: 20480.
	ProbePackets   int // transport stream probe limit. Default: 2000.

	// Video encode and raw input geometry.
	Width     int            // Default: 1280.
	Height    int            // Default: 720.
	FrameRate media.Rational // Default: 25/1.
	Frames    int            // frames generated by the test sources. Default: 250.

	// Audio encode and raw input layout.
	SampleRate int // Default: 44100.
	Channels   int // Default: 2.
	FrameSize  int // samples per encoded audio unit. Default: 1024.

	// Resample target. Zero channels keeps the input layout.
	ResampleRate     int                // Default: 48000.
	ResampleChannels int                // Default: 0.
	ResampleFormat   media.SampleFormat // Default: s16.

	SynthDelay int // reorder depth of synth decoders. Default: 2.
	BatchJobs  int // concurrent batch runs. Default: runtime.NumCPU().

	Copy     bool   // demux writes coded streams instead of decoding.
	Captions string // demux caption output path; empty disables.

	MetricsFile string    // Prometheus text file written at exit; empty disables.
	OTelStdout  bool      // export trace spans to stderr.
	LogFormat   LogFormat // Default: text.
	Debug       bool      // debug-level logging.
}

// Default returns a Config with every default applied.
func Default() Config {
	return Config{
		ReadChunk:      4096,
		AudioReadChunk: 20480,
		ProbePackets:   2000,
		Width:          1280,
		Height:         720,
		FrameRate:      media.Rational{Num: 25, Den: 1},
		Frames:         250,
		SampleRate:     44100,
		Channels:       2,
		FrameSize:      1024,
		ResampleRate:   48000,
		ResampleFormat: media.SampleFormatS16,
		SynthDelay:     2,
		BatchJobs:      runtime.NumCPU(),
		LogFormat:      LogText,
	}
}

// Env variable names read by ApplyEnv.
const (
	EnvReadChunk      = "AVKIT_READ_CHUNK"
	EnvAudioReadChunk = "AVKIT_AUDIO_READ_CHUNK"
	EnvVideoSize      = "AVKIT_VIDEO_SIZE"
	EnvFrameRate      = "AVKIT_FRAME_RATE"
	EnvSampleRate     = "AVKIT_SAMPLE_RATE"
	EnvChannels       = "AVKIT_CHANNELS"
	EnvAudioFrameSize = "AVKIT_AUDIO_FRAME_SIZE"
	EnvProbePackets   = "AVKIT_PROBE_PACKETS"
	EnvSynthDelay     = "AVKIT_SYNTH_DELAY"
	EnvBatchJobs      = "AVKIT_BATCH_JOBS"
	EnvMetricsFile    = "AVKIT_METRICS_FILE"
	EnvOTelStdout     = "AVKIT_OTEL_STDOUT"
	EnvLogFormat      = "AVKIT_LOG_FORMAT"
	EnvDebug          = "DEBUG"
)

// FromEnv returns the defaults overridden by the process environment.
func FromEnv() (Config, error) {
	c := Default()
	err := c.ApplyEnv(os.LookupEnv)
	return c, err
}

// ApplyEnv overrides fields from the variables lookup reports. Empty values
// are ignored. Every malformed value is reported.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}
	e.int(EnvReadChunk, &c.ReadChunk)
	e.int(EnvAudioReadChunk, &c.AudioReadChunk)
	e.int(EnvProbePackets, &c.ProbePackets)
	e.int(EnvSampleRate, &c.SampleRate)
	e.int(EnvChannels, &c.Channels)
	e.int(EnvAudioFrameSize, &c.FrameSize)
	e.int(EnvSynthDelay, &c.SynthDelay)
	e.int(EnvBatchJobs, &c.BatchJobs)
	if v := e.or(EnvVideoSize, ""); v != "" {
		if err := c.SetSize(v); err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", EnvVideoSize, err))
		}
	}
	if v := e.or(EnvFrameRate, ""); v != "" {
		if err := c.SetFrameRate(v); err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", EnvFrameRate, err))
		}
	}
	c.MetricsFile = e.or(EnvMetricsFile, c.MetricsFile)
	c.OTelStdout = e.flag(EnvOTelStdout, c.OTelStdout)
	c.LogFormat = LogFormat(strings.ToLower(e.or(EnvLogFormat, string(c.LogFormat))))
	c.Debug = e.or(EnvDebug, "") != "" || c.Debug
	return errors.Join(e.errs...)
}

// SetSize parses "WxH" into Width and Height.
func (c *Config) SetSize(s string) error {
	w, h, err := media.ParseSize(s)
	if err != nil {
		return err
	}
	c.Width, c.Height = w, h
	return nil
}

// SetFrameRate parses "num/den" or an integer into FrameRate.
func (c *Config) SetFrameRate(s string) error {
	r, err := media.ParseRational(s)
	if err != nil {
		return err
	}
	c.FrameRate = r
	return nil
}

// Validate checks every field and wraps media.ErrConfig on failure.
func (c *Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"read chunk", c.ReadChunk},
		{"audio read chunk", c.AudioReadChunk},
		{"probe packets", c.ProbePackets},
		{"width", c.Width},
		{"height", c.Height},
		{"sample rate", c.SampleRate},
		{"channels", c.Channels},
		{"audio frame size", c.FrameSize},
		{"batch jobs", c.BatchJobs},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", media.ErrConfig, p.name, p.v)
		}
	}
	if c.Frames < 0 {
		return fmt.Errorf("%w: frame count must not be negative, got %d", media.ErrConfig, c.Frames)
	}
	if c.ResampleRate <= 0 || c.ResampleChannels < 0 {
		return fmt.Errorf("%w: resample target %dHz %dch", media.ErrConfig, c.ResampleRate, c.ResampleChannels)
	}
	if !c.ResampleFormat.Valid() {
		return fmt.Errorf("%w: resample sample format %q", media.ErrConfig, c.ResampleFormat)
	}
	if c.SynthDelay < 0 {
		return fmt.Errorf("%w: synth delay must not be negative, got %d", media.ErrConfig, c.SynthDelay)
	}
	if c.Width > 0xFFFF || c.Height > 0xFFFF {
		return fmt.Errorf("%w: video size %dx%d too large", media.ErrConfig, c.Width, c.Height)
	}
	if err := c.FrameRate.Validate(); err != nil {
		return fmt.Errorf("frame rate: %w", err)
	}
	switch c.LogFormat {
	case LogText, LogJSON:
		// valid
	default:
		return fmt.Errorf("%w: invalid log format %q (use 'text' or 'json')", media.ErrConfig, c.LogFormat)
	}
	return nil
}

// ResampleTarget returns the output format of the resample command for
// input in.
func (c *Config) ResampleTarget(in media.AudioFormat) media.AudioFormat {
	out := media.AudioFormat{SampleRate: c.ResampleRate, Channels: c.ResampleChannels, SampleFormat: c.ResampleFormat}
	if out.Channels == 0 {
		out.Channels = in.Channels
	}
	return out
}

// VideoStream describes raw or generated video with the configured
// geometry.
func (c *Config) VideoStream() media.StreamDescriptor {
	return media.StreamDescriptor{
		Kind:        media.KindVideo,
		Width:       c.Width,
		Height:      c.Height,
		PixelFormat: media.PixelFormatYUV420P,
		FrameRate:   c.FrameRate,
		TimeBase:    c.FrameRate.Invert(),
	}
}

// AudioStream describes raw or generated audio with the configured layout.
func (c *Config) AudioStream() media.StreamDescriptor {
	return media.StreamDescriptor{
		Kind:         media.KindAudio,
		SampleRate:   c.SampleRate,
		Channels:     c.Channels,
		SampleFormat: media.SampleFormatS16,
		BitDepth:     16,
		FrameSize:    c.FrameSize,
		TimeBase:     media.Rational{Num: 1, Den: int64(c.SampleRate)},
	}
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

// or returns the value of key, or fallback when it is unset or empty.
func (e *envReader) or(key, fallback string) string {
	if v, ok := e.lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func (e *envReader) int(key string, dst *int) {
	v := e.or(key, "")
	if v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%w: %s=%q is not an integer", media.ErrConfig, key, v))
		return
	}
	*dst = n
}

func (e *envReader) flag(key string, fallback bool) bool {
	v := e.or(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%w: %s=%q is not a boolean", media.ErrConfig, key, v))
		return fallback
	}
	return b
}
