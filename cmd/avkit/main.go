package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/zsiec/avkit/internal/config"
	"github.com/zsiec/avkit/internal/media"
	"github.com/zsiec/avkit/internal/metrics"
	"github.com/zsiec/avkit/internal/pipeline"
	"github.com/zsiec/avkit/internal/tracing"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "avkit:", err)
		return pipeline.ExitUsage
	}
	fs, showVersion := newFlagSet(&cfg)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return pipeline.ExitOK
		}
		return pipeline.ExitUsage
	}
	if *showVersion {
		fmt.Println("avkit", version)
		return pipeline.ExitOK
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "avkit:", err)
		return pipeline.ExitUsage
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, stopping", "signal", sig)
		cancel()
	}()

	if cfg.OTelStdout {
		if err := tracing.Init(ctx, os.Stderr); err != nil {
			log.Warn("tracing disabled", "error", err)
		}
		defer tracing.Flush()
	}
	metrics.Initialize()

	r := &pipeline.Runner{
		Config:   cfg,
		Log:      log,
		Progress: pipeline.NewProgress(os.Stdout, term.IsTerminal(int(os.Stdout.Fd()))),
		Manager:  pipeline.NewManager(log),
	}
	log.Debug("avkit starting", "version", version, "args", fs.Args())
	err = r.Run(ctx, fs.Args())

	if cfg.MetricsFile != "" {
		if werr := metrics.WriteFile(cfg.MetricsFile); werr != nil {
			log.Error("failed to write metrics", "path", cfg.MetricsFile, "error", werr)
		}
	}
	if err != nil {
		if errors.Is(err, pipeline.ErrUsage) {
			fmt.Fprintln(os.Stderr, "avkit:", err)
			fs.Usage()
		}
		return pipeline.ExitCode(err)
	}
	return pipeline.ExitOK
}

func newFlagSet(cfg *config.Config) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet("avkit", flag.ContinueOnError)
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintln(out, "usage: avkit [flags] <command> <operands>")
		fmt.Fprintln(out, "\ncommands:")
		for _, name := range pipeline.Commands() {
			fmt.Fprintln(out, "  "+pipeline.Usage(name))
		}
		fmt.Fprintln(out, "\nflags:")
		fs.PrintDefaults()
	}

	fs.Func("size", "raw video size WxH (default "+fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)+")", cfg.SetSize)
	fs.Func("rate", "raw video frame rate, N or N/D (default "+cfg.FrameRate.String()+")", cfg.SetFrameRate)
	fs.IntVar(&cfg.SampleRate, "sample-rate", cfg.SampleRate, "raw audio sample rate")
	fs.IntVar(&cfg.Channels, "channels", cfg.Channels, "raw audio channel count")
	fs.IntVar(&cfg.Frames, "frames", cfg.Frames, "frames generated by testsrc and sine")
	fs.BoolVar(&cfg.Copy, "copy", cfg.Copy, "demux writes coded elementary streams instead of decoding")
	fs.StringVar(&cfg.Captions, "captions", cfg.Captions, "demux writes CEA-608/708 captions to this file")
	fs.StringVar(&cfg.MetricsFile, "metrics-file", cfg.MetricsFile, "write Prometheus metrics to this file at exit")
	fs.IntVar(&cfg.ResampleRate, "out-rate", cfg.ResampleRate, "resample output sample rate")
	fs.IntVar(&cfg.ResampleChannels, "out-channels", cfg.ResampleChannels, "resample output channel count (0 keeps the input layout)")
	fs.Func("out-format", "resample output sample format: s16 or flt (default "+string(cfg.ResampleFormat)+")", func(s string) error {
		f := media.SampleFormat(strings.ToLower(s))
		if !f.Valid() {
			return fmt.Errorf("%w: unknown sample format %q", media.ErrConfig, s)
		}
		cfg.ResampleFormat = f
		return nil
	})
	showVersion := fs.Bool("version", false, "print the version and exit")
	return fs, showVersion
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
