// Package pipeline runs avkit commands. Each run gets a Context that owns
// its resources; a Runner dispatches command lines, tracks runs in flight
// and attributes failures to the stage they happened in.
package pipeline

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zsiec/avkit/internal/config"
	"github.com/zsiec/avkit/internal/metrics"
	"github.com/zsiec/avkit/internal/tracing"
)

type command struct {
	operands []string
	// outputs returns the paths a run writes, for conflict detection.
	outputs func(pc *Context, args []string) []string
	run     func(ctx context.Context, pc *Context, args []string) error
}

var commands = map[string]command{
	"decode": {
		operands: []string{"in", "out", "format"},
		outputs:  func(_ *Context, a []string) []string { return a[1:2] },
		run:      runDecode,
	},
	"encode": {
		operands: []string{"in", "out", "codec"},
		outputs:  func(_ *Context, a []string) []string { return a[1:2] },
		run:      runEncode,
	},
	"demux": {
		operands: []string{"in", "video_out", "audio_out"},
		outputs:  demuxOutputs,
		run:      runDemux,
	},
	"mux": {
		operands: []string{"video_in", "audio_in", "out"},
		outputs:  func(_ *Context, a []string) []string { return a[2:3] },
		run:      runMux,
	},
	"filter": {
		operands: []string{"description", "in", "out"},
		outputs:  func(_ *Context, a []string) []string { return a[2:3] },
		run:      runFilter,
	},
	"resample": {
		operands: []string{"in", "out"},
		outputs:  func(_ *Context, a []string) []string { return a[1:2] },
		run:      runResample,
	},
	"batch": {
		operands: []string{"jobfile"},
	},
}

// Commands lists the command names in sorted order.
func Commands() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Usage returns the usage line of a command.
func Usage(name string) string {
	cmd, ok := commands[name]
	if !ok {
		return ""
	}
	var b strings.Builder
	b.WriteString("avkit " + name)
	for _, op := range cmd.operands {
		b.WriteString(" <" + op + ">")
	}
	return b.String()
}

// Runner executes command lines.
type Runner struct {
	Config   config.Config
	Log      *slog.Logger
	Progress *Progress
	// Manager rejects concurrent runs that write the same output. Nil
	// disables the check.
	Manager *Manager
}

// Run executes one command line: a command name followed by its operands.
func (r *Runner) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usagef("missing command (one of %s)", strings.Join(Commands(), ", "))
	}
	name, operands := args[0], args[1:]
	cmd, ok := commands[name]
	if !ok {
		return usagef("unknown command %q (one of %s)", name, strings.Join(Commands(), ", "))
	}
	if len(operands) != len(cmd.operands) {
		return usagef("%s", Usage(name))
	}
	if name == "batch" {
		return r.batch(ctx, operands[0])
	}

	pc := NewContext(name, r.Config, r.Log, r.Progress)
	if r.Manager != nil {
		if _, err := r.Manager.Start(pc.ID, name, cmd.outputs(pc, operands)); err != nil {
			return at(StageOutput, err)
		}
		defer r.Manager.Finish(pc.ID)
	}

	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	ctx, span := tracing.Start(ctx, "avkit."+name,
		attribute.String("command", name),
		attribute.String("run.id", pc.ID),
		attribute.StringSlice("operands", operands),
	)
	start := time.Now()
	pc.Log.Debug("run starting", "operands", operands)

	err := cmd.run(ctx, pc, operands)
	pc.Progress.Done()
	if cerr := pc.Close(); cerr != nil {
		if err == nil {
			err = at(StageOutput, cerr)
		} else {
			pc.Log.Warn("teardown failed", "error", cerr)
		}
	}
	pc.observe(span)
	tracing.End(span, err)

	status := "ok"
	if err != nil {
		status = "error"
		stage := FailedStage(err)
		if stage == "" {
			stage = "unknown"
		}
		metrics.StageErrors.WithLabelValues(string(stage)).Inc()
		pc.Log.Error("run failed", "stage", stage, "error", err, "elapsed", time.Since(start))
	} else {
		pc.Log.Info("run finished", "elapsed", time.Since(start))
	}
	metrics.RunsTotal.WithLabelValues(name, status).Inc()
	return err
}
