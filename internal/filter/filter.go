// Package filter applies a chain of video frame transforms described by a
// string such as "crop=640:360,scale=320:180,hflip".
//
// A description is a comma separated list of operations, each optionally
// followed by "=" and colon separated arguments. Arguments are positional
// or key=value. Descriptions are checked completely when the graph is
// built; a built graph never reports a configuration error.
package filter

import (
	"fmt"
	"iter"
	"strings"

	"github.com/zsiec/avkit/internal/media"
)

// stage is one operation of a graph. push takes ownership of nothing: the
// input frame is only read.
type stage interface {
	push(f *media.Frame) ([]*media.Frame, error)
	flush() []*media.Frame
}

type opDef struct {
	args  []string
	build func(p params, in media.VideoFormat) (stage, media.VideoFormat, error)
}

var ops = map[string]opDef{
	"null":      {build: buildNull},
	"scale":     {args: []string{"w", "h"}, build: buildScale},
	"crop":      {args: []string{"w", "h", "x", "y"}, build: buildCrop},
	"hflip":     {build: buildHFlip},
	"vflip":     {build: buildVFlip},
	"transpose": {args: []string{"dir"}, build: buildTranspose},
	"negate":    {build: buildNegate},
	"gblur":     {args: []string{"sigma"}, build: buildGBlur},
	"unsharp":   {args: []string{"sigma"}, build: buildUnsharp},
	"eq":        {args: []string{"brightness", "contrast"}, build: buildEq},
	"framestep": {args: []string{"step"}, build: buildFramestep},
	"tmix":      {args: []string{"frames"}, build: buildTmix},
	"reverse":   {build: buildReverse},
}

// Graph is a built filter chain.
type Graph struct {
	desc    string
	in, out media.VideoFormat
	stages  []stage
	flushed bool
}

// Build parses desc for frames of format in. Any malformed or unknown
// element is a media.ErrConfig.
func Build(desc string, in media.VideoFormat) (*Graph, error) {
	if in.Width <= 0 || in.Height <= 0 || in.PixelFormat.Planes() == 0 {
		return nil, fmt.Errorf("%w: filter input %s", media.ErrConfig, in)
	}
	steps, err := parse(desc)
	if err != nil {
		return nil, err
	}
	g := &Graph{desc: desc, in: in}
	cur := in
	for _, s := range steps {
		def, ok := ops[s.name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown filter %q", media.ErrConfig, s.name)
		}
		p, err := s.bind(def.args...)
		if err != nil {
			return nil, err
		}
		st, next, err := def.build(p, cur)
		if err != nil {
			return nil, err
		}
		g.stages = append(g.stages, st)
		cur = next
	}
	g.out = cur
	return g, nil
}

// Input returns the frame format the graph accepts.
func (g *Graph) Input() media.VideoFormat { return g.in }

// Output returns the format of the frames the graph produces.
func (g *Graph) Output() media.VideoFormat { return g.out }

func (g *Graph) String() string {
	return fmt.Sprintf("%s [%s -> %s]", strings.TrimSpace(g.desc), g.in, g.out)
}

// Push runs f through the graph and yields the frames that come out, which
// may be none. The end of the sequence means the graph needs more input.
// f is never modified.
func (g *Graph) Push(f *media.Frame) iter.Seq2[*media.Frame, error] {
	return func(yield func(*media.Frame, error) bool) {
		if g.flushed {
			yield(nil, fmt.Errorf("%w: filter graph pushed after flush", media.ErrBackend))
			return
		}
		if f.Kind != media.KindVideo || f.Width != g.in.Width || f.Height != g.in.Height || f.PixelFormat != g.in.PixelFormat {
			yield(nil, fmt.Errorf("%w: filter graph for %s got %s %s", media.ErrBackend, g.in, f.Kind, f.VideoFormat()))
			return
		}
		out, err := g.run(0, []*media.Frame{f})
		if err != nil {
			yield(nil, err)
			return
		}
		for _, o := range out {
			if !yield(o, nil) {
				return
			}
		}
	}
}

// Flush drains the frames held by temporal operations. Later calls yield
// nothing.
func (g *Graph) Flush() iter.Seq2[*media.Frame, error] {
	return func(yield func(*media.Frame, error) bool) {
		if g.flushed {
			return
		}
		g.flushed = true
		for i, s := range g.stages {
			out, err := g.run(i+1, s.flush())
			if err != nil {
				yield(nil, err)
				return
			}
			for _, o := range out {
				if !yield(o, nil) {
					return
				}
			}
		}
	}
}

func (g *Graph) run(from int, frames []*media.Frame) ([]*media.Frame, error) {
	for _, s := range g.stages[from:] {
		if len(frames) == 0 {
			return nil, nil
		}
		var next []*media.Frame
		for _, f := range frames {
			out, err := s.push(f)
			if err != nil {
				return nil, err
			}
			next = append(next, out...)
		}
		frames = next
	}
	return frames, nil
}

type nullStage struct{}

func (nullStage) push(f *media.Frame) ([]*media.Frame, error) { return []*media.Frame{f}, nil }
func (nullStage) flush() []*media.Frame                       { return nil }

func buildNull(_ params, in media.VideoFormat) (stage, media.VideoFormat, error) {
	return nullStage{}, in, nil
}
