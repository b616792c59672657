package pipeline

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/zsiec/avkit/internal/media"
)

func TestManagerRejectsSharedOutput(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.yuv")

	if _, err := m.Start("r1", "decode", []string{out}); err != nil {
		t.Fatal(err)
	}
	_, err := m.Start("r2", "filter", []string{filepath.Join(dir, ".", "out.yuv")})
	if !errors.Is(err, media.ErrResource) {
		t.Fatalf("got %v, want ErrResource", err)
	}
	if _, err := m.Start("r1", "decode", nil); !errors.Is(err, media.ErrResource) {
		t.Errorf("duplicate ID: got %v, want ErrResource", err)
	}
	if got := len(m.List()); got != 1 {
		t.Errorf("got %d runs, want 1", got)
	}

	m.Finish("r1")
	if _, err := m.Start("r2", "filter", []string{out}); err != nil {
		t.Errorf("after finish: %v", err)
	}
}

func TestManagerStdoutHasOneWriter(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if _, err := m.Start("r1", "decode", []string{"-"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start("r2", "resample", []string{"-"}); !errors.Is(err, media.ErrResource) {
		t.Fatalf("second stdout writer: got %v, want ErrResource", err)
	}

	m.Finish("r1")
	if _, err := m.Start("r2", "resample", []string{"-"}); err != nil {
		t.Errorf("after finish: %v", err)
	}
}

func TestManagerStdoutTwiceInOneRun(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if _, err := m.Start("r1", "demux", []string{"-", "-"}); err != nil {
		t.Fatalf("one run writing both streams to stdout: %v", err)
	}
	m.Finish("r1")
	if _, err := m.Start("r2", "decode", []string{"-"}); err != nil {
		t.Errorf("after finish: %v", err)
	}
}

func TestDemuxOutputsIncludeCaptions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig()
	cfg.Captions = filepath.Join(dir, "cc.txt")

	pc := NewContext("demux", cfg, nil, nil)
	outs := demuxOutputs(pc, []string{"in.ts", filepath.Join(dir, "v1.yuv"), ""})
	if !slices.Contains(outs, cfg.Captions) {
		t.Fatalf("got outputs %v, want them to include %s", outs, cfg.Captions)
	}

	m := NewManager(nil)
	if _, err := m.Start("r1", "demux", outs); err != nil {
		t.Fatal(err)
	}
	other := demuxOutputs(pc, []string{"in.ts", filepath.Join(dir, "v2.yuv"), ""})
	if _, err := m.Start("r2", "demux", other); !errors.Is(err, media.ErrResource) {
		t.Errorf("second demux sharing %s: got %v, want ErrResource", cfg.Captions, err)
	}
}

func TestDemuxRejectsSharedCaptions(t *testing.T) {
	t.Parallel()

	r, _ := newTestRunner(t)
	dir := t.TempDir()
	r.Config.Captions = filepath.Join(dir, "cc.txt")
	if _, err := r.Manager.Start("holder", "demux", []string{r.Config.Captions}); err != nil {
		t.Fatal(err)
	}

	err := r.Run(t.Context(), []string{"demux", filepath.Join(dir, "in.ts"), filepath.Join(dir, "v.yuv"), ""})
	if got := ExitCode(err); got != 17 {
		t.Fatalf("got exit code %d (%v), want 17", got, err)
	}
	if !errors.Is(err, media.ErrResource) {
		t.Errorf("got %v, want ErrResource", err)
	}
}
