package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/zsiec/avkit/internal/codec"
	"github.com/zsiec/avkit/internal/config"
	"github.com/zsiec/avkit/internal/container"
	"github.com/zsiec/avkit/internal/framer"
	"github.com/zsiec/avkit/internal/media"
	"github.com/zsiec/avkit/internal/storage"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Width, cfg.Height = 16, 8
	cfg.Frames = 5
	cfg.FrameSize = 1024
	cfg.BatchJobs = 2
	return cfg
}

func newTestRunner(t *testing.T) (*Runner, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	return &Runner{
		Config:   testConfig(),
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Progress: NewProgress(out, false),
		Manager:  NewManager(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, out
}

func run(t *testing.T, r *Runner, args ...string) {
	t.Helper()
	if err := r.Run(context.Background(), args); err != nil {
		t.Fatalf("%s: %v", strings.Join(args, " "), err)
	}
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return fi.Size()
}

// writeSynthFile writes n synth units with PTS 0..n-1 as an elementary
// stream.
func writeSynthFile(t *testing.T, path string, n, w, h int) {
	t.Helper()
	var buf bytes.Buffer
	for i := range n {
		typ := codec.SynthP
		if i == 0 {
			typ = codec.SynthI
		}
		payload := codec.SynthPicture{PTS: int64(i), Width: w, Height: h, Luma: byte(16 + i), Chroma: 128, Type: typ}.Marshal()
		buf.Write(framer.SynthUnitHeader(len(payload), typ == codec.SynthI))
		buf.Write(payload)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"usage", usagef("bad"), ExitUsage},
		{"input", at(StageInput, media.ErrIO), 10},
		{"framer", at(StageFramer, media.ErrParse), 11},
		{"demux", at(StageDemux, media.ErrResource), 12},
		{"decode", at(StageDecode, media.ErrBackend), 13},
		{"filter", at(StageFilter, media.ErrConfig), 14},
		{"encode", at(StageEncode, media.ErrResource), 15},
		{"mux", at(StageMux, media.ErrBackend), 16},
		{"output", at(StageOutput, media.ErrIO), 17},
		{"resample", at(StageResample, media.ErrConfig), 18},
		{"wrapped", fmt.Errorf("job 3: %w", at(StageMux, media.ErrBackend)), 16},
		{"unattributed", errors.New("boom"), ExitUnknown},
		{"cancelled", context.Canceled, ExitUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInnermostStageWins(t *testing.T) {
	t.Parallel()

	inner := at(StageInput, media.ErrIO)
	err := at(StageMux, fmt.Errorf("input 0: %w", inner))
	if got := FailedStage(err); got != StageInput {
		t.Errorf("got stage %q, want %q", got, StageInput)
	}
	if !errors.Is(err, media.ErrIO) {
		t.Errorf("got %v, want it to wrap ErrIO", err)
	}
	if at(StageMux, nil) != nil {
		t.Error("at(nil) should be nil")
	}
}

type closeRecorder struct {
	name  string
	order *[]string
	err   error
}

func (c *closeRecorder) Close() error {
	*c.order = append(*c.order, c.name)
	return c.err
}

func TestContextClosesInReverseOrder(t *testing.T) {
	t.Parallel()

	var order []string
	pc := NewContext("test", testConfig(), nil, nil)
	failure := errors.New("flush failed")
	pc.Own("a", &closeRecorder{name: "a", order: &order})
	pc.Own("b", &closeRecorder{name: "b", order: &order, err: failure})
	pc.Own("c", &closeRecorder{name: "c", order: &order})

	err := pc.Close()
	if !errors.Is(err, failure) {
		t.Errorf("got %v, want it to wrap the close failure", err)
	}
	if got := strings.Join(order, ","); got != "c,b,a" {
		t.Errorf("got close order %s, want c,b,a", got)
	}
	if err := pc.Close(); err != nil {
		t.Errorf("second close: got %v, want nil", err)
	}
	if len(order) != 3 {
		t.Errorf("second close reran closers: %v", order)
	}
}

func TestContextIDsAreUnique(t *testing.T) {
	t.Parallel()
	a := NewContext("x", testConfig(), nil, nil)
	b := NewContext("x", testConfig(), nil, nil)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("got IDs %q and %q, want distinct non-empty", a.ID, b.ID)
	}
}

func TestProgress(t *testing.T) {
	t.Parallel()

	var tty bytes.Buffer
	p := NewProgress(&tty, true)
	p.Statusf("frame %d", 1)
	p.Statusf("frame %d", 2)
	p.Printf("done")
	if got, want := tty.String(), "\r\033[Kframe 1\r\033[Kframe 2\r\033[Kdone\n"; got != want {
		t.Errorf("tty: got %q, want %q", got, want)
	}

	var plain bytes.Buffer
	p = NewProgress(&plain, false)
	p.Statusf("frame %d", 1)
	p.Done()
	p.Printf("done")
	if got := plain.String(); got != "done\n" {
		t.Errorf("plain: got %q, want %q", got, "done\n")
	}

	var nilProgress *Progress
	nilProgress.Printf("ignored")
	nilProgress.Statusf("ignored")
	nilProgress.Done()
}

func TestSplitFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		arg, format, path string
	}{
		{"in.ts", "", "in.ts"},
		{"pcm_s16le:audio.raw", "pcm_s16le", "audio.raw"},
		{"mpegts:-", "mpegts", "-"},
		{"notaformat:x", "", "notaformat:x"},
	}
	for _, tt := range tests {
		format, path := splitFormat(tt.arg)
		if format != tt.format || path != tt.path {
			t.Errorf("%q: got %q %q, want %q %q", tt.arg, format, path, tt.format, tt.path)
		}
	}
}

func TestUsageErrors(t *testing.T) {
	t.Parallel()

	r, _ := newTestRunner(t)
	for _, args := range [][]string{
		nil,
		{"transcode"},
		{"decode", "in"},
		{"batch"},
		{"decode", "in", "out", "vp9"},
	} {
		err := r.Run(context.Background(), args)
		if got := ExitCode(err); got != ExitUsage {
			t.Errorf("%q: got exit %d (%v), want %d", args, got, err, ExitUsage)
		}
	}
	if got := Usage("mux"); got != "avkit mux <video_in> <audio_in> <out>" {
		t.Errorf("got usage %q", got)
	}
}

func TestDecodeSynth(t *testing.T) {
	t.Parallel()

	r, out := newTestRunner(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "in.synth")
	yuv := filepath.Join(dir, "out.yuv")
	const n = 7
	writeSynthFile(t, in, n, 16, 8)

	run(t, r, "decode", in, yuv, "synth")

	if got, want := fileSize(t, yuv), int64(n*16*8*3/2); got != want {
		t.Errorf("got %d bytes, want %d", got, want)
	}
	if !strings.Contains(out.String(), "Decoded 7 units into 7 frames") {
		t.Errorf("progress output:\n%s", out)
	}
	if !strings.Contains(out.String(), "-video_size 16x8") {
		t.Errorf("missing play hint:\n%s", out)
	}
}

func TestDecodeMissingInput(t *testing.T) {
	t.Parallel()

	r, _ := newTestRunner(t)
	dir := t.TempDir()
	err := r.Run(context.Background(), []string{"decode", filepath.Join(dir, "missing.synth"), filepath.Join(dir, "out.yuv"), "synth"})
	if got := ExitCode(err); got != 10 {
		t.Errorf("got exit %d (%v), want 10", got, err)
	}
}

func TestDecodeWithoutBackend(t *testing.T) {
	t.Parallel()

	r, _ := newTestRunner(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "in.h264")
	// A 1280x720 SPS followed by an IDR slice.
	annexB := []byte{
		0, 0, 0, 1,
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0x01, 0x6a, 0x04, 0x04, 0x0a, 0x80,
		0x00, 0x00, 0x03, 0x00, 0x80, 0x00, 0x00, 0x1e,
		0x30, 0x20, 0x00, 0x16, 0xe3, 0x60, 0x00, 0x2d,
		0xc6, 0xd2, 0x49, 0x80, 0x7c, 0x60, 0xc6, 0x58,
		0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00, 0x33,
	}
	if err := os.WriteFile(in, annexB, 0o644); err != nil {
		t.Fatal(err)
	}
	err := r.Run(context.Background(), []string{"decode", in, filepath.Join(dir, "out.yuv"), "h264"})
	if got := ExitCode(err); got != 13 {
		t.Errorf("got exit %d (%v), want 13", got, err)
	}
	if !errors.Is(err, media.ErrResource) {
		t.Errorf("got %v, want ErrResource", err)
	}
}

func TestEncodeThenDecode(t *testing.T) {
	t.Parallel()

	r, out := newTestRunner(t)
	dir := t.TempDir()
	synth := filepath.Join(dir, "test.synth")
	yuv := filepath.Join(dir, "test.yuv")

	run(t, r, "encode", "testsrc", synth, "synth")
	run(t, r, "decode", synth, yuv, "auto")

	if got, want := fileSize(t, yuv), int64(5*16*8*3/2); got != want {
		t.Errorf("got %d bytes, want %d", got, want)
	}
	if !strings.Contains(out.String(), "Encoded 5 units of synth") {
		t.Errorf("progress output:\n%s", out)
	}
}

func TestEncodeRawVideoKeepsPictures(t *testing.T) {
	t.Parallel()

	r, _ := newTestRunner(t)
	dir := t.TempDir()
	raw := filepath.Join(dir, "test.raw")
	run(t, r, "encode", "testsrc", raw, "rawvideo")

	data, err := os.ReadFile(raw)
	if err != nil {
		t.Fatal(err)
	}
	const frame = 16 * 8 * 3 / 2
	if len(data) != 5*frame {
		t.Fatalf("got %d bytes, want %d", len(data), 5*frame)
	}
	// Luma of frame i at (x, y) is x + y + 3i.
	if got := data[2*frame+16*1+4]; got != 4+1+6 {
		t.Errorf("frame 2 luma (4,1): got %d, want 11", got)
	}
}

func TestEncodeRejectsMismatchedGenerator(t *testing.T) {
	t.Parallel()

	r, _ := newTestRunner(t)
	err := r.Run(context.Background(), []string{"encode", "sine", filepath.Join(t.TempDir(), "x.synth"), "synth"})
	if got := ExitCode(err); got != 10 {
		t.Errorf("got exit %d (%v), want 10", got, err)
	}
}

func TestEncodeWithoutBackend(t *testing.T) {
	t.Parallel()

	r, _ := newTestRunner(t)
	err := r.Run(context.Background(), []string{"encode", "sine", filepath.Join(t.TempDir(), "x.aac"), "aac"})
	if got := ExitCode(err); got != 15 {
		t.Errorf("got exit %d (%v), want 15", got, err)
	}
}

func TestTransportStreamRoundTrip(t *testing.T) {
	t.Parallel()

	r, out := newTestRunner(t)
	dir := t.TempDir()
	video := filepath.Join(dir, "v.synth")
	audio := filepath.Join(dir, "a.pcm")
	ts := filepath.Join(dir, "av.ts")

	run(t, r, "encode", "testsrc", video, "synth")
	run(t, r, "encode", "sine", audio, media.CodecPCMS16LE)
	run(t, r, "mux", video, media.CodecPCMS16LE+":"+audio, ts)

	src, err := storage.Open(ts)
	if err != nil {
		t.Fatal(err)
	}
	rd, err := container.OpenReader(context.Background(), "", src, container.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer rd.Close()

	kinds := make(map[int]media.Kind)
	for _, s := range rd.Streams() {
		kinds[s.ID] = s.Kind
	}
	counts := make(map[media.Kind]int)
	for {
		u, err := rd.ReadUnit()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		counts[kinds[u.StreamID]]++
	}
	if counts[media.KindVideo] != 5 || counts[media.KindAudio] == 0 {
		t.Errorf("got %d video and %d audio units, want 5 and some", counts[media.KindVideo], counts[media.KindAudio])
	}

	yuv := filepath.Join(dir, "v.yuv")
	pcm := filepath.Join(dir, "a.raw")
	run(t, r, "demux", ts, yuv, pcm)
	if got, want := fileSize(t, yuv), int64(5*16*8*3/2); got != want {
		t.Errorf("demuxed video: got %d bytes, want %d", got, want)
	}
	if got, want := fileSize(t, pcm), fileSize(t, audio); got != want {
		t.Errorf("demuxed audio: got %d bytes, want %d", got, want)
	}
	if !strings.Contains(out.String(), "Demuxed 5 video frames") {
		t.Errorf("progress output:\n%s", out)
	}
}

func TestDemuxCopy(t *testing.T) {
	t.Parallel()

	r, _ := newTestRunner(t)
	r.Config.Copy = true
	dir := t.TempDir()
	ts := filepath.Join(dir, "v.ts")
	copied := filepath.Join(dir, "copy.synth")

	run(t, r, "encode", "testsrc", ts, "synth")
	run(t, r, "demux", ts, copied, "")

	direct := filepath.Join(dir, "direct.synth")
	run(t, r, "encode", "testsrc", direct, "synth")
	a, err := os.ReadFile(copied)
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(direct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("copied stream differs from a direct encode: %d vs %d bytes", len(a), len(b))
	}
}

func TestDemuxMissingStream(t *testing.T) {
	t.Parallel()

	r, _ := newTestRunner(t)
	dir := t.TempDir()
	ts := filepath.Join(dir, "v.ts")
	run(t, r, "encode", "testsrc", ts, "synth")

	err := r.Run(context.Background(), []string{"demux", ts, "", filepath.Join(dir, "a.raw")})
	if got := ExitCode(err); got != 12 {
		t.Errorf("got exit %d (%v), want 12", got, err)
	}
}

func writeTestYUV(t *testing.T, path string, frames, w, h int) {
	t.Helper()
	var buf bytes.Buffer
	src := &testSource{w: w, h: h, frames: frames}
	for {
		f, err := src.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if err := storage.WriteYUV(&buf, f); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFilterCommand(t *testing.T) {
	t.Parallel()

	r, out := newTestRunner(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "in.yuv")
	writeTestYUV(t, in, 4, 16, 8)

	tests := []struct {
		desc  string
		bytes int64
	}{
		{"scale=8:4", 4 * 8 * 4 * 3 / 2},
		{"transpose=1,hflip", 4 * 16 * 8 * 3 / 2},
		{"framestep=2", 2 * 16 * 8 * 3 / 2},
		{"null", 4 * 16 * 8 * 3 / 2},
	}
	for i, tt := range tests {
		dst := filepath.Join(dir, fmt.Sprintf("out%d.yuv", i))
		run(t, r, "filter", tt.desc, in, dst)
		if got := fileSize(t, dst); got != tt.bytes {
			t.Errorf("%s: got %d bytes, want %d", tt.desc, got, tt.bytes)
		}
	}
	if !strings.Contains(out.String(), "-video_size 8x4") {
		t.Errorf("missing scaled play hint:\n%s", out)
	}

	err := r.Run(context.Background(), []string{"filter", "warp=2", in, filepath.Join(dir, "bad.yuv")})
	if got := ExitCode(err); got != 14 {
		t.Errorf("unknown filter: got exit %d (%v), want 14", got, err)
	}
}

func TestResampleCommand(t *testing.T) {
	t.Parallel()

	r, _ := newTestRunner(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcm")
	out := filepath.Join(dir, "out.pcm")

	// 4410 stereo s16 samples at 44100 Hz.
	if err := os.WriteFile(in, make([]byte, 4410*2*2), 0o644); err != nil {
		t.Fatal(err)
	}
	run(t, r, "resample", in, out)
	if got, want := fileSize(t, out), int64(4800*2*2); got != want {
		t.Errorf("got %d bytes, want %d", got, want)
	}

	r.Config.ResampleChannels = 1
	r.Config.ResampleFormat = media.SampleFormatFLT
	mono := filepath.Join(dir, "mono.pcm")
	run(t, r, "resample", in, mono)
	if got, want := fileSize(t, mono), int64(4800*4); got != want {
		t.Errorf("mono flt: got %d bytes, want %d", got, want)
	}
}

func TestBatch(t *testing.T) {
	t.Parallel()

	r, out := newTestRunner(t)
	dir := t.TempDir()
	jobs := filepath.Join(dir, "jobs.txt")
	content := fmt.Sprintf(`# encode two streams
encode testsrc %[1]s/a.synth synth
encode sine %[1]s/b.pcm pcm_s16le   # audio

decode %[1]s/missing.synth %[1]s/c.yuv synth
`, dir)
	if err := os.WriteFile(jobs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	err := r.Run(context.Background(), []string{"batch", jobs})
	if got := ExitCode(err); got != 10 {
		t.Errorf("got exit %d (%v), want 10", got, err)
	}
	if !strings.Contains(err.Error(), "jobs.txt:5") {
		t.Errorf("got %v, want the failing line number", err)
	}
	for _, name := range []string{"a.synth", "b.pcm"} {
		if fileSize(t, filepath.Join(dir, name)) == 0 {
			t.Errorf("%s is empty", name)
		}
	}
	if !strings.Contains(out.String(), "Batch finished: 3 jobs, 1 failed") {
		t.Errorf("progress output:\n%s", out)
	}
}

func TestBatchRejectsNesting(t *testing.T) {
	t.Parallel()

	r, _ := newTestRunner(t)
	jobs := filepath.Join(t.TempDir(), "jobs.txt")
	if err := os.WriteFile(jobs, []byte("batch other.txt\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := ExitCode(r.Run(context.Background(), []string{"batch", jobs})); got != ExitUsage {
		t.Errorf("got exit %d, want %d", got, ExitUsage)
	}
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	r, _ := newTestRunner(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "in.synth")
	writeSynthFile(t, in, 3, 16, 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Run(ctx, []string{"decode", in, filepath.Join(dir, "out.yuv"), "synth"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
