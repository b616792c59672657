package framer

import "testing"

func TestParseSPSHRDFields(t *testing.T) {
	t.Parallel()
	sps := []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0x01, 0x6a, 0x04, 0x04, 0x0a, 0x80,
		0x00, 0x00, 0x03, 0x00, 0x80, 0x00, 0x00, 0x1e,
		0x30, 0x20, 0x00, 0x16, 0xe3, 0x60, 0x00, 0x2d,
		0xc6, 0xd2, 0x49, 0x80, 0x7c, 0x60, 0xc6, 0x58,
	}

	info, err := ParseSPS(sps)
	if err != nil {
		t.Fatalf("ParseSPS: %v", err)
	}
	if info.Width != 1280 || info.Height != 720 {
		t.Errorf("size: got %dx%d, want 1280x720", info.Width, info.Height)
	}
	if !info.PicStructPresent || !info.HRDPresent {
		t.Errorf("got PicStructPresent=%v HRDPresent=%v, want both true", info.PicStructPresent, info.HRDPresent)
	}
	if info.CpbRemovalDelayLen != 10 || info.DpbOutputDelayLen != 7 || info.TimeOffsetLen != 0 {
		t.Errorf("delay lengths: got %d/%d/%d, want 10/7/0",
			info.CpbRemovalDelayLen, info.DpbOutputDelayLen, info.TimeOffsetLen)
	}
}

func TestParsePicTimingSEI(t *testing.T) {
	t.Parallel()
	hrd := SPSInfo{PicStructPresent: true, HRDPresent: true, CpbRemovalDelayLen: 10, DpbOutputDelayLen: 7}

	tests := []struct {
		name string
		nal  []byte
		sps  SPSInfo
		want Timecode
		ok   bool
	}{
		{
			name: "emulation_prevention",
			nal:  []byte{0x06, 0x01, 0x08, 0x00, 0x02, 0x04, 0x12, 0x00, 0x00, 0x03, 0x00, 0x40, 0x80},
			sps:  hrd,
			want: Timecode{Hours: 1},
			ok:   true,
		},
		{
			name: "frame_1",
			nal:  []byte{0x06, 0x01, 0x08, 0x00, 0x85, 0x04, 0x12, 0x00, 0x80, 0x00, 0x40, 0x80},
			sps:  hrd,
			want: Timecode{Hours: 1, Frames: 1},
			ok:   true,
		},
		{
			name: "frame_2",
			nal:  []byte{0x06, 0x01, 0x08, 0x01, 0x02, 0x04, 0x12, 0x01, 0x00, 0x00, 0x40, 0x80},
			sps:  hrd,
			want: Timecode{Hours: 1, Frames: 2},
			ok:   true,
		},
		{
			name: "no_clock_timestamp",
			nal:  []byte{0x06, 0x01, 0x03, 0x00, 0x02, 0x02, 0x80},
			sps:  hrd,
		},
		{
			name: "too_short",
			nal:  []byte{0x06},
			sps:  hrd,
		},
		{
			name: "sps_without_hrd",
			nal:  []byte{0x06, 0x01, 0x08, 0x00, 0x02, 0x04, 0x12, 0x00, 0x00, 0x03, 0x00, 0x40, 0x80},
			sps:  SPSInfo{PicStructPresent: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParsePicTimingSEI(tt.nal, tt.sps)
			if ok != tt.ok {
				t.Fatalf("ok: got %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimecodeString(t *testing.T) {
	t.Parallel()
	if got := (Timecode{Hours: 1, Minutes: 2, Seconds: 3, Frames: 4}).String(); got != "01:02:03:04" {
		t.Errorf("got %q, want %q", got, "01:02:03:04")
	}
}
