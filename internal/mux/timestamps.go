package mux

import (
	"fmt"

	"github.com/zsiec/avkit/internal/media"
)

// synthesize fills the missing timing of the index-th unit of a stream,
// in the stream's time base. A missing PTS is index frame durations, a
// missing DTS is the PTS and a missing duration is one frame.
func synthesize(d media.StreamDescriptor, index int64, u *media.CodedUnit) error {
	if u.PTS != media.NoTimestamp && u.DTS != media.NoTimestamp && u.Duration != media.NoTimestamp {
		return nil
	}
	if u.PTS == media.NoTimestamp {
		pts, ok := frameStart(d, index)
		if !ok {
			return fmt.Errorf("%w: %s stream has no frame rate to derive timestamps from", media.ErrConfig, d.Codec)
		}
		u.PTS = pts
	}
	if u.DTS == media.NoTimestamp {
		u.DTS = u.PTS
	}
	if u.Duration == media.NoTimestamp {
		start, ok1 := frameStart(d, index)
		end, ok2 := frameStart(d, index+1)
		if ok1 && ok2 {
			u.Duration = end - start
		}
	}
	return nil
}

// frameStart returns the start of frame n in the stream's time base. The
// result is rounded once, from the exact rational position.
func frameStart(d media.StreamDescriptor, n int64) (int64, bool) {
	switch d.Kind {
	case media.KindVideo:
		if d.FrameRate.Validate() != nil {
			return 0, false
		}
		return media.Rescale(n, d.FrameRate.Invert(), d.TimeBase), true
	case media.KindAudio:
		if d.SampleRate <= 0 || d.FrameSize <= 0 {
			return 0, false
		}
		return media.Rescale(n*int64(d.FrameSize), media.Rational{Num: 1, Den: int64(d.SampleRate)}, d.TimeBase), true
	}
	return 0, false
}
