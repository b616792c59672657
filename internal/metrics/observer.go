package metrics

import (
	"strconv"

	"github.com/zsiec/avkit/internal/demux"
	"github.com/zsiec/avkit/internal/media"
	"github.com/zsiec/avkit/internal/mux"
)

// demuxObserver implements demux.StatsRecorder with the counters declared
// in this package.
type demuxObserver struct{}

// NewDemuxObserver returns a recorder for demux telemetry.
func NewDemuxObserver() demux.StatsRecorder {
	return demuxObserver{}
}

func (demuxObserver) RecordUnit(kind media.Kind, _ int, _ bool) {
	UnitsTotal.WithLabelValues(StageDemux, kind.String()).Inc()
}

func (demuxObserver) RecordFrame(kind media.Kind) {
	FramesTotal.WithLabelValues(StageDecode, kind.String()).Inc()
}

func (demuxObserver) RecordCaption(channel int) {
	CaptionsTotal.WithLabelValues(strconv.Itoa(channel)).Inc()
}

func (demuxObserver) RecordTimecode(string) {
	TimecodesTotal.Inc()
}

type muxObserver struct{}

// NewMuxObserver returns a recorder for units written by the multiplexer.
func NewMuxObserver() mux.StatsRecorder {
	return muxObserver{}
}

func (muxObserver) RecordUnit(kind media.Kind, _ int, _ bool) {
	UnitsTotal.WithLabelValues(StageMux, kind.String()).Inc()
}
