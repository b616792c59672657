package metrics

// Stage names used as label values.
const (
	StageInput    = "input"
	StageFramer   = "framer"
	StageDemux    = "demux"
	StageDecode   = "decode"
	StageFilter   = "filter"
	StageEncode   = "encode"
	StageMux      = "mux"
	StageOutput   = "output"
	StageResample = "resample"
)

// Stages lists every stage label.
var Stages = []string{
	StageInput, StageFramer, StageDemux, StageDecode, StageFilter,
	StageEncode, StageMux, StageOutput, StageResample,
}

// Initialize pre-populates the expected label combinations so that every
// series appears in the first dump, even at zero.
func Initialize() {
	for _, stage := range Stages {
		StageErrors.WithLabelValues(stage)
		StageDuration.WithLabelValues(stage)
		for _, kind := range []string{"video", "audio"} {
			UnitsTotal.WithLabelValues(stage, kind)
			FramesTotal.WithLabelValues(stage, kind)
		}
	}
	for _, dir := range []string{"read", "write"} {
		BytesTotal.WithLabelValues(dir)
	}
}
