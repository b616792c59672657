package media

// Codec identifiers understood by the framer, codec registry and container
// backends.
const (
	CodecH264     = "h264"
	CodecHEVC     = "hevc"
	CodecAAC      = "aac"
	CodecMP3      = "mp3"
	CodecPCMS16LE = "pcm_s16le"
	CodecPCMF32LE = "pcm_f32le"
	CodecRawVideo = "rawvideo"
	CodecSynth    = "synth"
)

var codecKinds = map[string]Kind{
	CodecH264:     KindVideo,
	CodecHEVC:     KindVideo,
	CodecAAC:      KindAudio,
	CodecMP3:      KindAudio,
	CodecPCMS16LE: KindAudio,
	CodecPCMF32LE: KindAudio,
	CodecRawVideo: KindVideo,
	CodecSynth:    KindVideo,
}

// CodecKind returns the media kind of a known codec identifier and false
// for unknown names.
func CodecKind(name string) (Kind, bool) {
	k, ok := codecKinds[name]
	return k, ok
}
