// Package demux selects the video and audio streams of a container and
// yields their coded units, or with decoding enabled, their frames.
//
// The best video stream is the one with the largest picture and the best
// audio stream the one with the highest sample rate, bit depth and channel
// count. Closed captions (CEA-608/708) and H.264 timecodes carried in SEI
// messages of the selected video stream are reported through callbacks.
package demux
