// Package metrics provides Prometheus instrumentation for avkit runs.
//
// Every metric lives on the package Registry rather than the global default
// so that a run can dump exactly its own series with WriteFile. All metric
// names are prefixed with "avkit_".
//
// # Metric Categories
//
// Pipeline stages:
//   - UnitsTotal: coded units by stage and media kind
//   - FramesTotal: decoded, filtered or resampled frames by stage and kind
//   - StageErrors: failures by stage
//   - StageDuration: wall time of each stage
//
// Storage:
//   - BytesTotal: bytes read and written
//
// Runs:
//   - RunsTotal: finished runs by command and status
//   - RunsInFlight: runs currently executing
//
// Demux side channels:
//   - CaptionsTotal: caption updates by channel
//   - TimecodesTotal: pic_timing timecodes seen
package metrics
