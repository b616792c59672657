package pipeline

import (
	"errors"
	"fmt"
)

// Stage names the part of a run that failed. The values double as metric
// and span labels.
type Stage string

// Stages of a run.
const (
	StageUsage    Stage = "usage"
	StageInput    Stage = "input"
	StageFramer   Stage = "framer"
	StageDemux    Stage = "demux"
	StageDecode   Stage = "decode"
	StageFilter   Stage = "filter"
	StageEncode   Stage = "encode"
	StageMux      Stage = "mux"
	StageOutput   Stage = "output"
	StageResample Stage = "resample"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitUnknown = 1
	ExitUsage   = 2
)

var exitCodes = map[Stage]int{
	StageUsage:    ExitUsage,
	StageInput:    10,
	StageFramer:   11,
	StageDemux:    12,
	StageDecode:   13,
	StageFilter:   14,
	StageEncode:   15,
	StageMux:      16,
	StageOutput:   17,
	StageResample: 18,
}

// ErrUsage reports a malformed command line.
var ErrUsage = errors.New("usage error")

// StageError attributes an error to the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// at wraps err in a StageError for stage. An error that already names a
// stage keeps it, so the innermost attribution wins.
func at(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// usagef returns a usage StageError.
func usagef(format string, args ...any) error {
	return &StageError{Stage: StageUsage, Err: fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))}
}

// ExitCode maps err to the process exit code of the stage that failed.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var se *StageError
	if errors.As(err, &se) {
		if code, ok := exitCodes[se.Stage]; ok {
			return code
		}
	}
	if errors.Is(err, ErrUsage) {
		return ExitUsage
	}
	return ExitUnknown
}

// FailedStage returns the stage err is attributed to, or "" if none.
func FailedStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
