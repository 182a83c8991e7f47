package pipeline

import (
	"multilevelreg/pkg/transform"
	"multilevelreg/pkg/validation"
)

// Status is the stage a registration run has reached.
type Status int

const (
	// StatusInit means the initial transform is being computed
	StatusInit Status = iota
	// StatusLevel means registration levels are running
	StatusLevel
	// StatusDone means every level has been attempted
	StatusDone
	// StatusFailed means a precondition error aborted the run
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusLevel:
		return "level"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LevelReport records what happened at one level. Level 0 is the
// initialization.
type LevelReport struct {
	Level int

	// Transform is the increment appended at this level, nil if skipped
	Transform *transform.RigidScale

	StopReason string
	Iterations int
	Value      float64

	// Overlap is set when both label maps were given and agreed
	Overlap *validation.OverlapReport

	// Fiducials is set when landmarks were given
	Fiducials *validation.FiducialReport
}

// Skipped reports whether the level left the composite unchanged.
func (r LevelReport) Skipped() bool { return r.Level > 0 && r.Transform == nil }

// PipelineState is a snapshot of a registration run. States are values:
// every transition returns a new state and leaves the old one untouched.
type PipelineState struct {
	RunID  string
	Status Status

	// Level is the last level started, 0 during initialization
	Level int

	Composite *transform.Composite
	Reports   []LevelReport
	Warnings  []string

	// Err is the error that moved the run to StatusFailed
	Err error
}

func newState(runID string) PipelineState {
	return PipelineState{RunID: runID, Status: StatusInit, Composite: transform.NewComposite()}
}

// clone copies the slices so that appends never alias an earlier state.
func (s PipelineState) clone() PipelineState {
	s.Reports = append([]LevelReport(nil), s.Reports...)
	s.Warnings = append([]string(nil), s.Warnings...)
	return s
}

func (s PipelineState) atLevel(level int) PipelineState {
	next := s.clone()
	next.Status = StatusLevel
	next.Level = level
	return next
}

func (s PipelineState) withComposite(c *transform.Composite) PipelineState {
	next := s.clone()
	next.Composite = c
	return next
}

func (s PipelineState) withReport(r LevelReport) PipelineState {
	next := s.clone()
	next.Reports = append(next.Reports, r)
	return next
}

func (s PipelineState) withWarning(w string) PipelineState {
	next := s.clone()
	next.Warnings = append(next.Warnings, w)
	return next
}

func (s PipelineState) done() PipelineState {
	next := s.clone()
	next.Status = StatusDone
	return next
}

func (s PipelineState) fail(err error) PipelineState {
	next := s.clone()
	next.Status = StatusFailed
	next.Err = err
	return next
}

// Report returns the report of level, if one was recorded.
func (s PipelineState) Report(level int) (LevelReport, bool) {
	for _, r := range s.Reports {
		if r.Level == level {
			return r, true
		}
	}
	return LevelReport{}, false
}
