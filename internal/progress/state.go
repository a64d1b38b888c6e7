package progress

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Status identifies which variant of State is active.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// ErrorKind classifies why a download failed.
type ErrorKind string

const (
	ErrorKindTransfer       ErrorKind = "transfer"
	ErrorKindFilesystem     ErrorKind = "filesystem"
	ErrorKindSessionInvalid ErrorKind = "session_invalid"
	ErrorKindScheduling     ErrorKind = "scheduling"
)

// State is the observable download state. Exactly one variant is active,
// selected by Status; fields of other variants are zero.
type State struct {
	Status Status

	// Downloading. Progress is in [0,1]; when Indeterminate is set the total
	// size is unknown and Progress is 0.
	Progress      float64
	Indeterminate bool

	// Completed.
	Location  string
	SizeBytes int64

	// Failed.
	ErrorKind ErrorKind
	Err       error

	// Time since the transfer started, for every variant except Idle.
	Elapsed time.Duration
}

// Idle is the initial state.
func Idle() State {
	return State{Status: StatusIdle}
}

// Downloading returns a progress state. Out-of-range values are clamped.
func Downloading(progress float64, elapsed time.Duration) State {
	switch {
	case math.IsNaN(progress) || progress < 0:
		progress = 0
	case progress > 1:
		progress = 1
	}
	return State{Status: StatusDownloading, Progress: progress, Elapsed: elapsed}
}

// DownloadingIndeterminate returns a progress state for a transfer of unknown size.
func DownloadingIndeterminate(elapsed time.Duration) State {
	return State{Status: StatusDownloading, Indeterminate: true, Elapsed: elapsed}
}

// Completed returns the terminal success state.
func Completed(location string, sizeBytes int64, elapsed time.Duration) State {
	if sizeBytes < 0 {
		sizeBytes = 0
	}
	return State{Status: StatusCompleted, Location: location, SizeBytes: sizeBytes, Elapsed: elapsed}
}

// Failed returns the terminal failure state.
func Failed(kind ErrorKind, err error, elapsed time.Duration) State {
	return State{Status: StatusFailed, ErrorKind: kind, Err: err, Elapsed: elapsed}
}

// IsTerminal reports whether s is Completed or Failed.
func (s State) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// String renders the state for logs.
func (s State) String() string {
	switch s.Status {
	case StatusDownloading:
		if s.Indeterminate {
			return fmt.Sprintf("downloading (indeterminate, %s)", s.Elapsed.Round(time.Millisecond))
		}
		return fmt.Sprintf("downloading (%.2f%%, %s)", s.Progress*100, s.Elapsed.Round(time.Millisecond))
	case StatusCompleted:
		return fmt.Sprintf("completed (%d bytes at %s, %s)", s.SizeBytes, s.Location, s.Elapsed.Round(time.Millisecond))
	case StatusFailed:
		return fmt.Sprintf("failed (%s: %v, %s)", s.ErrorKind, s.Err, s.Elapsed.Round(time.Millisecond))
	default:
		return string(StatusIdle)
	}
}

// stateJSON is the wire shape sent to UI clients.
type stateJSON struct {
	Status         Status    `json:"status"`
	Progress       *float64  `json:"progress,omitempty"`
	Indeterminate  bool      `json:"indeterminate,omitempty"`
	Location       string    `json:"location,omitempty"`
	SizeBytes      *int64    `json:"sizeBytes,omitempty"`
	ErrorKind      ErrorKind `json:"errorKind,omitempty"`
	Error          string    `json:"error,omitempty"`
	ElapsedSeconds float64   `json:"elapsedSeconds"`
}

// MarshalJSON emits only the fields of the active variant.
func (s State) MarshalJSON() ([]byte, error) {
	out := stateJSON{
		Status:         s.Status,
		ElapsedSeconds: s.Elapsed.Seconds(),
	}
	switch s.Status {
	case StatusDownloading:
		out.Indeterminate = s.Indeterminate
		if !s.Indeterminate {
			p := s.Progress
			out.Progress = &p
		}
	case StatusCompleted:
		size := s.SizeBytes
		out.Location = s.Location
		out.SizeBytes = &size
	case StatusFailed:
		out.ErrorKind = s.ErrorKind
		if s.Err != nil {
			out.Error = s.Err.Error()
		}
	case "":
		out.Status = StatusIdle
	}
	return json.Marshal(out)
}

// Fraction converts transfer counters to a progress value. ok is false when
// totalExpected is unknown (zero or negative), in which case progress is
// indeterminate and the returned value is 0.
func Fraction(totalWritten, totalExpected int64) (progress float64, ok bool) {
	if totalExpected <= 0 {
		return 0, false
	}
	if totalWritten <= 0 {
		return 0, true
	}
	if totalWritten >= totalExpected {
		return 1, true
	}
	return float64(totalWritten) / float64(totalExpected), true
}
