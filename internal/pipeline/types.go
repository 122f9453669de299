package pipeline

import (
	"sort"
	"time"
)

// LabelUnknown is the sentinel label for faces that matched no enrolled person.
const LabelUnknown = "Unknown"

// Frame is one decoded video frame (JPEG bytes) with its capture timestamp.
// A frame is owned by whichever stage is processing it and is never retained
// beyond one pipeline pass, except when persisted as an evidence image.
type Frame struct {
	Data      []byte
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
}

// BBox is a face bounding box in pixel coordinates.
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Detection is one recognized face in one sampled frame.
type Detection struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	BBox       BBox      `json:"bbox"`
	Timestamp  time.Time `json:"timestamp"`
}

// Known reports whether the detection matched an enrolled person.
func (d Detection) Known() bool {
	return d.Label != "" && d.Label != LabelUnknown
}

// SortDetections orders detections left-to-right (then top-to-bottom) so that
// notification and event-log sequences are deterministic for a given frame.
func SortDetections(dets []Detection) {
	sort.SliceStable(dets, func(i, j int) bool {
		if dets[i].BBox.X1 != dets[j].BBox.X1 {
			return dets[i].BBox.X1 < dets[j].BBox.X1
		}
		return dets[i].BBox.Y1 < dets[j].BBox.Y1
	})
}

// WindowState is the trigger-window controller state.
type WindowState int

const (
	// StateIdle - no window open, recognition suspended
	StateIdle WindowState = iota
	// StateActive - a window is open, frames are sampled at the capped rate
	StateActive
	// StateCooling - a window just closed, settle period before the next one
	StateCooling
)

func (s WindowState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCooling:
		return "cooling"
	default:
		return "unknown"
	}
}

// WindowParams describes one recognition window.
type WindowParams struct {
	Duration    time.Duration
	FPSCap      float64
	StopOnMatch bool
	// Forced windows (manual triggers) guarantee exactly one notification to
	// the operator, bypassing the rate limiter if needed.
	Forced bool
}

const (
	minWindowDuration = 500 * time.Millisecond
	maxWindowDuration = 120 * time.Second
	minFPSCap         = 0.1
	maxFPSCap         = 10.0
)

// Clamped returns a copy with duration and FPS cap bounded to sane limits.
func (p WindowParams) Clamped() WindowParams {
	if p.Duration < minWindowDuration {
		p.Duration = minWindowDuration
	}
	if p.Duration > maxWindowDuration {
		p.Duration = maxWindowDuration
	}
	if p.FPSCap < minFPSCap {
		p.FPSCap = minFPSCap
	}
	if p.FPSCap > maxFPSCap {
		p.FPSCap = maxFPSCap
	}
	return p
}

// SampleInterval returns the minimum spacing between sampled frames.
func (p WindowParams) SampleInterval() time.Duration {
	return time.Duration(float64(time.Second) / p.FPSCap)
}

// CloseReason says why a window closed.
type CloseReason int

const (
	// CloseTimeout - the window duration elapsed
	CloseTimeout CloseReason = iota
	// CloseMatch - stop-on-match ended the window early
	CloseMatch
	// CloseCancel - the window was cancelled externally
	CloseCancel
)

func (r CloseReason) String() string {
	switch r {
	case CloseTimeout:
		return "timeout"
	case CloseMatch:
		return "match"
	case CloseCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// WindowClose reports a completed window to the orchestrator.
type WindowClose struct {
	Reason    CloseReason
	Forced    bool
	StartedAt time.Time
	// NeedsFeedback is set when a forced window closed without any
	// notification having been delivered during it; the orchestrator owes
	// the operator exactly one forced "no match" notification.
	NeedsFeedback bool
}
