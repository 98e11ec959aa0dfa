package models

import "time"

// RecordingState represents the lifecycle state of the recorder
type RecordingState string

const (
	RecordingStateIdle       RecordingState = "idle"
	RecordingStateArmed      RecordingState = "armed"
	RecordingStateRecording  RecordingState = "recording"
	RecordingStateFinalizing RecordingState = "finalizing"
)

// RecordingOutcome is the final result of one recording session
type RecordingOutcome string

const (
	OutcomeSuccess   RecordingOutcome = "success"
	OutcomeFailure   RecordingOutcome = "failure"
	OutcomeCancelled RecordingOutcome = "cancelled"
)

// RecordingTarget identifies where a session writes its output
type RecordingTarget struct {
	SessionID string
	Path      string
}

// RecordingResult is delivered exactly once per recording session
type RecordingResult struct {
	SessionID     string
	Outcome       RecordingOutcome
	OutputPath    string        // Set only on success
	Err           error         // Set only on failure
	Anchor        time.Duration // Source timestamp of the first recorded frame
	Duration      time.Duration // Last video timestamp minus anchor
	VideoFrames   uint64        // Frames handed to the encoder
	AudioBuffers  uint64        // Audio buffers handed to the encoder
	DroppedFrames uint64        // Frames rejected by the session (pre-anchor, out of order, finalizing)
	StartedAt     time.Time
	FinishedAt    time.Time
}

// RecordingStatus is a point-in-time view of the recorder
type RecordingStatus struct {
	State       RecordingState `json:"state"`
	SessionID   string         `json:"sessionId,omitempty"`
	OutputPath  string         `json:"outputPath,omitempty"`
	Duration    float64        `json:"duration,omitempty"` // seconds since anchor
	VideoFrames uint64         `json:"videoFrames,omitempty"`
	AudioBufs   uint64         `json:"audioBuffers,omitempty"`
	Dropped     uint64         `json:"dropped,omitempty"`
}

// CaptureMode selects what the capture action does
type CaptureMode string

const (
	ModePhoto CaptureMode = "photo"
	ModeVideo CaptureMode = "video"
)

// Orientation of frames produced by a capture source
type Orientation string

const (
	OrientationLandscape      Orientation = "landscape"
	OrientationPortrait       Orientation = "portrait"
	OrientationLandscapeLeft  Orientation = "landscape-left"
	OrientationPortraitUpside Orientation = "portrait-upside-down"
)

// Valid reports whether o is a known orientation
func (o Orientation) Valid() bool {
	switch o {
	case OrientationLandscape, OrientationPortrait, OrientationLandscapeLeft, OrientationPortraitUpside:
		return true
	}
	return false
}
