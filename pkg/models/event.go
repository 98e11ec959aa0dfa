package models

import "time"

// EventType names the kind of pipeline event
type EventType string

const (
	EventRecordingStarted   EventType = "recording.started"
	EventRecordingCompleted EventType = "recording.completed"
	EventMediaSaved         EventType = "media.saved"
	EventMediaSaveFailed    EventType = "media.save_failed"
	EventFilterChanged      EventType = "filter.changed"
	EventCameraSwitched     EventType = "camera.switched"
)

// Event is published to API subscribers
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"sessionId,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Kind      MediaKind `json:"kind,omitempty"`
	Name      string    `json:"name,omitempty"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// MediaKind groups library items
type MediaKind string

const (
	MediaPhotos MediaKind = "photos"
	MediaVideos MediaKind = "videos"
)

// Valid reports whether k is a known media kind
func (k MediaKind) Valid() bool {
	return k == MediaPhotos || k == MediaVideos
}

// MediaItem is an entry in the media library
type MediaItem struct {
	Kind      MediaKind `json:"kind"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
	URL       string    `json:"url"`
}

// StatusResponse is returned by the status endpoint
type StatusResponse struct {
	Mode        CaptureMode     `json:"mode"`
	Recording   RecordingStatus `json:"recording"`
	Filter      FilterSelection `json:"filter"`
	Device      string          `json:"device"`
	Orientation Orientation     `json:"orientation"`
	Router      RouterStats     `json:"router"`
	HasPreview  bool            `json:"hasPreview"`
}

// RouterStats is a snapshot of frame router counters
type RouterStats struct {
	VideoFrames        uint64 `json:"videoFrames"`
	AudioBuffers       uint64 `json:"audioBuffers"`
	ConversionFailures uint64 `json:"conversionFailures"`
	FilterFailures     uint64 `json:"filterFailures"`
}

// CaptureResponse is returned by the capture action
type CaptureResponse struct {
	Mode  CaptureMode    `json:"mode"`
	Photo *MediaItem     `json:"photo,omitempty"`
	State RecordingState `json:"state,omitempty"`
}
