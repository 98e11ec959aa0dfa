package models

import (
	"fmt"
	"time"
)

// PixelFormat identifies the memory layout of a frame's pixel data
type PixelFormat string

const (
	PixelFormatRGBA    PixelFormat = "rgba"
	PixelFormatBGRA    PixelFormat = "bgra"
	PixelFormatRGB24   PixelFormat = "rgb24"
	PixelFormatGray    PixelFormat = "gray"
	PixelFormatYUV420P PixelFormat = "yuv420p"
)

// BytesPerFrame returns the buffer size a frame of the given format and size occupies.
// Zero means the format is unknown.
func (p PixelFormat) BytesPerFrame(width, height int) int {
	switch p {
	case PixelFormatRGBA, PixelFormatBGRA:
		return width * height * 4
	case PixelFormatRGB24:
		return width * height * 3
	case PixelFormatGray:
		return width * height
	case PixelFormatYUV420P:
		cw, ch := (width+1)/2, (height+1)/2
		return width*height + 2*cw*ch
	default:
		return 0
	}
}

// SampleKind tags the variant carried by a Sample
type SampleKind int

const (
	KindVideo SampleKind = iota
	KindAudio
)

func (k SampleKind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

// Sample is a captured unit of media: either a *Frame or an *AudioBuffer.
type Sample interface {
	Kind() SampleKind
	PTS() time.Duration
}

// Frame represents a single video frame from a capture source
type Frame struct {
	Seq       uint64        // Sequence number assigned by the source
	Width     int           // Width in pixels
	Height    int           // Height in pixels
	Format    PixelFormat   // Layout of Data
	Stride    int           // Bytes per row for packed formats (0 = tightly packed)
	Timestamp time.Duration // Presentation timestamp on the source clock
	Data      []byte        // Pixel data, owned by the source

	// Filter is the filter that was in effect when the router processed the frame.
	// Empty on raw frames and when no filter was selected.
	Filter string
	// Filtered is true when the selected filter was applied successfully.
	Filtered bool
}

func (f *Frame) Kind() SampleKind   { return KindVideo }
func (f *Frame) PTS() time.Duration { return f.Timestamp }
func (f *Frame) Resolution() string { return fmt.Sprintf("%dx%d", f.Width, f.Height) }

// AudioBuffer carries interleaved signed 16-bit little-endian PCM
type AudioBuffer struct {
	Seq        uint64
	Timestamp  time.Duration
	SampleRate int
	Channels   int
	Data       []byte
}

func (a *AudioBuffer) Kind() SampleKind   { return KindAudio }
func (a *AudioBuffer) PTS() time.Duration { return a.Timestamp }

// Frames returns the number of sample frames (one sample per channel) in the buffer
func (a *AudioBuffer) Frames() int {
	if a.Channels <= 0 {
		return 0
	}
	return len(a.Data) / (2 * a.Channels)
}

// Duration returns the playback duration of the buffer
func (a *AudioBuffer) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(a.Frames()) * time.Second / time.Duration(a.SampleRate)
}
